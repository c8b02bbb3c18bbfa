package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/lib-courier/courier/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	meterName          = "github.com/LerianStudio/lib-courier/courier/runtime"
	panicRecoveredName = "courier.panic.recovered"
)

// RecoverAndLogWithContext recovers a panic, logs it with its stack and
// records it on the span and the panic counter. Use it in defer statements.
//
//	defer runtime.RecoverAndLogWithContext(ctx, logger, "dispatcher", "scan_loop")
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, component, name, r, debug.Stack())
	}
}

// RecoverWithPolicyAndContext is RecoverAndLogWithContext with an explicit policy.
func RecoverWithPolicyAndContext(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, component, name, r, debug.Stack())

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// HandlePanicValue records a panic value that was already recovered elsewhere,
// for instance by fiber's recover middleware.
func HandlePanicValue(ctx context.Context, logger log.Logger, panicValue any, component, name string) {
	if panicValue == nil {
		return
	}

	handlePanic(ctx, logger, component, name, panicValue, debug.Stack())
}

func handlePanic(ctx context.Context, logger log.Logger, component, name string, value any, stack []byte) {
	if ctx == nil {
		ctx = context.Background()
	}

	if logger != nil {
		logger.Log(ctx, log.LevelError, "panic recovered",
			log.String("component", component),
			log.String("goroutine", name),
			log.String("panic", fmt.Sprint(value)),
			log.String("stack", string(stack)),
		)
	}

	recordPanicToSpan(ctx, value, component, name)
	recordPanicMetric(ctx, component, name)
}

func recordPanicToSpan(ctx context.Context, value any, component, name string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent("panic.recovered", trace.WithAttributes(
		attribute.String("panic.component", component),
		attribute.String("panic.goroutine", name),
		attribute.String("panic.value", fmt.Sprint(value)),
	))
	span.SetStatus(codes.Error, "panic recovered")
}

func recordPanicMetric(ctx context.Context, component, name string) {
	counter, err := otel.Meter(meterName).Int64Counter(
		panicRecoveredName,
		metric.WithDescription("Total number of recovered panics"),
		metric.WithUnit("{panic}"),
	)
	if err != nil {
		return
	}

	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("goroutine", name),
	))
}
