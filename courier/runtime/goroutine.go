package runtime

import (
	"context"

	"github.com/LerianStudio/lib-courier/courier/log"
)

// SafeGo runs fn in a new goroutine guarded by a panic handler.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	if fn == nil {
		return
	}

	go func() {
		defer RecoverWithPolicyAndContext(context.Background(), logger, "courier", name, policy)

		fn()
	}()
}

// SafeGoWithContextAndComponent runs fn(ctx) in a new goroutine guarded by a
// panic handler that reports against component and name.
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger log.Logger,
	component, name string,
	policy PanicPolicy,
	fn func(context.Context),
) {
	if fn == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}
