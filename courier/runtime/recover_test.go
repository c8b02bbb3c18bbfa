//go:build unit

package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	log.NopLogger
	mu       sync.Mutex
	messages []string
	fields   [][]log.Field
}

func (r *recordingLogger) Log(_ context.Context, _ log.Level, msg string, fields ...log.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, msg)
	r.fields = append(r.fields, fields)
}

func (r *recordingLogger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.messages)
}

func TestRecoverAndLogWithContextSwallowsPanic(t *testing.T) {
	logger := &recordingLogger{}

	assert.NotPanics(t, func() {
		defer RecoverAndLogWithContext(context.Background(), logger, "test", "boom")
		panic("boom")
	})

	require.Equal(t, 1, logger.count())
	assert.Equal(t, "panic recovered", logger.messages[0])
}

func TestRecoverWithPolicyCrashRepanics(t *testing.T) {
	logger := &recordingLogger{}

	assert.PanicsWithValue(t, "fatal", func() {
		defer RecoverWithPolicyAndContext(context.Background(), logger, "test", "fatal", CrashProcess)
		panic("fatal")
	})

	assert.Equal(t, 1, logger.count())
}

func TestSafeGoWithContextAndComponentRecovers(t *testing.T) {
	logger := &recordingLogger{}
	done := make(chan struct{})

	SafeGoWithContextAndComponent(context.Background(), logger, "test", "worker", KeepRunning, func(context.Context) {
		defer close(done)
		panic("worker failed")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}

	assert.Eventually(t, func() bool { return logger.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSafeGoNilFunctionIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		SafeGo(nil, "nil", KeepRunning, nil)
		SafeGoWithContextAndComponent(context.Background(), nil, "c", "n", KeepRunning, nil)
	})
}

func TestHandlePanicValueIgnoresNil(t *testing.T) {
	logger := &recordingLogger{}

	HandlePanicValue(context.Background(), logger, nil, "test", "noop")
	HandlePanicValue(context.Background(), logger, "value", "test", "handler")

	assert.Equal(t, 1, logger.count())
}

func TestPanicPolicyString(t *testing.T) {
	assert.Equal(t, "keep_running", KeepRunning.String())
	assert.Equal(t, "crash_process", CrashProcess.String())
	assert.Equal(t, "unknown", PanicPolicy(9).String())
}
