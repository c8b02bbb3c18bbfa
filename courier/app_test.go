//go:build unit

package courier

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLauncherRequiresLogger(t *testing.T) {
	l := NewLauncher()

	assert.ErrorIs(t, l.RunContext(context.Background()), ErrLoggerNil)
}

func TestLauncherAddValidation(t *testing.T) {
	l := NewLauncher(WithLogger(log.NewNop()))

	assert.ErrorIs(t, l.Add(" ", AppFunc(func(context.Context, *Launcher) error { return nil })), ErrEmptyApp)
	assert.ErrorIs(t, l.Add("x", nil), ErrNilApp)

	var nilLauncher *Launcher
	assert.ErrorIs(t, nilLauncher.Add("x", nil), ErrNilLauncher)
}

func TestLauncherSurfacesConfigErrors(t *testing.T) {
	l := NewLauncher(WithLogger(log.NewNop()), RunApp("", nil))

	err := l.RunContext(context.Background())
	require.ErrorIs(t, err, ErrConfigFailed)
}

func TestLauncherRunsAppsUntilCancelled(t *testing.T) {
	var started atomic.Int32

	blocking := AppFunc(func(ctx context.Context, _ *Launcher) error {
		started.Add(1)
		<-ctx.Done()

		return ctx.Err()
	})

	l := NewLauncher(WithLogger(log.NewNop()), RunApp("a", blocking), RunApp("b", blocking))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- l.RunContext(ctx) }()

	assert.Eventually(t, func() bool { return started.Load() == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("launcher did not stop")
	}
}

func TestLauncherFailingAppStopsOthers(t *testing.T) {
	boom := errors.New("boom")

	l := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("failing", AppFunc(func(context.Context, *Launcher) error { return boom })),
		RunApp("blocking", AppFunc(func(ctx context.Context, _ *Launcher) error {
			<-ctx.Done()
			return nil
		})),
	)

	err := l.RunContext(context.Background())
	require.ErrorIs(t, err, boom)
}
