package courier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/runtime"
)

var (
	// ErrLoggerNil is returned when the Logger is nil and cannot proceed.
	ErrLoggerNil = errors.New("logger is nil")
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned when an app name is empty or whitespace.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app instance is provided.
	ErrNilApp = errors.New("app is nil")
	// ErrConfigFailed is returned when launcher option application collected errors.
	ErrConfigFailed = errors.New("launcher configuration failed")
)

// App is a long-lived component started by the Launcher.
//
// Run blocks until ctx is cancelled or the component fails.
type App interface {
	Run(ctx context.Context, launcher *Launcher) error
}

// AppFunc adapts a function to App.
type AppFunc func(ctx context.Context, launcher *Launcher) error

// Run calls f.
func (f AppFunc) Run(ctx context.Context, launcher *Launcher) error { return f(ctx, launcher) }

// LauncherOption defines a function option for Launcher.
type LauncherOption func(l *Launcher)

// WithLogger adds a log.Logger component to launcher.
func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// RunApp registers an application with the launcher.
// Registration errors are surfaced by RunContext.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher runs a set of named apps and waits for all of them.
type Launcher struct {
	Logger       log.Logger
	apps         map[string]App
	order        []string
	wg           sync.WaitGroup
	configErrors []error

	errMu sync.Mutex
	errs  []error
}

// NewLauncher creates a Launcher.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{apps: make(map[string]App)}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	return l
}

// Add registers an app under a unique name.
func (l *Launcher) Add(appName string, a App) error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	if strings.TrimSpace(appName) == "" {
		return ErrEmptyApp
	}

	if a == nil {
		return ErrNilApp
	}

	if _, exists := l.apps[appName]; !exists {
		l.order = append(l.order, appName)
	}

	l.apps[appName] = a

	return nil
}

// RunContext starts every app and blocks until all of them return.
// When an app fails, the shared context is cancelled so the rest stop too.
func (l *Launcher) RunContext(ctx context.Context) error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.Logger == nil {
		return ErrLoggerNil
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.Logger.Log(ctx, log.LevelInfo, "starting apps", log.Int("count", len(l.order)))

	for _, name := range l.order {
		app := l.apps[name]

		l.wg.Add(1)

		runtime.SafeGoWithContextAndComponent(ctx, l.Logger, "launcher", "run_app_"+name, runtime.KeepRunning,
			func(ctx context.Context) {
				defer l.wg.Done()

				l.Logger.Log(ctx, log.LevelInfo, "app starting", log.String("app", name))

				if err := app.Run(ctx, l); err != nil && !errors.Is(err, context.Canceled) {
					l.Logger.Log(ctx, log.LevelError, "app error", log.String("app", name), log.Err(err))
					l.recordError(fmt.Errorf("app %q: %w", name, err))
					cancel()
				}

				l.Logger.Log(ctx, log.LevelInfo, "app finished", log.String("app", name))
			},
		)
	}

	l.wg.Wait()

	l.Logger.Log(context.Background(), log.LevelInfo, "launcher terminated")

	l.errMu.Lock()
	defer l.errMu.Unlock()

	return errors.Join(l.errs...)
}

func (l *Launcher) recordError(err error) {
	l.errMu.Lock()
	defer l.errMu.Unlock()

	l.errs = append(l.errs, err)
}
