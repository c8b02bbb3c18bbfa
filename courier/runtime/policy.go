package runtime

// PanicPolicy decides what happens after a panic has been logged and recorded.
type PanicPolicy int

const (
	// KeepRunning swallows the panic so the surrounding loop continues.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after observability has been recorded.
	CrashProcess
)

// String returns the policy name.
func (p PanicPolicy) String() string {
	switch p {
	case KeepRunning:
		return "keep_running"
	case CrashProcess:
		return "crash_process"
	default:
		return "unknown"
	}
}
