// Package runtime holds the cross-cutting pieces shared by the orchestration
// core: the logging contract, the audit trail and ID helpers.
package runtime

// Logger is the structured logging interface used by the orchestration core.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(_ string, _ map[string]any) {}
func (nopLogger) Info(_ string, _ map[string]any)  {}
func (nopLogger) Warn(_ string, _ map[string]any)  {}
func (nopLogger) Error(_ string, _ map[string]any) {}
