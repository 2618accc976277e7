package monitor

import "log/slog"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts as warnings.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Send(message string) error {
	if s.Log != nil {
		s.Log.Warn("alert", "message", message)
	}
	return nil
}

// FuncSink adapts a function.
type FuncSink func(string) error

func (f FuncSink) Send(message string) error { return f(message) }
