package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is a single log event delivered to registered sinks.
type Entry struct {
	// Time is when the event was logged.
	Time time.Time `json:"time" yaml:"time"`

	// Level is the zerolog level string (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// Message is the log message.
	Message string `json:"message" yaml:"message"`
}

// Sink receives log entries while registered. A run report implements
// Sink so that every line logged during the run becomes part of the
// report.
type Sink interface {
	WriteEntry(e Entry)
}

// sinkRegistry is the process-wide set of active log sinks. Registration
// and removal must be paired: callers register a sink for a bounded scope
// and remove it on every exit path, otherwise the sink keeps absorbing
// log events from unrelated activity.
var sinkRegistry = struct {
	mu    sync.RWMutex
	sinks []Sink
}{}

// RegisterSink adds a sink to the process-wide registry. Registering the
// same sink twice is a no-op.
func RegisterSink(s Sink) {
	if s == nil {
		return
	}
	sinkRegistry.mu.Lock()
	defer sinkRegistry.mu.Unlock()
	for _, existing := range sinkRegistry.sinks {
		if existing == s {
			return
		}
	}
	sinkRegistry.sinks = append(sinkRegistry.sinks, s)
}

// UnregisterSink removes a sink from the registry. Removing a sink that
// is not registered is a no-op, so cleanup paths can call it
// unconditionally.
func UnregisterSink(s Sink) {
	sinkRegistry.mu.Lock()
	defer sinkRegistry.mu.Unlock()
	for i, existing := range sinkRegistry.sinks {
		if existing == s {
			sinkRegistry.sinks = append(sinkRegistry.sinks[:i], sinkRegistry.sinks[i+1:]...)
			return
		}
	}
}

// SinkRegistered reports whether the sink is currently registered.
func SinkRegistered(s Sink) bool {
	sinkRegistry.mu.RLock()
	defer sinkRegistry.mu.RUnlock()
	for _, existing := range sinkRegistry.sinks {
		if existing == s {
			return true
		}
	}
	return false
}

// sinkHook is the zerolog hook that fans log events out to all registered
// sinks. It is attached to every logger created by NewLogger.
type sinkHook struct{}

// Run implements zerolog.Hook.
func (sinkHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level == zerolog.NoLevel || msg == "" {
		return
	}

	sinkRegistry.mu.RLock()
	targets := make([]Sink, len(sinkRegistry.sinks))
	copy(targets, sinkRegistry.sinks)
	sinkRegistry.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	entry := Entry{
		Time:    time.Now(),
		Level:   level.String(),
		Message: msg,
	}
	for _, s := range targets {
		s.WriteEntry(entry)
	}
}
