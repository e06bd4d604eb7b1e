package report

import (
	"context"
	"log/slog"
	"sync"
)

// Signal is a user-facing cue (LED colour, buzzer pattern) the device
// emits after handling a capture or command.
type Signal string

const (
	SignalAccepted  Signal = "accepted"
	SignalRejected  Signal = "rejected"
	SignalEnrolling Signal = "enrolling"
	SignalEnrolled  Signal = "enrolled"
	SignalError     Signal = "error"
	SignalOffline   Signal = "offline"
	SignalOnline    Signal = "online"
)

// Feedback drives the device's indicators.
type Feedback interface {
	Signal(ctx context.Context, s Signal)
}

// LogFeedback logs signals at debug level. Used when the host has no
// indicators attached.
type LogFeedback struct {
	Logger *slog.Logger
}

func (f LogFeedback) Signal(ctx context.Context, s Signal) {
	l := f.Logger
	if l == nil {
		l = slog.Default()
	}
	l.DebugContext(ctx, "feedback", "signal", s)
}

// RecordingFeedback keeps every signal for inspection in tests.
type RecordingFeedback struct {
	mu      sync.Mutex
	signals []Signal
}

func (f *RecordingFeedback) Signal(_ context.Context, s Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, s)
}

// Signals returns a copy of the recorded signals.
func (f *RecordingFeedback) Signals() []Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Signal(nil), f.signals...)
}

// Last returns the most recent signal, or "" if none was emitted.
func (f *RecordingFeedback) Last() Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.signals) == 0 {
		return ""
	}
	return f.signals[len(f.signals)-1]
}
