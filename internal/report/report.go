// Package report carries failures that must not disappear silently out of
// the sync core: events dropped after their last retry, events evicted by
// a full queue, cache/sensor disagreements and failed commands.
package report

import (
	"context"
	"log/slog"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"

	"github.com/DEOS-Org/biosync/internal/record"
)

// Kind classifies a report.
type Kind string

const (
	KindPermanentFailure Kind = "permanent_failure"
	KindCapacityDrop     Kind = "capacity_drop"
	KindConsistency      Kind = "consistency"
	KindSyncSkipped      Kind = "sync_skipped"
	KindCommandFailed    Kind = "command_failed"
	KindMalformedCommand Kind = "malformed_command"
)

// Report is one observable failure.
type Report struct {
	Kind      Kind             `json:"kind"`
	Op        string           `json:"op"`
	EventID   string           `json:"event_id,omitempty"`
	EventType record.EventType `json:"event_type,omitempty"`
	UserID    int64            `json:"user_id,omitempty"`
	Slot      int              `json:"slot,omitempty"`
	Attempts  int              `json:"attempts,omitempty"`
	Err       string           `json:"error,omitempty"`
	At        time.Time        `json:"at"`
}

// ForEvent fills the event fields of r from ev.
func (r Report) ForEvent(ev record.OfflineEvent) Report {
	r.EventID = ev.ID
	r.EventType = ev.Type
	r.Attempts = ev.Attempts
	return r
}

// Sink receives reports. Implementations must not block the caller for
// long: sinks are invoked from the device loop.
type Sink interface {
	Report(ctx context.Context, r Report)
}

// Discard drops every report.
var Discard Sink = discard{}

type discard struct{}

func (discard) Report(context.Context, Report) {}

// LogSink writes reports to a logger at warn level.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Report(ctx context.Context, r Report) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{"kind", r.Kind, "op", r.Op}
	if r.EventID != "" {
		attrs = append(attrs, "event_id", r.EventID, "event_type", r.EventType, "attempts", r.Attempts)
	}
	if r.UserID != 0 {
		attrs = append(attrs, "user_id", r.UserID)
	}
	if r.Slot != 0 {
		attrs = append(attrs, "slot", r.Slot)
	}
	if r.Err != "" {
		attrs = append(attrs, "error", r.Err)
	}
	l.WarnContext(ctx, "failure reported", attrs...)
}

// MemorySink stores reports in memory (tests and the status command).
type MemorySink struct {
	mu      sync.Mutex
	reports []Report
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Report(_ context.Context, r Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

// Reports returns a copy of all stored reports.
func (s *MemorySink) Reports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Report, len(s.reports))
	copy(out, s.reports)
	return out
}

// Count returns the number of reports of kind k.
func (s *MemorySink) Count(k Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reports {
		if r.Kind == k {
			n++
		}
	}
	return n
}

// Multi fans a report out to every sink in order.
type Multi []Sink

func (m Multi) Report(ctx context.Context, r Report) {
	for _, s := range m {
		s.Report(ctx, r)
	}
}

// TopicReports is the bus topic BusSink publishes on.
const TopicReports = "biosync:report"

// BusSink publishes reports on an in-process event bus so other parts of
// the process (the status publisher, the CLI) can subscribe.
type BusSink struct {
	Bus evbus.Bus
}

func (s BusSink) Report(_ context.Context, r Report) {
	s.Bus.Publish(TopicReports, r)
}

// SubscribeReports registers fn for every report published through a
// BusSink on bus.
func SubscribeReports(bus evbus.Bus, fn func(Report)) error {
	return bus.Subscribe(TopicReports, fn)
}
