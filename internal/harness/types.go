package harness

import (
	"github.com/DEOS-Org/biosync/internal/command"
	"github.com/DEOS-Org/biosync/internal/link"
	"github.com/DEOS-Org/biosync/internal/record"
	"github.com/DEOS-Org/biosync/internal/report"
)

// TraceEvent is the device state after one step.
type TraceEvent struct {
	Step       int        `json:"step"`
	Name       string     `json:"name"`
	State      link.State `json:"state"`
	Identities int        `json:"identities"`
	Pending    int        `json:"pending"`
	Delivered  int        `json:"delivered"`
}

// QueuedEvent is an event still waiting on the device.
type QueuedEvent struct {
	ID       string           `json:"id"`
	Type     record.EventType `json:"type"`
	Attempts int              `json:"attempts"`
}

// DeliveredEvent is an event the authority accepted.
type DeliveredEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Final is the observable state once every step has run.
type Final struct {
	State      link.State              `json:"state"`
	Identities []record.IdentityRecord `json:"identities"`
	Queue      []QueuedEvent           `json:"queue"`
	Delivered  []DeliveredEvent        `json:"delivered"`
	Signals    []report.Signal         `json:"signals"`
	Reports    []report.Report         `json:"reports"`
	Results    []command.Result        `json:"results"`
	Syncs      int64                   `json:"syncs"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace has one entry per step.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages.
	Errors []string `json:"errors,omitempty"`

	Final Final `json:"final"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
