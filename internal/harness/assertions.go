package harness

import (
	"fmt"
	"strings"

	"github.com/DEOS-Org/biosync/internal/record"
	"github.com/DEOS-Org/biosync/internal/report"
)

// AssertionError is returned when an assertion fails.
// It includes the step trace to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s state=%s identities=%d pending=%d delivered=%d\n",
			ev.Step, ev.Name, ev.State, ev.Identities, ev.Pending, ev.Delivered)
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns the
// failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	f := result.Final
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Trace: result.Trace}
	}

	switch a.Type {
	case AssertState:
		if string(f.State) != a.State {
			return fail(a.State, string(f.State))
		}
	case AssertQueueLen:
		if len(f.Queue) != *a.Count {
			return fail(fmt.Sprintf("%d queued events", *a.Count), fmt.Sprintf("%d queued events", len(f.Queue)))
		}
	case AssertCacheLen:
		if len(f.Identities) != *a.Count {
			return fail(fmt.Sprintf("%d identities", *a.Count), fmt.Sprintf("%d identities", len(f.Identities)))
		}
	case AssertCacheHas:
		rec, ok := findIdentity(f.Identities, a.UserID)
		if !ok {
			return fail(fmt.Sprintf("user %d in cache", a.UserID), "not found")
		}
		if msg := identityMismatch(rec, a); msg != "" {
			return fail(describeExpected(a), msg)
		}
	case AssertCacheMissing:
		if rec, ok := findIdentity(f.Identities, a.UserID); ok {
			return fail(fmt.Sprintf("user %d absent", a.UserID), fmt.Sprintf("present in slot %d", rec.Slot))
		}
	case AssertAuthorityEvents:
		n := 0
		for _, ev := range f.Delivered {
			if a.EventType == "" || ev.Type == a.EventType {
				n++
			}
		}
		if n != *a.Count {
			return fail(fmt.Sprintf("%d delivered %s events", *a.Count, eventLabel(a.EventType)), fmt.Sprintf("%d", n))
		}
	case AssertSignals:
		if !containsInOrder(f.Signals, a.Signals) {
			return fail(fmt.Sprintf("signals in order %v", a.Signals), fmt.Sprintf("%v", f.Signals))
		}
	case AssertReports:
		n := 0
		for _, r := range f.Reports {
			if string(r.Kind) == a.Kind {
				n++
			}
		}
		if n != *a.Count {
			return fail(fmt.Sprintf("%d %s reports", *a.Count, a.Kind), fmt.Sprintf("%d", n))
		}
	case AssertCommandResult:
		for _, r := range f.Results {
			if string(r.Command) != a.Command {
				continue
			}
			if a.UserID != 0 && r.UserID != a.UserID {
				continue
			}
			if a.Success != nil && r.Success != *a.Success {
				continue
			}
			return nil
		}
		return fail(describeResult(a), fmt.Sprintf("%+v", f.Results))
	case AssertSyncs:
		if f.Syncs != int64(*a.Count) {
			return fail(fmt.Sprintf("%d syncs", *a.Count), fmt.Sprintf("%d syncs", f.Syncs))
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func findIdentity(ids []record.IdentityRecord, userID int64) (record.IdentityRecord, bool) {
	for _, r := range ids {
		if r.UserID == userID {
			return r, true
		}
	}
	return record.IdentityRecord{}, false
}

func identityMismatch(rec record.IdentityRecord, a Assertion) string {
	var diffs []string
	if a.Slot != 0 && rec.Slot != a.Slot {
		diffs = append(diffs, fmt.Sprintf("slot=%d", rec.Slot))
	}
	if a.Role != "" && rec.Role != record.ParseRole(a.Role) {
		diffs = append(diffs, fmt.Sprintf("role=%s", rec.Role))
	}
	if a.SyncState != "" && string(rec.SyncState) != a.SyncState {
		diffs = append(diffs, fmt.Sprintf("sync_state=%s", rec.SyncState))
	}
	return strings.Join(diffs, " ")
}

func describeExpected(a Assertion) string {
	parts := []string{fmt.Sprintf("user %d", a.UserID)}
	if a.Slot != 0 {
		parts = append(parts, fmt.Sprintf("slot=%d", a.Slot))
	}
	if a.Role != "" {
		parts = append(parts, "role="+a.Role)
	}
	if a.SyncState != "" {
		parts = append(parts, "sync_state="+a.SyncState)
	}
	return strings.Join(parts, " ")
}

func describeResult(a Assertion) string {
	s := "result for " + a.Command
	if a.UserID != 0 {
		s += fmt.Sprintf(" user %d", a.UserID)
	}
	if a.Success != nil {
		s += fmt.Sprintf(" success=%t", *a.Success)
	}
	return s
}

func eventLabel(t string) string {
	if t == "" {
		return "(any)"
	}
	return t
}

// containsInOrder reports whether want appears in got as a subsequence.
func containsInOrder(got []report.Signal, want []string) bool {
	i := 0
	for _, s := range got {
		if i < len(want) && string(s) == want[i] {
			i++
		}
	}
	return i == len(want)
}
