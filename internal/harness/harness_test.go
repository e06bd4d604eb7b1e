package harness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEOS-Org/biosync/internal/config"
	"github.com/DEOS-Org/biosync/internal/link"
	"github.com/DEOS-Org/biosync/internal/record"
	"github.com/DEOS-Org/biosync/internal/sensor"
)

func intPtr(n int) *int { return &n }

func TestScenarios(t *testing.T) {
	scenarios, err := LoadDir("testdata/scenarios")
	require.NoError(t, err)

	for _, sc := range scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			result, err := Run(context.Background(), sc)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Len(t, result.Trace, len(sc.Steps))
		})
	}
}

func TestRunWithGolden_OfflineAttendance(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/offline_attendance.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Final.Delivered, 2)
	assert.Equal(t, DeliveredEvent{ID: "evt-1", Type: string(record.EventAuth)}, result.Final.Delivered[0])
	assert.Equal(t, DeliveredEvent{ID: "evt-2", Type: string(record.EventAttendance)}, result.Final.Delivered[1])
}

func TestRun_ProgrammaticScenario(t *testing.T) {
	sc := NewScenario("unknown_finger")
	sc.Steps = []Step{
		{Name: "boot"},
		{Name: "stranger", Capture: &sensor.CaptureStep{Kind: "no_match"}},
		{Name: "orphan slot", Capture: &sensor.CaptureStep{Kind: "match", Slot: 40, Confidence: 55}},
	}
	sc.Assertions = []Assertion{
		{Type: AssertAuthorityEvents, EventType: string(record.EventUnauthorized), Count: intPtr(2)},
		{Type: AssertSignals, Signals: []string{"online", "rejected", "rejected"}},
		{Type: AssertCacheLen, Count: intPtr(0)},
	}

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_EnrollmentTimeout(t *testing.T) {
	sc := NewScenario("enroll_timeout")
	sc.Config.Loop.EnrollTimeout = 10 * time.Second
	sc.Steps = []Step{
		{Name: "boot"},
		{Name: "arm", Command: map[string]any{"action": "enroll", "user_id": 21}},
		{Name: "nobody comes", Advance: 11 * time.Second},
	}
	sc.Assertions = []Assertion{
		{Type: AssertCacheMissing, UserID: 21},
		{Type: AssertCommandResult, Command: "enroll", UserID: 21, Success: boolPtr(false)},
		{Type: AssertReports, Kind: "command_failed", Count: intPtr(1)},
		{Type: AssertSignals, Signals: []string{"enrolling", "error"}},
	}

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_FailingAssertionsReported(t *testing.T) {
	sc := NewScenario("wrong_expectations")
	sc.Steps = []Step{{Name: "boot"}}
	sc.Assertions = []Assertion{
		{Type: AssertState, State: string(link.Disconnected)},
		{Type: AssertQueueLen, Count: intPtr(3)},
	}

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "Expected: disconnected")
	assert.Contains(t, result.Errors[0], "Actual: authority_reachable")
	assert.Contains(t, result.Errors[1], "3 queued events")
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(config.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid scenario config")
}

func TestHarness_ApplyRejectsBadCapture(t *testing.T) {
	h, err := New(config.Default())
	require.NoError(t, err)
	defer h.Close()

	err = h.Apply(context.Background(), Step{Capture: &sensor.CaptureStep{Kind: "smudge"}})
	assert.Error(t, err)
}

func boolPtr(b bool) *bool { return &b }
