package record

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
	}{
		{"member", RoleMember},
		{"alumno", RoleMember},
		{" Student ", RoleMember},
		{"profesor", RoleStaff},
		{"ADMIN", RoleStaff},
		{"staff", RoleStaff},
		{"visitor", RoleOther},
		{"", RoleOther},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRole(tt.in))
		})
	}
}

func TestRole_MarksAttendance(t *testing.T) {
	assert.True(t, RoleMember.MarksAttendance())
	assert.False(t, RoleStaff.MarksAttendance())
	assert.False(t, RoleOther.MarksAttendance())
}

func TestNormalize_NFC(t *testing.T) {
	decomposed := "Jose\u0301 "
	composed := "Jos\u00e9"

	assert.Equal(t, composed, Normalize(decomposed))
	assert.Equal(t, composed, Normalize(composed))
}

func TestIdentityRecord_Normalized(t *testing.T) {
	r := IdentityRecord{
		UserID:      7,
		ExternalID:  " 40111222 ",
		DisplayName: "Ine\u0301s",
		Role:        "alumno",
		Slot:        3,
	}
	n := r.Normalized()

	assert.Equal(t, "40111222", n.ExternalID)
	assert.Equal(t, "In\u00e9s", n.DisplayName)
	assert.Equal(t, RoleMember, n.Role)
	assert.Equal(t, SyncStateSynced, n.SyncState)
}

func TestIdentity_RoundTrip(t *testing.T) {
	r := IdentityRecord{
		UserID:      42,
		ExternalID:  "30999888",
		DisplayName: "Ana Gómez",
		Role:        RoleStaff,
		Slot:        5,
		Quality:     91,
		LastUsedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		SyncState:   SyncStatePendingUpload,
	}

	data, err := MarshalIdentity(r)
	require.NoError(t, err)

	got, err := UnmarshalIdentity(data)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestUnmarshalIdentity_Rejects(t *testing.T) {
	tests := map[string]string{
		"garbage":      `{not json`,
		"zero user":    `{"user_id":0,"slot":1,"sync_state":"synced"}`,
		"zero slot":    `{"user_id":1,"slot":0,"sync_state":"synced"}`,
		"bad state":    `{"user_id":1,"slot":1,"sync_state":"lost"}`,
		"empty object": `{}`,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalIdentity([]byte(in))
			assert.Error(t, err)
		})
	}
}

func TestEventType_Parts(t *testing.T) {
	assert.Equal(t, "attendance", EventAttendance.Category())
	assert.Equal(t, "biometric", EventAttendance.Action())
	assert.Equal(t, "security", EventUnauthorized.Category())
	assert.Equal(t, "", EventType("bare").Action())
}

func TestEvent_RoundTripPreservesVariant(t *testing.T) {
	at := time.Date(2026, 3, 2, 7, 45, 0, 0, time.UTC)
	payloads := []Payload{
		Attendance{UserID: 7, ExternalID: "40111222", Confidence: 88, Direction: "entry", CapturedAt: at},
		AuthAttempt{UserID: 7, ExternalID: "40111222", DisplayName: "Inés", Role: RoleMember, Confidence: 88, Authenticated: true, CapturedAt: at},
		Enrollment{UserID: 9, Slot: 4, Quality: 70, Success: false, Reason: "no free slot", At: at},
		Deletion{UserID: 9, Slot: 4, Success: true, At: at},
		Unauthorized{Slot: 12, Confidence: 40, CapturedAt: at},
		Status{State: "disconnected", Identities: 3, PendingEvents: 2, At: at},
	}

	for i, p := range payloads {
		t.Run(string(p.EventType()), func(t *testing.T) {
			ev := NewEvent("evt", p, at)
			ev.Seq = int64(i + 1)
			ev.Attempts = 2

			data, err := MarshalEvent(ev)
			require.NoError(t, err)

			got, err := UnmarshalEvent(data)
			require.NoError(t, err)
			assert.Equal(t, ev, got)
			assert.IsType(t, p, got.Payload)
		})
	}
}

func TestMarshalEvent_TypeMismatch(t *testing.T) {
	ev := OfflineEvent{ID: "e1", Type: EventAuth, Payload: Attendance{UserID: 1}}
	_, err := MarshalEvent(ev)
	assert.Error(t, err)

	_, err = MarshalEvent(OfflineEvent{ID: "e2", Type: EventAuth})
	assert.Error(t, err)
}

func TestUnmarshalEvent_UnknownType(t *testing.T) {
	_, err := UnmarshalEvent([]byte(`{"id":"e1","seq":1,"type":"door/open","payload":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")

	_, err = UnmarshalEvent([]byte(`{"seq":1,"type":"auth/biometric","payload":{}}`))
	assert.Error(t, err, "missing id")

	_, err = UnmarshalEvent([]byte(`{"id":"e1","type":"auth/biometric","payload":{},"attempts":-1}`))
	assert.Error(t, err, "negative attempts")
}

func goldenWire(t *testing.T, name string, ev OfflineEvent) {
	t.Helper()

	data, err := EncodeWire(ev, "ESP32_Huella_01")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, json.Indent(&out, data, "", "  "))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, out.Bytes())
}

func TestEncodeWire_Attendance(t *testing.T) {
	goldenWire(t, "attendance_wire", OfflineEvent{
		ID:   "0190a0c0-0000-7000-8000-000000000001",
		Seq:  4,
		Type: EventAttendance,
		Payload: Attendance{
			UserID:     7,
			ExternalID: "40111222",
			Confidence: 88,
			Direction:  "entry",
			CapturedAt: time.Date(2026, 3, 2, 7, 45, 0, 0, time.UTC),
		},
		EnqueuedAt: time.Date(2026, 3, 2, 7, 45, 1, 0, time.UTC),
		Attempts:   1,
	})
}

func TestEncodeWire_Status(t *testing.T) {
	goldenWire(t, "status_wire", OfflineEvent{
		ID:   "0190a0c0-0000-7000-8000-000000000002",
		Type: EventStatus,
		Payload: Status{
			State:           "authority_reachable",
			Message:         "heartbeat",
			Identities:      12,
			UptimeSeconds:   3600,
			FreeMemory:      1048576,
			LastSync:        time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC),
			FirmwareVersion: "2.0.0",
			At:              time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		},
		EnqueuedAt: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	})
}

func TestEncodeWire_NilPayload(t *testing.T) {
	_, err := EncodeWire(OfflineEvent{ID: "e1"}, "dev")
	assert.Error(t, err)
}

func TestUUIDv7Generator(t *testing.T) {
	gen := UUIDv7Generator{}
	a, b := gen.Generate(), gen.Generate()

	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.NotEqual(t, a, b)
}

func TestSequenceGenerator(t *testing.T) {
	gen := &SequenceGenerator{Prefix: "evt"}
	assert.Equal(t, "evt-1", gen.Generate())
	assert.Equal(t, "evt-2", gen.Generate())
}
