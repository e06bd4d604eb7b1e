package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// OfflineEvent is one fact awaiting delivery to the authority.
//
// The queue never inspects or mutates Payload. Attempts only increases.
type OfflineEvent struct {
	ID         string
	Seq        int64
	Type       EventType
	Payload    Payload
	EnqueuedAt time.Time
	Attempts   int
}

// NewEvent builds an event for p. Seq is assigned by the queue on enqueue.
func NewEvent(id string, p Payload, at time.Time) OfflineEvent {
	return OfflineEvent{
		ID:         id,
		Type:       p.EventType(),
		Payload:    p,
		EnqueuedAt: at,
	}
}

// storedEvent is the persisted form of an OfflineEvent.
type storedEvent struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	Type       EventType       `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
}

// MarshalEvent encodes an event for the persistent store.
func MarshalEvent(ev OfflineEvent) ([]byte, error) {
	if ev.Payload == nil {
		return nil, fmt.Errorf("marshal event %s: nil payload", ev.ID)
	}
	if ev.Type != ev.Payload.EventType() {
		return nil, fmt.Errorf("marshal event %s: type %q does not match payload %q", ev.ID, ev.Type, ev.Payload.EventType())
	}
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	data, err := json.Marshal(storedEvent{
		ID:         ev.ID,
		Seq:        ev.Seq,
		Type:       ev.Type,
		Payload:    body,
		EnqueuedAt: ev.EnqueuedAt,
		Attempts:   ev.Attempts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	return data, nil
}

// UnmarshalEvent decodes a stored event. Unknown event types are an error.
func UnmarshalEvent(data []byte) (OfflineEvent, error) {
	var se storedEvent
	if err := json.Unmarshal(data, &se); err != nil {
		return OfflineEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if se.ID == "" {
		return OfflineEvent{}, fmt.Errorf("unmarshal event: missing id")
	}
	if se.Attempts < 0 {
		return OfflineEvent{}, fmt.Errorf("unmarshal event %s: negative attempts", se.ID)
	}
	p, err := decodePayload(se.Type, se.Payload)
	if err != nil {
		return OfflineEvent{}, fmt.Errorf("unmarshal event %s: %w", se.ID, err)
	}
	return OfflineEvent{
		ID:         se.ID,
		Seq:        se.Seq,
		Type:       se.Type,
		Payload:    p,
		EnqueuedAt: se.EnqueuedAt,
		Attempts:   se.Attempts,
	}, nil
}

func decodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	switch t {
	case EventAttendance:
		var p Attendance
		err := json.Unmarshal(raw, &p)
		return p, err
	case EventAuth:
		var p AuthAttempt
		err := json.Unmarshal(raw, &p)
		return p, err
	case EventEnrollment:
		var p Enrollment
		err := json.Unmarshal(raw, &p)
		return p, err
	case EventDeletion:
		var p Deletion
		err := json.Unmarshal(raw, &p)
		return p, err
	case EventUnauthorized:
		var p Unauthorized
		err := json.Unmarshal(raw, &p)
		return p, err
	case EventStatus:
		var p Status
		err := json.Unmarshal(raw, &p)
		return p, err
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

// WireEnvelope is the JSON body posted to the authority for one event.
type WireEnvelope struct {
	EventID    string          `json:"event_id"`
	DeviceID   string          `json:"device_id"`
	Type       EventType       `json:"type"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
	Data       json.RawMessage `json:"data"`
}

// EncodeWire serializes ev for delivery by deviceID.
func EncodeWire(ev OfflineEvent, deviceID string) ([]byte, error) {
	if ev.Payload == nil {
		return nil, fmt.Errorf("encode wire %s: nil payload", ev.ID)
	}
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode wire %s: %w", ev.ID, err)
	}
	data, err := json.Marshal(WireEnvelope{
		EventID:    ev.ID,
		DeviceID:   deviceID,
		Type:       ev.Type,
		EnqueuedAt: ev.EnqueuedAt,
		Attempts:   ev.Attempts,
		Data:       body,
	})
	if err != nil {
		return nil, fmt.Errorf("encode wire %s: %w", ev.ID, err)
	}
	return data, nil
}
