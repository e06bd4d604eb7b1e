package record

import (
	"strings"
	"time"
)

// EventType is "category/action". It selects the authority endpoint an
// event is delivered to.
type EventType string

const (
	EventAttendance   EventType = "attendance/biometric"
	EventAuth         EventType = "auth/biometric"
	EventEnrollment   EventType = "enrollment/biometric"
	EventDeletion     EventType = "deletion/biometric"
	EventUnauthorized EventType = "security/unauthorized"
	EventStatus       EventType = "status/heartbeat"
)

// Category returns the part before the slash.
func (t EventType) Category() string {
	category, _, _ := strings.Cut(string(t), "/")
	return category
}

// Action returns the part after the slash, or "" when there is none.
func (t EventType) Action() string {
	_, action, _ := strings.Cut(string(t), "/")
	return action
}

// Payload is the closed set of event bodies. Only the types in this file
// implement it.
type Payload interface {
	EventType() EventType
	isPayload()
}

// Attendance marks a member's presence.
type Attendance struct {
	UserID     int64     `json:"user_id"`
	ExternalID string    `json:"external_id"`
	Confidence int       `json:"confidence"`
	Direction  string    `json:"direction"`
	CapturedAt time.Time `json:"captured_at"`
}

// AuthAttempt records a successful identification of a known subject.
type AuthAttempt struct {
	UserID        int64     `json:"user_id"`
	ExternalID    string    `json:"external_id"`
	DisplayName   string    `json:"display_name"`
	Role          Role      `json:"role"`
	Confidence    int       `json:"confidence"`
	Authenticated bool      `json:"authenticated"`
	CapturedAt    time.Time `json:"captured_at"`
}

// Enrollment reports the outcome of binding a subject to a slot.
type Enrollment struct {
	UserID     int64     `json:"user_id"`
	ExternalID string    `json:"external_id"`
	Slot       int       `json:"slot"`
	Quality    int       `json:"quality"`
	Success    bool      `json:"success"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Deletion reports the outcome of removing a subject from the device.
type Deletion struct {
	UserID  int64     `json:"user_id"`
	Slot    int       `json:"slot"`
	Success bool      `json:"success"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Unauthorized records a capture that did not resolve to a known subject.
// Slot is 0 when the sensor found no matching template at all.
type Unauthorized struct {
	Slot       int       `json:"slot,omitempty"`
	Confidence int       `json:"confidence,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// Status is the device heartbeat.
type Status struct {
	State           string    `json:"state"`
	Message         string    `json:"message,omitempty"`
	Identities      int       `json:"identities"`
	PendingEvents   int       `json:"pending_events"`
	UptimeSeconds   uint64    `json:"uptime_seconds"`
	FreeMemory      uint64    `json:"free_memory"`
	LastSync        time.Time `json:"last_sync"`
	FirmwareVersion string    `json:"firmware_version"`
	Location        string    `json:"location,omitempty"`
	At              time.Time `json:"at"`
}

func (Attendance) EventType() EventType   { return EventAttendance }
func (AuthAttempt) EventType() EventType  { return EventAuth }
func (Enrollment) EventType() EventType   { return EventEnrollment }
func (Deletion) EventType() EventType     { return EventDeletion }
func (Unauthorized) EventType() EventType { return EventUnauthorized }
func (Status) EventType() EventType       { return EventStatus }

func (Attendance) isPayload()   {}
func (AuthAttempt) isPayload()  {}
func (Enrollment) isPayload()   {}
func (Deletion) isPayload()     {}
func (Unauthorized) isPayload() {}
func (Status) isPayload()       {}
