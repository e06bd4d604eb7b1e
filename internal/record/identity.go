package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role classifies an enrolled subject.
type Role string

const (
	RoleMember Role = "member"
	RoleStaff  Role = "staff"
	RoleOther  Role = "other"
)

// roleAliases maps role names used by the authority backend onto Role.
var roleAliases = map[string]Role{
	"member":    RoleMember,
	"student":   RoleMember,
	"alumno":    RoleMember,
	"staff":     RoleStaff,
	"profesor":  RoleStaff,
	"docente":   RoleStaff,
	"preceptor": RoleStaff,
	"directivo": RoleStaff,
	"admin":     RoleStaff,
	"other":     RoleOther,
}

// ParseRole maps a role name onto a Role. Unknown names map to RoleOther.
func ParseRole(s string) Role {
	if r, ok := roleAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return r
	}
	return RoleOther
}

// MarksAttendance reports whether matches of this role produce attendance marks.
func (r Role) MarksAttendance() bool {
	return r == RoleMember
}

// SyncState tracks whether the authority already knows about a record.
type SyncState string

const (
	SyncStateSynced        SyncState = "synced"
	SyncStatePendingUpload SyncState = "pending_upload"
)

// IdentityRecord is one enrolled subject bound to a local sensor slot.
type IdentityRecord struct {
	UserID      int64     `json:"user_id"`
	ExternalID  string    `json:"external_id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	Slot        int       `json:"slot"`
	Quality     int       `json:"quality"`
	LastUsedAt  time.Time `json:"last_used_at"`
	SyncState   SyncState `json:"sync_state"`
}

// Validate checks the fields every live record must carry.
func (r IdentityRecord) Validate() error {
	if r.UserID <= 0 {
		return fmt.Errorf("invalid user_id %d", r.UserID)
	}
	if r.Slot <= 0 {
		return fmt.Errorf("invalid slot %d", r.Slot)
	}
	switch r.SyncState {
	case SyncStateSynced, SyncStatePendingUpload:
	default:
		return fmt.Errorf("invalid sync_state %q", r.SyncState)
	}
	return nil
}

// Normalized returns a copy with text fields NFC-normalized and the role
// folded onto its canonical name.
func (r IdentityRecord) Normalized() IdentityRecord {
	r.ExternalID = Normalize(r.ExternalID)
	r.DisplayName = Normalize(r.DisplayName)
	r.Role = ParseRole(string(r.Role))
	if r.SyncState == "" {
		r.SyncState = SyncStateSynced
	}
	return r
}

// MarshalIdentity encodes a record for the persistent store.
func MarshalIdentity(r IdentityRecord) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal identity: %w", err)
	}
	return data, nil
}

// UnmarshalIdentity decodes and validates a stored record.
func UnmarshalIdentity(data []byte) (IdentityRecord, error) {
	var r IdentityRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return IdentityRecord{}, fmt.Errorf("unmarshal identity: %w", err)
	}
	if err := r.Validate(); err != nil {
		return IdentityRecord{}, fmt.Errorf("unmarshal identity: %w", err)
	}
	return r, nil
}
