// Package command parses and dispatches inbound device commands.
//
// Commands arrive as JSON on the command topic. Both the English field
// names and the Spanish ones used by deployed backends are accepted:
//
//	{"device_id": "ESP32_Huella_01", "action": "enroll", "user_id": 42}
//	{"dispositivo_id": "ESP32_Huella_01", "accion": "registrar", "usuario_id": "42"}
package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Action is a normalized command action.
type Action string

const (
	ActionForceSync Action = "force-sync"
	ActionEnroll    Action = "enroll"
	ActionDelete    Action = "delete"
	ActionGetStatus Action = "get-status"
)

var actionAliases = map[string]Action{
	"force-sync": ActionForceSync,
	"force_sync": ActionForceSync,
	"sync":       ActionForceSync,
	"enroll":     ActionEnroll,
	"registrar":  ActionEnroll,
	"delete":     ActionDelete,
	"borrar":     ActionDelete,
	"get-status": ActionGetStatus,
	"get_status": ActionGetStatus,
	"status":     ActionGetStatus,
	"estado":     ActionGetStatus,
}

// ParseAction resolves a raw action name, case-insensitively.
func ParseAction(s string) (Action, bool) {
	a, ok := actionAliases[strings.ToLower(strings.TrimSpace(s))]
	return a, ok
}

// ErrMalformed is wrapped by every parse failure.
var ErrMalformed = errors.New("malformed command")

// Command is a parsed inbound command.
type Command struct {
	DeviceID    string `json:"device_id,omitempty"`
	Action      Action `json:"action"`
	UserID      int64  `json:"user_id,omitempty"`
	ExternalID  string `json:"external_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"`
}

// For reports whether c addresses deviceID. A command without a device id
// is a broadcast.
func (c Command) For(deviceID string) bool {
	return c.DeviceID == "" || c.DeviceID == deviceID
}

type rawCommand struct {
	DeviceID      string          `json:"device_id"`
	DispositivoID string          `json:"dispositivo_id"`
	Action        string          `json:"action"`
	Accion        string          `json:"accion"`
	UserID        json.RawMessage `json:"user_id"`
	UsuarioID     json.RawMessage `json:"usuario_id"`
	ExternalID    string          `json:"external_id"`
	DNI           string          `json:"dni"`
	DisplayName   string          `json:"display_name"`
	Nombre        string          `json:"nombre"`
	Role          string          `json:"role"`
	Rol           string          `json:"rol"`
}

// Parse decodes a command payload. On a semantic error the returned
// Command still carries whatever fields were decoded, so the caller can
// tell whether the command was addressed to it.
func Parse(payload []byte) (Command, error) {
	var raw rawCommand
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	cmd := Command{
		DeviceID:    strings.TrimSpace(first(raw.DeviceID, raw.DispositivoID)),
		ExternalID:  first(raw.ExternalID, raw.DNI),
		DisplayName: first(raw.DisplayName, raw.Nombre),
		Role:        first(raw.Role, raw.Rol),
	}

	name := first(raw.Action, raw.Accion)
	if name == "" {
		return cmd, fmt.Errorf("%w: missing action", ErrMalformed)
	}
	action, ok := ParseAction(name)
	if !ok {
		return cmd, fmt.Errorf("%w: unknown action %q", ErrMalformed, name)
	}
	cmd.Action = action

	userRaw := raw.UserID
	if len(userRaw) == 0 {
		userRaw = raw.UsuarioID
	}
	userID, err := parseUserID(userRaw)
	if err != nil {
		return cmd, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	cmd.UserID = userID

	if (action == ActionEnroll || action == ActionDelete) && cmd.UserID <= 0 {
		return cmd, fmt.Errorf("%w: %s requires a positive user_id", ErrMalformed, action)
	}
	return cmd, nil
}

// parseUserID accepts a JSON number or a numeric string.
func parseUserID(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("user_id: %v", err)
		}
	} else {
		s = string(raw)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("user_id %q is not an integer", s)
	}
	return id, nil
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
