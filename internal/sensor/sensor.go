// Package sensor defines the contract with the fingerprint reader and the
// simulated readers used off-device.
//
// The matching algorithm lives in the reader; this side only sees slots.
package sensor

import (
	"context"
	"errors"
)

// ErrNoTemplate is returned when an operation targets an empty slot.
var ErrNoTemplate = errors.New("sensor: no template in slot")

// CaptureKind is the result class of a capture.
type CaptureKind int

const (
	NoFinger CaptureKind = iota
	NoMatch
	Match
)

func (k CaptureKind) String() string {
	switch k {
	case Match:
		return "match"
	case NoMatch:
		return "no_match"
	default:
		return "no_finger"
	}
}

// Capture is the outcome of one poll of the reader. Slot and Confidence are
// set only for Match.
type Capture struct {
	Kind       CaptureKind
	Slot       int
	Confidence int
}

// Sensor is the reader.
type Sensor interface {
	// Capture polls once and returns immediately when no finger is present.
	Capture(ctx context.Context) (Capture, error)
	DeleteTemplate(ctx context.Context, slot int) error
	// Enroll captures a finger and stores its template into slot.
	// captured is false when no finger was presented in time.
	Enroll(ctx context.Context, slot int) (quality int, captured bool, err error)
}

// TemplateStore is implemented by readers that accept templates pushed from
// the authority.
type TemplateStore interface {
	StoreTemplate(ctx context.Context, slot int, template []byte) error
}

// Idle is a reader with no finger ever present. It accepts every template
// write and delete.
type Idle struct{}

func (Idle) Capture(context.Context) (Capture, error)         { return Capture{Kind: NoFinger}, nil }
func (Idle) DeleteTemplate(context.Context, int) error        { return nil }
func (Idle) Enroll(context.Context, int) (int, bool, error)   { return 0, false, nil }
func (Idle) StoreTemplate(context.Context, int, []byte) error { return nil }
