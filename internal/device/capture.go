package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DEOS-Org/biosync/internal/cache"
	"github.com/DEOS-Org/biosync/internal/command"
	"github.com/DEOS-Org/biosync/internal/record"
	"github.com/DEOS-Org/biosync/internal/report"
	"github.com/DEOS-Org/biosync/internal/sensor"
)

// DirectionEntry is the direction recorded on attendance marks.
const DirectionEntry = "entry"

// ErrEnrollmentBusy is returned when an enrollment is already armed.
var ErrEnrollmentBusy = errors.New("enrollment already in progress")

// ErrEnrollmentTimeout is the failure reason when no finger was enrolled
// within the enrollment window.
var ErrEnrollmentTimeout = errors.New("enrollment timed out")

type enrollment struct {
	cmd      command.Command
	deadline time.Time
}

func (d *Device) pollSensor(ctx context.Context) {
	c, err := d.sensor.Capture(ctx)
	if err != nil {
		d.logger.Warn("sensor capture failed", "error", err)
		return
	}
	switch c.Kind {
	case sensor.NoFinger:
	case sensor.NoMatch:
		d.rejectCapture(ctx, 0, 0)
	case sensor.Match:
		d.handleMatch(ctx, c)
	}
}

func (d *Device) handleMatch(ctx context.Context, c sensor.Capture) {
	rec, ok := d.cache.FindBySlot(c.Slot)
	if !ok {
		// The sensor holds a template the cache does not know about.
		d.logger.Warn("match on unknown slot", "slot", c.Slot, "confidence", c.Confidence)
		d.rejectCapture(ctx, c.Slot, c.Confidence)
		return
	}

	at := d.now().UTC()
	if err := d.cache.Touch(ctx, c.Slot, at); err != nil {
		d.logger.Warn("failed to record last use", "slot", c.Slot, "error", err)
	}
	d.feedback.Signal(ctx, report.SignalAccepted)
	d.logger.Info("identity matched", "user_id", rec.UserID, "slot", c.Slot, "confidence", c.Confidence)

	d.emit(ctx, record.AuthAttempt{
		UserID:        rec.UserID,
		ExternalID:    rec.ExternalID,
		DisplayName:   rec.DisplayName,
		Role:          rec.Role,
		Confidence:    c.Confidence,
		Authenticated: true,
		CapturedAt:    at,
	})
	if rec.Role.MarksAttendance() {
		d.emit(ctx, record.Attendance{
			UserID:     rec.UserID,
			ExternalID: rec.ExternalID,
			Confidence: c.Confidence,
			Direction:  DirectionEntry,
			CapturedAt: at,
		})
	}
}

func (d *Device) rejectCapture(ctx context.Context, slot, confidence int) {
	d.feedback.Signal(ctx, report.SignalRejected)
	d.emit(ctx, record.Unauthorized{
		Slot:       slot,
		Confidence: confidence,
		CapturedAt: d.now().UTC(),
	})
}

// BeginEnrollment arms enrollment for cmd. The next captured finger is
// bound to the lowest free slot.
func (d *Device) BeginEnrollment(ctx context.Context, cmd command.Command) error {
	if d.pending != nil {
		return fmt.Errorf("%w for user %d", ErrEnrollmentBusy, d.pending.cmd.UserID)
	}
	if rec, ok := d.cache.FindByUserID(cmd.UserID); ok {
		return fmt.Errorf("user %d in slot %d: %w", cmd.UserID, rec.Slot, cache.ErrDuplicateSubject)
	}
	if _, err := d.cache.AllocateSlot(); err != nil {
		return err
	}
	d.pending = &enrollment{cmd: cmd, deadline: d.now().Add(d.settings.EnrollTimeout)}
	d.feedback.Signal(ctx, report.SignalEnrolling)
	d.logger.Info("enrollment armed", "user_id", cmd.UserID, "expires", d.pending.deadline)
	return nil
}

func (d *Device) stepEnrollment(ctx context.Context) {
	p := d.pending
	if !d.now().Before(p.deadline) {
		d.failEnrollment(ctx, ErrEnrollmentTimeout)
		return
	}

	// Allocate at capture time: a sync may have filled the slot chosen
	// when the command arrived.
	slot, err := d.cache.AllocateSlot()
	if err != nil {
		d.failEnrollment(ctx, err)
		return
	}
	quality, captured, err := d.sensor.Enroll(ctx, slot)
	if err != nil {
		d.failEnrollment(ctx, fmt.Errorf("sensor enroll: %w", err))
		return
	}
	if !captured {
		return
	}

	rec := record.IdentityRecord{
		UserID:      p.cmd.UserID,
		ExternalID:  p.cmd.ExternalID,
		DisplayName: p.cmd.DisplayName,
		Role:        record.ParseRole(p.cmd.Role),
		Slot:        slot,
		Quality:     quality,
		SyncState:   record.SyncStatePendingUpload,
	}
	if err := d.cache.Upsert(ctx, rec); err != nil {
		// Refused or not persisted: take the template back out so the
		// sensor and the cache agree across a restart.
		if delErr := d.sensor.DeleteTemplate(ctx, slot); delErr != nil {
			d.logger.Error("failed to roll back enrolled template", "slot", slot, "error", delErr)
		}
		d.failEnrollment(ctx, err)
		return
	}

	d.pending = nil
	d.feedback.Signal(ctx, report.SignalEnrolled)
	d.logger.Info("enrollment complete", "user_id", rec.UserID, "slot", slot, "quality", quality)
	d.emit(ctx, record.Enrollment{
		UserID:     rec.UserID,
		ExternalID: rec.Normalized().ExternalID,
		Slot:       slot,
		Quality:    quality,
		Success:    true,
		At:         d.now().UTC(),
	})
	d.publishResult(ctx, command.Result{Command: command.ActionEnroll, UserID: rec.UserID, Success: true})
}

func (d *Device) failEnrollment(ctx context.Context, err error) {
	user := d.pending.cmd.UserID
	d.pending = nil
	d.feedback.Signal(ctx, report.SignalError)
	d.logger.Warn("enrollment failed", "user_id", user, "error", err)
	d.sink.Report(ctx, report.Report{
		Kind:   report.KindCommandFailed,
		Op:     "command.enroll",
		UserID: user,
		Err:    err.Error(),
		At:     d.now(),
	})
	d.publishResult(ctx, command.Result{Command: command.ActionEnroll, UserID: user, Reason: err.Error()})
}
