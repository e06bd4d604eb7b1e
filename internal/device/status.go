package device

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/DEOS-Org/biosync/internal/command"
	"github.com/DEOS-Org/biosync/internal/record"
	"github.com/DEOS-Org/biosync/internal/report"
)

// HostStats reports process host figures for the status payload.
type HostStats interface {
	Uptime() (uint64, error)
	FreeMemory() (uint64, error)
}

// SystemStats reads host figures through gopsutil.
type SystemStats struct{}

// Uptime returns the host uptime in seconds.
func (SystemStats) Uptime() (uint64, error) {
	return host.Uptime()
}

// FreeMemory returns available memory in bytes.
func (SystemStats) FreeMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// StaticStats returns fixed figures. Used by tests and the harness.
type StaticStats struct {
	UptimeSeconds uint64
	Free          uint64
}

func (s StaticStats) Uptime() (uint64, error)     { return s.UptimeSeconds, nil }
func (s StaticStats) FreeMemory() (uint64, error) { return s.Free, nil }

// Message types published on the status topic.
const (
	MessageStatus        = "status"
	MessageCommandResult = "command_result"
	MessageReport        = "report"
)

const mirrorTimeout = 5 * time.Second

// StatusMessage is the envelope published on the status topic.
type StatusMessage struct {
	Type     string          `json:"type"`
	DeviceID string          `json:"device_id"`
	Status   *record.Status  `json:"status,omitempty"`
	Result   *command.Result `json:"result,omitempty"`
	Report   *report.Report  `json:"report,omitempty"`
	At       time.Time       `json:"at"`
}

// Status builds the current status payload.
func (d *Device) Status(message string) record.Status {
	s := record.Status{
		State:           string(d.monitor.State()),
		Message:         message,
		Identities:      d.cache.Len(),
		PendingEvents:   d.queue.Len(),
		LastSync:        d.sync.LastSync(),
		FirmwareVersion: d.settings.FirmwareVersion,
		Location:        d.settings.Location,
		At:              d.now().UTC(),
	}
	if up, err := d.host.Uptime(); err == nil {
		s.UptimeSeconds = up
	} else {
		d.logger.Debug("uptime unavailable", "error", err)
	}
	if free, err := d.host.FreeMemory(); err == nil {
		s.FreeMemory = free
	} else {
		d.logger.Debug("free memory unavailable", "error", err)
	}
	return s
}

func (d *Device) publishStatus(ctx context.Context, message string) error {
	s := d.Status(message)
	return d.publish(ctx, StatusMessage{Type: MessageStatus, Status: &s})
}

func (d *Device) publishResult(ctx context.Context, res command.Result) {
	if err := d.publish(ctx, StatusMessage{Type: MessageCommandResult, Result: &res}); err != nil {
		d.logger.Warn("failed to publish command result", "command", res.Command, "error", err)
	}
}

func (d *Device) publish(ctx context.Context, msg StatusMessage) error {
	msg.DeviceID = d.settings.DeviceID
	msg.At = d.now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	return d.transport.Publish(ctx, d.settings.Topics.Status, data)
}

// mirrorReport publishes r on the status topic. Command failures already
// go out as command results and are skipped.
func (d *Device) mirrorReport(r report.Report) {
	switch r.Kind {
	case report.KindCommandFailed, report.KindMalformedCommand:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := d.publish(ctx, StatusMessage{Type: MessageReport, Report: &r}); err != nil {
		d.logger.Debug("report not mirrored", "kind", r.Kind, "error", err)
	}
}
