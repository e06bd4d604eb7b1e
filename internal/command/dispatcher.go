package command

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DEOS-Org/biosync/internal/report"
)

// Executor carries out parsed commands. The device implements it; every
// method runs on the device loop.
type Executor interface {
	ForceSync(ctx context.Context) error
	// BeginEnrollment arms enrollment for the subject in cmd. The outcome
	// is delivered later, once a finger is captured or the window expires.
	BeginEnrollment(ctx context.Context, cmd Command) error
	Delete(ctx context.Context, userID int64) error
	PublishStatus(ctx context.Context) error
}

// Result is the outcome of one handled command.
type Result struct {
	Command Action `json:"command"`
	UserID  int64  `json:"user_id,omitempty"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Dispatcher routes commands addressed to one device.
type Dispatcher struct {
	deviceID string
	exec     Executor
	sink     report.Sink
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithSink sets where failed and malformed commands are reported.
func WithSink(s report.Sink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithNow sets the time source for reports.
func WithNow(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher for deviceID.
func NewDispatcher(deviceID string, exec Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		deviceID: deviceID,
		exec:     exec,
		sink:     report.Discard,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch parses payload and executes it. It returns false when the
// command was addressed to another device and was ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) (Result, bool) {
	cmd, err := Parse(payload)
	if !cmd.For(d.deviceID) {
		d.logger.Debug("ignoring command for another device", "device_id", cmd.DeviceID)
		return Result{}, false
	}
	if err != nil {
		d.logger.Warn("malformed command", "error", err)
		d.sink.Report(ctx, report.Report{
			Kind: report.KindMalformedCommand,
			Op:   "command.parse",
			Err:  err.Error(),
			At:   d.now(),
		})
		return Result{Command: cmd.Action, UserID: cmd.UserID, Reason: err.Error()}, true
	}
	return d.Execute(ctx, cmd), true
}

// Execute runs an already parsed command.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) Result {
	var err error
	switch cmd.Action {
	case ActionForceSync:
		err = d.exec.ForceSync(ctx)
	case ActionEnroll:
		err = d.exec.BeginEnrollment(ctx, cmd)
	case ActionDelete:
		err = d.exec.Delete(ctx, cmd.UserID)
	case ActionGetStatus:
		err = d.exec.PublishStatus(ctx)
	default:
		err = errors.New("unsupported action")
	}

	res := Result{Command: cmd.Action, UserID: cmd.UserID, Success: err == nil}
	if err != nil {
		res.Reason = err.Error()
		d.logger.Warn("command failed", "command", cmd.Action, "user_id", cmd.UserID, "error", err)
		d.sink.Report(ctx, report.Report{
			Kind:   report.KindCommandFailed,
			Op:     "command." + string(cmd.Action),
			UserID: cmd.UserID,
			Err:    err.Error(),
			At:     d.now(),
		})
		return res
	}
	d.logger.Info("command handled", "command", cmd.Action, "user_id", cmd.UserID)
	return res
}
