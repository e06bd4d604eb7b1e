package device

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	evbus "github.com/asaskevich/EventBus"

	"github.com/DEOS-Org/biosync/internal/cache"
	"github.com/DEOS-Org/biosync/internal/command"
	"github.com/DEOS-Org/biosync/internal/link"
	"github.com/DEOS-Org/biosync/internal/queue"
	"github.com/DEOS-Org/biosync/internal/record"
	"github.com/DEOS-Org/biosync/internal/report"
	"github.com/DEOS-Org/biosync/internal/sensor"
	"github.com/DEOS-Org/biosync/internal/syncer"
	"github.com/DEOS-Org/biosync/internal/transport"
)

// Device is the cooperative loop. Step must only be called from one
// goroutine; Run does that.
type Device struct {
	settings  Settings
	cache     *cache.Cache
	queue     *queue.Queue
	monitor   *link.Monitor
	sync      *syncer.Coordinator
	sensor    sensor.Sensor
	transport transport.Transport
	feedback  report.Feedback
	sink      report.Sink
	host      HostStats
	reports   evbus.Bus
	now       func() time.Time
	logger    *slog.Logger

	inbox      *inbox
	dispatcher *command.Dispatcher
	pending    *enrollment
	changes    []link.Transition
	started    bool

	nextConnectivity time.Time
	nextHeartbeat    time.Time
	nextDrain        time.Time
}

// New builds a device from dc and registers its connectivity listener.
func New(dc Context) (*Device, error) {
	if err := dc.validate(); err != nil {
		return nil, err
	}
	d := &Device{
		settings:  dc.Settings.withDefaults(),
		cache:     dc.Cache,
		queue:     dc.Queue,
		monitor:   dc.Monitor,
		sync:      dc.Sync,
		sensor:    dc.Sensor,
		transport: dc.Transport,
		feedback:  dc.Feedback,
		sink:      dc.Sink,
		host:      dc.Host,
		reports:   dc.Reports,
		now:       dc.Now,
		logger:    dc.Logger,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.feedback == nil {
		d.feedback = report.LogFeedback{Logger: d.logger}
	}
	if d.sink == nil {
		d.sink = report.Discard
	}
	if d.host == nil {
		d.host = SystemStats{}
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.inbox = newInbox(d.settings.InboxSize)
	d.dispatcher = command.NewDispatcher(d.settings.DeviceID, d,
		command.WithLogger(d.logger),
		command.WithSink(d.sink),
		command.WithNow(d.now),
	)
	d.monitor.OnChange(func(t link.Transition) { d.changes = append(d.changes, t) })
	return d, nil
}

// Start subscribes to the command topic, and to the report bus when one is
// set, once. Received messages go to the inbox; a full inbox drops the
// newest message.
func (d *Device) Start() error {
	if d.started {
		return nil
	}
	topic := d.settings.Topics.Commands
	err := d.transport.Subscribe(topic, func(topic string, payload []byte) {
		if !d.Receive(Message{Topic: topic, Payload: payload}) {
			d.logger.Warn("command inbox full, dropping message", "topic", topic, "bytes", len(payload))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if d.reports != nil {
		if err := report.SubscribeReports(d.reports, d.mirrorReport); err != nil {
			return fmt.Errorf("subscribe reports: %w", err)
		}
	}
	d.started = true
	return nil
}

// Receive queues an inbound message for the next step. Safe to call from
// any goroutine. Returns false if the message was dropped.
func (d *Device) Receive(m Message) bool {
	return d.inbox.Push(m)
}

// Run subscribes and steps the loop every poll interval until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	defer d.inbox.Close()

	d.logger.Info("device loop started",
		"device_id", d.settings.DeviceID,
		"identities", d.cache.Len(),
		"pending_events", d.queue.Len(),
		"poll_interval", d.settings.PollInterval)

	ticker := time.NewTicker(d.settings.PollInterval)
	defer ticker.Stop()

	d.Step(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("device loop stopped", "pending_events", d.queue.Len())
			return nil
		case <-d.inbox.Wait():
			d.processInbox(ctx)
		case <-ticker.C:
			d.Step(ctx)
		}
	}
}

// Step runs one iteration of the loop. Failures are logged; none stop
// the loop.
func (d *Device) Step(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	d.processInbox(ctx)

	now := d.now()
	if !now.Before(d.nextConnectivity) {
		d.nextConnectivity = now.Add(d.settings.ConnectivityInterval)
		d.monitor.Evaluate(ctx)
	}
	d.handleChanges(ctx)

	if d.pending != nil {
		d.stepEnrollment(ctx)
	} else {
		d.pollSensor(ctx)
	}

	if d.monitor.Reachable() {
		d.runPeriodic(ctx, now)
	}
	d.handleChanges(ctx)
}

func (d *Device) runPeriodic(ctx context.Context, now time.Time) {
	if !now.Before(d.nextHeartbeat) {
		d.nextHeartbeat = now.Add(d.settings.HeartbeatInterval)
		if err := d.publishStatus(ctx, "heartbeat"); err != nil {
			d.logger.Debug("heartbeat not published", "error", err)
		}
	}
	if !now.Before(d.nextDrain) {
		d.nextDrain = now.Add(d.settings.DrainInterval)
		if d.queue.Len() > 0 {
			d.sync.Drain(ctx)
		}
	}
}

func (d *Device) processInbox(ctx context.Context) {
	for {
		m, ok := d.inbox.TryPop()
		if !ok {
			return
		}
		res, handled := d.dispatcher.Dispatch(ctx, m.Payload)
		if handled {
			d.publishResult(ctx, res)
		}
		d.handleChanges(ctx)
	}
}

// handleChanges reacts to connectivity transitions recorded since the last
// call. A resync can itself demote the monitor, so the list is consumed
// until empty.
func (d *Device) handleChanges(ctx context.Context) {
	for len(d.changes) > 0 {
		t := d.changes[0]
		d.changes = d.changes[1:]
		d.onTransition(ctx, t)
	}
}

func (d *Device) onTransition(ctx context.Context, t link.Transition) {
	switch {
	case t.BecameReachable():
		d.feedback.Signal(ctx, report.SignalOnline)
		res, err := d.sync.FullSync(ctx)
		if err != nil {
			d.logger.Warn("full sync after reconnect failed", "error", err)
		} else {
			d.logger.Info("resynced after reconnect",
				"added", res.Added, "updated", res.Updated, "delivered", res.Drain.Delivered)
		}
		d.nextDrain = d.now().Add(d.settings.DrainInterval)
	case t.LostReachability():
		d.feedback.Signal(ctx, report.SignalOffline)
	}
}

// emit hands p to the coordinator and mirrors it on the events topic.
func (d *Device) emit(ctx context.Context, p record.Payload) {
	ev, disp, err := d.sync.DeliverOrEnqueue(ctx, p)
	if err != nil {
		d.logger.Error("event lost", "type", p.EventType(), "error", err)
		return
	}
	d.logger.Debug("event accepted", "event_id", ev.ID, "type", ev.Type, "disposition", disp)

	if !d.transport.IsLinkUp(ctx) {
		return
	}
	data, err := record.EncodeWire(ev, d.settings.DeviceID)
	if err != nil {
		d.logger.Warn("failed to encode event mirror", "event_id", ev.ID, "error", err)
		return
	}
	if err := d.transport.Publish(ctx, d.settings.Topics.Events, data); err != nil {
		d.logger.Debug("event mirror not published", "event_id", ev.ID, "error", err)
	}
}

// Pending reports the user awaiting enrollment, if any.
func (d *Device) Pending() (int64, bool) {
	if d.pending == nil {
		return 0, false
	}
	return d.pending.cmd.UserID, true
}
