package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"

	evbus "github.com/asaskevich/EventBus"
	"github.com/gin-gonic/gin"

	"github.com/DEOS-Org/biosync/internal/authority"
	"github.com/DEOS-Org/biosync/internal/cache"
	"github.com/DEOS-Org/biosync/internal/command"
	"github.com/DEOS-Org/biosync/internal/config"
	"github.com/DEOS-Org/biosync/internal/device"
	"github.com/DEOS-Org/biosync/internal/kvstore"
	"github.com/DEOS-Org/biosync/internal/link"
	"github.com/DEOS-Org/biosync/internal/queue"
	"github.com/DEOS-Org/biosync/internal/record"
	"github.com/DEOS-Org/biosync/internal/report"
	"github.com/DEOS-Org/biosync/internal/sensor"
	"github.com/DEOS-Org/biosync/internal/syncer"
	"github.com/DEOS-Org/biosync/internal/testutil"
	"github.com/DEOS-Org/biosync/internal/transport"
)

// Harness is one faked device and the authority it talks to.
type Harness struct {
	cfg    config.Config
	clock  *testutil.ManualClock
	logger *slog.Logger

	dir    string
	ledger *authority.Ledger
	stub   *authority.Stub
	server *httptest.Server

	bus      *transport.Memory
	sensor   *sensor.Scripted
	cache    *cache.Cache
	queue    *queue.Queue
	monitor  *link.Monitor
	sync     *syncer.Coordinator
	feedback *report.RecordingFeedback
	sink     *report.MemorySink
	reports  evbus.Bus
	device   *device.Device
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh ledger in a temporary directory and
// fresh in-memory device state.
//
// Execution flow:
// 1. Start the stub authority and wire the device
// 2. Seed authority and local identities
// 3. Execute steps, recording a trace entry after each
// 4. Evaluate assertions against the final state
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := New(scenario.Config)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	if err := h.seed(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to seed: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.Apply(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Name, err)
		}
		ev, err := h.trace(ctx, i, step.Name)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Name, err)
		}
		result.Trace = append(result.Trace, ev)
	}

	final, err := h.Final(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}
	result.Final = final

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// New wires a device from cfg against a fresh stub authority. Store and
// transport are forced to memory. Call Close when done.
func New(cfg config.Config) (*Harness, error) {
	if cfg.Device.ID == "" {
		cfg.Device.ID = testutil.DeviceID
	}
	cfg.Store = config.StoreConfig{Kind: kvstore.DriverMemory}
	cfg.Transport.Kind = transport.KindMemory
	cfg.Sensor.Kind = config.SensorIdle
	cfg.Authority.TokenSecret = ""
	// Validation needs a base URL; the real one is known once the server is up.
	cfg.Authority.BaseURL = "http://harness.invalid"
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario config: %w", err)
	}

	h := &Harness{
		cfg:      cfg,
		clock:    testutil.NewManualClock(testutil.Epoch),
		logger:   testutil.DiscardLogger(),
		bus:      transport.NewMemory(),
		sensor:   sensor.NewScripted(sensor.Script{}),
		feedback: &report.RecordingFeedback{},
		sink:     report.NewMemorySink(),
		reports:  evbus.New(),
	}
	if err := h.startAuthority(); err != nil {
		h.Close()
		return nil, err
	}
	if err := h.wire(); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *Harness) startAuthority() error {
	dir, err := os.MkdirTemp("", "biosync-harness-")
	if err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	h.dir = dir
	h.ledger, err = authority.OpenLedger(filepath.Join(dir, "ledger.db"))
	if err != nil {
		return err
	}
	gin.SetMode(gin.TestMode)
	h.stub = &authority.Stub{
		Ledger:     h.ledger,
		Logger:     h.logger,
		EventsPath: h.cfg.Authority.EventsPath,
		HealthPath: h.cfg.Authority.HealthPath,
	}
	h.server = httptest.NewServer(h.stub.Router())
	h.cfg.Authority.BaseURL = h.server.URL
	return nil
}

func (h *Harness) wire() error {
	client, err := authority.NewClient(h.cfg.AuthorityClient())
	if err != nil {
		return err
	}
	// Components report through the bus; a subscriber collects them for
	// the result.
	if err := report.SubscribeReports(h.reports, func(r report.Report) {
		h.sink.Report(context.Background(), r)
	}); err != nil {
		return err
	}
	sink := report.BusSink{Bus: h.reports}

	store := kvstore.NewMemory()
	h.cache = cache.New(store, h.sensor, h.cfg.Sensor.Capacity,
		cache.WithLogger(h.logger),
		cache.WithSink(sink),
		cache.WithNow(h.clock.Now),
	)
	h.queue = queue.New(store, h.cfg.Queue.Capacity, h.cfg.Queue.MaxAttempts,
		queue.WithLogger(h.logger),
		queue.WithSink(sink),
		queue.WithNow(h.clock.Now),
	)
	h.monitor = link.New(h.bus, client,
		link.WithLogger(h.logger),
		link.WithProbeTimeout(h.cfg.Authority.RequestTimeout),
	)
	h.sync, err = syncer.New(syncer.Config{
		Authority:       client,
		Cache:           h.cache,
		Queue:           h.queue,
		Gate:            h.monitor,
		Sensor:          h.sensor,
		Store:           store,
		FirmwareVersion: h.cfg.Device.FirmwareVersion,
		IDs:             &record.SequenceGenerator{Prefix: "evt"},
		Now:             h.clock.Now,
		Sink:            sink,
		Logger:          h.logger,
	})
	if err != nil {
		return err
	}
	h.device, err = device.New(device.Context{
		Settings:  h.cfg.DeviceSettings(),
		Cache:     h.cache,
		Queue:     h.queue,
		Monitor:   h.monitor,
		Sync:      h.sync,
		Sensor:    h.sensor,
		Transport: h.bus,
		Feedback:  h.feedback,
		Sink:      sink,
		Host:      device.StaticStats{UptimeSeconds: 60, Free: 4096},
		Reports:   h.reports,
		Now:       h.clock.Now,
		Logger:    h.logger,
	})
	if err != nil {
		return err
	}
	return h.device.Start()
}

// Close stops the authority and removes its ledger.
func (h *Harness) Close() error {
	var errs []error
	if h.server != nil {
		h.server.Close()
	}
	if h.ledger != nil {
		errs = append(errs, h.ledger.Close())
	}
	if h.dir != "" {
		errs = append(errs, os.RemoveAll(h.dir))
	}
	return errors.Join(errs...)
}

func (h *Harness) seed(ctx context.Context, s *Scenario) error {
	for _, id := range s.Authority.Identities {
		err := h.ledger.PutIdentity(ctx, authority.IdentityRow{
			UserID:      id.UserID,
			ExternalID:  id.ExternalID,
			DisplayName: id.Name,
			Role:        id.Role,
			Template:    []byte(id.Template),
			Quality:     id.Quality,
			Slot:        id.Slot,
		})
		if err != nil {
			return fmt.Errorf("authority identity %d: %w", id.UserID, err)
		}
	}
	for _, id := range s.Local {
		template := id.Template
		if template == "" {
			template = fmt.Sprintf("local-%d", id.UserID)
		}
		if err := h.sensor.StoreTemplate(ctx, id.Slot, []byte(template)); err != nil {
			return fmt.Errorf("local identity %d: %w", id.UserID, err)
		}
		err := h.cache.Upsert(ctx, record.IdentityRecord{
			UserID:      id.UserID,
			ExternalID:  id.ExternalID,
			DisplayName: id.Name,
			Role:        record.ParseRole(id.Role),
			Slot:        id.Slot,
			Quality:     id.Quality,
			SyncState:   record.SyncState(id.SyncState),
		})
		if err != nil {
			return fmt.Errorf("local identity %d: %w", id.UserID, err)
		}
	}
	return nil
}

// Apply runs one step.
func (h *Harness) Apply(ctx context.Context, step Step) error {
	switch step.Link {
	case Up:
		h.bus.SetLinkUp(true)
	case Down:
		h.bus.SetLinkUp(false)
	}
	switch step.Authority {
	case Up:
		h.stub.SetDown(false)
	case Down:
		h.stub.SetDown(true)
	}
	if step.FailEvents > 0 {
		h.stub.FailNextEvents(step.FailEvents)
	}
	if step.Capture != nil {
		if err := h.sensor.PushStep(*step.Capture); err != nil {
			return err
		}
	}
	if e := step.Enroll; e != nil {
		var err error
		if e.Error != "" {
			err = errors.New(e.Error)
		}
		h.sensor.PushEnroll(e.Quality, e.Captured, err)
	}
	if step.Command != nil {
		payload, err := json.Marshal(step.Command)
		if err != nil {
			return fmt.Errorf("encode command: %w", err)
		}
		h.bus.Inject(h.cfg.Transport.Topics.Commands, payload)
	}
	h.clock.Advance(step.Advance)
	for range step.ticks() {
		h.device.Step(ctx)
	}
	return nil
}

func (h *Harness) trace(ctx context.Context, i int, name string) (TraceEvent, error) {
	rows, err := h.ledger.Events(ctx, "")
	if err != nil {
		return TraceEvent{}, err
	}
	return TraceEvent{
		Step:       i,
		Name:       name,
		State:      h.monitor.State(),
		Identities: h.cache.Len(),
		Pending:    h.queue.Len(),
		Delivered:  len(rows),
	}, nil
}

// Final collects the observable state of the device and the authority.
func (h *Harness) Final(ctx context.Context) (Final, error) {
	f := Final{
		State:      h.monitor.State(),
		Identities: h.cache.Records(),
		Signals:    h.feedback.Signals(),
		Reports:    h.sink.Reports(),
	}
	for _, ev := range h.queue.Snapshot() {
		f.Queue = append(f.Queue, QueuedEvent{ID: ev.ID, Type: ev.Type, Attempts: ev.Attempts})
	}

	rows, err := h.ledger.Events(ctx, "")
	if err != nil {
		return Final{}, err
	}
	for _, row := range rows {
		f.Delivered = append(f.Delivered, DeliveredEvent{ID: row.EventID, Type: row.Type})
	}

	for _, m := range h.bus.Published(h.cfg.Transport.Topics.Status) {
		var msg device.StatusMessage
		if err := json.Unmarshal(m.Payload, &msg); err != nil {
			return Final{}, fmt.Errorf("decode status message: %w", err)
		}
		if msg.Type == device.MessageCommandResult && msg.Result != nil {
			f.Results = append(f.Results, *msg.Result)
		}
	}
	if f.Results == nil {
		f.Results = []command.Result{}
	}

	f.Syncs, err = h.ledger.Syncs(ctx, h.cfg.Device.ID)
	if err != nil {
		return Final{}, err
	}
	return f, nil
}
