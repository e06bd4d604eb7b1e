package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	evbus "github.com/asaskevich/EventBus"

	"github.com/DEOS-Org/biosync/internal/authority"
	"github.com/DEOS-Org/biosync/internal/cache"
	"github.com/DEOS-Org/biosync/internal/config"
	"github.com/DEOS-Org/biosync/internal/device"
	"github.com/DEOS-Org/biosync/internal/kvstore"
	"github.com/DEOS-Org/biosync/internal/link"
	"github.com/DEOS-Org/biosync/internal/queue"
	"github.com/DEOS-Org/biosync/internal/record"
	"github.com/DEOS-Org/biosync/internal/report"
	"github.com/DEOS-Org/biosync/internal/sensor"
	"github.com/DEOS-Org/biosync/internal/syncer"
	"github.com/DEOS-Org/biosync/internal/transport"
)

// state is the persisted device state: store, cache and queue.
type state struct {
	store  kvstore.Store
	sensor sensor.Sensor
	cache  *cache.Cache
	queue  *queue.Queue
	sink   report.Sink

	// reports carries every report to in-process subscribers; the device
	// mirrors them on the status topic.
	reports evbus.Bus

	deviceID  string
	storeKind string
}

func openSensor(cfg config.Config) (sensor.Sensor, error) {
	switch cfg.Sensor.Kind {
	case config.SensorScripted:
		script, err := sensor.LoadScript(cfg.Sensor.Script)
		if err != nil {
			return nil, err
		}
		return sensor.NewScripted(script), nil
	default:
		return sensor.Idle{}, nil
	}
}

// openState opens the store and loads the cache and queue from it.
func openState(ctx context.Context, cfg config.Config, logger *slog.Logger) (*state, error) {
	s, err := openSensor(cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open sensor", err)
	}
	store, err := kvstore.Open(ctx, cfg.KVStore())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}

	reports := evbus.New()
	sink := report.Multi{report.LogSink{Logger: logger}, report.BusSink{Bus: reports}}
	q := queue.New(store, cfg.Queue.Capacity, cfg.Queue.MaxAttempts,
		queue.WithLogger(logger),
		queue.WithSink(sink),
		queue.WithPassBudget(cfg.Queue.PassBudget),
	)
	st := &state{
		store:  store,
		sensor: s,
		sink:   sink,
		cache:  cache.New(store, s, cfg.Sensor.Capacity, cache.WithLogger(logger), cache.WithSink(sink)),
		queue:  q,

		reports: reports,

		deviceID:  cfg.Device.ID,
		storeKind: cfg.Store.Kind,
	}
	if err := st.cache.Load(ctx); err != nil {
		store.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load identity cache", err)
	}
	if err := st.queue.Load(ctx); err != nil {
		store.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load event queue", err)
	}
	return st, nil
}

func (s *state) Close() error {
	return s.store.Close()
}

// node is a fully wired device.
type node struct {
	*state
	transport transport.Transport
	client    *authority.Client
	monitor   *link.Monitor
	sync      *syncer.Coordinator
	device    *device.Device
}

// openNode wires every component from cfg.
func openNode(ctx context.Context, cfg config.Config, logger *slog.Logger) (*node, error) {
	st, err := openState(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	n := &node{state: st}
	if err := n.wire(ctx, cfg, logger); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *node) wire(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var clientOpts []authority.ClientOption
	if cfg.Authority.TokenSecret != "" {
		signer, err := authority.NewTokenSigner(cfg.Authority.TokenSecret)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid token secret", err)
		}
		clientOpts = append(clientOpts, authority.WithTokens(signer.WithTTL(cfg.Authority.TokenTTL)))
	}
	client, err := authority.NewClient(cfg.AuthorityClient(), clientOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid authority config", err)
	}
	n.client = client

	t, err := transport.Open(cfg.TransportOptions(), logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open transport", err)
	}
	n.transport = t

	n.monitor = link.New(t, client,
		link.WithLogger(logger),
		link.WithProbeTimeout(cfg.Authority.RequestTimeout),
	)

	n.sync, err = syncer.New(syncer.Config{
		Authority:       client,
		Cache:           n.cache,
		Queue:           n.queue,
		Gate:            n.monitor,
		Sensor:          n.sensor,
		Store:           n.store,
		FirmwareVersion: cfg.Device.FirmwareVersion,
		IDs:             record.UUIDv7Generator{},
		Sink:            n.sink,
		Logger:          logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build sync coordinator", err)
	}
	if err := n.sync.LoadState(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to load sync state", err)
	}

	n.device, err = device.New(device.Context{
		Settings:  cfg.DeviceSettings(),
		Cache:     n.cache,
		Queue:     n.queue,
		Monitor:   n.monitor,
		Sync:      n.sync,
		Sensor:    n.sensor,
		Transport: t,
		Feedback:  report.LogFeedback{Logger: logger},
		Sink:      n.sink,
		Reports:   n.reports,
		Logger:    logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build device", err)
	}
	return nil
}

func (n *node) Close() error {
	var errs []error
	if n.transport != nil {
		if err := n.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	if err := n.state.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
