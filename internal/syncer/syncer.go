// Package syncer reconciles the device with the authority.
//
// FullSync pulls the authoritative identity set and merges it into the
// cache, then drains the offline queue. DeliverOrEnqueue is the single
// entry point for new events: it sends immediately when the authority is
// reachable and falls back to the queue otherwise.
//
// Local identities the authority no longer lists are never deleted by a
// sync; removal happens only through an explicit delete command.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DEOS-Org/biosync/internal/authority"
	"github.com/DEOS-Org/biosync/internal/cache"
	"github.com/DEOS-Org/biosync/internal/fault"
	"github.com/DEOS-Org/biosync/internal/kvstore"
	"github.com/DEOS-Org/biosync/internal/link"
	"github.com/DEOS-Org/biosync/internal/queue"
	"github.com/DEOS-Org/biosync/internal/record"
	"github.com/DEOS-Org/biosync/internal/report"
	"github.com/DEOS-Org/biosync/internal/sensor"
)

const lastSyncKey = "sync/last"

// Authority is the remote side as the coordinator sees it.
// *authority.Client implements it.
type Authority interface {
	Post(ctx context.Context, path string, body []byte) (int, []byte, error)
	SyncPath() string
	EventPath(t record.EventType) string
	DeviceID() string
}

// Gate reports whether outbound delivery is permitted. *link.Monitor
// implements it.
type Gate interface {
	Reachable() bool
	MarkUnreachable() link.Transition
}

// Disposition says what DeliverOrEnqueue did with an event.
type Disposition int

const (
	Sent Disposition = iota + 1
	Queued
)

func (d Disposition) String() string {
	switch d {
	case Sent:
		return "sent"
	case Queued:
		return "queued"
	default:
		return "unknown"
	}
}

// SyncResult summarises a FullSync.
type SyncResult struct {
	Received int
	Added    int
	Updated  int
	Skipped  int
	// ServerTime is the authority's sync timestamp.
	ServerTime time.Time
	Drain      queue.DrainStats
}

// Config wires a Coordinator.
type Config struct {
	Authority Authority
	Cache     *cache.Cache
	Queue     *queue.Queue
	Gate      Gate
	Sensor    sensor.Sensor
	Store     kvstore.Store

	FirmwareVersion string
	IDs             record.IDGenerator
	Now             func() time.Time
	Sink            report.Sink
	Logger          *slog.Logger
}

// Coordinator runs sync and delivery. Not safe for concurrent use.
type Coordinator struct {
	auth     Authority
	cache    *cache.Cache
	queue    *queue.Queue
	gate     Gate
	sensor   sensor.Sensor
	store    kvstore.Store
	firmware string
	ids      record.IDGenerator
	now      func() time.Time
	sink     report.Sink
	logger   *slog.Logger

	lastSync time.Time
}

// New builds a Coordinator. Authority, Cache, Queue, Gate, Sensor and Store
// are required.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Authority == nil:
		return nil, errors.New("syncer: authority required")
	case cfg.Cache == nil:
		return nil, errors.New("syncer: cache required")
	case cfg.Queue == nil:
		return nil, errors.New("syncer: queue required")
	case cfg.Gate == nil:
		return nil, errors.New("syncer: gate required")
	case cfg.Sensor == nil:
		return nil, errors.New("syncer: sensor required")
	case cfg.Store == nil:
		return nil, errors.New("syncer: store required")
	}
	c := &Coordinator{
		auth:     cfg.Authority,
		cache:    cfg.Cache,
		queue:    cfg.Queue,
		gate:     cfg.Gate,
		sensor:   cfg.Sensor,
		store:    cfg.Store,
		firmware: cfg.FirmwareVersion,
		ids:      cfg.IDs,
		now:      cfg.Now,
		sink:     cfg.Sink,
		logger:   cfg.Logger,
	}
	if c.ids == nil {
		c.ids = record.UUIDv7Generator{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sink == nil {
		c.sink = report.Discard
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// LastSync returns the time of the last successful full sync, zero if none.
func (c *Coordinator) LastSync() time.Time { return c.lastSync }

// LoadState restores the last sync time from the store.
func (c *Coordinator) LoadState(ctx context.Context) error {
	t, err := ReadLastSync(ctx, c.store)
	if errors.Is(err, errCorruptLastSync) {
		c.logger.Warn("ignoring corrupt last sync", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	c.lastSync = t
	return nil
}

var errCorruptLastSync = errors.New("corrupt last sync")

// ReadLastSync returns the persisted last sync time, zero if none was stored.
func ReadLastSync(ctx context.Context, store kvstore.Store) (time.Time, error) {
	data, ok, err := store.Get(ctx, lastSyncKey)
	if err != nil {
		return time.Time{}, fault.Wrap(fault.KindStorage, "syncer.load", "read last sync", err)
	}
	if !ok {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", errCorruptLastSync, data, err)
	}
	return t, nil
}

// FullSync requests the identity set, merges it and then drains the queue.
// The drain runs whatever the outcome of the request.
func (c *Coordinator) FullSync(ctx context.Context) (SyncResult, error) {
	res, err := c.pull(ctx)
	res.Drain = c.Drain(ctx)
	return res, err
}

func (c *Coordinator) pull(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	if !c.gate.Reachable() {
		return res, fault.New(fault.KindTransient, "syncer.sync", "authority not reachable")
	}

	var last int64
	if !c.lastSync.IsZero() {
		last = c.lastSync.UnixMilli()
	}
	body, err := json.Marshal(authority.SyncRequest{
		DeviceID:            c.auth.DeviceID(),
		CurrentFingerprints: c.cache.Len(),
		FirmwareVersion:     c.firmware,
		LastSync:            last,
	})
	if err != nil {
		return res, fault.Wrap(fault.KindPermanent, "syncer.sync", "encode request", err)
	}

	_, data, err := c.auth.Post(ctx, c.auth.SyncPath(), body)
	if err != nil {
		if authority.IsTimeout(err) {
			c.gate.MarkUnreachable()
		}
		c.logger.Warn("full sync request failed", "error", err)
		return res, fault.Wrap(fault.KindTransient, "syncer.sync", "request", err)
	}

	var resp authority.SyncResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return res, fault.Wrap(fault.KindTransient, "syncer.sync", "decode response", err)
	}
	if !resp.Success {
		msg := "authority reported failure"
		if resp.Error != "" {
			msg += ": " + resp.Error
		}
		return res, fault.New(fault.KindTransient, "syncer.sync", msg)
	}

	res.Received = len(resp.Fingerprints)
	if resp.SyncTimestamp > 0 {
		res.ServerTime = time.UnixMilli(resp.SyncTimestamp).UTC()
	}
	for _, remote := range resp.Fingerprints {
		added, err := c.merge(ctx, remote)
		switch {
		case err != nil:
			res.Skipped++
			c.logger.Warn("identity skipped during sync", "user_id", remote.UserID, "error", err)
			c.sink.Report(ctx, report.Report{
				Kind:   report.KindSyncSkipped,
				Op:     "syncer.sync",
				UserID: remote.UserID,
				Err:    err.Error(),
				At:     c.now(),
			})
		case added:
			res.Added++
		default:
			res.Updated++
		}
	}

	c.lastSync = c.now().UTC()
	if err := c.store.Put(ctx, lastSyncKey, []byte(c.lastSync.Format(time.RFC3339Nano))); err != nil {
		c.logger.Error("failed to persist last sync", "error", err)
	}
	c.logger.Info("full sync complete",
		"received", res.Received, "added", res.Added, "updated", res.Updated, "skipped", res.Skipped)
	return res, nil
}

// merge applies one remote identity. It reports whether a new record was
// added.
func (c *Coordinator) merge(ctx context.Context, remote authority.RemoteIdentity) (bool, error) {
	md := cache.Metadata{
		ExternalID:  remote.ExternalID,
		DisplayName: remote.DisplayName,
		Role:        record.ParseRole(remote.Role),
		SyncState:   record.SyncStateSynced,
	}
	if _, ok := c.cache.FindByUserID(remote.UserID); ok {
		return false, c.cache.UpdateMetadata(ctx, remote.UserID, md)
	}
	if remote.UserID <= 0 {
		return false, fault.New(fault.KindPermanent, "syncer.merge", fmt.Sprintf("invalid user_id %d", remote.UserID))
	}

	slot := remote.SlotRecommendation
	if !c.cache.IsFree(slot) {
		var err error
		if slot, err = c.cache.AllocateSlot(); err != nil {
			return false, err
		}
	}

	store, ok := c.sensor.(sensor.TemplateStore)
	if !ok {
		return false, fault.New(fault.KindConsistency, "syncer.merge", "sensor does not accept templates")
	}
	if len(remote.Template) == 0 {
		return false, fault.New(fault.KindPermanent, "syncer.merge", "identity has no template")
	}
	if err := store.StoreTemplate(ctx, slot, remote.Template); err != nil {
		return false, &fault.Error{
			Kind:    fault.KindConsistency,
			Op:      "syncer.merge",
			Message: fmt.Sprintf("store template in slot %d", slot),
			Cause:   err,
		}
	}

	err := c.cache.Upsert(ctx, record.IdentityRecord{
		UserID:      remote.UserID,
		ExternalID:  md.ExternalID,
		DisplayName: md.DisplayName,
		Role:        md.Role,
		Slot:        slot,
		Quality:     remote.Quality,
		SyncState:   record.SyncStateSynced,
	})
	if err != nil {
		// Refused or not persisted; take the template back out so the
		// sensor and the cache agree.
		if delErr := c.sensor.DeleteTemplate(ctx, slot); delErr != nil {
			c.logger.Error("failed to roll back template", "slot", slot, "error", delErr)
		}
		return false, err
	}
	return true, nil
}

// Drain delivers queued events while the authority is reachable.
func (c *Coordinator) Drain(ctx context.Context) queue.DrainStats {
	if !c.gate.Reachable() {
		return queue.DrainStats{Remaining: c.queue.Len(), Aborted: c.queue.Len() > 0}
	}

	timedOut := false
	stats := c.queue.Drain(ctx, func(ctx context.Context, ev record.OfflineEvent) queue.Outcome {
		if !c.gate.Reachable() {
			return queue.Aborted
		}
		status, err := c.deliver(ctx, ev)
		switch {
		case err == nil:
			return queue.Delivered
		case authority.IsTimeout(err):
			timedOut = true
			return queue.Failed
		case status == 0:
			// No response at all: the link went away under us.
			return queue.Aborted
		default:
			c.logger.Debug("event delivery failed", "event_id", ev.ID, "status", status, "error", err)
			return queue.Failed
		}
	})
	if timedOut {
		c.gate.MarkUnreachable()
	}
	if stats.Delivered+stats.Failed > 0 {
		c.logger.Info("offline queue drained",
			"delivered", stats.Delivered, "failed", stats.Failed,
			"dropped", stats.Dropped, "remaining", stats.Remaining)
	}
	return stats
}

func (c *Coordinator) deliver(ctx context.Context, ev record.OfflineEvent) (int, error) {
	body, err := record.EncodeWire(ev, c.auth.DeviceID())
	if err != nil {
		return 0, err
	}
	status, _, err := c.auth.Post(ctx, c.auth.EventPath(ev.Type), body)
	return status, err
}

// DeliverOrEnqueue sends p now if possible, otherwise queues it.
// The returned event carries the assigned ID (and Seq when queued).
func (c *Coordinator) DeliverOrEnqueue(ctx context.Context, p record.Payload) (record.OfflineEvent, Disposition, error) {
	ev := record.NewEvent(c.ids.Generate(), p, c.now().UTC())

	if c.gate.Reachable() {
		_, err := c.deliver(ctx, ev)
		if err == nil {
			return ev, Sent, nil
		}
		if authority.IsTimeout(err) {
			c.gate.MarkUnreachable()
		}
		c.logger.Debug("immediate delivery failed, queueing", "event_id", ev.ID, "error", err)
	}

	stored, err := c.queue.Enqueue(ctx, ev)
	if err != nil {
		return stored, 0, err
	}
	return stored, Queued, nil
}
