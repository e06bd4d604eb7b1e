// Package cache keeps the slot to identity mapping the device resolves
// sensor matches against while offline.
//
// A record exists for slot N exactly when the sensor holds a template in
// slot N. Remove deletes the sensor template first and keeps the record if
// that fails; inserts happen only after the sensor side has the template.
// A removal whose final write is lost is finished by the next Save or Load.
//
// Cache is not safe for concurrent use. The device loop owns it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/DEOS-Org/biosync/internal/fault"
	"github.com/DEOS-Org/biosync/internal/kvstore"
	"github.com/DEOS-Org/biosync/internal/record"
	"github.com/DEOS-Org/biosync/internal/report"
)

const (
	slotKeyPrefix     = "identity/slot/"
	removingKeyPrefix = "identity/removing/"
	countKey          = "identity/count"
)

var (
	ErrFull             = fault.New(fault.KindCapacity, "cache", "no free slot")
	ErrSlotOutOfRange   = fault.New(fault.KindCapacity, "cache", "slot out of range")
	ErrNotFound         = errors.New("cache: identity not found")
	ErrDuplicateSubject = fault.New(fault.KindConsistency, "cache", "user already enrolled in another slot")
	ErrSlotTaken        = fault.New(fault.KindConsistency, "cache", "slot held by another user")
)

// TemplateDeleter removes a template from the sensor. It is the only
// sensor operation the cache needs.
type TemplateDeleter interface {
	DeleteTemplate(ctx context.Context, slot int) error
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithSink sets where consistency problems are reported. Defaults to
// report.Discard.
func WithSink(s report.Sink) Option {
	return func(c *Cache) { c.sink = s }
}

// WithNow sets the clock used to stamp reports.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache maps sensor slots to identity records.
type Cache struct {
	store    kvstore.Store
	sensor   TemplateDeleter
	capacity int
	logger   *slog.Logger
	sink     report.Sink
	now      func() time.Time

	bySlot    map[int]record.IdentityRecord
	byUser    map[int64]int
	persisted map[int]bool

	// quarantined holds duplicate records found on load. Their templates
	// are still in the sensor, so the slots stay reserved and keep their
	// keys until the user is removed.
	quarantined map[int]record.IdentityRecord
	// removing holds slots whose template is gone but whose removal
	// marker has not been cleared from the store yet.
	removing map[int]bool
}

// New creates an empty cache for slots 1..capacity.
func New(store kvstore.Store, sensor TemplateDeleter, capacity int, opts ...Option) *Cache {
	c := &Cache{
		store:       store,
		sensor:      sensor,
		capacity:    capacity,
		logger:      slog.Default(),
		sink:        report.Discard,
		now:         time.Now,
		bySlot:      make(map[int]record.IdentityRecord),
		byUser:      make(map[int64]int),
		persisted:   make(map[int]bool),
		quarantined: make(map[int]record.IdentityRecord),
		removing:    make(map[int]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func slotKey(slot int) string {
	return slotKeyPrefix + strconv.Itoa(slot)
}

func removingKey(slot int) string {
	return removingKeyPrefix + strconv.Itoa(slot)
}

// Capacity returns the number of slots.
func (c *Cache) Capacity() int { return c.capacity }

// Len returns the number of live records.
func (c *Cache) Len() int { return len(c.bySlot) }

// Load replaces the in-memory mapping with what the store holds.
//
// Corrupt entries are skipped and logged. When two slots claim the same
// user the lower slot wins and the other is quarantined and reported.
// Removals interrupted before their final write are completed. Only store
// I/O errors are returned.
func (c *Cache) Load(ctx context.Context) error {
	bySlot := make(map[int]record.IdentityRecord)
	byUser := make(map[int64]int)
	persisted := make(map[int]bool)
	quarantined := make(map[int]record.IdentityRecord)
	removing := make(map[int]bool)

	for slot := 1; slot <= c.capacity; slot++ {
		_, marked, err := c.store.Get(ctx, removingKey(slot))
		if err != nil {
			return fault.Wrap(fault.KindStorage, "cache.load", "read removal marker", err)
		}
		data, ok, err := c.store.Get(ctx, slotKey(slot))
		if err != nil {
			return fault.Wrap(fault.KindStorage, "cache.load", "read slot", err)
		}
		if ok {
			persisted[slot] = true
		}
		if marked {
			if !ok {
				removing[slot] = true
				continue
			}
			if err := c.sensor.DeleteTemplate(ctx, slot); err != nil {
				c.logger.Warn("could not finish interrupted removal, keeping identity", "slot", slot, "error", err)
			} else {
				c.logger.Info("finished interrupted removal", "slot", slot)
				removing[slot] = true
				continue
			}
		}
		if !ok {
			continue
		}

		rec, err := record.UnmarshalIdentity(data)
		if err != nil {
			c.logger.Warn("skipping corrupt identity entry", "slot", slot, "error", err)
			continue
		}
		if rec.Slot != slot {
			c.logger.Warn("skipping identity stored under wrong slot", "slot", slot, "record_slot", rec.Slot)
			continue
		}
		if prev, dup := byUser[rec.UserID]; dup {
			// Slots are visited in ascending order so prev is the lower one.
			c.logger.Warn("duplicate user on load, keeping lowest slot",
				"user_id", rec.UserID, "kept_slot", prev, "quarantined_slot", slot)
			c.sink.Report(ctx, report.Report{
				Kind:   report.KindConsistency,
				Op:     "cache.load",
				UserID: rec.UserID,
				Slot:   slot,
				Err:    fmt.Sprintf("user already held by slot %d", prev),
				At:     c.now(),
			})
			quarantined[slot] = rec
			continue
		}
		bySlot[slot] = rec
		byUser[rec.UserID] = slot
	}

	if data, ok, err := c.store.Get(ctx, countKey); err == nil && ok {
		if n, convErr := strconv.Atoi(string(data)); convErr == nil && n != len(bySlot) {
			c.logger.Warn("identity count mismatch", "stored", n, "loaded", len(bySlot))
		}
	}

	c.bySlot, c.byUser, c.persisted = bySlot, byUser, persisted
	c.quarantined, c.removing = quarantined, removing
	c.logger.Debug("identity cache loaded", "records", len(bySlot), "quarantined", len(quarantined))
	return nil
}

// Save writes the full mapping in one batch.
func (c *Cache) Save(ctx context.Context) error {
	ops := make([]kvstore.Op, 0, len(c.bySlot)+len(c.persisted)+len(c.removing)+1)
	for _, slot := range c.sortedSlots() {
		data, err := record.MarshalIdentity(c.bySlot[slot])
		if err != nil {
			return fault.Wrap(fault.KindStorage, "cache.save", "encode record", err)
		}
		ops = append(ops, kvstore.PutOp(slotKey(slot), data))
	}
	for slot := range c.persisted {
		if !c.used(slot) {
			ops = append(ops, kvstore.DeleteOp(slotKey(slot)))
		}
	}
	for slot := range c.removing {
		ops = append(ops, kvstore.DeleteOp(removingKey(slot)))
	}
	ops = append(ops, kvstore.PutOp(countKey, []byte(strconv.Itoa(len(c.bySlot)))))

	if err := kvstore.Apply(ctx, c.store, ops...); err != nil {
		return fault.Wrap(fault.KindStorage, "cache.save", "write mapping", err)
	}

	c.persisted = make(map[int]bool, len(c.bySlot)+len(c.quarantined))
	for slot := range c.bySlot {
		c.persisted[slot] = true
	}
	for slot := range c.quarantined {
		c.persisted[slot] = true
	}
	c.removing = make(map[int]bool)
	return nil
}

// used reports whether slot holds a live or quarantined record.
func (c *Cache) used(slot int) bool {
	if _, live := c.bySlot[slot]; live {
		return true
	}
	_, q := c.quarantined[slot]
	return q
}

// Quarantined returns the duplicate records set aside by Load, ordered by
// slot.
func (c *Cache) Quarantined() []record.IdentityRecord {
	out := make([]record.IdentityRecord, 0, len(c.quarantined))
	for _, rec := range c.quarantined {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// FindBySlot returns the record bound to slot.
func (c *Cache) FindBySlot(slot int) (record.IdentityRecord, bool) {
	rec, ok := c.bySlot[slot]
	return rec, ok
}

// FindByUserID returns the record of user id.
func (c *Cache) FindByUserID(id int64) (record.IdentityRecord, bool) {
	slot, ok := c.byUser[id]
	if !ok {
		return record.IdentityRecord{}, false
	}
	return c.bySlot[slot], true
}

// Records returns all live records ordered by slot.
func (c *Cache) Records() []record.IdentityRecord {
	out := make([]record.IdentityRecord, 0, len(c.bySlot))
	for _, slot := range c.sortedSlots() {
		out = append(out, c.bySlot[slot])
	}
	return out
}

func (c *Cache) sortedSlots() []int {
	slots := make([]int, 0, len(c.bySlot))
	for slot := range c.bySlot {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}

// Upsert inserts rec into a free slot or updates the record the same user
// already holds there, then saves. If the save fails the cache is left as
// it was.
//
// The caller is responsible for the sensor template being present in
// rec.Slot before calling Upsert, and for removing it again on error.
func (c *Cache) Upsert(ctx context.Context, rec record.IdentityRecord) error {
	rec = rec.Normalized()
	if rec.Slot < 1 || rec.Slot > c.capacity {
		return fmt.Errorf("upsert slot %d: %w", rec.Slot, ErrSlotOutOfRange)
	}
	if err := rec.Validate(); err != nil {
		return fault.Wrap(fault.KindPermanent, "cache.upsert", "invalid record", err)
	}
	if slot, ok := c.byUser[rec.UserID]; ok && slot != rec.Slot {
		return fmt.Errorf("upsert user %d into slot %d (enrolled in %d): %w", rec.UserID, rec.Slot, slot, ErrDuplicateSubject)
	}
	if cur, ok := c.bySlot[rec.Slot]; ok && cur.UserID != rec.UserID {
		return fmt.Errorf("upsert user %d into slot %d (held by %d): %w", rec.UserID, rec.Slot, cur.UserID, ErrSlotTaken)
	}
	if q, ok := c.quarantined[rec.Slot]; ok {
		return fmt.Errorf("upsert user %d into slot %d (quarantined duplicate of %d): %w", rec.UserID, rec.Slot, q.UserID, ErrSlotTaken)
	}

	prev, existed := c.bySlot[rec.Slot]
	c.bySlot[rec.Slot] = rec
	c.byUser[rec.UserID] = rec.Slot
	if err := c.Save(ctx); err != nil {
		if existed {
			c.bySlot[rec.Slot] = prev
		} else {
			delete(c.bySlot, rec.Slot)
			delete(c.byUser, rec.UserID)
		}
		return err
	}
	return nil
}

// Touch records a successful match on slot.
func (c *Cache) Touch(ctx context.Context, slot int, at time.Time) error {
	rec, ok := c.bySlot[slot]
	if !ok {
		return fmt.Errorf("touch slot %d: %w", slot, ErrNotFound)
	}
	rec.LastUsedAt = at
	c.bySlot[slot] = rec
	return c.Save(ctx)
}

// Metadata is the subset of a record the authority may update.
type Metadata struct {
	ExternalID  string
	DisplayName string
	Role        record.Role
	SyncState   record.SyncState
}

// UpdateMetadata overwrites the descriptive fields of user id.
func (c *Cache) UpdateMetadata(ctx context.Context, id int64, md Metadata) error {
	slot, ok := c.byUser[id]
	if !ok {
		return fmt.Errorf("update user %d: %w", id, ErrNotFound)
	}
	rec := c.bySlot[slot]
	rec.ExternalID = md.ExternalID
	rec.DisplayName = md.DisplayName
	rec.Role = md.Role
	if md.SyncState != "" {
		rec.SyncState = md.SyncState
	}
	c.bySlot[slot] = rec.Normalized()
	return c.Save(ctx)
}

// IsFree reports whether slot is in range and unused.
func (c *Cache) IsFree(slot int) bool {
	if slot < 1 || slot > c.capacity {
		return false
	}
	return !c.used(slot)
}

// AllocateSlot returns the lowest unused slot. It does not reserve it.
func (c *Cache) AllocateSlot() (int, error) {
	for slot := 1; slot <= c.capacity; slot++ {
		if !c.used(slot) {
			return slot, nil
		}
	}
	return 0, ErrFull
}

// Remove deletes user id from the sensor and then from the cache, together
// with any quarantined duplicate of the same user.
//
// A removal marker is written before the sensor is touched. If the sensor
// refuses, the record is kept and a consistency fault returned. Once the
// template is gone the removal stands: a failed final write is reported and
// retried by the next Save, or by Load after a restart.
func (c *Cache) Remove(ctx context.Context, id int64) (record.IdentityRecord, error) {
	slot, ok := c.byUser[id]
	if !ok {
		return record.IdentityRecord{}, fmt.Errorf("remove user %d: %w", id, ErrNotFound)
	}
	rec := c.bySlot[slot]

	if err := c.deleteTemplate(ctx, slot); err != nil {
		return rec, err
	}
	delete(c.bySlot, slot)
	delete(c.byUser, id)

	for qslot, q := range c.quarantined {
		if q.UserID != id {
			continue
		}
		if err := c.deleteTemplate(ctx, qslot); err != nil {
			c.logger.Warn("quarantined duplicate kept", "user_id", id, "slot", qslot, "error", err)
			continue
		}
		delete(c.quarantined, qslot)
	}

	if err := c.Save(ctx); err != nil {
		c.logger.Error("identity removal not persisted, will retry", "user_id", id, "slot", slot, "error", err)
		c.sink.Report(ctx, report.Report{
			Kind:   report.KindConsistency,
			Op:     "cache.remove",
			UserID: id,
			Slot:   slot,
			Err:    err.Error(),
			At:     c.now(),
		})
	}
	c.logger.Info("identity removed", "user_id", id, "slot", slot)
	return rec, nil
}

// deleteTemplate marks slot as being removed and deletes its template.
func (c *Cache) deleteTemplate(ctx context.Context, slot int) error {
	if err := c.store.Put(ctx, removingKey(slot), []byte(strconv.Itoa(slot))); err != nil {
		return fault.Wrap(fault.KindStorage, "cache.remove", fmt.Sprintf("mark slot %d", slot), err)
	}
	if err := c.sensor.DeleteTemplate(ctx, slot); err != nil {
		if delErr := c.store.Delete(ctx, removingKey(slot)); delErr != nil {
			c.logger.Warn("failed to clear removal marker", "slot", slot, "error", delErr)
		}
		return &fault.Error{
			Kind:    fault.KindConsistency,
			Op:      "cache.remove",
			Message: fmt.Sprintf("sensor kept template for slot %d", slot),
			Cause:   err,
		}
	}
	c.removing[slot] = true
	return nil
}
