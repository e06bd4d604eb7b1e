// Package queue implements the bounded, persistent FIFO of events that could
// not be delivered to the authority yet.
//
// The queue holds at most Capacity events. Enqueue on a full queue evicts the
// oldest event and reports it. Drain walks a snapshot once in FIFO order and
// applies the caller's verdict per event; every per-event change is written
// to the store before the next event is attempted.
//
// Queue is not safe for concurrent use. The device loop owns it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/DEOS-Org/biosync/internal/fault"
	"github.com/DEOS-Org/biosync/internal/kvstore"
	"github.com/DEOS-Org/biosync/internal/record"
	"github.com/DEOS-Org/biosync/internal/report"
)

const (
	itemKeyPrefix = "queue/item/"
	indexKey      = "queue/index"
	lenKey        = "queue/len"
	seqKey        = "queue/seq"
)

// Defaults used by the device configuration.
const (
	DefaultCapacity    = 1000
	DefaultMaxAttempts = 3
)

// Outcome is the verdict of a single delivery attempt.
type Outcome int

const (
	// Delivered removes the event.
	Delivered Outcome = iota + 1
	// Failed counts an attempt against the event.
	Failed
	// Aborted stops the pass without touching the event.
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// DeliverFunc attempts to deliver one event.
type DeliverFunc func(ctx context.Context, ev record.OfflineEvent) Outcome

// DrainStats summarises a drain pass.
type DrainStats struct {
	Delivered int
	Failed    int
	Dropped   int
	Remaining int
	Aborted   bool
	// Err is the last persistence error seen during the pass, if any.
	Err error
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithSink sets where dropped events are reported. Defaults to report.Discard.
func WithSink(s report.Sink) Option {
	return func(q *Queue) { q.sink = s }
}

// WithPassBudget bounds the wall time of one drain pass. Zero means
// unbounded (the pass is still bounded by the snapshot size).
func WithPassBudget(d time.Duration) Option {
	return func(q *Queue) { q.budget = d }
}

// WithNow sets the time source. Defaults to time.Now.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is the offline event queue.
type Queue struct {
	store       kvstore.Store
	capacity    int
	maxAttempts int
	clock       *Clock
	logger      *slog.Logger
	sink        report.Sink
	budget      time.Duration
	now         func() time.Time

	items []record.OfflineEvent
}

// New creates an empty queue. Call Load to restore persisted events.
func New(store kvstore.Store, capacity, maxAttempts int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	q := &Queue{
		store:       store,
		capacity:    capacity,
		maxAttempts: maxAttempts,
		clock:       NewClock(),
		logger:      slog.Default(),
		sink:        report.Discard,
		now:         time.Now,
		items:       make([]record.OfflineEvent, 0, 16),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func itemKey(seq int64) string {
	return itemKeyPrefix + strconv.FormatInt(seq, 10)
}

// Len returns the number of queued events.
func (q *Queue) Len() int { return len(q.items) }

// Capacity returns the maximum number of queued events.
func (q *Queue) Capacity() int { return q.capacity }

// MaxAttempts returns the retry ceiling per event.
func (q *Queue) MaxAttempts() int { return q.maxAttempts }

// Snapshot returns a copy of the queued events in FIFO order.
func (q *Queue) Snapshot() []record.OfflineEvent {
	out := make([]record.OfflineEvent, len(q.items))
	copy(out, q.items)
	return out
}

// Load replaces the in-memory queue with the persisted one.
//
// Order comes from the stored index. Missing or corrupt items are skipped
// and logged. Only store I/O errors are returned.
func (q *Queue) Load(ctx context.Context) error {
	var highest int64
	if data, ok, err := q.store.Get(ctx, seqKey); err != nil {
		return fault.Wrap(fault.KindStorage, "queue.load", "read seq", err)
	} else if ok {
		if n, err := strconv.ParseInt(string(data), 10, 64); err == nil {
			highest = n
		}
	}

	data, ok, err := q.store.Get(ctx, indexKey)
	if err != nil {
		return fault.Wrap(fault.KindStorage, "queue.load", "read index", err)
	}
	var index []int64
	if ok {
		if err := json.Unmarshal(data, &index); err != nil {
			q.logger.Warn("discarding corrupt queue index", "error", err)
			index = nil
		}
	}

	items := make([]record.OfflineEvent, 0, len(index))
	for _, seq := range index {
		if seq > highest {
			highest = seq
		}
		raw, ok, err := q.store.Get(ctx, itemKey(seq))
		if err != nil {
			return fault.Wrap(fault.KindStorage, "queue.load", "read item", err)
		}
		if !ok {
			q.logger.Warn("queue index references missing item", "seq", seq)
			continue
		}
		ev, err := record.UnmarshalEvent(raw)
		if err != nil {
			q.logger.Warn("skipping corrupt queue item", "seq", seq, "error", err)
			continue
		}
		ev.Seq = seq
		items = append(items, ev)
	}

	if over := len(items) - q.capacity; over > 0 {
		q.logger.Warn("persisted queue exceeds capacity, keeping newest", "dropped", over)
		for _, ev := range items[:over] {
			q.sink.Report(ctx, report.Report{
				Kind: report.KindCapacityDrop,
				Op:   "queue.load",
				At:   q.now(),
			}.ForEvent(ev))
		}
		items = items[over:]
	}

	q.items = items
	q.clock = NewClockAt(highest)
	q.logger.Debug("offline queue loaded", "events", len(items), "seq", highest)
	return nil
}

func (q *Queue) indexOps(items []record.OfflineEvent) ([]kvstore.Op, error) {
	seqs := make([]int64, len(items))
	for i, ev := range items {
		seqs[i] = ev.Seq
	}
	index, err := json.Marshal(seqs)
	if err != nil {
		return nil, err
	}
	return []kvstore.Op{
		kvstore.PutOp(indexKey, index),
		kvstore.PutOp(lenKey, []byte(strconv.Itoa(len(items)))),
	}, nil
}

// Enqueue appends ev, evicting the oldest event when the queue is full.
// The assigned Seq is returned in the stored copy.
func (q *Queue) Enqueue(ctx context.Context, ev record.OfflineEvent) (record.OfflineEvent, error) {
	ev.Seq = q.clock.Next()
	data, err := record.MarshalEvent(ev)
	if err != nil {
		return ev, fault.Wrap(fault.KindPermanent, "queue.enqueue", "encode event", err)
	}

	next := q.items
	var ops []kvstore.Op
	var evicted *record.OfflineEvent
	if len(next) >= q.capacity {
		head := next[0]
		evicted = &head
		next = next[1:]
		ops = append(ops, kvstore.DeleteOp(itemKey(head.Seq)))
	}
	next = append(append(make([]record.OfflineEvent, 0, len(next)+1), next...), ev)

	ops = append(ops,
		kvstore.PutOp(itemKey(ev.Seq), data),
		kvstore.PutOp(seqKey, []byte(strconv.FormatInt(ev.Seq, 10))),
	)
	idx, err := q.indexOps(next)
	if err != nil {
		return ev, fault.Wrap(fault.KindStorage, "queue.enqueue", "encode index", err)
	}
	if err := kvstore.Apply(ctx, q.store, append(ops, idx...)...); err != nil {
		return ev, fault.Wrap(fault.KindStorage, "queue.enqueue", "persist event", err)
	}
	q.items = next

	if evicted != nil {
		q.logger.Warn("offline queue full, dropped oldest event",
			"event_id", evicted.ID, "event_type", evicted.Type, "capacity", q.capacity)
		q.sink.Report(ctx, report.Report{
			Kind: report.KindCapacityDrop,
			Op:   "queue.enqueue",
			Err:  "queue full",
			At:   q.now(),
		}.ForEvent(*evicted))
	}
	return ev, nil
}

// Drain offers each queued event to deliver once, oldest first.
//
// Delivered events are removed. Failed events gain an attempt and are
// dropped and reported once they reach MaxAttempts. Aborted stops the pass
// and leaves the event untouched. A cancelled ctx or a spent pass budget
// ends the pass as aborted.
func (q *Queue) Drain(ctx context.Context, deliver DeliverFunc) DrainStats {
	var stats DrainStats
	start := q.now()
	snapshot := q.Snapshot()

	for _, ev := range snapshot {
		if ctx.Err() != nil || (q.budget > 0 && q.now().Sub(start) >= q.budget) {
			stats.Aborted = true
			break
		}

		outcome := deliver(ctx, ev)
		switch outcome {
		case Delivered:
			stats.Delivered++
			if err := q.remove(ctx, ev.ID); err != nil {
				stats.Err = err
			}
		case Failed:
			stats.Failed++
			ev.Attempts++
			if ev.Attempts >= q.maxAttempts {
				stats.Dropped++
				q.logger.Warn("event exceeded retry limit, dropping",
					"event_id", ev.ID, "event_type", ev.Type, "attempts", ev.Attempts)
				q.sink.Report(ctx, report.Report{
					Kind: report.KindPermanentFailure,
					Op:   "queue.drain",
					Err:  "retry limit reached",
					At:   q.now(),
				}.ForEvent(ev))
				if err := q.remove(ctx, ev.ID); err != nil {
					stats.Err = err
				}
			} else if err := q.update(ctx, ev); err != nil {
				stats.Err = err
			}
		default:
			stats.Aborted = true
		}
		if stats.Aborted {
			break
		}
	}

	stats.Remaining = len(q.items)
	if stats.Err != nil {
		q.logger.Error("queue persistence failed during drain", "error", stats.Err)
	}
	return stats
}

func (q *Queue) position(id string) int {
	for i, ev := range q.items {
		if ev.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) remove(ctx context.Context, id string) error {
	i := q.position(id)
	if i < 0 {
		return nil
	}
	ev := q.items[i]
	q.items = append(q.items[:i:i], q.items[i+1:]...)

	idx, err := q.indexOps(q.items)
	if err != nil {
		return fault.Wrap(fault.KindStorage, "queue.remove", "encode index", err)
	}
	ops := append([]kvstore.Op{kvstore.DeleteOp(itemKey(ev.Seq))}, idx...)
	if err := kvstore.Apply(ctx, q.store, ops...); err != nil {
		return fault.Wrap(fault.KindStorage, "queue.remove", fmt.Sprintf("persist removal of %s", id), err)
	}
	return nil
}

func (q *Queue) update(ctx context.Context, ev record.OfflineEvent) error {
	i := q.position(ev.ID)
	if i < 0 {
		return nil
	}
	q.items[i] = ev

	data, err := record.MarshalEvent(ev)
	if err != nil {
		return fault.Wrap(fault.KindStorage, "queue.update", "encode event", err)
	}
	if err := q.store.Put(ctx, itemKey(ev.Seq), data); err != nil {
		return fault.Wrap(fault.KindStorage, "queue.update", fmt.Sprintf("persist attempts of %s", ev.ID), err)
	}
	return nil
}
