package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEOS-Org/biosync/internal/fault"
	"github.com/DEOS-Org/biosync/internal/kvstore"
	"github.com/DEOS-Org/biosync/internal/record"
	"github.com/DEOS-Org/biosync/internal/report"
)

var t0 = time.Date(2026, 3, 2, 7, 45, 0, 0, time.UTC)

func event(id string, user int64) record.OfflineEvent {
	return record.NewEvent(id, record.AuthAttempt{
		UserID:        user,
		ExternalID:    "dni",
		Role:          record.RoleMember,
		Confidence:    90,
		Authenticated: true,
		CapturedAt:    t0,
	}, t0)
}

func ids(evs []record.OfflineEvent) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.ID
	}
	return out
}

func newTestQueue(t *testing.T, capacity, maxAttempts int) (*Queue, *kvstore.Memory, *report.MemorySink) {
	t.Helper()
	store := kvstore.NewMemory()
	sink := report.NewMemorySink()
	return New(store, capacity, maxAttempts, WithSink(sink)), store, sink
}

func always(o Outcome) DeliverFunc {
	return func(context.Context, record.OfflineEvent) Outcome { return o }
}

func TestQueue_DropOldestWhenFull(t *testing.T) {
	ctx := context.Background()
	q, _, sink := newTestQueue(t, 3, 3)

	for i, id := range []string{"A", "B", "C", "D"} {
		_, err := q.Enqueue(ctx, event(id, int64(i+1)))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"B", "C", "D"}, ids(q.Snapshot()))
	assert.Equal(t, 3, q.Len())

	reports := sink.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, report.KindCapacityDrop, reports[0].Kind)
	assert.Equal(t, "A", reports[0].EventID)
}

func TestQueue_NeverExceedsCapacity(t *testing.T) {
	ctx := context.Background()
	q, _, sink := newTestQueue(t, 5, 3)

	for i := 0; i < 50; i++ {
		_, err := q.Enqueue(ctx, event(string(rune('a'+i%26))+string(rune('0'+i/26)), int64(i+1)))
		require.NoError(t, err)
		assert.LessOrEqual(t, q.Len(), 5)
	}
	assert.Equal(t, 45, sink.Count(report.KindCapacityDrop))
}

func TestQueue_EnqueueAssignsIncreasingSeq(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, 10, 3)

	a, err := q.Enqueue(ctx, event("A", 1))
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, event("B", 2))
	require.NoError(t, err)
	assert.Less(t, a.Seq, b.Seq)
}

func TestQueue_PermanentFailureReportedOnce(t *testing.T) {
	ctx := context.Background()
	q, _, sink := newTestQueue(t, 10, 3)
	_, err := q.Enqueue(ctx, event("X", 1))
	require.NoError(t, err)

	for pass := 1; pass <= 2; pass++ {
		stats := q.Drain(ctx, always(Failed))
		assert.Equal(t, 1, stats.Failed)
		assert.Equal(t, 0, stats.Dropped)
		assert.Equal(t, 1, stats.Remaining)
		assert.Equal(t, pass, q.Snapshot()[0].Attempts)
	}

	stats := q.Drain(ctx, always(Failed))
	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, 0, stats.Remaining)
	assert.Equal(t, 1, sink.Count(report.KindPermanentFailure))

	r := sink.Reports()[0]
	assert.Equal(t, "X", r.EventID)
	assert.Equal(t, 3, r.Attempts)

	// Further passes see nothing and report nothing.
	q.Drain(ctx, always(Failed))
	assert.Equal(t, 1, sink.Count(report.KindPermanentFailure))
}

func TestQueue_AttemptsMonotonic(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, 10, 5)
	_, err := q.Enqueue(ctx, event("X", 1))
	require.NoError(t, err)

	last := 0
	outcomes := []Outcome{Failed, Aborted, Failed, Aborted, Aborted, Failed}
	for _, o := range outcomes {
		q.Drain(ctx, always(o))
		cur := q.Snapshot()[0].Attempts
		assert.GreaterOrEqual(t, cur, last)
		last = cur
	}
	assert.Equal(t, 3, last)
}

func TestQueue_DrainDeliversInOrderAndRemoves(t *testing.T) {
	ctx := context.Background()
	q, store, _ := newTestQueue(t, 10, 3)
	for i, id := range []string{"A", "B", "C"} {
		_, err := q.Enqueue(ctx, event(id, int64(i+1)))
		require.NoError(t, err)
	}

	var seen []string
	stats := q.Drain(ctx, func(_ context.Context, ev record.OfflineEvent) Outcome {
		seen = append(seen, ev.ID)
		return Delivered
	})

	assert.Equal(t, []string{"A", "B", "C"}, seen)
	assert.Equal(t, 3, stats.Delivered)
	assert.Equal(t, 0, stats.Remaining)
	assert.False(t, stats.Aborted)

	// Only the bookkeeping keys remain.
	idx, _, err := store.Get(ctx, "queue/index")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(idx))
	n, _, err := store.Get(ctx, "queue/len")
	require.NoError(t, err)
	assert.Equal(t, "0", string(n))
}

func TestQueue_AbortStopsPass(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, 10, 3)
	for i, id := range []string{"A", "B", "C"} {
		_, err := q.Enqueue(ctx, event(id, int64(i+1)))
		require.NoError(t, err)
	}

	calls := 0
	stats := q.Drain(ctx, func(_ context.Context, ev record.OfflineEvent) Outcome {
		calls++
		if ev.ID == "A" {
			return Delivered
		}
		return Aborted
	})

	assert.Equal(t, 2, calls)
	assert.True(t, stats.Aborted)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 2, stats.Remaining)
	for _, ev := range q.Snapshot() {
		assert.Zero(t, ev.Attempts, "aborted events are not counted")
	}
}

func TestQueue_PassBudget(t *testing.T) {
	ctx := context.Background()
	now := t0
	q := New(kvstore.NewMemory(), 10, 3,
		WithPassBudget(time.Second),
		WithNow(func() time.Time { return now }),
	)
	for i, id := range []string{"A", "B", "C"} {
		_, err := q.Enqueue(ctx, event(id, int64(i+1)))
		require.NoError(t, err)
	}

	stats := q.Drain(ctx, func(context.Context, record.OfflineEvent) Outcome {
		now = now.Add(600 * time.Millisecond)
		return Delivered
	})

	assert.Equal(t, 2, stats.Delivered)
	assert.True(t, stats.Aborted)
	assert.Equal(t, []string{"C"}, ids(q.Snapshot()))
}

func TestQueue_CancelledContextAborts(t *testing.T) {
	q, _, _ := newTestQueue(t, 10, 3)
	_, err := q.Enqueue(context.Background(), event("A", 1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats := q.Drain(ctx, always(Delivered))
	assert.True(t, stats.Aborted)
	assert.Equal(t, 1, stats.Remaining)
}

func TestQueue_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	q, store, sink := newTestQueue(t, 10, 3)

	payloads := []record.Payload{
		record.Attendance{UserID: 7, ExternalID: "40111222", Confidence: 88, Direction: "entry", CapturedAt: t0},
		record.Unauthorized{Slot: 12, Confidence: 30, CapturedAt: t0},
		record.Deletion{UserID: 9, Slot: 4, Success: true, At: t0},
	}
	for i, p := range payloads {
		_, err := q.Enqueue(ctx, record.NewEvent(string(rune('A'+i)), p, t0))
		require.NoError(t, err)
	}
	q.Drain(ctx, func(_ context.Context, ev record.OfflineEvent) Outcome {
		if ev.ID == "C" {
			return Aborted
		}
		return Failed
	})

	reloaded := New(store, 10, 3, WithSink(sink))
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, q.Snapshot(), reloaded.Snapshot())

	next, err := reloaded.Enqueue(ctx, event("D", 4))
	require.NoError(t, err)
	assert.Equal(t, int64(4), next.Seq, "clock resumes after the highest persisted seq")
}

func TestQueue_LoadResumesSeqAfterEmptyQueue(t *testing.T) {
	ctx := context.Background()
	q, store, _ := newTestQueue(t, 10, 3)
	for _, id := range []string{"A", "B"} {
		_, err := q.Enqueue(ctx, event(id, 1))
		require.NoError(t, err)
	}
	q.Drain(ctx, always(Delivered))

	reloaded := New(store, 10, 3)
	require.NoError(t, reloaded.Load(ctx))
	ev, err := reloaded.Enqueue(ctx, event("C", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.Seq)
}

func TestQueue_LoadSkipsCorruptItems(t *testing.T) {
	ctx := context.Background()
	q, store, _ := newTestQueue(t, 10, 3)
	for _, id := range []string{"A", "B", "C"} {
		_, err := q.Enqueue(ctx, event(id, 1))
		require.NoError(t, err)
	}
	require.NoError(t, store.Put(ctx, "queue/item/2", []byte("{garbage")))
	require.NoError(t, store.Delete(ctx, "queue/item/3"))

	reloaded := New(store, 10, 3)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, []string{"A"}, ids(reloaded.Snapshot()))
}

func TestQueue_LoadTrimsToCapacity(t *testing.T) {
	ctx := context.Background()
	q, store, _ := newTestQueue(t, 5, 3)
	for _, id := range []string{"A", "B", "C", "D", "E"} {
		_, err := q.Enqueue(ctx, event(id, 1))
		require.NoError(t, err)
	}

	sink := report.NewMemorySink()
	smaller := New(store, 3, 3, WithSink(sink))
	require.NoError(t, smaller.Load(ctx))
	assert.Equal(t, []string{"C", "D", "E"}, ids(smaller.Snapshot()))
	assert.Equal(t, 2, sink.Count(report.KindCapacityDrop))
}

func TestQueue_LoadCorruptIndex(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	require.NoError(t, store.Put(ctx, "queue/index", []byte("not json")))

	q := New(store, 10, 3)
	require.NoError(t, q.Load(ctx))
	assert.Zero(t, q.Len())
}

func TestQueue_EnqueuePersistFailureLeavesQueueUnchanged(t *testing.T) {
	ctx := context.Background()
	q, store, _ := newTestQueue(t, 10, 3)
	_, err := q.Enqueue(ctx, event("A", 1))
	require.NoError(t, err)

	store.FailPut = errors.New("flash full")
	_, err = q.Enqueue(ctx, event("B", 2))
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindStorage))
	assert.Equal(t, []string{"A"}, ids(q.Snapshot()))
}

func TestQueue_Defaults(t *testing.T) {
	q := New(kvstore.NewMemory(), 0, 0)
	assert.Equal(t, DefaultCapacity, q.Capacity())
	assert.Equal(t, DefaultMaxAttempts, q.MaxAttempts())
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "delivered", Delivered.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "aborted", Aborted.String())
	assert.Equal(t, "unknown", Outcome(0).String())
}
