package syncer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEOS-Org/biosync/internal/authority"
	"github.com/DEOS-Org/biosync/internal/cache"
	"github.com/DEOS-Org/biosync/internal/fault"
	"github.com/DEOS-Org/biosync/internal/kvstore"
	"github.com/DEOS-Org/biosync/internal/link"
	"github.com/DEOS-Org/biosync/internal/queue"
	"github.com/DEOS-Org/biosync/internal/record"
	"github.com/DEOS-Org/biosync/internal/report"
	"github.com/DEOS-Org/biosync/internal/sensor"
	"github.com/DEOS-Org/biosync/internal/testutil"
	"github.com/DEOS-Org/biosync/internal/transport"
)

type fixture struct {
	auth    *testutil.Authority
	link    *transport.Memory
	monitor *link.Monitor
	store   *kvstore.Memory
	sensor  *sensor.Scripted
	cache   *cache.Cache
	queue   *queue.Queue
	sink    *report.MemorySink
	clock   *testutil.ManualClock
	sync    *Coordinator
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	f := &fixture{
		auth:   testutil.NewAuthority(t),
		link:   transport.NewMemory(),
		store:  kvstore.NewMemory(),
		sensor: sensor.NewScripted(sensor.Script{}),
		sink:   report.NewMemorySink(),
		clock:  testutil.NewManualClock(time.Time{}),
	}
	log := testutil.DiscardLogger()
	f.monitor = link.New(f.link, f.auth.Client, link.WithLogger(log))
	f.cache = cache.New(f.store, f.sensor, capacity, cache.WithLogger(log))
	f.queue = queue.New(f.store, 1000, 3, queue.WithSink(f.sink), queue.WithLogger(log), queue.WithNow(f.clock.Now))

	c, err := New(Config{
		Authority:       f.auth.Client,
		Cache:           f.cache,
		Queue:           f.queue,
		Gate:            f.monitor,
		Sensor:          f.sensor,
		Store:           f.store,
		FirmwareVersion: "2.0.0",
		IDs:             &record.SequenceGenerator{Prefix: "evt"},
		Now:             f.clock.Now,
		Sink:            f.sink,
		Logger:          log,
	})
	require.NoError(t, err)
	f.sync = c
	return f
}

func (f *fixture) reachable(t *testing.T) {
	t.Helper()
	f.link.SetLinkUp(true)
	require.True(t, f.monitor.Evaluate(context.Background()).To == link.AuthorityReachable)
}

func (f *fixture) addRemote(t *testing.T, row authority.IdentityRow) {
	t.Helper()
	require.NoError(t, f.auth.Stub.Ledger.PutIdentity(context.Background(), row))
}

func attendance(user int64) record.Payload {
	return record.Attendance{UserID: user, ExternalID: "dni", Confidence: 90, Direction: "entry", CapturedAt: testutil.Epoch}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestDeliverOrEnqueue_QueuesWhenDisconnected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.link.SetLinkUp(false)
	f.monitor.Evaluate(ctx)

	ev, disp, err := f.sync.DeliverOrEnqueue(ctx, attendance(7))
	require.NoError(t, err)
	assert.Equal(t, Queued, disp)
	assert.Equal(t, "evt-1", ev.ID)
	assert.Zero(t, ev.Attempts)
	assert.Equal(t, 1, f.queue.Len())
}

func TestDeliverOrEnqueue_SendsWhenReachable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.reachable(t)

	ev, disp, err := f.sync.DeliverOrEnqueue(ctx, attendance(7))
	require.NoError(t, err)
	assert.Equal(t, Sent, disp)
	assert.Zero(t, f.queue.Len())

	row, ok, err := f.auth.Stub.Ledger.Event(ctx, ev.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(record.EventAttendance), row.Type)
}

func TestDeliverOrEnqueue_FailedImmediateDeliveryQueuesWithZeroAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.reachable(t)
	f.auth.Stub.FailNextEvents(1)

	ev, disp, err := f.sync.DeliverOrEnqueue(ctx, attendance(7))
	require.NoError(t, err)
	assert.Equal(t, Queued, disp)
	assert.Zero(t, ev.Attempts)
	assert.Equal(t, 1, f.queue.Len())
}

func TestReconnect_DrainsQueueAndAdvancesLastSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.link.SetLinkUp(false)
	f.monitor.Evaluate(ctx)
	require.Equal(t, link.Disconnected, f.monitor.State())

	for _, user := range []int64{7, 8} {
		_, disp, err := f.sync.DeliverOrEnqueue(ctx, attendance(user))
		require.NoError(t, err)
		require.Equal(t, Queued, disp)
	}
	require.Equal(t, 2, f.queue.Len())
	require.True(t, f.sync.LastSync().IsZero())

	var results []SyncResult
	f.monitor.OnChange(func(tr link.Transition) {
		if tr.BecameReachable() {
			res, err := f.sync.FullSync(ctx)
			require.NoError(t, err)
			results = append(results, res)
		}
	})

	f.clock.Advance(time.Minute)
	f.link.SetLinkUp(true)
	tr := f.monitor.Evaluate(ctx)
	require.True(t, tr.BecameReachable())

	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Drain.Delivered)
	assert.Zero(t, f.queue.Len())
	assert.Equal(t, testutil.Epoch.Add(time.Minute), f.sync.LastSync())

	rows, err := f.auth.Stub.Ledger.Events(ctx, "")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestFullSync_MergesIdentities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.reachable(t)

	// Already on the device, metadata out of date.
	require.NoError(t, f.cache.Upsert(ctx, record.IdentityRecord{
		UserID: 7, ExternalID: "old", DisplayName: "Old Name", Role: record.RoleMember,
		Slot: 1, SyncState: record.SyncStatePendingUpload,
	}))
	// Local only: must survive the sync.
	require.NoError(t, f.cache.Upsert(ctx, record.IdentityRecord{UserID: 50, Slot: 2, Role: record.RoleOther}))

	f.addRemote(t, authority.IdentityRow{UserID: 7, ExternalID: "40111222", DisplayName: "Inés", Role: "alumno", Template: []byte("t7")})
	f.addRemote(t, authority.IdentityRow{UserID: 8, ExternalID: "30999888", DisplayName: "Ana", Role: "profesor", Template: []byte("t8"), Quality: 77, Slot: 5})
	f.addRemote(t, authority.IdentityRow{UserID: 9, ExternalID: "20111222", DisplayName: "Luis", Role: "alumno", Template: []byte("t9"), Slot: 1})

	res, err := f.sync.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Received)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.Skipped)
	assert.False(t, res.ServerTime.IsZero())

	updated, ok := f.cache.FindByUserID(7)
	require.True(t, ok)
	assert.Equal(t, "40111222", updated.ExternalID)
	assert.Equal(t, record.SyncStateSynced, updated.SyncState)
	assert.Equal(t, 1, updated.Slot)

	ana, ok := f.cache.FindByUserID(8)
	require.True(t, ok)
	assert.Equal(t, 5, ana.Slot, "recommended slot used when free")
	assert.Equal(t, record.RoleStaff, ana.Role)
	tmpl, ok := f.sensor.Template(5)
	require.True(t, ok)
	assert.Equal(t, []byte("t8"), tmpl)

	luis, ok := f.cache.FindByUserID(9)
	require.True(t, ok)
	assert.Equal(t, 3, luis.Slot, "recommended slot taken, lowest free slot allocated")

	_, ok = f.cache.FindByUserID(50)
	assert.True(t, ok, "local records absent remotely are kept")
}

func TestFullSync_SkipsWhenSensorRefusesTemplate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	f.reachable(t)
	f.sensor.FailStore(1, errors.New("flash write failed"))

	f.addRemote(t, authority.IdentityRow{UserID: 1, Template: []byte("a"), Slot: 1})
	f.addRemote(t, authority.IdentityRow{UserID: 2, Template: []byte("b"), Slot: 2})
	f.addRemote(t, authority.IdentityRow{UserID: 3, Template: []byte("c")})

	res, err := f.sync.FullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 2, f.sink.Count(report.KindSyncSkipped))

	_, ok := f.cache.FindByUserID(1)
	assert.False(t, ok, "sensor refused the template so no record is created")
	assert.True(t, f.cache.IsFree(1))
}

func TestFullSync_UnpersistedIdentityRollsBackTemplate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)
	f.reachable(t)
	f.addRemote(t, authority.IdentityRow{UserID: 1, Template: []byte("a"), Slot: 2})
	f.store.FailApply = errors.New("flash full")

	res, err := f.sync.FullSync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Added)
	assert.Equal(t, 1, res.Skipped)

	_, ok := f.cache.FindByUserID(1)
	assert.False(t, ok)
	_, ok = f.sensor.Template(2)
	assert.False(t, ok, "template removed again so a restart finds no orphan")
}

func TestFullSync_FailureLeavesLastSyncUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.reachable(t)

	_, err := f.sync.FullSync(ctx)
	require.NoError(t, err)
	first := f.sync.LastSync()

	f.clock.Advance(time.Hour)
	f.auth.Stub.SetDown(true)
	_, err = f.sync.FullSync(ctx)
	require.Error(t, err)
	assert.True(t, fault.IsTransient(err))
	assert.Equal(t, first, f.sync.LastSync())
}

func TestFullSync_NotReachableStillDrains(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	_, _, err := f.sync.DeliverOrEnqueue(ctx, attendance(1))
	require.NoError(t, err)

	res, err := f.sync.FullSync(ctx)
	require.Error(t, err)
	assert.True(t, res.Drain.Aborted)
	assert.Equal(t, 1, res.Drain.Remaining)
}

func TestFullSync_UnsuccessfulResponse(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		default:
			w.Write([]byte(`{"success":false,"error":"device unknown"}`))
		}
	}))
	defer srv.Close()

	f := newFixture(t, 10)
	client, err := authority.NewClient(authority.Config{BaseURL: srv.URL, DeviceID: testutil.DeviceID})
	require.NoError(t, err)
	f.sync.auth = client
	f.monitor = link.New(f.link, client)
	f.sync.gate = f.monitor
	f.monitor.Evaluate(ctx)
	require.True(t, f.monitor.Reachable())

	_, err = f.sync.FullSync(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device unknown")
	assert.True(t, f.sync.LastSync().IsZero())
}

func TestDrain_FailedDeliveriesCountAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	_, _, err := f.sync.DeliverOrEnqueue(ctx, attendance(1))
	require.NoError(t, err)
	f.reachable(t)

	for i := 0; i < 3; i++ {
		f.auth.Stub.FailNextEvents(1)
		f.sync.Drain(ctx)
	}
	assert.Zero(t, f.queue.Len())
	assert.Equal(t, 1, f.sink.Count(report.KindPermanentFailure))
}

func TestDrain_ConnectionLostAbortsWithoutCounting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	for _, u := range []int64{1, 2} {
		_, _, err := f.sync.DeliverOrEnqueue(ctx, attendance(u))
		require.NoError(t, err)
	}
	f.reachable(t)
	f.auth.Server.Close()

	stats := f.sync.Drain(ctx)
	assert.True(t, stats.Aborted)
	assert.Equal(t, 2, stats.Remaining)
	for _, ev := range f.queue.Snapshot() {
		assert.Zero(t, ev.Attempts)
	}
}

func TestDrain_TimeoutDemotesMonitor(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			return
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := newFixture(t, 10)
	client, err := authority.NewClient(authority.Config{BaseURL: srv.URL, DeviceID: testutil.DeviceID, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	f.sync.auth = client
	f.monitor = link.New(f.link, client)
	f.sync.gate = f.monitor

	_, _, err = f.sync.DeliverOrEnqueue(ctx, attendance(1))
	require.NoError(t, err)
	f.monitor.Evaluate(ctx)
	require.True(t, f.monitor.Reachable())

	stats := f.sync.Drain(ctx)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, link.LinkEstablished, f.monitor.State())
	assert.Equal(t, 1, f.queue.Snapshot()[0].Attempts)
}

func TestLoadState_RestoresLastSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	f.reachable(t)
	_, err := f.sync.FullSync(ctx)
	require.NoError(t, err)

	again, err := New(Config{
		Authority: f.auth.Client, Cache: f.cache, Queue: f.queue, Gate: f.monitor,
		Sensor: f.sensor, Store: f.store,
	})
	require.NoError(t, err)
	require.NoError(t, again.LoadState(ctx))
	assert.Equal(t, f.sync.LastSync(), again.LastSync())
}

func TestLoadState_IgnoresCorruptValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	require.NoError(t, f.store.Put(ctx, "sync/last", []byte("yesterday")))
	require.NoError(t, f.sync.LoadState(ctx))
	assert.True(t, f.sync.LastSync().IsZero())
}

func TestDisposition_String(t *testing.T) {
	assert.Equal(t, "sent", Sent.String())
	assert.Equal(t, "queued", Queued.String())
}
