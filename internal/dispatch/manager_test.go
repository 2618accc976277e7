package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/events"
	"orderflow/pkg/db"
	"orderflow/pkg/logger"
)

func newTestStore(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database
}

func testOptions() Options {
	return Options{IdleBackoff: 10 * time.Millisecond, Bus: events.NewBus(), Log: logger.Discard()}
}

func newTestManager(t *testing.T, store *db.Database, reg *Registry) *Manager {
	t.Helper()
	m, err := Create(context.Background(), store, "test", reg, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

// recorder collects payloads of handled events in order.
type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) Handle(_ context.Context, e db.Event) error {
	r.mu.Lock()
	r.seen = append(r.seen, e.Payload)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestDispatchFollowsPriorityThenAge(t *testing.T) {
	store := newTestStore(t)
	rec := &recorder{}
	reg := NewRegistry()
	reg.Register("job", rec)
	m := newTestManager(t, store, reg)
	ctx := context.Background()

	base := time.Now()
	for i, p := range []db.Priority{db.PriorityHigh, db.PriorityMedium, db.PriorityMedium, db.PriorityLow} {
		_, err := m.AddEvent(ctx, db.Event{
			Type:      "job",
			Priority:  p,
			Payload:   p.String() + "-" + string(rune('a'+i)),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
	}

	require.NoError(t, m.Start(ctx))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"HIGH-a", "MEDIUM-b", "MEDIUM-c", "LOW-d"}, rec.snapshot())
}

func TestNewHigherPriorityEventIsNextButDoesNotPreempt(t *testing.T) {
	store := newTestStore(t)
	reg := NewRegistry()
	rec := &recorder{}
	started := make(chan struct{})
	release := make(chan struct{})
	reg.Register("slow", HandlerFunc(func(ctx context.Context, e db.Event) error {
		close(started)
		<-release
		return rec.Handle(ctx, e)
	}))
	reg.Register("job", rec)
	m := newTestManager(t, store, reg)
	ctx := context.Background()

	_, err := m.AddEvent(ctx, db.Event{Type: "slow", Priority: db.PriorityLow, Payload: "slow"})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	<-started

	_, err = m.AddEvent(ctx, db.Event{Type: "job", Priority: db.PriorityLow, Payload: "low"})
	require.NoError(t, err)
	_, err = m.AddEvent(ctx, db.Event{Type: "job", Priority: db.PriorityHigh, Payload: "high"})
	require.NoError(t, err)
	close(release)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"slow", "high", "low"}, rec.snapshot())
}

func TestStartIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	reg := NewRegistry()
	var inFlight, maxInFlight, handled int32
	reg.Register("job", HandlerFunc(func(context.Context, db.Event) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		atomic.AddInt32(&handled, 1)
		return nil
	}))
	m := newTestManager(t, store, reg)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := m.AddEvent(ctx, db.Event{Type: "job"})
		require.NoError(t, err)
	}

	require.NoError(t, m.Start(ctx))
	first := m.doneCh
	require.NoError(t, m.Start(ctx))
	assert.Equal(t, first, m.doneCh)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&handled) == 20 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestStopWaitsForInFlightHandler(t *testing.T) {
	store := newTestStore(t)
	reg := NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	reg.Register("job", HandlerFunc(func(context.Context, db.Event) error {
		close(started)
		<-release
		return nil
	}))
	m := newTestManager(t, store, reg)
	ctx := context.Background()

	id, err := m.AddEvent(ctx, db.Event{Type: "job"})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- m.Stop(ctx) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, db.ManagerActive, m.Status())

	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, db.ManagerInactive, m.Status())

	e, err := store.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.False(t, e.Pending())

	row, err := store.GetEventManager(ctx, m.ID())
	require.NoError(t, err)
	assert.Equal(t, db.ManagerInactive, row.Status)
}

func TestStopPastCallerDeadlineStillPersistsInactive(t *testing.T) {
	store := newTestStore(t)
	reg := NewRegistry()
	started := make(chan struct{})
	reg.Register("job", HandlerFunc(func(context.Context, db.Event) error {
		close(started)
		time.Sleep(60 * time.Millisecond)
		return nil
	}))
	m := newTestManager(t, store, reg)
	ctx := context.Background()

	_, err := m.AddEvent(ctx, db.Event{Type: "job"})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Stop(stopCtx))
	assert.Equal(t, db.ManagerInactive, m.Status())

	row, err := store.GetEventManager(ctx, m.ID())
	require.NoError(t, err)
	assert.Equal(t, db.ManagerInactive, row.Status)

	// A restart must not bring back a manager the operator stopped.
	restored, err := NewPool(store, reg, testOptions()).Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, restored)
}

func TestAddEventRejectsUnknownPriority(t *testing.T) {
	store := newTestStore(t)
	m := newTestManager(t, store, NewRegistry())
	ctx := context.Background()

	for _, p := range []db.Priority{-1, 4, 42} {
		_, err := m.AddEvent(ctx, db.Event{Type: "job", Priority: p})
		assert.ErrorIs(t, err, db.ErrUnknownPriority, "priority %d", int(p))
	}
	evs, err := store.ListEvents(ctx, m.ID(), 10)
	require.NoError(t, err)
	assert.Empty(t, evs)

	id, err := m.AddEvent(ctx, db.Event{Type: "job"})
	require.NoError(t, err)
	e, err := store.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.PriorityMedium, e.Priority)
}

func TestHandlerErrorLeavesEventUnprocessed(t *testing.T) {
	store := newTestStore(t)
	reg := NewRegistry()
	rec := &recorder{}
	var failures int32
	reg.Register("flaky", HandlerFunc(func(ctx context.Context, e db.Event) error {
		if atomic.AddInt32(&failures, 1) == 1 {
			return errors.New("venue down")
		}
		return rec.Handle(ctx, e)
	}))
	reg.Register("job", rec)
	m := newTestManager(t, store, reg)
	ctx := context.Background()

	failedID, err := m.AddEvent(ctx, db.Event{Type: "flaky", Priority: db.PriorityHigh, Payload: "flaky"})
	require.NoError(t, err)
	_, err = m.AddEvent(ctx, db.Event{Type: "job", Priority: db.PriorityLow, Payload: "next"})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"next"}, rec.snapshot())

	e, err := store.GetEvent(ctx, failedID)
	require.NoError(t, err)
	assert.True(t, e.Pending())
	assert.Equal(t, "venue down", e.LastError)

	require.NoError(t, m.Requeue(ctx, failedID))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	e, err = store.GetEvent(ctx, failedID)
	require.NoError(t, err)
	assert.False(t, e.Pending())
}

func TestPanicAndUnknownTypesDoNotStopTheLoop(t *testing.T) {
	store := newTestStore(t)
	reg := NewRegistry()
	rec := &recorder{}
	reg.Register("boom", HandlerFunc(func(context.Context, db.Event) error { panic("bad payload") }))
	reg.Register("job", rec)
	m := newTestManager(t, store, reg)
	ctx := context.Background()

	boomID, err := m.AddEvent(ctx, db.Event{Type: "boom", Priority: db.PriorityHigh})
	require.NoError(t, err)
	unknownID, err := m.AddEvent(ctx, db.Event{Type: "mystery", Priority: db.PriorityHigh})
	require.NoError(t, err)
	_, err = m.AddEvent(ctx, db.Event{Type: "job", Priority: db.PriorityLow, Payload: "ok"})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	boom, err := store.GetEvent(ctx, boomID)
	require.NoError(t, err)
	assert.True(t, boom.Pending())
	assert.Contains(t, boom.LastError, "bad payload")

	unknown, err := store.GetEvent(ctx, unknownID)
	require.NoError(t, err)
	assert.False(t, unknown.Pending())
}

func TestAddEventWakesIdleLoop(t *testing.T) {
	store := newTestStore(t)
	reg := NewRegistry()
	rec := &recorder{}
	reg.Register("job", rec)
	opts := testOptions()
	opts.IdleBackoff = time.Hour
	m, err := Create(context.Background(), store, "test", reg, opts)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(ctx)

	// Let the loop find the queue empty and go idle.
	time.Sleep(20 * time.Millisecond)
	_, err = m.AddEvent(ctx, db.Event{Type: "job", Payload: "woken"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRequeueRejectsForeignEvent(t *testing.T) {
	store := newTestStore(t)
	reg := NewRegistry()
	a := newTestManager(t, store, reg)
	b := newTestManager(t, store, reg)
	ctx := context.Background()

	id, err := a.AddEvent(ctx, db.Event{Type: "job"})
	require.NoError(t, err)
	assert.ErrorIs(t, b.Requeue(ctx, id), ErrForeignEvent)
	assert.ErrorIs(t, b.Requeue(ctx, "missing"), db.ErrNotFound)
}
