// Package dispatch runs per-manager priority event loops.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"orderflow/internal/events"
	"orderflow/pkg/db"
	"orderflow/pkg/logger"
)

// DefaultIdleBackoff is how long an idle loop waits before polling again.
const DefaultIdleBackoff = 3 * time.Second

var ErrForeignEvent = errors.New("event belongs to another manager")

// Store is the persistence a manager needs.
type Store interface {
	AddEvent(ctx context.Context, e db.Event) (string, error)
	NextUnprocessed(ctx context.Context, ownerID string) (*db.Event, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, cause string) error
	Requeue(ctx context.Context, id string) error
	GetEvent(ctx context.Context, id string) (db.Event, error)

	AddEventManager(ctx context.Context, m db.EventManager) (string, error)
	GetEventManager(ctx context.Context, id string) (db.EventManager, error)
	UpdateEventManagerStatus(ctx context.Context, id string, status db.ManagerStatus) error
}

// Metrics receives dispatch measurements.
type Metrics interface {
	RecordDispatch(d time.Duration, err error)
	AddActiveManagers(delta int)
}

// Options are shared by every manager a process creates.
type Options struct {
	IdleBackoff time.Duration
	Bus         *events.Bus
	Metrics     Metrics
	Log         *slog.Logger
}

// Manager owns the pending events of one logical instance and runs at most
// one loop that hands them to handlers in priority order.
type Manager struct {
	id       string
	mode     string
	store    Store
	handlers *Registry
	opts     Options
	log      *slog.Logger

	// wake lets AddEvent and Requeue cut the idle backoff short.
	wake chan struct{}

	mu       sync.Mutex
	status   db.ManagerStatus
	stopping bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New wraps an already persisted manager row.
func New(id, mode string, store Store, handlers *Registry, opts Options) *Manager {
	if opts.IdleBackoff <= 0 {
		opts.IdleBackoff = DefaultIdleBackoff
	}
	return &Manager{
		id:       id,
		mode:     mode,
		store:    store,
		handlers: handlers,
		opts:     opts,
		log:      logger.Or(opts.Log).With("component", "dispatch", "manager_id", id),
		wake:     make(chan struct{}, 1),
		status:   db.ManagerInactive,
	}
}

// Create persists a new inactive manager.
func Create(ctx context.Context, store Store, mode string, handlers *Registry, opts Options) (*Manager, error) {
	id, err := store.AddEventManager(ctx, db.EventManager{Mode: mode, Status: db.ManagerInactive})
	if err != nil {
		return nil, fmt.Errorf("create event manager: %w", err)
	}
	return New(id, mode, store, handlers, opts), nil
}

// Load rebuilds a manager for a persisted id. The returned manager is not
// running regardless of the stored status.
func Load(ctx context.Context, store Store, id string, handlers *Registry, opts Options) (*Manager, error) {
	row, err := store.GetEventManager(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load event manager %s: %w", id, err)
	}
	return New(row.ID, row.Mode, store, handlers, opts), nil
}

func (m *Manager) ID() string   { return m.id }
func (m *Manager) Mode() string { return m.mode }

// Status reports whether the loop is running.
func (m *Manager) Status() db.ManagerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// AddEvent persists e under this manager. It never waits for dispatch. A
// zero priority means MEDIUM.
func (m *Manager) AddEvent(ctx context.Context, e db.Event) (string, error) {
	e.OwnerID = m.id
	if e.Priority == 0 {
		e.Priority = db.PriorityMedium
	}
	if !e.Priority.Valid() {
		return "", fmt.Errorf("event %s: %w %d", e.Type, db.ErrUnknownPriority, int(e.Priority))
	}
	id, err := m.store.AddEvent(ctx, e)
	if err != nil {
		return "", err
	}
	m.notify()
	return id, nil
}

// Requeue makes a parked event of this manager eligible again.
func (m *Manager) Requeue(ctx context.Context, eventID string) error {
	e, err := m.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if e.OwnerID != m.id {
		return fmt.Errorf("requeue %s: %w", eventID, ErrForeignEvent)
	}
	if err := m.store.Requeue(ctx, eventID); err != nil {
		return err
	}
	m.notify()
	return nil
}

// Start marks the manager active and spawns its loop. Calling Start on a
// running manager does nothing. ctx is used for persistence and as the
// value parent of handler contexts; cancelling it does not stop the loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == db.ManagerActive {
		return nil
	}
	if err := m.store.UpdateEventManagerStatus(ctx, m.id, db.ManagerActive); err != nil {
		return fmt.Errorf("start manager %s: %w", m.id, err)
	}

	m.status = db.ManagerActive
	m.stopping = false
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(context.WithoutCancel(ctx), m.stopCh, m.doneCh)

	if m.opts.Metrics != nil {
		m.opts.Metrics.AddActiveManagers(1)
	}
	m.opts.Bus.Publish(events.EventManagerStatus, events.ManagerUpdate{ManagerID: m.id, Status: string(db.ManagerActive)})
	m.log.Info("event manager started", "mode", m.mode)
	return nil
}

// Stop asks the loop to stop pulling events, waits for the event in flight
// to finish, then marks the manager inactive. Handlers are never interrupted.
func (m *Manager) Stop(ctx context.Context) error {
	return m.stop(ctx, true)
}

// halt stops the loop for process shutdown but keeps the persisted status
// so the manager is restored on the next start.
func (m *Manager) halt(ctx context.Context) error {
	return m.stop(ctx, false)
}

func (m *Manager) stop(ctx context.Context, persist bool) error {
	m.mu.Lock()
	if m.status != db.ManagerActive {
		m.mu.Unlock()
		return nil
	}
	done := m.doneCh
	if !m.stopping {
		m.stopping = true
		close(m.stopCh)
	}
	m.mu.Unlock()

	<-done

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != db.ManagerActive || m.doneCh != done {
		return nil
	}
	m.status = db.ManagerInactive
	m.stopping = false

	if m.opts.Metrics != nil {
		m.opts.Metrics.AddActiveManagers(-1)
	}
	m.opts.Bus.Publish(events.EventManagerStatus, events.ManagerUpdate{ManagerID: m.id, Status: string(db.ManagerInactive)})
	m.log.Info("event manager stopped", "persist", persist)

	if !persist {
		return nil
	}
	// The loop is gone; record that even if the caller stopped waiting.
	if err := m.store.UpdateEventManagerStatus(context.WithoutCancel(ctx), m.id, db.ManagerInactive); err != nil {
		return fmt.Errorf("stop manager %s: %w", m.id, err)
	}
	return nil
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		handled, err := m.dispatchOne(ctx)
		if err != nil {
			m.log.Error("dispatch iteration failed", "error", err)
		}
		if handled && err == nil {
			continue
		}

		idle := time.NewTimer(m.opts.IdleBackoff)
		select {
		case <-stop:
			idle.Stop()
			return
		case <-m.wake:
			idle.Stop()
		case <-idle.C:
		}
	}
}

// dispatchOne selects the most urgent pending event and runs its handler.
// It reports whether an event was consumed so the loop can skip the backoff.
func (m *Manager) dispatchOne(ctx context.Context) (bool, error) {
	e, err := m.store.NextUnprocessed(ctx, m.id)
	if err != nil {
		return false, fmt.Errorf("select next event: %w", err)
	}
	if e == nil {
		return false, nil
	}
	log := m.log.With("event_id", e.ID, "event_type", e.Type, "priority", e.Priority.String())

	h, ok := m.handlers.Get(e.Type)
	if !ok {
		log.Warn("no handler for event type; marking processed")
		if err := m.store.MarkProcessed(ctx, e.ID); err != nil {
			return true, fmt.Errorf("mark unhandled event %s: %w", e.ID, err)
		}
		return true, nil
	}

	start := time.Now()
	herr := invoke(ctx, h, *e)
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordDispatch(time.Since(start), herr)
	}

	if herr != nil {
		log.Error("event handler failed", "error", herr, "attempt", e.Attempts+1)
		m.opts.Bus.Publish(events.EventDispatchFailed, events.DispatchUpdate{ManagerID: m.id, EventID: e.ID, Type: e.Type, Error: herr.Error()})
		if err := m.store.MarkFailed(ctx, e.ID, herr.Error()); err != nil {
			return true, fmt.Errorf("park failed event %s: %w", e.ID, err)
		}
		return true, nil
	}

	if err := m.store.MarkProcessed(ctx, e.ID); err != nil {
		return true, fmt.Errorf("mark event %s processed: %w", e.ID, err)
	}
	m.opts.Bus.Publish(events.EventDispatched, events.DispatchUpdate{ManagerID: m.id, EventID: e.ID, Type: e.Type})
	log.Debug("event dispatched", "took", time.Since(start))
	return true, nil
}

// invoke turns a handler panic into an error so one bad event cannot kill
// the loop.
func invoke(ctx context.Context, h Handler, e db.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Handle(ctx, e)
}
