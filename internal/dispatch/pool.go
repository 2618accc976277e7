package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"orderflow/pkg/db"
)

// Pool keeps one live Manager per persisted id so that every caller in the
// process talks to the same loop.
type Pool struct {
	store    PoolStore
	handlers *Registry
	opts     Options

	mu       sync.Mutex
	managers map[string]*Manager
}

// PoolStore adds the listing needed to restore managers at startup.
type PoolStore interface {
	Store
	ListEventManagersByStatus(ctx context.Context, status db.ManagerStatus) ([]db.EventManager, error)
}

func NewPool(store PoolStore, handlers *Registry, opts Options) *Pool {
	return &Pool{
		store:    store,
		handlers: handlers,
		opts:     opts,
		managers: make(map[string]*Manager),
	}
}

// Create persists and registers a new manager.
func (p *Pool) Create(ctx context.Context, mode string) (*Manager, error) {
	m, err := Create(ctx, p.store, mode, p.handlers, p.opts)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.managers[m.ID()] = m
	p.mu.Unlock()
	return m, nil
}

// Get returns the live manager for id, loading it from storage on first use.
func (p *Pool) Get(ctx context.Context, id string) (*Manager, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.managers[id]; ok {
		return m, nil
	}
	m, err := Load(ctx, p.store, id, p.handlers, p.opts)
	if err != nil {
		return nil, err
	}
	p.managers[id] = m
	return m, nil
}

// Managers returns the registered managers ordered by id.
func (p *Pool) Managers() []*Manager {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Manager, 0, len(p.managers))
	for _, m := range p.managers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Restore starts every manager that was active when the process last ran.
func (p *Pool) Restore(ctx context.Context) (int, error) {
	rows, err := p.store.ListEventManagersByStatus(ctx, db.ManagerActive)
	if err != nil {
		return 0, fmt.Errorf("list active managers: %w", err)
	}
	started := 0
	var errs []error
	for _, row := range rows {
		m, err := p.Get(ctx, row.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.Start(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		started++
	}
	return started, errors.Join(errs...)
}

// StopAll stops every running manager concurrently and waits for them.
// Persisted statuses are left as they were so Restore can resume them.
func (p *Pool) StopAll(ctx context.Context) error {
	managers := p.Managers()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, m := range managers {
		if m.Status() != db.ManagerActive {
			continue
		}
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			if err := m.halt(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()
	return errors.Join(errs...)
}
