// Package reconciliation periodically hands executing orders that the
// engine is not following back to its monitor.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"orderflow/internal/order"
	"orderflow/pkg/db"
	"orderflow/pkg/logger"
)

// OrderLister lists orders by status.
type OrderLister interface {
	ListOrdersByStatus(ctx context.Context, status db.OrderStatus) ([]db.Order, error)
}

// Tracker is the part of the execution engine the sweep drives.
type Tracker interface {
	Tracked(ctx context.Context) ([]order.TrackedOrder, error)
	Track(id string)
}

// Service runs the periodic sweep.
type Service struct {
	orders   OrderLister
	tracker  Tracker
	interval time.Duration
	log      *slog.Logger

	mu   sync.Mutex
	last *Report
}

// Report summarises one sweep.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	Executing int       `json:"executing"`
	Tracked   int       `json:"tracked"`
	Retracked []string  `json:"retracked,omitempty"`
}

func NewService(orders OrderLister, tracker Tracker, interval time.Duration, log *slog.Logger) *Service {
	return &Service{
		orders:   orders,
		tracker:  tracker,
		interval: interval,
		log:      logger.Or(log).With("component", "reconciliation"),
	}
}

// Run sweeps every interval until ctx is cancelled. A non-positive interval
// disables the sweep.
func (s *Service) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.log.Info("reconciliation sweep disabled")
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info("reconciliation sweep started", "interval", s.interval)

	for {
		select {
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil {
				s.log.Error("reconciliation failed", "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Reconcile re-tracks every executing order the engine is not following.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	executing, err := s.orders.ListOrdersByStatus(ctx, db.OrderExecuting)
	if err != nil {
		return nil, fmt.Errorf("list executing orders: %w", err)
	}
	tracked, err := s.tracker.Tracked(ctx)
	if err != nil {
		return nil, fmt.Errorf("read tracked orders: %w", err)
	}
	following := make(map[string]bool, len(tracked))
	for _, t := range tracked {
		following[t.OrderID] = true
	}

	report := &Report{
		Timestamp: time.Now(),
		Executing: len(executing),
		Tracked:   len(tracked),
	}
	for _, o := range executing {
		if following[o.ID] {
			continue
		}
		s.tracker.Track(o.ID)
		report.Retracked = append(report.Retracked, o.ID)
	}

	if len(report.Retracked) > 0 {
		s.log.Warn("re-tracked executing orders", "count", len(report.Retracked), "order_ids", report.Retracked)
	} else {
		s.log.Debug("reconciliation ok", "executing", report.Executing)
	}
	s.last = report
	return report, nil
}

// Last returns the most recent report, or nil before the first sweep.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
