package order

import (
	"context"
	"errors"
	"sort"
	"time"

	"orderflow/internal/events"
	"orderflow/pkg/db"
	"orderflow/pkg/exchanges/common"
)

// TrackedOrder is a monitor entry as reported by Engine.Tracked.
type TrackedOrder struct {
	OrderID           string    `json:"order_id"`
	Symbol            string    `json:"symbol,omitempty"`
	ExchangeOrderID   string    `json:"exchange_order_id,omitempty"`
	VenueStatus       string    `json:"venue_status,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	TrackedSince      time.Time `json:"tracked_since"`
	NextCheck         time.Time `json:"next_check"`
}

// monitor is owned by a single goroutine; nothing else touches items.
type monitor struct {
	e     *Engine
	items map[string]*TrackedOrder
}

func newMonitor(e *Engine, seed []db.Order) *monitor {
	m := &monitor{e: e, items: make(map[string]*TrackedOrder, len(seed))}
	now := time.Now()
	for _, o := range seed {
		m.items[o.ID] = &TrackedOrder{
			OrderID:         o.ID,
			Symbol:          o.Symbol,
			ExchangeOrderID: o.ExchangeOrderID,
			TrackedSince:    now,
			NextCheck:       now,
		}
	}
	m.reportSize()
	return m
}

func (m *monitor) run() {
	defer close(m.e.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-m.e.stop:
			return
		case id := <-m.e.intake:
			m.add(id)
		case reply := <-m.e.snapshots:
			m.drainIntake()
			reply <- m.snapshot()
		case <-timer.C:
			m.checkDue()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.untilNext())
	}
}

func (m *monitor) add(id string) {
	if _, ok := m.items[id]; ok {
		return
	}
	now := time.Now()
	m.items[id] = &TrackedOrder{OrderID: id, TrackedSince: now, NextCheck: now}
	m.reportSize()
}

// drainIntake adds ids already queued so a snapshot reflects every Track
// call that returned before it was requested.
func (m *monitor) drainIntake() {
	for {
		select {
		case id := <-m.e.intake:
			m.add(id)
		default:
			return
		}
	}
}

func (m *monitor) drop(id string) {
	delete(m.items, id)
	m.reportSize()
}

func (m *monitor) untilNext() time.Duration {
	if len(m.items) == 0 {
		return m.e.cfg.RecheckInterval
	}
	var next time.Time
	for _, it := range m.items {
		if next.IsZero() || it.NextCheck.Before(next) {
			next = it.NextCheck
		}
	}
	if d := time.Until(next); d > 0 {
		return d
	}
	return 0
}

// checkDue polls every order whose check time has passed, oldest first.
func (m *monitor) checkDue() {
	now := time.Now()
	var due []*TrackedOrder
	for _, it := range m.items {
		if !it.NextCheck.After(now) {
			due = append(due, it)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextCheck.Before(due[j].NextCheck) })
	for _, it := range due {
		select {
		case <-m.e.stop:
			return
		default:
		}
		m.check(it)
	}
}

func (m *monitor) check(it *TrackedOrder) {
	e := m.e
	log := e.log.With("order_id", it.OrderID)

	o, err := e.store.GetOrder(e.ctx, it.OrderID)
	if errors.Is(err, db.ErrNotFound) {
		log.Warn("tracked order not found; dropping")
		m.drop(it.OrderID)
		return
	}
	if err != nil {
		m.failed(it, err)
		return
	}
	if o.Status != db.OrderExecuting {
		log.Debug("order no longer executing; dropping", "status", o.Status)
		m.drop(it.OrderID)
		return
	}
	it.Symbol = o.Symbol
	it.ExchangeOrderID = o.ExchangeOrderID

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.StatusTimeout)
	start := time.Now()
	status, err := e.gw.FetchStatus(ctx, common.StatusQuery{
		Symbol:          o.Symbol,
		ExchangeOrderID: o.ExchangeOrderID,
		ClientID:        o.ID,
	})
	cancel()
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordStatusCheck(time.Since(start), err)
	}
	if err != nil {
		m.failed(it, err)
		return
	}
	it.VenueStatus = string(status)

	switch status.Phase() {
	case common.PhaseFilled:
		m.settle(it, o, db.OrderExecuted, events.EventOrderExecuted, status)
	case common.PhaseCanceled:
		m.settle(it, o, db.OrderCanceled, events.EventOrderCanceled, status)
	default:
		it.ConsecutiveErrors = 0
		it.NextCheck = time.Now().Add(e.cfg.RecheckInterval)
	}
}

// settle records a terminal venue status and stops tracking the order.
func (m *monitor) settle(it *TrackedOrder, o db.Order, to db.OrderStatus, topic events.Event, venue common.OrderStatus) {
	e := m.e
	log := e.log.With("order_id", o.ID, "symbol", o.Symbol, "venue_status", venue)

	err := e.store.UpdateOrderStatus(e.ctx, o.ID, to)
	switch {
	case errors.Is(err, db.ErrInvalidTransition), errors.Is(err, db.ErrNotFound):
		log.Warn("order moved elsewhere; dropping", "error", err)
		m.drop(o.ID)
		return
	case err != nil:
		m.failed(it, err)
		return
	}

	if e.cfg.Metrics != nil {
		if to == db.OrderExecuted {
			e.cfg.Metrics.IncrementExecuted()
		} else {
			e.cfg.Metrics.IncrementCanceled()
		}
	}
	e.cfg.Bus.Publish(topic, events.OrderUpdate{
		OrderID:         o.ID,
		Symbol:          o.Symbol,
		Status:          string(to),
		ExchangeOrderID: o.ExchangeOrderID,
		VenueStatus:     string(venue),
	})
	log.Info("order settled", "status", to)
	m.drop(o.ID)
}

// failed schedules a re-check with exponential backoff, or gives up on the
// order once MaxConsecutiveErrors is reached. A given-up order stays
// executing in storage for the reconciliation sweep.
func (m *monitor) failed(it *TrackedOrder, err error) {
	e := m.e
	it.ConsecutiveErrors++
	log := e.log.With("order_id", it.OrderID, "consecutive_errors", it.ConsecutiveErrors, "error", err)

	if limit := e.cfg.MaxConsecutiveErrors; limit > 0 && it.ConsecutiveErrors >= limit {
		log.Error("status checks keep failing; no longer tracking order")
		m.drop(it.OrderID)
		return
	}
	delay := backoff(e.cfg.RecheckInterval, e.cfg.MaxBackoff, it.ConsecutiveErrors)
	it.NextCheck = time.Now().Add(delay)
	log.Warn("status check failed; retrying", "retry_in", delay, "transient", common.IsTransient(err))
}

func (m *monitor) snapshot() []TrackedOrder {
	out := make([]TrackedOrder, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TrackedSince.Equal(out[j].TrackedSince) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].TrackedSince.Before(out[j].TrackedSince)
	})
	return out
}

func (m *monitor) reportSize() {
	if m.e.cfg.Metrics != nil {
		m.e.cfg.Metrics.SetTracked(len(m.items))
	}
}

// backoff returns base·2^n capped at ceiling.
func backoff(base, ceiling time.Duration, n int) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	return d
}
