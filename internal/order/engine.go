package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"orderflow/internal/events"
	"orderflow/pkg/db"
	"orderflow/pkg/exchanges/common"
	"orderflow/pkg/logger"
)

const (
	DefaultRecheckInterval = 2 * time.Second
	DefaultMaxBackoff      = time.Minute
	DefaultStatusTimeout   = 10 * time.Second
	intakeBuffer           = 256
)

// OrderStore is the order persistence the engine needs.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (db.Order, error)
	ListOrdersByStatus(ctx context.Context, status db.OrderStatus) ([]db.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, to db.OrderStatus) error
	MarkOrderSubmitted(ctx context.Context, id, exchangeOrderID string) error
}

// EngineMetrics receives execution measurements.
type EngineMetrics interface {
	RecordSubmit(d time.Duration, err error)
	RecordStatusCheck(d time.Duration, err error)
	IncrementExecuted()
	IncrementCanceled()
	SetTracked(n int)
}

// EngineConfig tunes submission and monitoring.
type EngineConfig struct {
	// RecheckInterval is the delay between status polls of an open order.
	RecheckInterval time.Duration
	// MaxBackoff caps the delay after consecutive poll errors.
	MaxBackoff time.Duration
	// MaxConsecutiveErrors stops polling an order after that many failed
	// polls in a row. Zero polls forever.
	MaxConsecutiveErrors int
	// StatusTimeout bounds a single status poll.
	StatusTimeout time.Duration

	Bus     *events.Bus
	Metrics EngineMetrics
	Log     *slog.Logger
}

func (c *EngineConfig) applyDefaults() {
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = DefaultRecheckInterval
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.RecheckInterval {
		c.MaxBackoff = c.RecheckInterval
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = DefaultStatusTimeout
	}
	if c.MaxConsecutiveErrors < 0 {
		c.MaxConsecutiveErrors = 0
	}
}

// Engine submits orders to a venue and runs the single monitor loop that
// follows every submitted order until the venue reports it filled or
// canceled. Build one per process and share it.
type Engine struct {
	store OrderStore
	gw    common.Gateway
	cfg   EngineConfig
	log   *slog.Logger

	claimMu sync.Mutex
	claims  map[string]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	intake    chan string
	snapshots chan chan []TrackedOrder
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewEngine loads every order left executing by a previous run, hands them
// to the monitor and starts it. The engine is tracking them when NewEngine
// returns.
func NewEngine(ctx context.Context, store OrderStore, gw common.Gateway, cfg EngineConfig) (*Engine, error) {
	if store == nil || gw == nil {
		return nil, errors.New("order engine requires a store and a gateway")
	}
	cfg.applyDefaults()

	inflight, err := store.ListOrdersByStatus(ctx, db.OrderExecuting)
	if err != nil {
		return nil, fmt.Errorf("reconcile executing orders: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &Engine{
		store:     store,
		gw:        gw,
		cfg:       cfg,
		log:       logger.Or(cfg.Log).With("component", "order_engine", "venue", gw.Name()),
		claims:    make(map[string]struct{}),
		ctx:       runCtx,
		cancel:    cancel,
		intake:    make(chan string, intakeBuffer),
		snapshots: make(chan chan []TrackedOrder),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	m := newMonitor(e, inflight)
	if len(inflight) > 0 {
		e.log.Info("recovered executing orders", "count", len(inflight))
	}
	go m.run()
	return e, nil
}

// ExecuteOrder submits a pending order to the venue, marks it executing and
// hands it to the monitor. Only one call per order id may be in flight.
// On a gateway failure the order keeps its status and the error is
// returned; errors.Is(err, ErrTransient) tells whether a retry can help.
func (e *Engine) ExecuteOrder(ctx context.Context, id string) error {
	if !e.claim(id) {
		return fmt.Errorf("order %s: %w: %w", id, errInFlight, ErrInvariant)
	}
	defer e.release(id)

	o, err := e.store.GetOrder(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load order %s: %w", id, err)
	}
	if o.Status != db.OrderPending {
		return fmt.Errorf("order %s is %s: %w", id, o.Status, ErrInvariant)
	}

	req, err := toRequest(o)
	if err != nil {
		return err
	}
	log := e.log.With("order_id", id, "symbol", o.Symbol, "side", o.Side, "order_type", o.Type)

	start := time.Now()
	res, err := e.gw.SubmitOrder(ctx, req)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordSubmit(time.Since(start), err)
	}
	if err != nil {
		log.Warn("order submission failed", "error", err, "transient", common.IsTransient(err))
		return fmt.Errorf("submit order %s: %w", id, err)
	}

	// The venue holds the order now; record it even if the caller gave up.
	if err := e.store.MarkOrderSubmitted(context.WithoutCancel(ctx), id, res.ExchangeOrderID); err != nil {
		log.Error("order submitted but status update failed", "exchange_order_id", res.ExchangeOrderID, "error", err)
		if errors.Is(err, db.ErrInvalidTransition) {
			return fmt.Errorf("order %s changed during submission: %w", id, ErrInvariant)
		}
		return fmt.Errorf("mark order %s executing: %w", id, err)
	}

	e.cfg.Bus.Publish(events.EventOrderExecuting, events.OrderUpdate{
		OrderID:         id,
		Symbol:          o.Symbol,
		Status:          string(db.OrderExecuting),
		ExchangeOrderID: res.ExchangeOrderID,
		VenueStatus:     string(res.Status),
	})
	e.Track(id)
	log.Info("order submitted", "exchange_order_id", res.ExchangeOrderID, "venue_status", res.Status)
	return nil
}

// Track asks the monitor to follow an executing order. Tracking an id twice
// has no effect. Track is a no-op after Close.
func (e *Engine) Track(id string) {
	select {
	case e.intake <- id:
	case <-e.done:
	}
}

// Tracked returns a snapshot of the orders the monitor is following.
func (e *Engine) Tracked(ctx context.Context) ([]TrackedOrder, error) {
	reply := make(chan []TrackedOrder, 1)
	select {
	case e.snapshots <- reply:
	case <-e.done:
		return nil, errors.New("order engine closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the monitor loop and waits for it. Orders still executing
// stay so in storage and are picked up by the next NewEngine.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.stop)
		e.cancel()
	})
	<-e.done
	return nil
}

func (e *Engine) claim(id string) bool {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()
	if _, busy := e.claims[id]; busy {
		return false
	}
	e.claims[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.claimMu.Lock()
	delete(e.claims, id)
	e.claimMu.Unlock()
}

// toRequest maps a stored order onto the venue-neutral request. Market
// orders carry no price.
func toRequest(o db.Order) (common.OrderRequest, error) {
	req := common.OrderRequest{
		ClientID: o.ID,
		Symbol:   o.Symbol,
		Category: o.Category,
		Qty:      o.Quantity,
	}
	switch o.Side {
	case db.SideBuy:
		req.Side = common.SideBuy
	case db.SideSell:
		req.Side = common.SideSell
	default:
		return req, fmt.Errorf("order %s has side %q: %w", o.ID, o.Side, ErrInvariant)
	}

	switch o.Type {
	case db.OrderTypeMarket:
		req.Type = common.OrderTypeMarket
		return req, nil
	case db.OrderTypeLimit:
		req.Type = common.OrderTypeLimit
	case db.OrderTypeStopLoss:
		req.Type = common.OrderTypeStopLoss
	case db.OrderTypeTakeProfit:
		req.Type = common.OrderTypeTakeProfit
	default:
		return req, fmt.Errorf("order %s has type %q: %w", o.ID, o.Type, ErrInvariant)
	}
	if !o.TargetPrice.Valid || !o.TargetPrice.Decimal.IsPositive() {
		return req, fmt.Errorf("%s order %s has no target price: %w", o.Type, o.ID, ErrInvariant)
	}
	req.Price = o.TargetPrice.Decimal
	req.TimeInForce = common.TIFGTC
	return req, nil
}
