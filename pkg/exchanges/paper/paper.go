// Package paper is an in-process venue that simulates acknowledgements,
// fills and transient outages. It backs dry runs and tests.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/pkg/exchanges/common"
)

const venue = "paper"

// Config tunes the simulation.
type Config struct {
	// FillAfterPolls is the number of status polls an order stays open
	// before it fills. Zero fills on the first poll.
	FillAfterPolls int
	// LatencyMin and LatencyMax bound the simulated round trip.
	LatencyMin time.Duration
	LatencyMax time.Duration
}

// Order is the simulated venue-side record.
type Order struct {
	ID        string
	ClientID  string
	Symbol    string
	Side      common.Side
	Type      common.OrderType
	Qty       decimal.Decimal
	Price     decimal.Decimal
	Status    common.OrderStatus
	Polls     int
	CreatedAt time.Time
	FilledAt  *time.Time
}

// Venue is a paper trading gateway.
type Venue struct {
	cfg Config

	mu             sync.Mutex
	rng            *rand.Rand
	seq            int64
	orders         map[string]*Order
	submitFailures int
	statusFailures int
	submissions    int
}

func New(cfg Config) *Venue {
	if cfg.LatencyMax > 0 && cfg.LatencyMin > cfg.LatencyMax {
		cfg.LatencyMin, cfg.LatencyMax = cfg.LatencyMax, cfg.LatencyMin
	}
	return &Venue{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		orders: make(map[string]*Order),
	}
}

func (v *Venue) Name() string { return venue }

func (v *Venue) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := v.sleep(ctx); err != nil {
		return common.OrderResult{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.submitFailures > 0 {
		v.submitFailures--
		return common.OrderResult{}, common.Transient(venue, errors.New("simulated submit outage"))
	}
	if !req.Qty.IsPositive() {
		return common.OrderResult{}, fmt.Errorf("%s: quantity must be positive", venue)
	}
	if req.Type != common.OrderTypeMarket && !req.Price.IsPositive() {
		return common.OrderResult{}, fmt.Errorf("%s: %s order requires a price", venue, req.Type)
	}

	v.seq++
	v.submissions++
	o := &Order{
		ID:        strconv.FormatInt(v.seq, 10),
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Qty:       req.Qty,
		Price:     req.Price,
		Status:    common.StatusNew,
		CreatedAt: time.Now(),
	}
	v.orders[o.ID] = o
	return common.OrderResult{ExchangeOrderID: o.ID, Status: o.Status, ClientID: o.ClientID}, nil
}

func (v *Venue) FetchStatus(ctx context.Context, q common.StatusQuery) (common.OrderStatus, error) {
	if err := v.sleep(ctx); err != nil {
		return common.StatusUnknown, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.statusFailures > 0 {
		v.statusFailures--
		return common.StatusUnknown, common.Transient(venue, errors.New("simulated status outage"))
	}
	o := v.lookup(q)
	if o == nil {
		return common.StatusUnknown, fmt.Errorf("%s: order %s/%s not found", venue, q.ExchangeOrderID, q.ClientID)
	}
	if o.Status.Phase() != common.PhaseOpen {
		return o.Status, nil
	}
	o.Polls++
	if o.Polls > v.cfg.FillAfterPolls {
		now := time.Now()
		o.Status = common.StatusFilled
		o.FilledAt = &now
	}
	return o.Status, nil
}

// Cancel forces an open order into CANCELED, like a venue-side expiry.
func (v *Venue) Cancel(exchangeOrderID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[exchangeOrderID]
	if !ok || o.Status.Phase() != common.PhaseOpen {
		return false
	}
	o.Status = common.StatusCanceled
	return true
}

// FailSubmits makes the next n submissions fail transiently.
func (v *Venue) FailSubmits(n int) {
	v.mu.Lock()
	v.submitFailures = n
	v.mu.Unlock()
}

// FailStatus makes the next n status polls fail transiently.
func (v *Venue) FailStatus(n int) {
	v.mu.Lock()
	v.statusFailures = n
	v.mu.Unlock()
}

// Submissions returns how many orders were accepted.
func (v *Venue) Submissions() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.submissions
}

// Orders returns a copy of every accepted order.
func (v *Venue) Orders() []Order {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Order, 0, len(v.orders))
	for _, o := range v.orders {
		out = append(out, *o)
	}
	return out
}

func (v *Venue) lookup(q common.StatusQuery) *Order {
	if q.ExchangeOrderID != "" {
		return v.orders[q.ExchangeOrderID]
	}
	if q.ClientID == "" {
		return nil
	}
	for _, o := range v.orders {
		if o.ClientID == q.ClientID {
			return o
		}
	}
	return nil
}

func (v *Venue) sleep(ctx context.Context) error {
	if v.cfg.LatencyMax <= 0 {
		return ctx.Err()
	}
	v.mu.Lock()
	delay := v.cfg.LatencyMin
	if span := v.cfg.LatencyMax - v.cfg.LatencyMin; span > 0 {
		delay += time.Duration(v.rng.Int63n(int64(span) + 1))
	}
	v.mu.Unlock()

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
