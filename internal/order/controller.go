// Package order creates trade orders and drives them to a terminal state
// against a venue.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"orderflow/internal/dispatch"
	"orderflow/pkg/db"
	"orderflow/pkg/logger"
)

// OrderWriter persists new orders.
type OrderWriter interface {
	AddOrder(ctx context.Context, o db.Order) (string, error)
}

// Queues resolves the event manager that will dispatch placement events.
type Queues interface {
	Get(ctx context.Context, managerID string) (*dispatch.Manager, error)
}

// CreateMetrics receives order creation counts.
type CreateMetrics interface {
	AddOrdersCreated(n int)
}

// CreateOrderRequest describes a root order and its optional protective
// orders.
type CreateOrderRequest struct {
	PortfolioID    string              `json:"portfolio_id"`
	EventManagerID string              `json:"event_manager_id"`
	SignalID       string              `json:"signal_id"`
	Type           db.OrderType        `json:"order_type"`
	Category       string              `json:"category"`
	Side           db.Side             `json:"side"`
	Symbol         string              `json:"symbol"`
	BaseCurrency   string              `json:"base_currency"`
	QuoteCurrency  string              `json:"quote_currency"`
	Quantity       decimal.Decimal     `json:"quantity"`
	TargetPrice    decimal.NullDecimal `json:"target_price"`
	StopLoss       decimal.NullDecimal `json:"stop_loss"`
	TakeProfit     decimal.NullDecimal `json:"take_profit"`
	// Priority of the placement events, by name ("HIGH"). Empty means LOW.
	Priority db.Priority `json:"priority"`
}

// Controller validates order requests and persists the resulting orders
// together with one placement event each.
type Controller struct {
	orders  OrderWriter
	queues  Queues
	metrics CreateMetrics
	log     *slog.Logger
}

func NewController(orders OrderWriter, queues Queues, metrics CreateMetrics, log *slog.Logger) *Controller {
	return &Controller{
		orders:  orders,
		queues:  queues,
		metrics: metrics,
		log:     logger.Or(log).With("component", "order_controller"),
	}
}

// CreateOrder persists the root order, then the stop-loss and take-profit
// orders when requested, and returns their ids in that order. Nothing is
// written when validation fails. Creation is not atomic: an error after the
// root write leaves the orders written so far in place, and their ids are
// returned together with the error.
func (c *Controller) CreateOrder(ctx context.Context, req CreateOrderRequest) ([]string, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	queue, err := c.queues.Get(ctx, req.EventManagerID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("event manager %s: %w", req.EventManagerID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	priority := req.Priority
	if priority == 0 {
		priority = db.PriorityLow
	}
	log := c.log.With("manager_id", req.EventManagerID, "signal_id", req.SignalID, "symbol", req.Symbol)

	root := db.Order{
		PortfolioID:   req.PortfolioID,
		OwnerID:       req.EventManagerID,
		SignalID:      req.SignalID,
		Type:          req.Type,
		Category:      req.Category,
		Side:          req.Side,
		Status:        db.OrderPending,
		Symbol:        req.Symbol,
		BaseCurrency:  req.BaseCurrency,
		QuoteCurrency: req.QuoteCurrency,
		Quantity:      req.Quantity,
		TargetPrice:   req.TargetPrice,
	}
	ids := make([]string, 0, 3)
	rootID, err := c.place(ctx, queue, root, priority)
	if rootID != "" {
		ids = append(ids, rootID)
	}
	if err != nil {
		log.Error("order creation failed", "order_ids", ids, "error", err)
		c.recordCreated(len(ids))
		return ids, err
	}

	for _, leg := range []struct {
		typ   db.OrderType
		price decimal.NullDecimal
	}{
		{db.OrderTypeStopLoss, req.StopLoss},
		{db.OrderTypeTakeProfit, req.TakeProfit},
	} {
		if !leg.price.Valid {
			continue
		}
		child := root
		child.ParentOrderID = rootID
		child.Type = leg.typ
		child.Side = root.Side.Inverse()
		child.TargetPrice = leg.price
		id, err := c.place(ctx, queue, child, priority)
		if id != "" {
			ids = append(ids, id)
		}
		if err != nil {
			log.Error("derived order creation failed", "parent_order_id", rootID, "order_type", leg.typ, "order_ids", ids, "error", err)
			c.recordCreated(len(ids))
			return ids, err
		}
	}

	c.recordCreated(len(ids))
	log.Info("orders created", "order_ids", ids)
	return ids, nil
}

// place writes one order and its placement event. The order id is returned
// whenever the order row was written, even if the event was not.
func (c *Controller) place(ctx context.Context, queue *dispatch.Manager, o db.Order, priority db.Priority) (string, error) {
	id, err := c.orders.AddOrder(ctx, o)
	if err != nil {
		return "", fmt.Errorf("persist %s order: %w", o.Type, err)
	}
	payload, err := json.Marshal(placementPayload{OrderID: id})
	if err != nil {
		return id, err
	}
	if _, err := queue.AddEvent(ctx, db.Event{
		Type:     dispatch.TypeOrderPlacement,
		Priority: priority,
		Payload:  string(payload),
	}); err != nil {
		return id, fmt.Errorf("enqueue placement for order %s: %w", id, err)
	}
	return id, nil
}

func (c *Controller) recordCreated(n int) {
	if c.metrics != nil && n > 0 {
		c.metrics.AddOrdersCreated(n)
	}
}

type placementPayload struct {
	OrderID string `json:"order_id"`
}

func (r CreateOrderRequest) validate() error {
	required := []struct{ field, value string }{
		{"portfolio_id", r.PortfolioID},
		{"event_manager_id", r.EventManagerID},
		{"signal_id", r.SignalID},
		{"category", r.Category},
		{"symbol", r.Symbol},
		{"base_currency", r.BaseCurrency},
		{"quote_currency", r.QuoteCurrency},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return invalid(f.field, "is required")
		}
	}
	if r.Type.Derived() {
		return invalid("order_type", fmt.Sprintf("%q orders are created through stop_loss and take_profit", r.Type))
	}
	switch r.Type {
	case db.OrderTypeMarket:
	case db.OrderTypeLimit:
		if !r.TargetPrice.Valid {
			return invalid("target_price", "is required for limit orders")
		}
	default:
		return invalid("order_type", fmt.Sprintf("%q is not market or limit", r.Type))
	}
	if !r.Side.Valid() {
		return invalid("side", fmt.Sprintf("%q is not buy or sell", r.Side))
	}
	if !r.Quantity.IsPositive() {
		return invalid("quantity", "must be positive")
	}
	if r.TargetPrice.Valid && !r.TargetPrice.Decimal.IsPositive() {
		return invalid("target_price", "must be positive")
	}
	if r.StopLoss.Valid && !r.StopLoss.Decimal.IsPositive() {
		return invalid("stop_loss", "must be positive")
	}
	if r.TakeProfit.Valid && !r.TakeProfit.Decimal.IsPositive() {
		return invalid("take_profit", "must be positive")
	}
	if r.Priority != 0 && !r.Priority.Valid() {
		return invalid("priority", r.Priority.String()+" is not LOW, MEDIUM or HIGH")
	}
	return nil
}
