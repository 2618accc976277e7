package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Priority orders events; higher values are dispatched first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Valid reports whether p is LOW, MEDIUM or HIGH.
func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityHigh }

// ParsePriority accepts LOW, MEDIUM or HIGH in any case.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return PriorityLow, nil
	case "MEDIUM":
		return PriorityMedium, nil
	case "HIGH":
		return PriorityHigh, nil
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownPriority, s)
}

// MarshalText encodes p by name so JSON carries "HIGH" rather than 3.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w %d", ErrUnknownPriority, int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText accepts a priority name in any case. An empty string leaves
// the zero value so callers can apply their own default.
func (p *Priority) UnmarshalText(b []byte) error {
	if strings.TrimSpace(string(b)) == "" {
		*p = 0
		return nil
	}
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ManagerStatus is the lifecycle state of an event manager.
type ManagerStatus string

const (
	ManagerInactive ManagerStatus = "inactive"
	ManagerActive   ManagerStatus = "active"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Inverse returns the opposite side.
func (s Side) Inverse() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the execution style of an order. Root orders are market or
// limit; derived orders carry their protective role as their type.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLoss   OrderType = "stop_loss"
	OrderTypeTakeProfit OrderType = "take_profit"
)

// Derived reports whether t is a protective child type.
func (t OrderType) Derived() bool {
	return t == OrderTypeStopLoss || t == OrderTypeTakeProfit
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderExecuting OrderStatus = "executing"
	OrderExecuted  OrderStatus = "executed"
	OrderCanceled  OrderStatus = "canceled"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderExecuted || s == OrderCanceled
}

// predecessors lists the statuses an order may move from into each target.
var predecessors = map[OrderStatus][]OrderStatus{
	OrderExecuting: {OrderPending},
	OrderExecuted:  {OrderExecuting},
	OrderCanceled:  {OrderPending, OrderExecuting},
}

// EventManager is a persisted dispatcher instance.
type EventManager struct {
	ID        string
	Mode      string
	Status    ManagerStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is a unit of scheduled work owned by one manager.
type Event struct {
	ID         string
	OwnerID    string
	Type       string
	Priority   Priority
	Payload    string
	CreatedAt  time.Time
	ExecutedAt *time.Time
	FailedAt   *time.Time
	Attempts   int
	LastError  string
}

// Pending reports whether the event has not been processed yet.
func (e Event) Pending() bool { return e.ExecutedAt == nil }

// Order is a trade order stored in the DB.
type Order struct {
	ID              string
	ParentOrderID   string
	PortfolioID     string
	OwnerID         string
	SignalID        string
	Type            OrderType
	Category        string
	Side            Side
	Status          OrderStatus
	Symbol          string
	BaseCurrency    string
	QuoteCurrency   string
	Quantity        decimal.Decimal
	TargetPrice     decimal.NullDecimal
	ExchangeOrderID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExecutedAt      *time.Time
}

// IsRoot reports whether the order has no parent.
func (o Order) IsRoot() bool { return o.ParentOrderID == "" }
