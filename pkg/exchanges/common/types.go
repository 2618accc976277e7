package common

import "github.com/shopspring/decimal"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the venue-neutral order style. Adapters translate it into
// their native types.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFDay TimeInForce = "DAY"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Phase collapses a venue status into open, filled or canceled.
type Phase string

const (
	PhaseOpen     Phase = "open"
	PhaseFilled   Phase = "filled"
	PhaseCanceled Phase = "canceled"
)

// Phase maps the status onto the three states the engine acts on. Unknown
// statuses count as open so they are polled again.
func (s OrderStatus) Phase() Phase {
	switch s {
	case StatusFilled:
		return PhaseFilled
	case StatusCanceled, StatusRejected, StatusExpired:
		return PhaseCanceled
	default:
		return PhaseOpen
	}
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	ClientID    string // local order id, echoed back by venues that support it
	Symbol      string
	Category    string // spot, futures...
	Side        Side
	Type        OrderType
	Qty         decimal.Decimal
	Price       decimal.Decimal // zero for MARKET
	TimeInForce TimeInForce
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	ClientID        string
}

// StatusQuery identifies an order at the venue. Adapters use
// ExchangeOrderID when set and fall back to ClientID.
type StatusQuery struct {
	Symbol          string
	ExchangeOrderID string
	ClientID        string
}
