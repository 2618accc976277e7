package events

// Event enumerates notification topics published by the dispatcher and the
// execution engine.
type Event string

const (
	EventOrderExecuting Event = "order.executing"
	EventOrderExecuted  Event = "order.executed"
	EventOrderCanceled  Event = "order.canceled"
	EventDispatched     Event = "event.dispatched"
	EventDispatchFailed Event = "event.failed"
	EventManagerStatus  Event = "manager.status"
)

// OrderUpdate accompanies the order.* topics.
type OrderUpdate struct {
	OrderID         string `json:"order_id"`
	Symbol          string `json:"symbol"`
	Status          string `json:"status"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
	VenueStatus     string `json:"venue_status,omitempty"`
}

// DispatchUpdate accompanies event.dispatched and event.failed.
type DispatchUpdate struct {
	ManagerID string `json:"manager_id"`
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	Error     string `json:"error,omitempty"`
}

// ManagerUpdate accompanies manager.status.
type ManagerUpdate struct {
	ManagerID string `json:"manager_id"`
	Status    string `json:"status"`
}
