package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"orderflow/pkg/db"
	"orderflow/pkg/logger"
)

// Executor submits an order by id.
type Executor interface {
	ExecuteOrder(ctx context.Context, id string) error
}

// PlacementHandler executes the order named by an OrderPlacementEvent.
type PlacementHandler struct {
	exec Executor
	log  *slog.Logger
}

func NewPlacementHandler(exec Executor, log *slog.Logger) *PlacementHandler {
	return &PlacementHandler{exec: exec, log: logger.Or(log).With("component", "placement_handler")}
}

// Handle reads order_id from the payload and executes it. An order that is
// already executing or settled is acknowledged so a duplicate event does not
// stay pending. A concurrent execution of the same order is reported as a
// failure since it may still fail.
func (h *PlacementHandler) Handle(ctx context.Context, e db.Event) error {
	if !gjson.Valid(e.Payload) {
		return fmt.Errorf("placement event %s: payload is not JSON: %w", e.ID, ErrValidation)
	}
	orderID := gjson.Get(e.Payload, "order_id").String()
	if orderID == "" {
		return fmt.Errorf("placement event %s: %w", e.ID, invalid("order_id", "is required"))
	}

	err := h.exec.ExecuteOrder(ctx, orderID)
	if errors.Is(err, ErrInvariant) && !errors.Is(err, errInFlight) {
		h.log.Info("order already placed; acknowledging event", "event_id", e.ID, "order_id", orderID, "reason", err)
		return nil
	}
	return err
}
