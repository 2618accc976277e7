package monitor

import (
	"context"
	"fmt"
	"log/slog"

	"orderflow/internal/events"
	"orderflow/pkg/logger"
)

// Monitor watches the bus and raises alerts for failed dispatches and
// orders the venue canceled.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
	Log  *slog.Logger
}

// Start subscribes and returns once the subscription exists; alerts are
// delivered from a goroutine until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	log := logger.Or(m.Log).With("component", "monitor")
	if m.Bus == nil || m.Sink == nil {
		log.Warn("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(64, events.EventDispatchFailed, events.EventOrderCanceled)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				if err := m.Sink.Send(formatAlert(msg)); err != nil {
					log.Warn("alert delivery failed", "error", err)
				}
			}
		}
	}()
}

func formatAlert(msg events.Message) string {
	prefix := "[" + msg.Time.UTC().Format("2006-01-02T15:04:05Z07:00") + "] "
	switch p := msg.Payload.(type) {
	case events.DispatchUpdate:
		return prefix + fmt.Sprintf("event %s (%s) on manager %s failed: %s", p.EventID, p.Type, p.ManagerID, p.Error)
	case events.OrderUpdate:
		return prefix + fmt.Sprintf("order %s %s canceled by venue (%s)", p.OrderID, p.Symbol, p.VenueStatus)
	default:
		return prefix + string(msg.Topic)
	}
}
