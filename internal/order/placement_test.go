package order

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/dispatch"
	"orderflow/internal/events"
	"orderflow/pkg/db"
	"orderflow/pkg/exchanges/common"
	"orderflow/pkg/exchanges/paper"
	"orderflow/pkg/logger"
)

type fakeExecutor struct {
	calls []string
	err   error
}

func (f *fakeExecutor) ExecuteOrder(_ context.Context, id string) error {
	f.calls = append(f.calls, id)
	return f.err
}

func TestPlacementHandler(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		execErr   error
		wantCall  bool
		wantErrIs error
	}{
		{name: "executes order", payload: `{"order_id":"o-1"}`, wantCall: true},
		{name: "already placed is acknowledged", payload: `{"order_id":"o-1"}`, execErr: fmt.Errorf("order o-1 is executing: %w", ErrInvariant), wantCall: true},
		{name: "in flight elsewhere fails", payload: `{"order_id":"o-1"}`, execErr: fmt.Errorf("order o-1: %w: %w", errInFlight, ErrInvariant), wantCall: true, wantErrIs: ErrInvariant},
		{name: "transient venue error fails", payload: `{"order_id":"o-1"}`, execErr: common.Transient("paper", errors.New("down")), wantCall: true, wantErrIs: ErrTransient},
		{name: "missing order fails", payload: `{"order_id":"o-1"}`, execErr: ErrNotFound, wantCall: true, wantErrIs: ErrNotFound},
		{name: "malformed payload", payload: `order_id=o-1`, wantErrIs: ErrValidation},
		{name: "payload without order id", payload: `{"id":"o-1"}`, wantErrIs: ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{err: tt.execErr}
			h := NewPlacementHandler(exec, logger.Discard())

			err := h.Handle(context.Background(), db.Event{ID: "ev-1", Type: dispatch.TypeOrderPlacement, Payload: tt.payload})
			if tt.wantErrIs != nil {
				assert.ErrorIs(t, err, tt.wantErrIs)
			} else {
				assert.NoError(t, err)
			}
			if tt.wantCall {
				assert.Equal(t, []string{"o-1"}, exec.calls)
			} else {
				assert.Empty(t, exec.calls)
			}
		})
	}
}

func TestPipelineExecutesCreatedOrders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	bus := events.NewBus()

	engine := newTestEngine(t, store, paper.New(paper.Config{}), testEngineConfig(bus))
	reg := dispatch.NewRegistry()
	reg.Register(dispatch.TypeOrderPlacement, NewPlacementHandler(engine, logger.Discard()))
	pool := newTestPool(store, reg)
	t.Cleanup(func() { _ = pool.StopAll(context.Background()) })

	mgr, err := pool.Create(ctx, "live")
	require.NoError(t, err)
	c := NewController(store, pool, nil, logger.Discard())

	req := validRequest(mgr.ID())
	req.StopLoss = price("90")
	req.TakeProfit = price("120")
	ids, err := c.CreateOrder(ctx, req)
	require.NoError(t, err)

	require.NoError(t, mgr.Start(ctx))

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if orderStatus(t, store, id) != db.OrderExecuted {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		next, err := store.NextUnprocessed(ctx, mgr.ID())
		return err == nil && next == nil
	}, time.Second, 10*time.Millisecond)
	evs, err := store.ListEvents(ctx, mgr.ID(), 10)
	require.NoError(t, err)
	for _, e := range evs {
		assert.False(t, e.Pending(), e.ID)
	}
}
