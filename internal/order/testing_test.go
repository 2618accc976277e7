package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"orderflow/internal/dispatch"
	"orderflow/internal/events"
	"orderflow/pkg/db"
	"orderflow/pkg/exchanges/common"
	"orderflow/pkg/logger"
)

func newTestStore(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database
}

func testEngineConfig(bus *events.Bus) EngineConfig {
	return EngineConfig{
		RecheckInterval: 10 * time.Millisecond,
		MaxBackoff:      40 * time.Millisecond,
		Bus:             bus,
		Log:             logger.Discard(),
	}
}

func newTestEngine(t *testing.T, store OrderStore, gw common.Gateway, cfg EngineConfig) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), store, gw, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newTestPool(store *db.Database, reg *dispatch.Registry) *dispatch.Pool {
	return dispatch.NewPool(store, reg, dispatch.Options{
		IdleBackoff: 10 * time.Millisecond,
		Log:         logger.Discard(),
	})
}

func pendingOrder(t *testing.T, store *db.Database, typ db.OrderType, price string) string {
	t.Helper()
	o := db.Order{
		PortfolioID:   "pf-1",
		OwnerID:       "mgr-1",
		SignalID:      "sig-1",
		Type:          typ,
		Category:      "spot",
		Side:          db.SideBuy,
		Symbol:        "BTCUSDT",
		BaseCurrency:  "BTC",
		QuoteCurrency: "USDT",
		Quantity:      decimal.RequireFromString("0.5"),
	}
	if price != "" {
		o.TargetPrice = decimal.NewNullDecimal(decimal.RequireFromString(price))
	}
	id, err := store.AddOrder(context.Background(), o)
	require.NoError(t, err)
	return id
}

func orderStatus(t *testing.T, store *db.Database, id string) db.OrderStatus {
	t.Helper()
	o, err := store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

type mockGateway struct {
	mock.Mock
}

func (g *mockGateway) Name() string { return "mock" }

func (g *mockGateway) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	args := g.Called(ctx, req)
	return args.Get(0).(common.OrderResult), args.Error(1)
}

func (g *mockGateway) FetchStatus(ctx context.Context, q common.StatusQuery) (common.OrderStatus, error) {
	args := g.Called(ctx, q)
	return args.Get(0).(common.OrderStatus), args.Error(1)
}

type counts struct {
	created  int
	executed int
	canceled int
	tracked  int
	submits  int
}

// countingMetrics records the counters the order package reports.
type countingMetrics struct {
	mu sync.Mutex
	counts
}

func (m *countingMetrics) AddOrdersCreated(n int) {
	m.mu.Lock()
	m.created += n
	m.mu.Unlock()
}

func (m *countingMetrics) RecordSubmit(time.Duration, error) {
	m.mu.Lock()
	m.submits++
	m.mu.Unlock()
}

func (m *countingMetrics) RecordStatusCheck(time.Duration, error) {}

func (m *countingMetrics) IncrementExecuted() {
	m.mu.Lock()
	m.executed++
	m.mu.Unlock()
}

func (m *countingMetrics) IncrementCanceled() {
	m.mu.Lock()
	m.canceled++
	m.mu.Unlock()
}

func (m *countingMetrics) SetTracked(n int) {
	m.mu.Lock()
	m.tracked = n
	m.mu.Unlock()
}

func (m *countingMetrics) get() counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts
}
