package db

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOrder() Order {
	return Order{
		PortfolioID:   "pf-1",
		OwnerID:       "mgr-1",
		SignalID:      "sig-1",
		Type:          OrderTypeLimit,
		Category:      "spot",
		Side:          SideBuy,
		Symbol:        "BTCUSDT",
		BaseCurrency:  "BTC",
		QuoteCurrency: "USDT",
		Quantity:      decimal.RequireFromString("0.015"),
		TargetPrice:   decimal.NewNullDecimal(decimal.RequireFromString("64250.5")),
	}
}

func TestAddAndGetOrder(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	rootID, err := d.AddOrder(ctx, sampleOrder())
	require.NoError(t, err)

	child := sampleOrder()
	child.ParentOrderID = rootID
	child.Type = OrderTypeStopLoss
	child.Side = SideSell
	child.TargetPrice = decimal.NullDecimal{}
	childID, err := d.AddOrder(ctx, child)
	require.NoError(t, err)

	root, err := d.GetOrder(ctx, rootID)
	require.NoError(t, err)
	assert.True(t, root.IsRoot())
	assert.Equal(t, OrderPending, root.Status)
	assert.True(t, root.Quantity.Equal(decimal.RequireFromString("0.015")))
	require.True(t, root.TargetPrice.Valid)
	assert.Equal(t, "64250.5", root.TargetPrice.Decimal.String())
	assert.Nil(t, root.ExecutedAt)

	got, err := d.GetOrder(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, rootID, got.ParentOrderID)
	assert.False(t, got.TargetPrice.Valid)

	children, err := d.ListChildOrders(ctx, rootID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, childID, children[0].ID)

	_, err = d.GetOrder(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrderStatusIsMonotone(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()
	id, err := d.AddOrder(ctx, sampleOrder())
	require.NoError(t, err)

	assert.ErrorIs(t, d.UpdateOrderStatus(ctx, id, OrderExecuted), ErrInvalidTransition)
	assert.ErrorIs(t, d.UpdateOrderStatus(ctx, id, OrderPending), ErrInvalidTransition)

	require.NoError(t, d.MarkOrderSubmitted(ctx, id, "venue-42"))
	assert.ErrorIs(t, d.MarkOrderSubmitted(ctx, id, "venue-43"), ErrInvalidTransition)

	o, err := d.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OrderExecuting, o.Status)
	assert.Equal(t, "venue-42", o.ExchangeOrderID)

	require.NoError(t, d.UpdateOrderStatus(ctx, id, OrderExecuted))
	o, err = d.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OrderExecuted, o.Status)
	assert.Equal(t, "venue-42", o.ExchangeOrderID)
	assert.NotNil(t, o.ExecutedAt)

	assert.ErrorIs(t, d.UpdateOrderStatus(ctx, id, OrderCanceled), ErrInvalidTransition)
	assert.ErrorIs(t, d.UpdateOrderStatus(ctx, "missing", OrderCanceled), ErrNotFound)
}

func TestListOrdersByStatus(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	var executing []string
	for i := 0; i < 3; i++ {
		id, err := d.AddOrder(ctx, sampleOrder())
		require.NoError(t, err)
		require.NoError(t, d.MarkOrderSubmitted(ctx, id, ""))
		executing = append(executing, id)
	}
	_, err := d.AddOrder(ctx, sampleOrder())
	require.NoError(t, err)

	got, err := d.ListOrdersByStatus(ctx, OrderExecuting)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, o := range got {
		assert.Equal(t, executing[i], o.ID)
	}

	pending, err := d.ListOrdersByStatus(ctx, OrderPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
