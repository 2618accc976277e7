package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/pkg/db"
)

func TestPoolRestoresActiveManagers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := NewPool(store, NewRegistry(), testOptions())
	running, err := first.Create(ctx, "live")
	require.NoError(t, err)
	idle, err := first.Create(ctx, "backtest")
	require.NoError(t, err)
	require.NoError(t, running.Start(ctx))

	got, err := first.Get(ctx, running.ID())
	require.NoError(t, err)
	assert.Same(t, running, got)

	// Shutdown keeps the persisted status.
	require.NoError(t, first.StopAll(ctx))
	assert.Equal(t, db.ManagerInactive, running.Status())
	row, err := store.GetEventManager(ctx, running.ID())
	require.NoError(t, err)
	assert.Equal(t, db.ManagerActive, row.Status)

	second := NewPool(store, NewRegistry(), testOptions())
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	restored, err := second.Get(ctx, running.ID())
	require.NoError(t, err)
	assert.Equal(t, db.ManagerActive, restored.Status())
	assert.Equal(t, "live", restored.Mode())

	other, err := second.Get(ctx, idle.ID())
	require.NoError(t, err)
	assert.Equal(t, db.ManagerInactive, other.Status())
	assert.Len(t, second.Managers(), 2)

	require.NoError(t, second.StopAll(ctx))

	_, err = second.Get(ctx, "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}
