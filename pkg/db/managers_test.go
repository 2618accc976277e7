package db

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventManagerLifecycle(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	id, err := d.AddEventManager(ctx, EventManager{Mode: "live"})
	require.NoError(t, err)

	m, err := d.GetEventManager(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "live", m.Mode)
	assert.Equal(t, ManagerInactive, m.Status)

	require.NoError(t, d.UpdateEventManagerStatus(ctx, id, ManagerActive))
	active, err := d.ListEventManagersByStatus(ctx, ManagerActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].ID)

	assert.ErrorIs(t, d.UpdateEventManagerStatus(ctx, "missing", ManagerActive), ErrNotFound)
	_, err = d.GetEventManager(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority(" high ")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)
	assert.Equal(t, "HIGH", p.String())

	_, err = ParsePriority("urgent")
	assert.ErrorIs(t, err, ErrUnknownPriority)
}

func TestPriorityJSONUsesNames(t *testing.T) {
	var req struct {
		Priority Priority `json:"priority"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"priority":"medium"}`), &req))
	assert.Equal(t, PriorityMedium, req.Priority)

	req.Priority = PriorityHigh
	require.NoError(t, json.Unmarshal([]byte(`{"priority":""}`), &req))
	assert.Zero(t, req.Priority)

	err := json.Unmarshal([]byte(`{"priority":"urgent"}`), &req)
	assert.ErrorIs(t, err, ErrUnknownPriority)
	assert.Error(t, json.Unmarshal([]byte(`{"priority":3}`), &req))

	out, err := json.Marshal(map[string]Priority{"priority": PriorityLow})
	require.NoError(t, err)
	assert.JSONEq(t, `{"priority":"LOW"}`, string(out))

	assert.False(t, Priority(9).Valid())
	_, err = json.Marshal(Priority(9))
	assert.Error(t, err)
}
