package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepReportsMaturedOpenStakes(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	e, store := newTestEngine(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()
	fund(t, e, "alice", 100)

	short, err := e.Stake(ctx, "alice", 10, 1)
	require.NoError(t, err)
	_, err = e.Stake(ctx, "alice", 10, 30)
	require.NoError(t, err)
	released, err := e.Stake(ctx, "alice", 10, 1)
	require.NoError(t, err)
	_, err = e.WithdrawStake(ctx, "alice", released.ID)
	require.NoError(t, err)

	w := NewMaturityWatcher(store, "", nil)
	w.now = func() time.Time { return start.Add(48 * time.Hour) }

	matured, err := w.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, matured, 1)
	assert.Equal(t, short.ID, matured[0].ID)
}

func TestMaturityWatcherLifecycle(t *testing.T) {
	_, store := newTestEngine(t)
	w := NewMaturityWatcher(store, "@every 1h", nil)
	ctx := context.Background()

	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Start(ctx), "second start is a no-op")

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
	require.NoError(t, w.Stop(stopCtx), "second stop is a no-op")

	bad := NewMaturityWatcher(store, "not a schedule", nil)
	assert.Error(t, bad.Start(ctx))
}
