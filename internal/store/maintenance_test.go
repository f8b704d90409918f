package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPruneDeliveries_RemovesOnlyOldRecords(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	seen, err := s.MarkDelivery(ctx, "github", "old-delivery")
	require.NoError(t, err)
	require.False(t, seen)

	// Everything recorded so far is older than a future cutoff
	pruned, err := s.PruneDeliveries(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	// After pruning, the same delivery id is fresh again
	seen, err = s.MarkDelivery(ctx, "github", "old-delivery")
	require.NoError(t, err)
	assert.False(t, seen)

	// A cutoff in the past prunes nothing
	pruned, err = s.PruneDeliveries(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, pruned)
}

func TestDeactivateUser(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.EnsureUser(ctx, 7, "alice"))
	require.NoError(t, s.DeactivateUser(ctx, 7))

	user, err := s.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.False(t, user.Active)
	assert.Equal(t, "alice", user.Username)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))

	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}
