package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeeperChannels(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveKeeperChannel(ctx, KeeperChannel{
		ChannelID:    "k1",
		Owner:        key("keeper"),
		CounterParty: key("player"),
		Secret:       "abcd",
		Amount:       5000,
		Timelock:     86400,
		OpenedAt:     1,
	}))

	kc, ok, err := s.OpenKeeperChannelFor(ctx, key("player"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "k1", kc.ChannelID)
	assert.Equal(t, KeeperOpen, kc.Status)

	spent, err := s.AddKeeperSpend(ctx, "k1", 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), spent)

	// Spend is capped at the funded amount.
	spent, err = s.AddKeeperSpend(ctx, "k1", 10000)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), spent)

	require.NoError(t, s.SetKeeperStatus(ctx, "k1", KeeperClosed))
	open, err := s.OpenKeeperChannels(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	_, ok, err = s.OpenKeeperChannelFor(ctx, key("player"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.AddKeeperSpend(ctx, "k1", 1)
	assert.Error(t, err, "closed channels accept no spend")

	kc, err = s.KeeperChannel(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, KeeperClosed, kc.Status)
	assert.Equal(t, uint64(5000), kc.Spent)
}
