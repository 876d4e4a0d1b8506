package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petmarket/internal/journal"
	"petmarket/pkg/domain"
)

func entry(asset string, at time.Time) journal.Entry {
	return journal.Begin(journal.KindMint, domain.AssetID(asset), domain.MustAddress("0x01"), at)
}

func TestStore_UpsertAndOrder(t *testing.T) {
	ctx := context.Background()
	store := New(10)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := entry("corgi", now)
	second := entry("shiba-inu", now.Add(time.Second))
	require.NoError(t, store.Write(ctx, first))
	require.NoError(t, store.Write(ctx, second))
	require.NoError(t, store.Write(ctx, first.Finish("tx-1", errors.New("rejected"), now.Add(2*time.Second))))

	entries, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second.ID, entries[0].ID)
	assert.Equal(t, first.ID, entries[1].ID)
	assert.Equal(t, journal.StatusFailed, entries[1].Status)
	assert.Equal(t, "tx-1", entries[1].TxID)
	assert.Equal(t, "rejected", entries[1].Error)
}

func TestStore_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	store := New(3)
	now := time.Now()

	var written []journal.Entry
	for i := range 5 {
		e := entry("corgi", now.Add(time.Duration(i)*time.Second))
		written = append(written, e)
		require.NoError(t, store.Write(ctx, e))
	}
	assert.Equal(t, 3, store.Len())

	entries, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, written[4].ID, entries[0].ID)
	assert.Equal(t, written[3].ID, entries[1].ID)

	// evicted entries are forgotten, so a late update re-enters as new
	require.NoError(t, store.Write(ctx, written[0].Finish("tx-0", nil, now)))
	entries, err = store.List(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, written[0].ID, entries[0].ID)
	assert.Len(t, entries, 3)
}
