package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/maneesh/permastore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ref(id int64) models.ContentRef {
	return models.ContentRef{ChatID: -100123, MessageID: id}
}

func TestMemoryLinkStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLinkStore()

	refs := []models.ContentRef{ref(1), ref(2), ref(3)}
	require.NoError(t, store.Put(ctx, "abc123", refs))

	got, err := store.Get(ctx, "abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "abc123", got.Token)
	assert.Equal(t, refs, got.Refs)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, store.Delete(ctx, "abc123"))
	got, err = store.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Nil(t, got)

	// deleting again is a no-op
	require.NoError(t, store.Delete(ctx, "abc123"))
}

func TestMemoryLinkStore_Errors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLinkStore()

	assert.ErrorIs(t, store.Put(ctx, "empty", nil), ErrEmptyBatch)

	require.NoError(t, store.Put(ctx, "taken", []models.ContentRef{ref(1)}))
	assert.ErrorIs(t, store.Put(ctx, "taken", []models.ContentRef{ref(2)}), ErrDuplicateToken)

	got, err := store.Get(ctx, "taken")
	require.NoError(t, err)
	assert.Equal(t, []models.ContentRef{ref(1)}, got.Refs)

	got, err = store.Get(ctx, "zzzz99")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryLinkStore_IsolatedFromCaller(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLinkStore()

	refs := []models.ContentRef{ref(1)}
	require.NoError(t, store.Put(ctx, "tok", refs))
	refs[0] = ref(99)

	got, err := store.Get(ctx, "tok")
	require.NoError(t, err)
	got.Refs[0] = ref(42)

	again, err := store.Get(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, []models.ContentRef{ref(1)}, again.Refs)
}

func TestMemoryBatchStore_AppendKeepsOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBatchStore()

	snap, err := store.Snapshot(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, snap)

	var want []models.ContentRef
	for i := int64(1); i <= 5; i++ {
		want = append(want, ref(i))
		got, err := store.Append(ctx, 7, ref(i))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	snap, err = store.Snapshot(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, want, snap)
}

func TestMemoryBatchStore_DiscardAndClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBatchStore()

	for i := int64(1); i <= 4; i++ {
		_, err := store.Append(ctx, 1, ref(i))
		require.NoError(t, err)
	}

	trimmed, err := store.Discard(ctx, 1, []models.ContentRef{ref(1), ref(2), ref(3)})
	require.NoError(t, err)
	assert.True(t, trimmed)
	snap, err := store.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []models.ContentRef{ref(4)}, snap)

	trimmed, err = store.Discard(ctx, 1, []models.ContentRef{ref(4)})
	require.NoError(t, err)
	assert.True(t, trimmed)
	snap, err = store.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, snap)

	_, err = store.Append(ctx, 1, ref(5))
	require.NoError(t, err)
	require.NoError(t, store.Clear(ctx, 1))
	require.NoError(t, store.Clear(ctx, 1))
	snap, err = store.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, snap)

	// a fresh session starts after a clear
	got, err := store.Append(ctx, 1, ref(6))
	require.NoError(t, err)
	assert.Equal(t, []models.ContentRef{ref(6)}, got)
}

func TestMemoryBatchStore_DiscardAfterClearKeepsNewItems(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBatchStore()

	_, _ = store.Append(ctx, 1, ref(1))
	_, _ = store.Append(ctx, 1, ref(2))
	snap, err := store.Snapshot(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, store.Clear(ctx, 1))
	_, err = store.Append(ctx, 1, ref(3))
	require.NoError(t, err)

	trimmed, err := store.Discard(ctx, 1, snap)
	require.NoError(t, err)
	assert.False(t, trimmed)

	got, err := store.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []models.ContentRef{ref(3)}, got)

	// a refill longer than the old snapshot is not mistaken for it either
	_, _ = store.Append(ctx, 1, ref(4))
	_, _ = store.Append(ctx, 1, ref(5))
	trimmed, err = store.Discard(ctx, 1, snap)
	require.NoError(t, err)
	assert.False(t, trimmed)
	got, _ = store.Snapshot(ctx, 1)
	assert.Equal(t, []models.ContentRef{ref(3), ref(4), ref(5)}, got)

	trimmed, err = store.Discard(ctx, 2, snap)
	require.NoError(t, err)
	assert.False(t, trimmed)
}

func TestMemoryBatchStore_ConcurrentUploadersStayIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBatchStore()

	const uploaders = 8
	const perUploader = 200

	var wg sync.WaitGroup
	for u := int64(1); u <= uploaders; u++ {
		wg.Add(1)
		go func(uploader int64) {
			defer wg.Done()
			for i := int64(0); i < perUploader; i++ {
				_, err := store.Append(ctx, uploader, models.ContentRef{ChatID: uploader, MessageID: i})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}(u)
	}
	wg.Wait()

	for u := int64(1); u <= uploaders; u++ {
		snap, err := store.Snapshot(ctx, u)
		require.NoError(t, err)
		require.Len(t, snap, perUploader, fmt.Sprintf("uploader %d", u))
		for i, r := range snap {
			assert.Equal(t, models.ContentRef{ChatID: u, MessageID: int64(i)}, r)
		}
	}
}

func TestMemoryBatchStore_ClearRacingAppend(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBatchStore()

	for round := 0; round < 100; round++ {
		_, err := store.Append(ctx, 1, ref(0))
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = store.Clear(ctx, 1)
		}()
		go func() {
			defer wg.Done()
			_, _ = store.Append(ctx, 1, ref(1))
		}()
		wg.Wait()

		snap, err := store.Snapshot(ctx, 1)
		require.NoError(t, err)
		// the append either lost to the clear or started a fresh batch after it
		if len(snap) > 0 {
			assert.Equal(t, []models.ContentRef{ref(1)}, snap)
		}
		require.NoError(t, store.Clear(ctx, 1))
	}
}
