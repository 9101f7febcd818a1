package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avisono/birdsong_downloader/internal/kv"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "downloads_list_u1", `["r1"]`))

	got, err := store.Get(ctx, "downloads_list_u1")
	require.NoError(t, err)
	assert.Equal(t, `["r1"]`, got)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, store.Remove(ctx, "downloads_list_u1"))

	_, err = store.Get(ctx, "downloads_list_u1")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStoreMultiRemove(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", "1"))
	require.NoError(t, store.Set(ctx, "b", "2"))
	require.NoError(t, store.Set(ctx, "c", "3"))

	require.NoError(t, store.MultiRemove(ctx, []string{"a", "b"}))

	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	got, err := store.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "3", got)
}
