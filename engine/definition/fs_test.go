package definition

import (
	"context"
	"testing"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Should read back what was written", func(t *testing.T) {
		store := NewMemStore()
		loc, err := store.Put(ctx, "code/orders.yaml", []byte("name: orders\n"))
		require.NoError(t, err)
		assert.Equal(t, "file://code/orders.yaml", loc)
		data, err := store.Get(ctx, loc)
		require.NoError(t, err)
		assert.Equal(t, "name: orders\n", string(data))
	})

	t.Run("Should serve the latest write immediately after overwrite", func(t *testing.T) {
		store := NewMemStore()
		loc, err := store.Put(ctx, "manual/orders.yaml", []byte("v1"))
		require.NoError(t, err)
		_, err = store.Put(ctx, "manual/orders.yaml", []byte("v2"))
		require.NoError(t, err)
		data, err := store.Get(ctx, loc)
		require.NoError(t, err)
		assert.Equal(t, "v2", string(data))
	})

	t.Run("Should leave no temp files behind", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		store, err := NewFSStore(fs, "/defs")
		require.NoError(t, err)
		_, err = store.Put(ctx, "code/orders.yaml", []byte("x"))
		require.NoError(t, err)
		entries, err := afero.ReadDir(fs, "/defs/code")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "orders.yaml", entries[0].Name())
	})

	t.Run("Should report missing definitions as not found", func(t *testing.T) {
		store := NewMemStore()
		_, err := store.Get(ctx, "file://code/missing.yaml")
		assert.ErrorIs(t, err, core.ErrNotFound)
		assert.ErrorIs(t, store.Delete(ctx, "file://code/missing.yaml"), core.ErrNotFound)
	})

	t.Run("Should delete definitions", func(t *testing.T) {
		store := NewMemStore()
		loc, err := store.Put(ctx, "manual/orders.yaml", []byte("x"))
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, loc))
		_, err = store.Get(ctx, loc)
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("Should reject paths outside the root", func(t *testing.T) {
		store := NewMemStore()
		for _, p := range []string{"", "/etc/passwd", "../escape.yaml", "code/../../x"} {
			_, err := store.Put(ctx, p, []byte("x"))
			assert.ErrorIs(t, err, core.ErrValidation, p)
		}
		_, err := store.Get(ctx, "s3://bucket/code/x.yaml")
		assert.ErrorIs(t, err, core.ErrValidation)
	})

	t.Run("Should surface filesystem failures as store unavailable", func(t *testing.T) {
		store := &FSStore{fs: afero.NewReadOnlyFs(afero.NewMemMapFs()), root: "/defs"}
		_, err := store.Put(ctx, "code/orders.yaml", []byte("x"))
		assert.ErrorIs(t, err, core.ErrDefinitionStoreUnavailable)
	})
}
