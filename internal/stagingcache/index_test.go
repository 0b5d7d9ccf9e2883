package stagingcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/fuseadapter/internal/connector/fakeconn"
)

func TestPersistIndex_WritesDirtyEntryAtomically(t *testing.T) {
	inner := fakeconn.New(objectStoreCaps())
	c := newTestCache(t, inner, Config{})
	ctx := context.Background()

	require.NoError(t, inner.CreateFile(ctx, "/a"))
	_, err := c.Write(ctx, "/a", 0, []byte("hello"))
	require.NoError(t, err)

	require.NoError(t, c.persistIndex())

	data, err := os.ReadFile(filepath.Join(c.cfg.Dir, "index.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"path": "/a"`)
	assert.Contains(t, string(data), `"logical_size": 5`)

	entries, err := os.ReadDir(c.cfg.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestDiscardStaleCache_RemovesPriorRunContents(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "leftover.txt")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	inner := fakeconn.New(objectStoreCaps())
	c, err := New(inner, Config{Dir: dir}, nil)
	require.NoError(t, err)
	defer c.Close(context.Background())

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "expected prior run's staging file to be discarded")
}
