package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := New(dir, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestSaveGetRoundTrip(t *testing.T) {
	c := newTestCache(t)
	blob := []byte{0xFF, 0xD8, 0x01, 0x02}

	require.NoError(t, c.Save("sd//norm/a.THM", blob))
	assert.True(t, c.Has("sd//norm/a.THM"))
	assert.Equal(t, blob, c.Get("sd//norm/a.THM"))

	entry, ok := c.GetMetadata("sd//norm/a.THM")
	require.True(t, ok)
	assert.Equal(t, "sd//norm/a.THM", entry.FilePath)
	assert.Equal(t, int64(len(blob)), entry.Size)
}

func TestGet_MissingReturnsNil(t *testing.T) {
	c := newTestCache(t)
	assert.Nil(t, c.Get("sd//norm/missing.THM"))
	assert.False(t, c.Has("sd//norm/missing.THM"))
}

func TestCacheKeyStable(t *testing.T) {
	assert.Equal(t, cacheKey("sd//norm/a.THM"), cacheKey("sd//norm/a.THM"))
	assert.NotEqual(t, cacheKey("sd//norm/a.THM"), cacheKey("sd//norm/b.THM"))
}

func TestInvalidate(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Save("sd//norm/a.THM", []byte{1, 2, 3}))

	assert.True(t, c.Invalidate("sd//norm/a.THM"))
	assert.False(t, c.Has("sd//norm/a.THM"))
	_, ok := c.GetMetadata("sd//norm/a.THM")
	assert.False(t, ok)

	assert.False(t, c.Invalidate("sd//norm/a.THM"))
}

func TestClearCache(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Save("sd//norm/a.THM", []byte{1}))
	require.NoError(t, c.Save("sd//norm/b.THM", []byte{2}))

	n := c.ClearCache()
	assert.Equal(t, 2, n)
	assert.False(t, c.Has("sd//norm/a.THM"))
	stats := c.GetStats()
	assert.Equal(t, 0, stats.MetadataEntries)
	assert.Equal(t, 0, stats.ThumbnailCount)
}

func TestCleanupOld_RemovesAgedEntries(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Save("sd//norm/old.THM", []byte{1}))

	c.mu.Lock()
	for k, e := range c.index {
		e.CachedAt = time.Now().AddDate(0, 0, -40)
		c.index[k] = e
	}
	c.mu.Unlock()

	removed := c.CleanupOld(30)
	assert.Equal(t, 1, removed)
	assert.False(t, c.Has("sd//norm/old.THM"))
}

func TestCleanupOld_MalformedEntryIsEligible(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "thumbnails"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "thumbnails", "deadbeef.jpg"), []byte{1}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(`{"deadbeef":{"filePath":"x","cachedAt":"not-a-date","size":1}}`), 0o644))

	c, err := New(dir, zerolog.Nop())
	require.NoError(t, err)

	removed := c.CleanupOld(30)
	assert.Equal(t, 1, removed)
}

func TestGetStats(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Save("sd//norm/a.THM", []byte{1, 2, 3, 4}))

	stats := c.GetStats()
	assert.Equal(t, 1, stats.ThumbnailCount)
	assert.Equal(t, int64(4), stats.CacheSizeBytes)
	assert.Equal(t, 1, stats.MetadataEntries)
}

func TestIsStale(t *testing.T) {
	c := newTestCache(t)
	assert.True(t, c.IsStale("sd//norm/missing.THM", time.Minute))

	require.NoError(t, c.Save("sd//norm/a.THM", []byte{1}))
	assert.False(t, c.IsStale("sd//norm/a.THM", time.Hour))
	assert.True(t, c.IsStale("sd//norm/a.THM", -time.Second))
}
