// Package cache implements a content-addressed on-disk store mapping a
// device file path to a cached thumbnail blob and a small metadata record,
// durable across process restarts.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is the metadata record stored for one cached thumbnail.
type Entry struct {
	FilePath string    `json:"filePath"`
	CachedAt time.Time `json:"cachedAt"`
	Size     int64     `json:"size"`
}

// isStale reports whether this entry was cached more than interval ago.
func (e Entry) isStale(interval time.Duration) bool {
	return time.Since(e.CachedAt) > interval
}

// Stats summarizes the cache's current footprint.
type Stats struct {
	ThumbnailCount  int
	CacheSizeBytes  int64
	CacheSizeMb     float64
	MetadataEntries int
}

// Cache is a content-addressed thumbnail store. All operations are safe
// for concurrent use; a single mutex guards the in-memory index since hot
// path volume is bounded by directory listing size and file fetches
// dominate lock hold time.
type Cache struct {
	mu           sync.Mutex
	dir          string
	thumbnailDir string
	metadataFile string
	index        map[string]Entry
	log          zerolog.Logger
}

// New opens (or creates) a cache rooted at dir, loading any existing
// metadata index from disk.
func New(dir string, log zerolog.Logger) (*Cache, error) {
	c := &Cache{
		dir:          dir,
		thumbnailDir: filepath.Join(dir, "thumbnails"),
		metadataFile: filepath.Join(dir, "metadata.json"),
		index:        make(map[string]Entry),
		log:          log.With().Str("component", "cache").Logger(),
	}
	if err := os.MkdirAll(c.thumbnailDir, 0o755); err != nil {
		return nil, err
	}
	c.loadMetadata()
	return c, nil
}

// wireEntry is the on-disk shape of one metadata record; cachedAt is kept
// as a string so a single malformed entry doesn't fail the whole load —
// it is parsed leniently in loadMetadata and, on failure, left at the
// zero time so it is always eligible for age-based cleanup.
type wireEntry struct {
	FilePath string `json:"filePath"`
	CachedAt string `json:"cachedAt"`
	Size     int64  `json:"size"`
}

func (c *Cache) loadMetadata() {
	c.index = make(map[string]Entry)

	data, err := os.ReadFile(c.metadataFile)
	if err != nil {
		return
	}
	var raw map[string]wireEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		c.log.Error().Err(err).Msg("failed to load metadata, resetting")
		return
	}
	for key, w := range raw {
		entry := Entry{FilePath: w.FilePath, Size: w.Size}
		if t, err := time.Parse(time.RFC3339, w.CachedAt); err == nil {
			entry.CachedAt = t
		} else {
			c.log.Warn().Str("key", key).Msg("invalid metadata entry, treating as eligible for cleanup")
		}
		c.index[key] = entry
	}
}

// saveMetadata persists the index; call with mu held. Failures are logged
// and swallowed, matching the original's best-effort persistence.
func (c *Cache) saveMetadata() {
	out := make(map[string]wireEntry, len(c.index))
	for key, e := range c.index {
		out[key] = wireEntry{
			FilePath: e.FilePath,
			CachedAt: e.CachedAt.Format(time.RFC3339),
			Size:     e.Size,
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		c.log.Error().Err(err).Msg("failed to marshal metadata")
		return
	}
	if err := os.WriteFile(c.metadataFile, data, 0o644); err != nil {
		c.log.Error().Err(err).Msg("failed to save metadata")
	}
}

// cacheKey returns the lowercase-hex MD5 of path, stable across runs and
// platforms.
func cacheKey(path string) string {
	sum := md5.Sum([]byte(path))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) thumbnailPath(key string) string {
	return filepath.Join(c.thumbnailDir, key+".jpg")
}

// Has reports whether a thumbnail blob exists for path.
func (c *Cache) Has(path string) bool {
	_, err := os.Stat(c.thumbnailPath(cacheKey(path)))
	return err == nil
}

// Get returns the cached thumbnail bytes for path, or nil if not cached
// or unreadable.
func (c *Cache) Get(path string) []byte {
	data, err := os.ReadFile(c.thumbnailPath(cacheKey(path)))
	if err != nil {
		return nil
	}
	return data
}

// Save writes the thumbnail blob then persists the updated metadata index
// — the atomic composition the cache guarantees: a reader may observe the
// blob before the index entry exists, in which case it is treated as
// present but undated.
func (c *Cache) Save(path string, data []byte) error {
	key := cacheKey(path)
	if err := os.WriteFile(c.thumbnailPath(key), data, 0o644); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.index[key] = Entry{
		FilePath: path,
		CachedAt: time.Now(),
		Size:     int64(len(data)),
	}
	c.saveMetadata()
	return nil
}

// GetMetadata returns the metadata entry for path and whether it exists.
func (c *Cache) GetMetadata(path string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[cacheKey(path)]
	return e, ok
}

// IsStale reports whether path's cached entry is older than interval.
// A missing entry is considered stale.
func (c *Cache) IsStale(path string, interval time.Duration) bool {
	e, ok := c.GetMetadata(path)
	if !ok {
		return true
	}
	return e.isStale(interval)
}

// Invalidate removes both the blob and index entry for path, reporting
// true if either was present.
func (c *Cache) Invalidate(path string) bool {
	key := cacheKey(path)
	removed := false

	if err := os.Remove(c.thumbnailPath(key)); err == nil {
		removed = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[key]; ok {
		delete(c.index, key)
		removed = true
		c.saveMetadata()
	}
	return removed
}

// ClearCache removes every cached blob and empties the index, returning
// the number of blobs removed.
func (c *Cache) ClearCache() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	entries, err := os.ReadDir(c.thumbnailDir)
	if err == nil {
		for _, e := range entries {
			if filepath.Ext(e.Name()) != ".jpg" {
				continue
			}
			if err := os.Remove(filepath.Join(c.thumbnailDir, e.Name())); err == nil {
				count++
			}
		}
	}

	c.index = make(map[string]Entry)
	c.saveMetadata()
	return count
}

// CleanupOld removes entries whose cachedAt is older than now - maxAgeDays.
// Entries that failed to parse at load time carry the zero time and are
// always older than the cutoff, so they are swept up here too.
func (c *Cache) CleanupOld(maxAgeDays int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	var toRemove []string
	for key, entry := range c.index {
		if entry.CachedAt.Before(cutoff) {
			toRemove = append(toRemove, key)
		}
	}

	count := 0
	for _, key := range toRemove {
		if err := os.Remove(c.thumbnailPath(key)); err == nil {
			count++
		}
		delete(c.index, key)
	}

	if len(toRemove) > 0 {
		c.saveMetadata()
	}
	return count
}

// CacheSizeBytes sums the size of every thumbnail blob on disk.
func (c *Cache) CacheSizeBytes() int64 {
	var total int64
	entries, err := os.ReadDir(c.thumbnailDir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".jpg" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total
}

// GetStats reports the cache's current footprint.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	metadataEntries := len(c.index)
	c.mu.Unlock()

	size := c.CacheSizeBytes()

	entries, err := os.ReadDir(c.thumbnailDir)
	thumbnailCount := 0
	if err == nil {
		for _, e := range entries {
			if filepath.Ext(e.Name()) == ".jpg" {
				thumbnailCount++
			}
		}
	}

	return Stats{
		ThumbnailCount:  thumbnailCount,
		CacheSizeBytes:  size,
		CacheSizeMb:     float64(size) / (1024 * 1024),
		MetadataEntries: metadataEntries,
	}
}
