// cachegc walks the thumbnail cache and:
//   - removes entries older than --max-age-days
//   - optionally clears the entire cache with --clear
//
// Usage:
//
//	cachegc [--cache-dir <dir>] [--max-age-days <n>] [--clear] [--dry-run]
//
// Defaults: cache-dir=<platform user cache dir>/dashcam-manager, max-age-days=30.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/rs/zerolog"

	"github.com/c16/dashcam-manager/internal/cache"
)

func main() {
	defaultDir, _ := os.UserCacheDir()
	if defaultDir != "" {
		defaultDir = defaultDir + string(os.PathSeparator) + "dashcam-manager"
	}

	cacheDir := flag.String("cache-dir", defaultDir, "thumbnail cache root directory")
	maxAgeDays := flag.Int("max-age-days", 30, "remove entries older than this many days")
	clear := flag.Bool("clear", false, "remove every cached thumbnail, ignoring age")
	dryRun := flag.Bool("dry-run", false, "report what would be removed without removing it")
	flag.Parse()

	if err := run(*cacheDir, *maxAgeDays, *clear, *dryRun); err != nil {
		log.Fatal(err)
	}
}

func run(cacheDir string, maxAgeDays int, clear, dryRun bool) error {
	c, err := cache.New(cacheDir, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("open cache at %q: %w", cacheDir, err)
	}

	before := c.GetStats()

	if dryRun {
		if clear {
			fmt.Printf("[dry-run] would clear %d cached thumbnails\n", before.ThumbnailCount)
		} else {
			fmt.Printf("[dry-run] would evaluate %d metadata entries against a %d day cutoff\n", before.MetadataEntries, maxAgeDays)
		}
		return nil
	}

	var removed int
	if clear {
		removed = c.ClearCache()
	} else {
		removed = c.CleanupOld(maxAgeDays)
	}

	after := c.GetStats()
	fmt.Printf("done: %d removed, %d thumbnails remain (%.2f MB)\n", removed, after.ThumbnailCount, after.CacheSizeMb)
	return nil
}
