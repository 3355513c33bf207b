package monocache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Stats represents cache statistics.
type Stats struct {
	Entries     int           // Total number of cache entries
	Packages    int           // Distinct packages with at least one entry
	TotalSize   int64         // Total size of all cached objects in bytes
	OldestEntry time.Duration // Age of the oldest entry
	NewestEntry time.Duration // Age of the newest entry
}

// Entry represents a single cache entry for iteration.
type Entry struct {
	KeyHash     string
	Package     string
	Fingerprint string
	CreatedAt   time.Time
	AccessedAt  time.Time
	Size        int64
	FileCount   int
}

// Stats returns statistics about the cache.
func (c *Cache) Stats() (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{}
	packages := make(map[string]struct{})
	var oldest, newest time.Time

	err := c.walkEntries(func(keyHash string, e *entry) error {
		stats.Entries++
		if e.Package != "" {
			packages[e.Package] = struct{}{}
		}

		// Track oldest and newest
		if oldest.IsZero() || e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
		if newest.IsZero() || e.CreatedAt.After(newest) {
			newest = e.CreatedAt
		}

		size, _ := c.dirSize(c.objectPath(keyHash))
		stats.TotalSize += size

		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	stats.Packages = len(packages)

	now := c.now()
	if !oldest.IsZero() {
		stats.OldestEntry = now.Sub(oldest)
	}
	if !newest.IsZero() {
		stats.NewestEntry = now.Sub(newest)
	}

	return stats, nil
}

// Prune removes cache entries older than the given duration.
// Returns the number of entries removed.
func (c *Cache) Prune(olderThan time.Duration) (int, error) {
	cutoff := c.now().Add(-olderThan)
	return c.pruneWhere(func(e *entry) bool {
		return e.CreatedAt.Before(cutoff)
	})
}

// PruneUnused removes cache entries not accessed since the given duration.
// Returns the number of entries removed.
func (c *Cache) PruneUnused(notAccessedSince time.Duration) (int, error) {
	cutoff := c.now().Add(-notAccessedSince)
	return c.pruneWhere(func(e *entry) bool {
		return e.AccessedAt.Before(cutoff)
	})
}

// pruneWhere removes every entry matching fn.
func (c *Cache) pruneWhere(fn func(e *entry) bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []string
	err := c.walkEntries(func(keyHash string, e *entry) error {
		if fn(e) {
			toRemove = append(toRemove, keyHash)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, keyHash := range toRemove {
		if err := c.removeByHash(keyHash); err != nil {
			return count, fmt.Errorf("failed to remove entry %s: %w", keyHash, err)
		}
		count++
	}

	return count, nil
}

// Entries returns all cache entries.
// Note: This holds a read lock while walking the cache.
func (c *Cache) Entries() ([]Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var entries []Entry

	err := c.walkEntries(func(keyHash string, e *entry) error {
		size, _ := c.dirSize(c.objectPath(keyHash))

		entries = append(entries, Entry{
			KeyHash:     keyHash,
			Package:     e.Package,
			Fingerprint: e.Fingerprint,
			CreatedAt:   e.CreatedAt,
			AccessedAt:  e.AccessedAt,
			Size:        size,
			FileCount:   len(e.OutputFiles) + len(e.OutputData),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// walkEntries walks all entry files and calls the function for each.
func (c *Cache) walkEntries(fn func(keyHash string, e *entry) error) error {
	return afero.Walk(c.fs, c.entriesDir(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		// Skip directories
		if info.IsDir() {
			return nil
		}

		// Only process .json files
		if !strings.HasSuffix(path, ".json") {
			return nil
		}

		// Extract key hash from filename
		keyHash := strings.TrimSuffix(filepath.Base(path), ".json")

		e, err := c.readEntry(keyHash)
		if err != nil {
			// Skip corrupted entries
			c.log.Debug().Err(err).Str("key", keyHash).Msg("skipping unreadable cache entry")
			return nil
		}

		return fn(keyHash, e)
	})
}

// dirSize calculates the total size of all files in a directory.
func (c *Cache) dirSize(dir string) (int64, error) {
	var size int64

	err := afero.Walk(c.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})

	return size, err
}

// removeByHash removes a cache entry by its key hash.
func (c *Cache) removeByHash(keyHash string) error {
	// Remove entry first so a concurrent reader sees a miss, not a broken hit
	entryPath := c.entryPath(keyHash)
	if exists, _ := afero.Exists(c.fs, entryPath); exists {
		if err := c.fs.Remove(entryPath); err != nil {
			return fmt.Errorf("failed to remove entry: %w", err)
		}
	}

	// Remove object directory
	objectDir := c.objectPath(keyHash)
	if exists, _ := afero.Exists(c.fs, objectDir); exists {
		if err := c.fs.RemoveAll(objectDir); err != nil {
			return fmt.Errorf("failed to remove objects: %w", err)
		}
	}

	return nil
}
