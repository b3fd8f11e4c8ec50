// Package itemcache implements the persistent processed-item set used by
// multi-item providers to deduplicate across runs.
//
// The canonical on-disk format is a JSON array of strings. Legacy shapes
// are migrated on load; a backup of the original file is written before
// the first destructive write.
package itemcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/crier-bot/crier/pkg/logger"
)

const (
	// migrationSanityCeiling bounds the cardinality a migrated legacy file
	// may have. Results above this are discarded and the previous
	// in-memory set kept.
	migrationSanityCeiling = 100_000

	// lockTimeout is the maximum time to wait for the cache file lock.
	lockTimeout = 1 * time.Second

	// backupSuffix is appended to the cache path for the pre-migration copy.
	backupSuffix = ".pre-migration-backup"
)

// Options configures a Cache.
type Options struct {
	// MaxSize caps the number of retained IDs. Zero means unlimited.
	// On overflow the eldest entries are dropped in insertion order.
	MaxSize int
	// TTL makes entries older than this eligible for eviction during
	// load. Zero disables TTL eviction. Entry age is approximated by the
	// cache file's modification time, since the canonical format does
	// not carry per-entry timestamps.
	TTL time.Duration
}

// Cache is a persistent, insertion-ordered set of processed item IDs.
// All methods are safe for concurrent use.
type Cache struct {
	path string
	opts Options

	mu    sync.Mutex
	ids   []string
	index map[string]struct{}

	// last-observed file identity, for external-modification detection
	lastModTime time.Time
	lastSize    int64
}

// New creates a cache backed by the file at path. Call Load before use.
func New(path string, opts Options) *Cache {
	return &Cache{
		path:  path,
		opts:  opts,
		index: make(map[string]struct{}),
	}
}

// Load reads the cache file if it exists, migrating legacy shapes to the
// canonical array-of-strings format. A missing file yields an empty set.
func (c *Cache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked()
}

func (c *Cache) loadLocked() error {
	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.ids = nil
			c.index = make(map[string]struct{})
			return nil
		}
		return fmt.Errorf("stat cache file %s: %w", c.path, err)
	}

	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("reading cache file %s: %w", c.path, err)
	}

	ids, migrated, err := parseCacheFile(raw)
	if err != nil {
		return fmt.Errorf("parsing cache file %s: %w", c.path, err)
	}

	if migrated {
		if reason := validateMigration(ids); reason != "" {
			logger.Warnw("discarding migrated cache data, keeping previous in-memory set",
				"path", c.path, "reason", reason, "migrated_count", len(ids), "kept_count", len(c.ids))
			return nil
		}
		if err := c.migrateLocked(raw, ids); err != nil {
			return err
		}
	}

	if c.opts.TTL > 0 && time.Since(info.ModTime()) > c.opts.TTL {
		logger.Infow("cache file older than TTL, evicting all loaded entries",
			"path", c.path, "age", time.Since(info.ModTime()).String(), "evicted", len(ids))
		ids = nil
	}

	c.replaceLocked(ids)
	c.lastModTime = info.ModTime()
	c.lastSize = info.Size()
	return nil
}

// migrateLocked writes the one-time backup and the canonical file.
func (c *Cache) migrateLocked(original []byte, ids []string) error {
	backupPath := c.path + backupSuffix
	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		if err := os.WriteFile(backupPath, original, 0600); err != nil {
			return fmt.Errorf("writing migration backup %s: %w", backupPath, err)
		}
	}
	if err := writeAtomic(c.path, ids); err != nil {
		return fmt.Errorf("writing migrated cache: %w", err)
	}
	logger.Infow("migrated legacy cache file to canonical format",
		"path", c.path, "entries", len(ids))
	return nil
}

func (c *Cache) replaceLocked(ids []string) {
	c.ids = nil
	c.index = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := c.index[id]; dup {
			continue
		}
		c.ids = append(c.ids, id)
		c.index[id] = struct{}{}
	}
	c.enforceCapLocked()
}

func (c *Cache) enforceCapLocked() {
	if c.opts.MaxSize <= 0 || len(c.ids) <= c.opts.MaxSize {
		return
	}
	drop := len(c.ids) - c.opts.MaxSize
	for _, id := range c.ids[:drop] {
		delete(c.index, id)
	}
	c.ids = append([]string(nil), c.ids[drop:]...)
}

// Contains reports whether id has been processed.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[id]
	return ok
}

// Add records id as processed. Adding an existing ID is a no-op.
func (c *Cache) Add(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[id]; ok {
		return
	}
	c.ids = append(c.ids, id)
	c.index[id] = struct{}{}
	c.enforceCapLocked()
}

// Len returns the number of retained IDs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// IDs returns a copy of the retained IDs in insertion order.
func (c *Cache) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

// Persist writes the current set to disk atomically: the data goes to a
// sibling .tmp file which is then renamed over the target.
func (c *Cache) Persist() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0750); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	fileLock := flock.New(c.path + ".lock")
	locked, err := fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquiring cache file lock for %s: %w", c.path, err)
	}
	if !locked {
		return fmt.Errorf("cache file %s is locked by another process", c.path)
	}
	defer fileLock.Unlock()

	if err := writeAtomic(c.path, c.ids); err != nil {
		return err
	}

	if info, err := os.Stat(c.path); err == nil {
		c.lastModTime = info.ModTime()
		c.lastSize = info.Size()
	}
	return nil
}

// Refresh reloads the cache if the backing file changed since it was last
// observed. It returns true when a reload happened.
func (c *Cache) Refresh() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat cache file %s: %w", c.path, err)
	}
	if info.ModTime().Equal(c.lastModTime) && info.Size() == c.lastSize {
		return false, nil
	}

	logger.Debugw("cache file changed externally, reloading", "path", c.path)
	if err := c.loadLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func writeAtomic(path string, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encoding cache: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing temp cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming cache file into place: %w", err)
	}
	return nil
}

func validateMigration(ids []string) string {
	if len(ids) > migrationSanityCeiling {
		return fmt.Sprintf("cardinality %d exceeds ceiling %d", len(ids), migrationSanityCeiling)
	}
	for _, id := range ids {
		if strings.ContainsFunc(id, func(r rune) bool { return r < 0x20 || r == 0x7f }) {
			return "entry contains control characters"
		}
	}
	return ""
}
