package monocache

import (
	"fmt"
	"hash"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Cache represents the build cache.
// It stores build outputs content-addressed by cache key hash.
type Cache struct {
	root             string
	hashFunc         HashFunc
	nowFunc          NowFunc
	mu               sync.RWMutex
	fs               afero.Fs
	log              zerolog.Logger
	accumulateErrors bool // If true, accumulate all validation errors; if false, fail-fast
}

// HashFunc defines a function that creates a new hash.Hash instance.
type HashFunc func() hash.Hash

// NowFunc defines a function that returns the current time.
type NowFunc func() time.Time

// Option defines a function that configures a Cache.
type Option func(*Cache)

// Open creates a new cache at the given root directory.
// The directory will be created if it doesn't exist.
func Open(root string, options ...Option) (*Cache, error) {
	cache := &Cache{
		root:     root,
		fs:       afero.NewOsFs(),
		nowFunc:  time.Now,
		hashFunc: defaultHashFunc,
		log:      zerolog.Nop(),
	}

	// Apply options
	for _, option := range options {
		option(cache)
	}

	if err := cache.ensureDirs(); err != nil {
		return nil, err
	}

	return cache, nil
}

// OpenTemp creates a temporary in-memory cache for testing.
func OpenTemp() *Cache {
	cache, err := Open("", WithFs(afero.NewMemMapFs()))
	if err != nil {
		panic(fmt.Sprintf("failed to create temp cache: %v", err))
	}
	return cache
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// Fs returns the filesystem the cache reads and writes through.
func (c *Cache) Fs() afero.Fs {
	return c.fs
}

// Fingerprinter returns a Fingerprinter sharing the cache's filesystem and
// hash function. Additional options are applied after those defaults.
func (c *Cache) Fingerprinter(options ...FingerprinterOption) *Fingerprinter {
	opts := append([]FingerprinterOption{
		WithFingerprintFs(c.fs),
		WithFingerprintHashFunc(c.hashFunc),
	}, options...)
	return NewFingerprinter(opts...)
}

// Key creates a new KeyBuilder for building cache keys.
func (c *Cache) Key() *KeyBuilder {
	return &KeyBuilder{
		cache:            c,
		accumulateErrors: c.accumulateErrors,
	}
}

// Get retrieves a cached result for the given key.
// Returns (result, nil) on cache hit.
// Returns (nil, ErrCacheMiss) if the key is not found in the cache.
// Returns (nil, ValidationError) if the key has validation errors.
// Returns (nil, error) for other errors (I/O, corruption, etc.).
func (c *Cache) Get(key Key) (*Result, error) {
	// Check for key validation errors first
	if len(key.errors) > 0 {
		return nil, newValidationError(key.errors)
	}

	keyHash, err := key.computeHash()
	if err != nil {
		return nil, fmt.Errorf("failed to compute key hash: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.getByHash(keyHash, true)
}

// Latest returns the result most recently committed for a package, or
// ErrCacheMiss if there is none. It is used to explain cache misses.
func (c *Cache) Latest(pkg string) (*Result, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keyHash, err := c.readRef(pkg)
	if err != nil {
		return nil, err
	}
	return c.getByHash(keyHash, false)
}

// getByHash loads the entry for keyHash. The caller holds the lock; touch
// requires the write lock.
func (c *Cache) getByHash(keyHash string, touch bool) (*Result, error) {
	exists, err := afero.Exists(c.fs, c.entryPath(keyHash))
	if err != nil {
		return nil, fmt.Errorf("failed to check entry: %w", err)
	}
	if !exists {
		return nil, ErrCacheMiss
	}

	e, err := c.readEntry(keyHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}

	data := make(map[string][]byte, len(e.OutputData))
	for _, name := range e.OutputData {
		b, err := afero.ReadFile(c.fs, c.dataPath(keyHash, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read data %s: %w", name, err)
		}
		data[name] = b
	}

	if touch {
		e.AccessedAt = c.now()
		if err := c.writeEntry(e); err != nil {
			// Non-fatal, the entry is still usable
			c.log.Warn().Err(err).Str("key", keyHash).Msg("failed to update entry access time")
		}
	}

	result := &Result{
		keyHash:     keyHash,
		cache:       c,
		pkg:         e.Package,
		fingerprint: e.Fingerprint,
		manifest:    e.Manifest,
		files:       e.OutputFiles,
		data:        data,
		metadata:    e.OutputMeta,
		createdAt:   e.CreatedAt,
		accessedAt:  e.AccessedAt,
	}

	// Initialize maps if nil
	if result.files == nil {
		result.files = make(map[string]string)
	}
	if result.metadata == nil {
		result.metadata = make(map[string]string)
	}

	return result, nil
}

// Put creates a WriteBuilder for storing a cache entry.
func (c *Cache) Put(key Key) *WriteBuilder {
	// Copy key errors to the write builder
	var errors []error
	if len(key.errors) > 0 {
		errors = append([]error{}, key.errors...)
	}

	return &WriteBuilder{
		cache:            c,
		key:              key,
		errors:           errors,
		accumulateErrors: c.accumulateErrors,
	}
}

// Has checks if a key exists in the cache.
// Returns false if the key doesn't exist or if there's an error.
func (c *Cache) Has(key Key) bool {
	if len(key.errors) > 0 {
		return false
	}
	keyHash, err := key.computeHash()
	if err != nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	exists, err := afero.Exists(c.fs, c.entryPath(keyHash))
	return err == nil && exists
}

// Delete removes a cache entry by key.
func (c *Cache) Delete(key Key) error {
	keyHash, err := key.computeHash()
	if err != nil {
		return fmt.Errorf("failed to compute key hash: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.removeByHash(keyHash)
}

// Clear removes all entries from the cache.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Remove everything
	for _, dir := range []string{c.entriesDir(), c.objectsDir(), c.refsDir()} {
		if err := c.fs.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}

	return c.ensureDirs()
}

// ensureDirs creates the cache directory layout.
func (c *Cache) ensureDirs() error {
	for _, dir := range []string{c.entriesDir(), c.objectsDir(), c.refsDir()} {
		if err := c.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// entriesDir returns the path to the entries directory.
func (c *Cache) entriesDir() string {
	return filepath.Join(c.root, "entries")
}

// objectsDir returns the path to the objects directory.
func (c *Cache) objectsDir() string {
	return filepath.Join(c.root, "objects")
}

// refsDir returns the path to the per-package refs directory.
func (c *Cache) refsDir() string {
	return filepath.Join(c.root, "refs")
}

// entryPath returns the path to an entry file for a given key hash.
func (c *Cache) entryPath(keyHash string) string {
	if len(keyHash) < 2 {
		panic(fmt.Sprintf("key hash too short: %s", keyHash))
	}
	prefix := keyHash[:2]
	return filepath.Join(c.entriesDir(), prefix, keyHash+".json")
}

// objectPath returns the path to the object directory for a given key hash.
func (c *Cache) objectPath(keyHash string) string {
	if len(keyHash) < 2 {
		panic(fmt.Sprintf("key hash too short: %s", keyHash))
	}
	prefix := keyHash[:2]
	return filepath.Join(c.objectsDir(), prefix, keyHash)
}

// dataPath returns where a named data blob of an entry is stored.
func (c *Cache) dataPath(keyHash, name string) string {
	return filepath.Join(c.objectPath(keyHash), name+".dat")
}

// newHash creates a new hash instance.
func (c *Cache) newHash() hash.Hash {
	return c.hashFunc()
}

// now returns the current time.
func (c *Cache) now() time.Time {
	return c.nowFunc()
}

// defaultHashFunc returns the default hash function (128-bit xxHash).
func defaultHashFunc() hash.Hash {
	return newXXH128()
}
