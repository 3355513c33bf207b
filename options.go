package monocache

import (
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// WithFs sets a custom filesystem for the cache.
// This is primarily useful for testing with in-memory filesystems.
//
// Example:
//
//	cache, err := monocache.Open(".cache", monocache.WithFs(afero.NewMemMapFs()))
func WithFs(fs afero.Fs) Option {
	return func(c *Cache) {
		c.fs = fs
	}
}

// WithHashFunc sets a custom hash function for the cache.
// The default is a 128-bit digest built from two seeded xxHash64 lanes.
// It is also used by fingerprinters obtained from Cache.Fingerprinter.
//
// Note: Changing the hash function will invalidate existing cache entries.
func WithHashFunc(hashFunc HashFunc) Option {
	return func(c *Cache) {
		c.hashFunc = hashFunc
	}
}

// WithNowFunc sets a custom time function for the cache.
// This is primarily useful for testing with deterministic timestamps.
func WithNowFunc(nowFunc NowFunc) Option {
	return func(c *Cache) {
		c.nowFunc = nowFunc
	}
}

// WithLogger sets the logger used for non-fatal cache diagnostics.
// The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) {
		c.log = logger
	}
}

// WithAccumulateErrors configures the cache to accumulate all validation errors
// instead of stopping at the first error (fail-fast).
//
// By default, the cache uses fail-fast mode: validation stops after the first error
// to save computation time. With this option enabled, all inputs are validated and
// all errors are collected and returned together.
func WithAccumulateErrors() Option {
	return func(c *Cache) {
		c.accumulateErrors = true
	}
}
