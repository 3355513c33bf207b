package monocache

import (
	"fmt"
	"path/filepath"
	"time"
)

// Result represents a cached build result.
// Users should not construct this directly - it's returned by Cache.Get().
type Result struct {
	keyHash     string
	cache       *Cache
	pkg         string
	fingerprint string
	manifest    string
	files       map[string]string // name -> cached file path
	data        map[string][]byte // name -> bytes
	metadata    map[string]string // metadata key-value pairs
	createdAt   time.Time
	accessedAt  time.Time
}

// File returns the path to a cached file by name.
// Returns empty string if the file doesn't exist.
func (r *Result) File(name string) string {
	return r.files[name]
}

// Files returns all cached files as a map of name -> path.
func (r *Result) Files() map[string]string {
	result := make(map[string]string, len(r.files))
	for k, v := range r.files {
		result[k] = v
	}
	return result
}

// HasFile returns true if a file with the given name exists in the cache.
func (r *Result) HasFile(name string) bool {
	_, ok := r.files[name]
	return ok
}

// CopyFile copies a cached file to the destination path.
// Returns an error if the file doesn't exist or the copy fails.
func (r *Result) CopyFile(name, dst string) error {
	src := r.files[name]
	if src == "" {
		return fmt.Errorf("file %s not found in cache", name)
	}

	info, err := r.cache.fs.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat cached file %s: %w", src, err)
	}
	if err := r.cache.copyFile(src, dst, info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to copy file %s: %w", name, err)
	}
	return nil
}

// Restore copies every cached file back under dir, at its stored name.
// It returns the number of files restored.
func (r *Result) Restore(dir string) (int, error) {
	restored := 0
	for _, name := range r.fileNames() {
		if err := r.CopyFile(name, filepath.Join(dir, filepath.FromSlash(name))); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// Bytes returns byte data by name.
// Returns nil if the data doesn't exist.
func (r *Result) Bytes(name string) []byte {
	return r.data[name]
}

// Data returns all byte data as a map of name -> bytes.
func (r *Result) Data() map[string][]byte {
	result := make(map[string][]byte, len(r.data))
	for k, v := range r.data {
		// Return copy to prevent mutation
		result[k] = append([]byte(nil), v...)
	}
	return result
}

// HasData returns true if data with the given name exists in the cache.
func (r *Result) HasData(name string) bool {
	_, ok := r.data[name]
	return ok
}

// Meta returns metadata by key.
// Returns empty string if the key doesn't exist.
func (r *Result) Meta(key string) string {
	return r.metadata[key]
}

// Metadata returns all metadata as a map.
func (r *Result) Metadata() map[string]string {
	result := make(map[string]string, len(r.metadata))
	for k, v := range r.metadata {
		result[k] = v
	}
	return result
}

// Package returns the package the result was committed for.
func (r *Result) Package() string {
	return r.pkg
}

// Fingerprint returns the package fingerprint digest the result was built from.
func (r *Result) Fingerprint() string {
	return r.fingerprint
}

// Manifest returns the manifest string behind Fingerprint.
func (r *Result) Manifest() string {
	return r.manifest
}

// Age returns how long ago this result was created.
func (r *Result) Age() time.Duration {
	return r.cache.now().Sub(r.createdAt)
}

// CreatedAt returns when this result was originally cached.
func (r *Result) CreatedAt() time.Time {
	return r.createdAt
}

// AccessedAt returns when this result was last accessed.
func (r *Result) AccessedAt() time.Time {
	return r.accessedAt
}

// Size returns the total size of all cached files in bytes.
// Returns 0 if unable to determine size.
func (r *Result) Size() int64 {
	var total int64
	for _, path := range r.files {
		info, err := r.cache.fs.Stat(path)
		if err == nil {
			total += info.Size()
		}
	}
	return total
}

// KeyHash returns the hash of the cache key for this result.
// Useful for debugging and logging.
func (r *Result) KeyHash() string {
	return r.keyHash
}

// fileNames returns a sorted list of all file names in this result.
func (r *Result) fileNames() []string {
	return sortedKeys(r.files)
}
