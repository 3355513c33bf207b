package monocache

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// WriteBuilder provides a fluent API for storing build results.
// Users should not construct this directly, use Cache.Put() instead.
type WriteBuilder struct {
	cache            *Cache
	key              Key
	files            map[string]string // name -> source path
	data             map[string][]byte // name -> bytes
	metadata         map[string]string // metadata key-value pairs
	errors           []error           // Accumulated validation errors (from key + write operations)
	accumulateErrors bool              // If true, accumulate all errors; if false, fail-fast
}

// File adds a file to be stored in the cache.
// name is the slash-separated path the file is restored to, relative to the
// directory passed to Result.Restore. srcPath is the file to cache.
// Validates the file and accumulates any errors.
// Errors are only surfaced when Commit() is called.
func (wb *WriteBuilder) File(name, srcPath string) *WriteBuilder {
	if wb.files == nil {
		wb.files = make(map[string]string)
	}
	wb.files[name] = srcPath

	// If fail-fast and already have errors, skip validation
	if !wb.accumulateErrors && len(wb.errors) > 0 {
		return wb
	}

	if err := validateOutputName(name); err != nil {
		wb.errors = append(wb.errors, err)
		return wb
	}

	info, err := wb.cache.fs.Stat(srcPath)
	switch {
	case err != nil:
		if exists, _ := afero.Exists(wb.cache.fs, srcPath); !exists {
			wb.errors = append(wb.errors, fmt.Errorf("source file does not exist: %s", srcPath))
		} else {
			wb.errors = append(wb.errors, fmt.Errorf("failed to stat file %s: %w", srcPath, err))
		}
	case info.IsDir():
		wb.errors = append(wb.errors, fmt.Errorf("source path is a directory, not a file: %s", srcPath))
	}
	return wb
}

// Bytes adds byte data to be stored in the cache.
// name is the logical name for this data (used to retrieve it later).
func (wb *WriteBuilder) Bytes(name string, data []byte) *WriteBuilder {
	if wb.data == nil {
		wb.data = make(map[string][]byte)
	}
	// Store a copy to prevent mutations
	wb.data[name] = append([]byte(nil), data...)
	return wb
}

// Meta adds metadata to the cache entry.
// Metadata is stored as string key-value pairs.
func (wb *WriteBuilder) Meta(key, value string) *WriteBuilder {
	if wb.metadata == nil {
		wb.metadata = make(map[string]string)
	}
	wb.metadata[key] = value
	return wb
}

// Commit finalizes and stores the cache entry.
// Returns a ValidationError if there are accumulated errors from key building or write operations.
// Returns an error if the storage operation fails.
//
// Objects are written before the entry file, so an interrupted commit leaves
// no entry behind and reads as a miss.
func (wb *WriteBuilder) Commit() error {
	// Check for accumulated validation errors first
	if len(wb.errors) > 0 {
		return newValidationError(wb.errors)
	}

	// Compute key hash (this will check for key validation errors)
	keyHash, err := wb.key.computeHash()
	if err != nil {
		return fmt.Errorf("failed to compute key hash: %w", err)
	}

	wb.cache.mu.Lock()
	defer wb.cache.mu.Unlock()

	// Start from an empty object directory. A previous entry for the same key
	// goes first so it never points at half-replaced objects.
	if err := wb.cache.removeByHash(keyHash); err != nil {
		return fmt.Errorf("failed to replace existing entry: %w", err)
	}
	objectDir := wb.cache.objectPath(keyHash)
	if err := wb.cache.fs.RemoveAll(objectDir); err != nil {
		return fmt.Errorf("failed to reset object directory: %w", err)
	}
	if err := wb.cache.fs.MkdirAll(objectDir, 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	// Copy all files to cache, preserving their relative layout
	cachedFiles := make(map[string]string, len(wb.files))
	for name, srcPath := range wb.files {
		info, err := wb.cache.fs.Stat(srcPath)
		if err != nil {
			return fmt.Errorf("failed to stat file %s: %w", name, err)
		}
		dstPath := filepath.Join(objectDir, "files", filepath.FromSlash(name))
		if err := wb.cache.copyFile(srcPath, dstPath, info.Mode().Perm()); err != nil {
			return fmt.Errorf("failed to copy file %s: %w", name, err)
		}
		cachedFiles[name] = dstPath
	}

	// Write byte data next to the files
	dataNames := make([]string, 0, len(wb.data))
	for name, data := range wb.data {
		if err := afero.WriteFile(wb.cache.fs, wb.cache.dataPath(keyHash, name), data, 0o644); err != nil {
			return fmt.Errorf("failed to write data %s: %w", name, err)
		}
		dataNames = append(dataNames, name)
	}

	outputHash, err := wb.cache.computeOutputHash(cachedFiles, wb.data, wb.metadata)
	if err != nil {
		return fmt.Errorf("failed to compute output hash: %w", err)
	}

	now := wb.cache.now()
	e := &entry{
		KeyHash:     keyHash,
		Package:     wb.key.pkg,
		InputDescs:  wb.key.describe(),
		ExtraData:   wb.key.extras,
		OutputFiles: cachedFiles,
		OutputData:  sortedNames(dataNames),
		OutputMeta:  wb.metadata,
		OutputHash:  outputHash,
		CreatedAt:   now,
		AccessedAt:  now,
	}
	if fp := wb.key.fingerprint; fp != nil {
		e.Fingerprint = fp.Digest
		e.Manifest = fp.Manifest
	}

	if err := wb.cache.writeEntry(e); err != nil {
		return fmt.Errorf("failed to save entry: %w", err)
	}

	if wb.key.pkg != "" {
		if err := wb.cache.writeRef(wb.key.pkg, keyHash); err != nil {
			return fmt.Errorf("failed to update ref for %s: %w", wb.key.pkg, err)
		}
	}

	return nil
}

// validateOutputName rejects names that would escape the restore directory.
func validateOutputName(name string) error {
	if name == "" {
		return fmt.Errorf("output name is empty")
	}
	clean := path.Clean(filepath.ToSlash(name))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("output name escapes the package: %s", name)
	}
	return nil
}

func sortedNames(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
