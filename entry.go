package monocache

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/afero"
)

// entry is the on-disk record of a cached build.
type entry struct {
	// Key information
	KeyHash     string            `json:"keyHash"`
	Package     string            `json:"package,omitempty"`
	InputDescs  []string          `json:"inputs"`
	ExtraData   map[string]string `json:"extra,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Manifest    string            `json:"manifest,omitempty"` // Per-file listing behind Fingerprint

	// Result information
	OutputFiles map[string]string `json:"outputs"`              // name -> cached path
	OutputData  []string          `json:"data,omitempty"`       // names of stored data blobs
	OutputMeta  map[string]string `json:"outputMeta,omitempty"` // string metadata
	OutputHash  string            `json:"outputHash"`           // Hash of outputs

	// Metadata
	CreatedAt  time.Time `json:"createdAt"`
	AccessedAt time.Time `json:"accessedAt"`
}

// ref points at the latest entry committed for a package.
type ref struct {
	Package string    `json:"package"`
	KeyHash string    `json:"keyHash"`
	Updated time.Time `json:"updated"`
}

// writeEntry saves an entry to disk. The file is written under a temporary
// name and renamed so readers never observe a partial entry.
func (c *Cache) writeEntry(e *entry) error {
	path := c.entryPath(e.KeyHash)
	if err := c.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create entry directory: %w", err)
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	return c.writeFileAtomic(path, data)
}

// readEntry loads an entry from disk without touching its access time.
func (c *Cache) readEntry(keyHash string) (*entry, error) {
	data, err := afero.ReadFile(c.fs, c.entryPath(keyHash))
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &e, nil
}

// writeRef records keyHash as the latest entry of pkg.
func (c *Cache) writeRef(pkg, keyHash string) error {
	data, err := json.Marshal(ref{Package: pkg, KeyHash: keyHash, Updated: c.now()})
	if err != nil {
		return fmt.Errorf("failed to marshal ref: %w", err)
	}
	return c.writeFileAtomic(c.refPath(pkg), data)
}

// readRef returns the key hash of the latest entry of pkg.
func (c *Cache) readRef(pkg string) (string, error) {
	data, err := afero.ReadFile(c.fs, c.refPath(pkg))
	if err != nil {
		if exists, _ := afero.Exists(c.fs, c.refPath(pkg)); !exists {
			return "", ErrCacheMiss
		}
		return "", fmt.Errorf("failed to read ref: %w", err)
	}

	var r ref
	if err := json.Unmarshal(data, &r); err != nil {
		return "", fmt.Errorf("failed to unmarshal ref: %w", err)
	}
	if len(r.KeyHash) < 2 {
		return "", ErrCacheMiss
	}
	return r.KeyHash, nil
}

// refPath returns the ref file of a package. Names are escaped so scoped
// packages ("@scope/name") map to a single file.
func (c *Cache) refPath(pkg string) string {
	return filepath.Join(c.refsDir(), url.PathEscape(pkg)+".json")
}

// writeFileAtomic writes data next to path and renames it into place.
func (c *Cache) writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp-" + strconv.FormatInt(c.now().UnixNano(), 36)
	if err := afero.WriteFile(c.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := c.fs.Rename(tmp, path); err != nil {
		_ = c.fs.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}

// computeOutputHash calculates the hash for the outputs using the cache's filesystem.
func (c *Cache) computeOutputHash(outputs map[string]string, outputData map[string][]byte, outputMeta map[string]string) (string, error) {
	h := c.newHash()

	// Hash output files by logical name
	names := sortedKeys(outputs)
	fmt.Fprintf(h, "%d", len(names))
	for _, name := range names {
		h.Write([]byte(name))

		file, err := c.fs.Open(outputs[name])
		if err != nil {
			return "", fmt.Errorf("failed to open output file %s: %w", outputs[name], err)
		}
		err = hashFile(file, h)
		_ = file.Close()
		if err != nil {
			return "", fmt.Errorf("failed to read output file %s: %w", outputs[name], err)
		}
	}

	// Hash output data
	dataKeys := make([]string, 0, len(outputData))
	for k := range outputData {
		dataKeys = append(dataKeys, k)
	}
	sort.Strings(dataKeys)
	fmt.Fprintf(h, "%d", len(dataKeys))
	for _, k := range dataKeys {
		h.Write([]byte(k))
		h.Write(outputData[k])
	}

	// Hash output meta
	metaKeys := sortedKeys(outputMeta)
	fmt.Fprintf(h, "%d", len(metaKeys))
	for _, k := range metaKeys {
		h.Write([]byte(k))
		h.Write([]byte(outputMeta[k]))
	}

	return hexDigest(h), nil
}

// copyFile copies a file from src to dst on the cache filesystem, creating
// the destination directory.
func (c *Cache) copyFile(src, dst string, perm os.FileMode) error {
	if err := c.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(dst), err)
	}

	srcFile, err := c.fs.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer srcFile.Close()

	dstFile, err := c.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	defer dstFile.Close()

	bufPtr := bufferPool.Get().(*[]byte)
	buffer := *bufPtr
	defer bufferPool.Put(bufPtr)

	if _, err := io.CopyBuffer(dstFile, srcFile, buffer); err != nil {
		return fmt.Errorf("failed to copy: %w", err)
	}

	return nil
}
