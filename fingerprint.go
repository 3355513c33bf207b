package monocache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Fingerprint summarizes the content of a package tree.
//
// Digest depends only on the relative path and content of every regular file
// that was fingerprinted. Manifest is the sorted, newline-joined listing of
// "<file-digest>-<relative-path>" lines the Digest was computed from.
type Fingerprint struct {
	Digest   string
	Manifest string
	Files    int
	Bytes    int64
	Warnings []PathWarning
}

// Stable reports whether every file was expressed relative to the package
// root, i.e. whether the Digest is reproducible from another checkout location.
func (fp *Fingerprint) Stable() bool {
	return len(fp.Warnings) == 0
}

// Fingerprinter computes package fingerprints.
// It holds no state between calls and is safe for concurrent use.
type Fingerprinter struct {
	fs       afero.Fs
	hashFunc HashFunc
	workers  int
}

// FingerprinterOption configures a Fingerprinter.
type FingerprinterOption func(*Fingerprinter)

// WithFingerprintFs sets the filesystem files are read from.
func WithFingerprintFs(fs afero.Fs) FingerprinterOption {
	return func(f *Fingerprinter) {
		f.fs = fs
	}
}

// WithFingerprintHashFunc sets the hash used both for file digests and for
// the final manifest digest.
//
// Note: Changing the hash function changes every fingerprint.
func WithFingerprintHashFunc(hashFunc HashFunc) FingerprinterOption {
	return func(f *Fingerprinter) {
		f.hashFunc = hashFunc
	}
}

// WithWorkers bounds how many files are read concurrently.
// Values below 1 select runtime.NumCPU().
func WithWorkers(n int) FingerprinterOption {
	return func(f *Fingerprinter) {
		f.workers = n
	}
}

// NewFingerprinter creates a Fingerprinter reading from the OS filesystem with
// the default 128-bit hash unless configured otherwise.
func NewFingerprinter(options ...FingerprinterOption) *Fingerprinter {
	f := &Fingerprinter{
		fs:       afero.NewOsFs(),
		hashFunc: defaultHashFunc,
	}
	for _, option := range options {
		option(f)
	}
	if f.workers < 1 {
		f.workers = runtime.NumCPU()
	}
	return f
}

// fileEntry is a regular file scheduled for hashing.
type fileEntry struct {
	path string // as given by the caller
	rel  string // manifest identifier
}

// manifestLine is the per-file result collected from the workers.
type manifestLine struct {
	digest string
	size   int64
}

// Fingerprint computes the fingerprint of the package rooted at root from the
// selected entries. Entries that are not regular files (directories, devices,
// sockets, dangling symlinks) are ignored. Any file that cannot be stat'ed,
// opened or read in full fails the whole call; a partial fingerprint is never
// returned.
func (f *Fingerprinter) Fingerprint(ctx context.Context, root string, entries []string) (*Fingerprint, error) {
	files, warnings, err := f.regularFiles(root, entries)
	if err != nil {
		return nil, err
	}

	// Each worker owns one slot, so collection order is the sorted order
	// no matter which worker finishes first.
	lines := make([]manifestLine, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)
	for i, file := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			digest, size, err := f.digestFile(gctx, file.path)
			if err != nil {
				return err
			}
			lines[i] = manifestLine{digest: digest, size: size}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("fingerprint %s: %w", root, ctxErr)
		}
		return nil, err
	}

	var (
		manifest strings.Builder
		total    int64
	)
	for i, file := range files {
		if i > 0 {
			manifest.WriteByte('\n')
		}
		manifest.WriteString(lines[i].digest)
		manifest.WriteByte('-')
		manifest.WriteString(file.rel)
		total += lines[i].size
	}

	h := f.hashFunc()
	h.Write([]byte(manifest.String()))

	return &Fingerprint{
		Digest:   hexDigest(h),
		Manifest: manifest.String(),
		Files:    len(files),
		Bytes:    total,
		Warnings: warnings,
	}, nil
}

// regularFiles filters entries down to unique regular files and sorts them by
// their manifest identifier.
func (f *Fingerprinter) regularFiles(root string, entries []string) ([]fileEntry, []PathWarning, error) {
	seen := make(map[string]struct{}, len(entries))
	files := make([]fileEntry, 0, len(entries))
	var warnings []PathWarning

	for _, entry := range entries {
		if _, dup := seen[entry]; dup {
			continue
		}
		seen[entry] = struct{}{}

		info, err := f.fs.Stat(entry)
		if err != nil {
			if danglingLink(f.fs, entry) {
				continue
			}
			return nil, nil, &FileError{Path: entry, Op: "stat", Err: err}
		}
		if !info.Mode().IsRegular() {
			continue
		}

		rel, warning := relativePath(root, entry)
		if warning != nil {
			warnings = append(warnings, *warning)
		}
		files = append(files, fileEntry{path: entry, rel: rel})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].rel != files[j].rel {
			return files[i].rel < files[j].rel
		}
		return files[i].path < files[j].path
	})

	return files, warnings, nil
}

// danglingLink reports whether path is a symlink whose target cannot be
// resolved. Such entries are not regular files and are skipped.
func danglingLink(fs afero.Fs, path string) bool {
	lstater, ok := fs.(afero.Lstater)
	if !ok {
		return false
	}
	info, _, err := lstater.LstatIfPossible(path)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}

// digestFile hashes the full content of one file.
func (f *Fingerprinter) digestFile(ctx context.Context, path string) (string, int64, error) {
	file, err := f.fs.Open(path)
	if err != nil {
		return "", 0, &FileError{Path: path, Op: "open", Err: err}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", 0, &FileError{Path: path, Op: "stat", Err: err}
	}
	if !info.Mode().IsRegular() {
		return "", 0, &FileError{Path: path, Op: "read", Err: ErrNotRegular}
	}

	bufPtr := bufferPool.Get().(*[]byte)
	buffer := *bufPtr
	defer bufferPool.Put(bufPtr)

	h := f.hashFunc()
	n, err := io.CopyBuffer(h, ctxReader{ctx: ctx, r: file}, buffer)
	if err != nil {
		return "", 0, &FileError{Path: path, Op: "read", Err: err}
	}
	return hexDigest(h), n, nil
}

// relativePath returns the slash-separated path of path relative to root.
// When path is not inside root it is returned unchanged with a warning.
func relativePath(root, path string) (string, *PathWarning) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path, &PathWarning{Path: path, Root: root, Err: err}
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path, &PathWarning{Path: path, Root: root}
	}
	return filepath.ToSlash(rel), nil
}

// ChangeKind classifies a difference between two manifests.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// ManifestChange is one file-level difference between two manifests.
type ManifestChange struct {
	Path      string
	Kind      ChangeKind
	OldDigest string
	NewDigest string
}

// String implements fmt.Stringer.
func (mc ManifestChange) String() string {
	return fmt.Sprintf("%s %s", mc.Kind, mc.Path)
}

// DiffManifests lists the files that differ between two manifest strings,
// sorted by path. It is used to explain why a fingerprint changed.
func DiffManifests(oldManifest, newManifest string) []ManifestChange {
	before := parseManifest(oldManifest)
	after := parseManifest(newManifest)

	var changes []ManifestChange
	for path, digest := range after {
		prev, ok := before[path]
		switch {
		case !ok:
			changes = append(changes, ManifestChange{Path: path, Kind: ChangeAdded, NewDigest: digest})
		case prev != digest:
			changes = append(changes, ManifestChange{Path: path, Kind: ChangeModified, OldDigest: prev, NewDigest: digest})
		}
	}
	for path, digest := range before {
		if _, ok := after[path]; !ok {
			changes = append(changes, ManifestChange{Path: path, Kind: ChangeRemoved, OldDigest: digest})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Path < changes[j].Path
	})
	return changes
}

// parseManifest maps relative path to file digest.
func parseManifest(manifest string) map[string]string {
	entries := make(map[string]string)
	if manifest == "" {
		return entries
	}
	for _, line := range strings.Split(manifest, "\n") {
		// Hex digests never contain '-', so the first one is the separator.
		digest, path, ok := strings.Cut(line, "-")
		if !ok {
			continue
		}
		entries[path] = digest
	}
	return entries
}
