/*
Package monocache provides content fingerprinting and a build cache for monorepo packages.

It decides whether a package must be rebuilt by comparing a deterministic fingerprint of the
package's files against previously cached builds, and stores build outputs so that unchanged
packages can be restored instead of rebuilt.

# Overview

A package fingerprint depends only on the relative path and the bytes of every regular file
selected for the package. It never depends on absolute paths, filesystem enumeration order,
modification times or permissions, so two checkouts of the same tree in different locations,
on different machines, produce the same fingerprint.

# Core Architecture

  - Select walks a package root and returns the entries matching include/exclude patterns.
  - Fingerprinter hashes the selected regular files in parallel and combines them into a
    Fingerprint.
  - Cache stores build outputs keyed by a Key built from the fingerprint, the key hashes of
    dependency packages and the build command.

# Basic Usage

Fingerprinting a package:

	entries, err := monocache.Select(afero.NewOsFs(), "packages/ui", []string{"**"}, []string{"node_modules/**", "dist/**"})
	if err != nil {
	    log.Fatalf("Failed to select files: %v", err)
	}

	fp, err := monocache.NewFingerprinter().Fingerprint(ctx, "packages/ui", entries)
	if err != nil {
	    log.Fatalf("Failed to fingerprint: %v", err)
	}
	fmt.Println(fp.Digest)

Checking the cache:

	cache, err := monocache.Open("node_modules/.cache/monocache")
	if err != nil {
	    log.Fatalf("Failed to open cache: %v", err)
	}

	key := cache.Key().
	    Package("@acme/ui").
	    Fingerprint(fp).
	    Dependency("@acme/tokens", tokensKeyHash).
	    Command("tsup", "--minify").
	    Build()

	result, err := cache.Get(key)
	switch {
	case err == nil:
	    _, err = result.Restore("packages/ui")
	case errors.Is(err, monocache.ErrCacheMiss):
	    // build, then
	    err = cache.Put(key).
	        File("dist/index.js", "packages/ui/dist/index.js").
	        Meta("duration", d.String()).
	        Commit()
	}

# Manifest Strings

Fingerprint.Manifest is the human-readable listing the digest was computed from: one
"<file-digest>-<relative-path>" line per file, sorted by relative path. It is stored with each
cache entry; DiffManifests compares two of them to explain why a package was rebuilt.

# Hash Function

The default hash is a 128-bit digest made of two seeded xxHash64 lanes, rendered as 32
lowercase hex characters. It detects changes; it is not meant to resist tampering. Use
WithHashFunc or WithFingerprintHashFunc to swap it; doing so changes every key.

# File Structure

The cache uses the following directory structure:

	.cache/
	├── entries/
	│   └── [first 2 chars of hash]/
	│       └── [full hash].json
	├── objects/
	│   └── [first 2 chars of hash]/
	│       └── [full hash]/
	│           ├── files/[restored layout]
	│           └── [name].dat
	└── refs/
	    └── [package].json

# Error Handling

  - ErrCacheMiss: Returned when a cache key is not found
  - ValidationError: Returned when a key, pattern or write has invalid inputs
  - FileError: Returned when a selected file cannot be read while fingerprinting

A failed fingerprint must never be treated as a cache hit.
*/
package monocache
