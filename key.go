package monocache

import (
	"bytes"
	"fmt"
	"hash"
	"os"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// KeyBuilder provides a fluent API for building cache keys.
// It validates inputs eagerly and accumulates errors instead of panicking.
// Errors are only surfaced when Get() or Commit() is called.
type KeyBuilder struct {
	cache            *Cache
	pkg              string
	inputs           []input
	deps             map[string]string
	extras           map[string]string
	fingerprint      *Fingerprint
	errors           []error // Accumulated validation errors
	accumulateErrors bool    // If true, accumulate all errors; if false, fail-fast
}

// Key represents an opaque cache key.
// Users should not construct this directly, use Cache.Key() instead.
type Key struct {
	pkg         string
	inputs      []input
	deps        map[string]string
	extras      map[string]string
	fingerprint *Fingerprint
	cache       *Cache
	errors      []error // Validation errors from key building
}

// input is the internal interface for cache key inputs.
// This is not exported - users interact via KeyBuilder methods.
type input interface {
	hash(h hash.Hash, fs afero.Fs) error
	String() string
}

// fingerprintInput is the content fingerprint of a package tree.
type fingerprintInput struct {
	digest string
}

func (f fingerprintInput) hash(h hash.Hash, fs afero.Fs) error {
	h.Write([]byte(f.digest))
	return nil
}

func (f fingerprintInput) String() string {
	return fmt.Sprintf("fingerprint:%s", f.digest)
}

// commandInput is the command line a package is built with.
type commandInput struct {
	args []string
}

func (c commandInput) hash(h hash.Hash, fs afero.Fs) error {
	// Length-prefix each argument so ["a b"] and ["a", "b"] differ.
	fmt.Fprintf(h, "%d", len(c.args))
	for _, arg := range c.args {
		fmt.Fprintf(h, ":%d:%s", len(arg), arg)
	}
	return nil
}

func (c commandInput) String() string {
	return fmt.Sprintf("command:%s", strings.Join(c.args, " "))
}

// fileInput represents a single file input, e.g. a workspace lockfile.
// name identifies the file in the key; path is only where it is read from.
type fileInput struct {
	name string
	path string
}

func (f fileInput) hash(h hash.Hash, fs afero.Fs) error {
	data, err := afero.ReadFile(fs, f.path)
	if err != nil {
		return fmt.Errorf("file %s: %w", f.path, err)
	}
	return hashFile(bytes.NewReader(data), h)
}

func (f fileInput) String() string {
	return fmt.Sprintf("file:%s", f.name)
}

// bytesInput represents raw byte data input.
type bytesInput struct {
	data []byte
	name string
}

func (b bytesInput) hash(h hash.Hash, fs afero.Fs) error {
	return hashFile(bytes.NewReader(b.data), h)
}

func (b bytesInput) String() string {
	if b.name != "" {
		return fmt.Sprintf("bytes:%s", b.name)
	}
	return fmt.Sprintf("bytes:%d", len(b.data))
}

// Package names the package the key belongs to. The name is part of the key
// and is used to track the latest entry per package.
func (kb *KeyBuilder) Package(name string) *KeyBuilder {
	kb.pkg = name
	return kb
}

// Fingerprint adds a package content fingerprint to the cache key.
func (kb *KeyBuilder) Fingerprint(fp *Fingerprint) *KeyBuilder {
	if fp == nil {
		kb.errors = append(kb.errors, fmt.Errorf("fingerprint is nil"))
		return kb
	}
	if fp.Digest == "" {
		kb.errors = append(kb.errors, fmt.Errorf("fingerprint has an empty digest"))
	}
	kb.fingerprint = fp
	kb.inputs = append(kb.inputs, fingerprintInput{digest: fp.Digest})
	return kb
}

// Dependency adds the key hash a dependency package was built under, so a
// change in the dependency invalidates this key.
func (kb *KeyBuilder) Dependency(name, keyHash string) *KeyBuilder {
	if keyHash == "" {
		kb.errors = append(kb.errors, fmt.Errorf("dependency %s has an empty key hash", name))
	}
	if kb.deps == nil {
		kb.deps = make(map[string]string)
	}
	kb.deps[name] = keyHash
	return kb
}

// Command adds the build command line to the cache key.
func (kb *KeyBuilder) Command(args ...string) *KeyBuilder {
	kb.inputs = append(kb.inputs, commandInput{args: append([]string(nil), args...)})
	return kb
}

// File adds a file input to the cache key, identified by its path.
// Validates that the file exists and accumulates any errors.
// Errors are only surfaced when Get() or Commit() is called.
func (kb *KeyBuilder) File(path string) *KeyBuilder {
	return kb.FileAs(path, path)
}

// FileAs adds the content of the file at path to the cache key under name.
// Use a root-relative name so the key does not depend on the checkout
// location.
func (kb *KeyBuilder) FileAs(name, path string) *KeyBuilder {
	// If fail-fast and already have errors, skip validation
	if !kb.accumulateErrors && len(kb.errors) > 0 {
		kb.inputs = append(kb.inputs, fileInput{name: name, path: path})
		return kb
	}

	// Validate file exists
	exists, err := afero.Exists(kb.cache.fs, path)
	if err != nil {
		kb.errors = append(kb.errors, fmt.Errorf("failed to check file %s: %w", path, err))
	} else if !exists {
		kb.errors = append(kb.errors, fmt.Errorf("file does not exist: %s", path))
	}

	kb.inputs = append(kb.inputs, fileInput{name: name, path: path})
	return kb
}

// Bytes adds raw byte data as an input to the cache key.
func (kb *KeyBuilder) Bytes(name string, data []byte) *KeyBuilder {
	kb.inputs = append(kb.inputs, bytesInput{data: append([]byte(nil), data...), name: name})
	return kb
}

// String adds a key-value pair to the cache key.
// This is useful for versioning, configuration, or other metadata.
func (kb *KeyBuilder) String(key, value string) *KeyBuilder {
	if kb.extras == nil {
		kb.extras = make(map[string]string)
	}
	kb.extras[key] = value
	return kb
}

// Version is sugar for String("version", v).
func (kb *KeyBuilder) Version(v string) *KeyBuilder {
	return kb.String("version", v)
}

// Env adds an environment variable to the cache key.
// If the variable is not set, it uses an empty string.
func (kb *KeyBuilder) Env(key string) *KeyBuilder {
	return kb.String("env:"+key, os.Getenv(key))
}

// Build finalizes the key builder and returns an opaque Key.
// Validation errors are not returned here but will be surfaced
// when the key is used in Get() or Commit().
func (kb *KeyBuilder) Build() Key {
	return Key{
		pkg:         kb.pkg,
		inputs:      kb.inputs,
		deps:        kb.deps,
		extras:      kb.extras,
		fingerprint: kb.fingerprint,
		cache:       kb.cache,
		errors:      kb.errors,
	}
}

// Hash computes and returns the hash of this key as a hex string.
// This is useful for debugging and logging.
// Returns empty string if there are validation errors.
func (kb *KeyBuilder) Hash() string {
	return kb.Build().Hash()
}

// Hash returns the hash of this key as a hex string.
// Returns empty string if there are validation errors.
func (k Key) Hash() string {
	hash, err := k.computeHash()
	if err != nil {
		return ""
	}
	return hash
}

// Package returns the package name the key was built for.
func (k Key) Package() string {
	return k.pkg
}

// Err returns the validation errors accumulated while building the key.
func (k Key) Err() error {
	return newValidationError(k.errors)
}

// computeHash calculates the hash for this key.
// Returns an error if there are validation errors from key building.
func (k Key) computeHash() (string, error) {
	// Check for validation errors first
	if len(k.errors) > 0 {
		return "", newValidationError(k.errors)
	}

	h := k.cache.newHash()

	if k.pkg != "" {
		fmt.Fprintf(h, "package:%s", k.pkg)
	}

	// Hash all inputs
	for _, input := range k.inputs {
		// Write input string representation for better determinism
		h.Write([]byte(input.String()))
		if err := input.hash(h, k.cache.fs); err != nil {
			return "", err
		}
	}

	// Dependencies and extras in sorted order for determinism
	for _, name := range sortedKeys(k.deps) {
		fmt.Fprintf(h, "dep:%s=%s", name, k.deps[name])
	}
	for _, key := range sortedKeys(k.extras) {
		value := k.extras[key]
		fmt.Fprintf(h, "extra:%d:%s:%d:%s", len(key), key, len(value), value)
	}

	return hexDigest(h), nil
}

// describe returns the string descriptions stored alongside an entry.
func (k Key) describe() []string {
	descs := make([]string, 0, len(k.inputs)+len(k.deps))
	for _, input := range k.inputs {
		descs = append(descs, input.String())
	}
	for _, name := range sortedKeys(k.deps) {
		descs = append(descs, fmt.Sprintf("dep:%s=%s", name, k.deps[name]))
	}
	return descs
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
