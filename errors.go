package monocache

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors
var (
	// ErrCacheMiss is returned when a cache entry is not found.
	ErrCacheMiss = errors.New("cache miss")

	// ErrNotRegular is returned when a path handed to the fingerprinter as a
	// file turns out not to be a regular file at read time.
	ErrNotRegular = errors.New("not a regular file")
)

// ValidationError represents one or more validation errors that occurred
// during key building, file selection or write operations.
type ValidationError struct {
	Errors []error
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	if len(ve.Errors) == 0 {
		return "validation failed"
	}
	if len(ve.Errors) == 1 {
		return fmt.Sprintf("validation failed: %v", ve.Errors[0])
	}

	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("validation failed with %d errors:\n", len(ve.Errors)))
	for i, err := range ve.Errors {
		fmt.Fprintf(&buf, "  %d. %v\n", i+1, err)
	}
	return buf.String()
}

// Unwrap returns the underlying errors for use with errors.Is and errors.As.
// This implements the multi-error unwrap interface introduced in Go 1.20.
func (ve *ValidationError) Unwrap() []error {
	return ve.Errors
}

// newValidationError creates a ValidationError from a slice of errors.
// Returns nil if the slice is empty.
func newValidationError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}

// FileError reports a selected file that could not be stat'ed, opened or read
// in full while fingerprinting. It is always fatal for the fingerprint.
type FileError struct {
	Path string
	Op   string // "stat", "open" or "read"
	Err  error
}

// Error implements the error interface.
func (fe *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", fe.Op, fe.Path, fe.Err)
}

// Unwrap returns the underlying I/O error.
func (fe *FileError) Unwrap() error {
	return fe.Err
}

// PathWarning records a file whose path could not be expressed relative to
// the package root. The manifest line for that file uses Path as given, so the
// fingerprint is no longer stable across checkouts in different locations.
type PathWarning struct {
	Path string
	Root string
	Err  error
}

// String implements fmt.Stringer.
func (w PathWarning) String() string {
	if w.Err != nil {
		return fmt.Sprintf("%s is not relative to %s: %v", w.Path, w.Root, w.Err)
	}
	return fmt.Sprintf("%s is not inside %s", w.Path, w.Root)
}
