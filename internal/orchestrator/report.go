package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/gophersatwork/monocache"
)

// Stage names the step of a package build that failed.
type Stage string

const (
	StageSelect      Stage = "select"
	StageFingerprint Stage = "fingerprint"
	StageKey         Stage = "key"
	StageCache       Stage = "cache"
	StageRestore     Stage = "restore"
	StageRun         Stage = "run"
	StageStore       Stage = "store"
	StageDependency  Stage = "dependency"
)

// PackageError is a failure while building one package.
type PackageError struct {
	Package string
	Stage   Stage
	Err     error
}

// Error implements the error interface.
func (e *PackageError) Error() string {
	return fmt.Sprintf("package %s: %s: %v", e.Package, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *PackageError) Unwrap() error {
	return e.Err
}

// ErrDependencyFailed marks packages skipped because a dependency failed.
var ErrDependencyFailed = errors.New("dependency failed")

// Status is the outcome for one package.
type Status string

const (
	StatusCached    Status = "cached"
	StatusBuilt     Status = "built"
	StatusNoCommand Status = "no-command"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Result describes what happened to one package.
type Result struct {
	Package  string
	Status   Status
	KeyHash  string
	Command  []string
	Duration time.Duration
	// Restored counts output files copied back on a hit.
	Restored int
	// Stored counts output files saved on a miss.
	Stored int
	// Changes lists the files that differ from the previous build of the package.
	Changes []monocache.ManifestChange
	Err     error
}

// Report collects the results of one command, in build order.
type Report struct {
	Results  []Result
	Duration time.Duration
}

// Count returns how many packages ended with status.
func (r *Report) Count(status Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == status {
			n++
		}
	}
	return n
}

// HitRate is the share of executed packages restored from cache, in percent.
func (r *Report) HitRate() float64 {
	cached, built := r.Count(StatusCached), r.Count(StatusBuilt)
	if cached+built == 0 {
		return 0
	}
	return float64(cached) / float64(cached+built) * 100
}

// Result returns the result for a package.
func (r *Report) Result(pkg string) (Result, bool) {
	for _, res := range r.Results {
		if res.Package == pkg {
			return res, true
		}
	}
	return Result{}, false
}

// Err joins the errors of every failed package.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}
