// Package orchestrator runs build commands across workspace packages, in
// dependency order, skipping packages whose fingerprint is already cached.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gophersatwork/monocache"
	"github.com/gophersatwork/monocache/internal/config"
	"github.com/gophersatwork/monocache/internal/graph"
	"github.com/gophersatwork/monocache/internal/logging"
	"github.com/gophersatwork/monocache/internal/version"
	"github.com/gophersatwork/monocache/internal/workspace"
	"github.com/rs/zerolog"
)

// keyFormat is mixed into every key; bump it when the key layout changes.
const keyFormat = "2"

// maxLoggedChanges bounds the per-file lines logged when explaining a miss.
const maxLoggedChanges = 20

// Orchestrator builds workspace packages through the cache.
type Orchestrator struct {
	cfg       *config.Config
	ws        *workspace.Workspace
	graph     *graph.Graph
	cache     *monocache.Cache
	runner    Runner
	out       io.Writer
	log       zerolog.Logger
	lockfiles []string
	nowFunc   func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRunner sets the command runner. The default is ExecRunner.
func WithRunner(r Runner) Option {
	return func(o *Orchestrator) {
		o.runner = r
	}
}

// WithOutput sets where command output is streamed. The default discards it.
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) {
		o.out = w
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = l
	}
}

// WithNowFunc sets the clock used for durations.
func WithNowFunc(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.nowFunc = now
	}
}

// New creates an Orchestrator. The cache filesystem is used for every read.
func New(cfg *config.Config, ws *workspace.Workspace, cache *monocache.Cache, options ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		ws:      ws,
		graph:   graph.New(ws.DependencyMap()),
		cache:   cache,
		runner:  ExecRunner{},
		out:     io.Discard,
		log:     zerolog.Nop(),
		nowFunc: time.Now,
	}
	for _, option := range options {
		option(o)
	}
	o.log = logging.GetLogger(o.log, "orchestrator")
	o.lockfiles = ws.Lockfiles(cache.Fs(), cfg.Lockfiles)
	return o
}

// Workspace returns the workspace being orchestrated.
func (o *Orchestrator) Workspace() *workspace.Workspace {
	return o.ws
}

// Build builds the dependencies of the package containing dir, then runs
// args in that package. Without args the package script is run.
func (o *Orchestrator) Build(ctx context.Context, dir string, args []string) (*Report, error) {
	pkg, err := o.ws.FindByDir(dir)
	if err != nil {
		return nil, err
	}
	deps, err := o.graph.DependenciesOf(pkg.Name)
	if err != nil {
		return nil, err
	}

	return o.run(ctx, append(deps, pkg.Name), func(name string) []string {
		if name == pkg.Name {
			return args
		}
		return nil
	}, true)
}

// Deps builds the dependencies of the package containing dir, but not the
// package itself.
func (o *Orchestrator) Deps(ctx context.Context, dir string) (*Report, error) {
	pkg, err := o.ws.FindByDir(dir)
	if err != nil {
		return nil, err
	}
	deps, err := o.graph.DependenciesOf(pkg.Name)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, deps, func(string) []string { return nil }, true)
}

// All builds every package in dependency order. With args, args is run in
// every package instead of the package script. A failing package only skips
// its dependents; the returned error joins every failure.
func (o *Orchestrator) All(ctx context.Context, args []string) (*Report, error) {
	order, err := o.graph.Order()
	if err != nil {
		return nil, err
	}
	return o.run(ctx, order, func(string) []string { return args }, false)
}

// Graph writes the dependency graph of the workspace. Cycles are marked in
// the output rather than reported as an error.
func (o *Orchestrator) Graph(w io.Writer) error {
	return o.graph.Render(w)
}

// CleanOptions selects what Clean removes. The zero value clears everything.
type CleanOptions struct {
	OlderThan time.Duration
	Unused    time.Duration
}

// Clean removes cache entries and returns how many were removed.
func (o *Orchestrator) Clean(opts CleanOptions) (int, error) {
	if opts.OlderThan <= 0 && opts.Unused <= 0 {
		stats, err := o.cache.Stats()
		if err != nil {
			return 0, err
		}
		if err := o.cache.Clear(); err != nil {
			return 0, err
		}
		o.log.Info().Int("entries", stats.Entries).Msg("Cache cleared")
		return stats.Entries, nil
	}

	removed := 0
	if opts.OlderThan > 0 {
		n, err := o.cache.Prune(opts.OlderThan)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	if opts.Unused > 0 {
		n, err := o.cache.PruneUnused(opts.Unused)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	o.log.Info().Int("entries", removed).Msg("Cache pruned")
	return removed, nil
}

// Stats returns cache statistics.
func (o *Orchestrator) Stats() (monocache.Stats, error) {
	return o.cache.Stats()
}

// run builds names in order. commandFor returns explicit args for a package,
// or nil for its script. With stopOnError the first failure ends the run.
func (o *Orchestrator) run(ctx context.Context, names []string, commandFor func(string) []string, stopOnError bool) (*Report, error) {
	start := o.nowFunc()
	report := &Report{}
	keys := make(map[string]string, len(names))
	failed := make(map[string]bool)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			report.Duration = o.nowFunc().Sub(start)
			return report, err
		}

		pkg, err := o.ws.Package(name)
		if err != nil {
			return report, err
		}

		if dep := o.failedDependency(pkg, failed); dep != "" {
			failed[name] = true
			report.Results = append(report.Results, Result{
				Package: name,
				Status:  StatusSkipped,
				Err:     &PackageError{Package: name, Stage: StageDependency, Err: fmt.Errorf("%w: %s", ErrDependencyFailed, dep)},
			})
			o.log.Warn().Str("package", name).Str("dependency", dep).Msg("Skipping package, dependency failed")
			continue
		}

		res := o.buildPackage(ctx, pkg, commandFor(name), keys)
		report.Results = append(report.Results, res)
		if res.Err != nil {
			failed[name] = true
			if stopOnError {
				break
			}
			continue
		}
		keys[name] = res.KeyHash
	}

	report.Duration = o.nowFunc().Sub(start)
	o.log.Info().
		Int("packages", len(report.Results)).
		Int("built", report.Count(StatusBuilt)).
		Int("cached", report.Count(StatusCached)).
		Dur("duration", report.Duration).
		Msg("Run finished")
	return report, report.Err()
}

func (o *Orchestrator) failedDependency(pkg *workspace.Package, failed map[string]bool) string {
	for _, dep := range pkg.Dependencies {
		if failed[dep] {
			return dep
		}
	}
	return ""
}

// buildPackage fingerprints one package and either restores it from the
// cache or runs its command and stores the outputs.
func (o *Orchestrator) buildPackage(ctx context.Context, pkg *workspace.Package, args []string, depKeys map[string]string) Result {
	start := o.nowFunc()
	log := o.log.With().Str("package", pkg.Name).Logger()
	res := Result{Package: pkg.Name}
	fail := func(stage Stage, err error) Result {
		res.Status = StatusFailed
		res.Err = &PackageError{Package: pkg.Name, Stage: stage, Err: err}
		res.Duration = o.nowFunc().Sub(start)
		log.Error().Err(err).Str("stage", string(stage)).Msg("Package failed")
		return res
	}

	fs := o.cache.Fs()
	// Outputs are written by the build itself, so they never feed its input.
	exclude := append(slices.Clone(pkg.Exclude), pkg.Outputs...)
	entries, err := monocache.Select(fs, pkg.Dir, pkg.Include, exclude)
	if err != nil {
		return fail(StageSelect, err)
	}

	fp, err := o.cache.Fingerprinter(monocache.WithWorkers(o.cfg.Workers)).Fingerprint(ctx, pkg.Dir, entries)
	if err != nil {
		return fail(StageFingerprint, err)
	}
	for _, w := range fp.Warnings {
		log.Warn().Str("path", w.Path).Msg(w.String())
	}
	if o.cfg.Strict && !fp.Stable() {
		return fail(StageFingerprint, fmt.Errorf("%d file(s) outside the package root", len(fp.Warnings)))
	}
	log.Debug().Str("fingerprint", fp.Digest).Int("files", fp.Files).Int64("bytes", fp.Bytes).Msg("Fingerprinted")

	res.Command = o.command(pkg, args)

	kb := o.cache.Key().
		Package(pkg.Name).
		Fingerprint(fp).
		Command(res.Command...).
		String("format", keyFormat).
		String("outputs", fmt.Sprintf("%q", pkg.Outputs))
	for _, dep := range pkg.Dependencies {
		kb.Dependency(dep, depKeys[dep])
	}
	for _, lockfile := range o.lockfiles {
		rel, err := filepath.Rel(o.ws.Root, lockfile)
		if err != nil {
			return fail(StageKey, err)
		}
		kb.FileAs(filepath.ToSlash(rel), lockfile)
	}
	for _, name := range o.cfg.KeyEnv {
		kb.Env(name)
	}
	key := kb.Build()
	if err := key.Err(); err != nil {
		return fail(StageKey, err)
	}
	res.KeyHash = key.Hash()

	if len(res.Command) == 0 {
		res.Status = StatusNoCommand
		res.Duration = o.nowFunc().Sub(start)
		log.Info().Str("script", pkg.Script).Msg("No build script, nothing to run")
		return res
	}

	cached, err := o.cache.Get(key)
	switch {
	case err == nil:
		restored, err := cached.Restore(pkg.Dir)
		if err != nil {
			return fail(StageRestore, err)
		}
		if logData := cached.Bytes("log"); len(logData) > 0 {
			_, _ = o.out.Write(logData)
		}
		res.Status = StatusCached
		res.Restored = restored
		res.Duration = o.nowFunc().Sub(start)
		log.Info().Str("key", res.KeyHash).Int("restored", restored).Msg("Cache hit")
		return res
	case !errors.Is(err, monocache.ErrCacheMiss):
		return fail(StageCache, err)
	}

	res.Changes = o.explainMiss(log, pkg.Name, fp)

	var output bytes.Buffer
	log.Info().Strs("command", res.Command).Msg("Cache miss, running")
	runStart := o.nowFunc()
	if err := o.runner.Run(ctx, pkg.Dir, res.Command, io.MultiWriter(&output, o.out)); err != nil {
		return fail(StageRun, err)
	}
	runDuration := o.nowFunc().Sub(runStart)

	outputs, err := monocache.SelectFiles(fs, pkg.Dir, pkg.Outputs, nil)
	if err != nil {
		return fail(StageStore, err)
	}
	wb := o.cache.Put(key).
		Bytes("log", output.Bytes()).
		Meta("duration", runDuration.String()).
		Meta("command", strings.Join(res.Command, " ")).
		Meta("monocache_version", version.Version)
	for _, path := range outputs {
		rel, err := filepath.Rel(pkg.Dir, path)
		if err != nil {
			return fail(StageStore, err)
		}
		wb.File(filepath.ToSlash(rel), path)
	}
	if err := wb.Commit(); err != nil {
		return fail(StageStore, err)
	}

	res.Status = StatusBuilt
	res.Stored = len(outputs)
	res.Duration = o.nowFunc().Sub(start)
	log.Info().Str("key", res.KeyHash).Int("outputs", len(outputs)).Dur("duration", runDuration).Msg("Built and cached")
	return res
}

// command returns args, or the package manager invocation of the package
// script, or nil when the package has no such script.
func (o *Orchestrator) command(pkg *workspace.Package, args []string) []string {
	if len(args) > 0 {
		return args
	}
	if pkg.Script == "" || !pkg.HasScript(pkg.Script) {
		return nil
	}
	return []string{o.cfg.PackageManager, "run", pkg.Script}
}

// explainMiss compares fp with the last build of the package and logs the
// difference at debug level.
func (o *Orchestrator) explainMiss(log zerolog.Logger, name string, fp *monocache.Fingerprint) []monocache.ManifestChange {
	latest, err := o.cache.Latest(name)
	if err != nil {
		if !errors.Is(err, monocache.ErrCacheMiss) {
			log.Debug().Err(err).Msg("No previous build to compare with")
		} else {
			log.Debug().Msg("First build of package")
		}
		return nil
	}

	if latest.Fingerprint() == fp.Digest {
		log.Debug().Msg("Sources unchanged, command or dependencies changed")
		return nil
	}

	changes := monocache.DiffManifests(latest.Manifest(), fp.Manifest)
	for i, change := range changes {
		if i == maxLoggedChanges {
			log.Debug().Int("more", len(changes)-i).Msg("Further changes omitted")
			break
		}
		log.Debug().Str("path", change.Path).Str("change", string(change.Kind)).Msg("Changed file")
	}
	return changes
}
