package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gophersatwork/monocache"
	"github.com/gophersatwork/monocache/internal/config"
	"github.com/gophersatwork/monocache/internal/workspace"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner "builds" a package by concatenating its src/ files into
// dist/index.js.
type fakeRunner struct {
	fs    afero.Fs
	mu    sync.Mutex
	calls map[string][][]string
	fail  map[string]error
	// outDir overrides the output directory per package; the default is dist.
	outDir map[string]string
}

func newFakeRunner(fs afero.Fs) *fakeRunner {
	return &fakeRunner{fs: fs, calls: map[string][][]string{}, fail: map[string]error{}}
}

func (r *fakeRunner) Run(ctx context.Context, dir string, args []string, out io.Writer) error {
	r.mu.Lock()
	r.calls[filepath.Base(dir)] = append(r.calls[filepath.Base(dir)], args)
	failErr := r.fail[filepath.Base(dir)]
	outDir := r.outDir[filepath.Base(dir)]
	r.mu.Unlock()
	if outDir == "" {
		outDir = "dist"
	}

	fmt.Fprintf(out, "> %s\n", strings.Join(args, " "))
	if failErr != nil {
		return failErr
	}

	var bundle strings.Builder
	entries, _ := afero.ReadDir(r.fs, filepath.Join(dir, "src"))
	for _, e := range entries {
		data, err := afero.ReadFile(r.fs, filepath.Join(dir, "src", e.Name()))
		if err != nil {
			return err
		}
		bundle.Write(data)
	}
	if err := r.fs.MkdirAll(filepath.Join(dir, outDir), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(r.fs, filepath.Join(dir, outDir, "index.js"), []byte(bundle.String()), 0o644)
}

func (r *fakeRunner) count(pkg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls[pkg])
}

type fixture struct {
	fs     afero.Fs
	root   string
	runner *fakeRunner
	out    *bytes.Buffer
	cfg    *config.Config
}

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
}

// newFixture lays out /repo with tokens <- ui <- web, plus docs which has no
// build script.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	return newFixtureAt(t, fs, "/repo")
}

// newFixtureAt checks the workspace out at root on fs.
func newFixtureAt(t *testing.T, fs afero.Fs, root string) *fixture {
	t.Helper()
	files := map[string]string{
		"package.json":      `{"name":"root","private":true,"workspaces":["packages/*"]}`,
		"package-lock.json": `{"lockfileVersion":3}`,

		"packages/tokens/package.json":  `{"name":"tokens","scripts":{"build":"tsc"}}`,
		"packages/tokens/src/colors.ts": "export const red = '#f00'\n",

		"packages/ui/package.json":  `{"name":"ui","scripts":{"build":"tsc"},"dependencies":{"tokens":"*"}}`,
		"packages/ui/src/button.ts": "export const Button = () => red\n",

		"packages/web/package.json": `{"name":"web","scripts":{"build":"vite build"},"dependencies":{"ui":"*"}}`,
		"packages/web/src/main.ts":  "render(Button)\n",

		"packages/docs/package.json": `{"name":"docs","dependencies":{"ui":"*"}}`,
		"packages/docs/README.md":    "# docs\n",
	}
	for rel, content := range files {
		writeFile(t, fs, filepath.Join(root, rel), content)
	}

	return &fixture{
		fs:     fs,
		root:   root,
		runner: newFakeRunner(fs),
		out:    &bytes.Buffer{},
		cfg: &config.Config{
			CacheDir:       "node_modules/.cache/monocache",
			Workers:        2,
			PackageManager: "npm",
			Script:         "build",
			Include:        []string{"**"},
			Exclude:        []string{"node_modules/**", "dist/**"},
			Outputs:        []string{"dist/**"},
			Lockfiles:      []string{"package-lock.json", "yarn.lock"},
		},
	}
}

// orchestrator loads the workspace and cache afresh, like a new CLI process.
func (f *fixture) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	ws, err := workspace.Load(f.fs, f.root, workspace.Defaults{
		Include: f.cfg.Include,
		Exclude: f.cfg.Exclude,
		Outputs: f.cfg.Outputs,
		Script:  f.cfg.Script,
	})
	require.NoError(t, err)

	cache, err := monocache.Open(f.cfg.CachePath(f.root), monocache.WithFs(f.fs))
	require.NoError(t, err)

	return New(f.cfg, ws, cache, WithRunner(f.runner), WithOutput(f.out))
}

func statuses(r *Report) map[string]Status {
	out := make(map[string]Status, len(r.Results))
	for _, res := range r.Results {
		out[res.Package] = res.Status
	}
	return out
}

func TestAll_BuildThenCached(t *testing.T) {
	f := newFixture(t)

	report, err := f.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]Status{
		"tokens": StatusBuilt,
		"ui":     StatusBuilt,
		"web":    StatusBuilt,
		"docs":   StatusNoCommand,
	}, statuses(report))
	assert.Equal(t, 0.0, report.HitRate())

	web, ok := report.Result("web")
	require.True(t, ok)
	assert.Equal(t, []string{"npm", "run", "build"}, web.Command)
	assert.Equal(t, 1, web.Stored)
	assert.Len(t, web.KeyHash, 32)

	f.out.Reset()
	report, err = f.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]Status{
		"tokens": StatusCached,
		"ui":     StatusCached,
		"web":    StatusCached,
		"docs":   StatusNoCommand,
	}, statuses(report))
	assert.Equal(t, 100.0, report.HitRate())

	for _, pkg := range []string{"tokens", "ui", "web"} {
		assert.Equal(t, 1, f.runner.count(pkg), "%s ran again on a hit", pkg)
	}
	assert.Contains(t, f.out.String(), "> npm run build", "logs are replayed on a hit")
}

func TestAll_RespectsDependencyOrder(t *testing.T) {
	f := newFixture(t)

	report, err := f.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)

	index := map[string]int{}
	for i, res := range report.Results {
		index[res.Package] = i
	}
	assert.Less(t, index["tokens"], index["ui"])
	assert.Less(t, index["ui"], index["web"])
	assert.Less(t, index["ui"], index["docs"])
}

func TestAll_RestoresOutputs(t *testing.T) {
	f := newFixture(t)

	_, err := f.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, f.fs.RemoveAll("/repo/packages/ui/dist"))

	report, err := f.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)

	ui, _ := report.Result("ui")
	assert.Equal(t, StatusCached, ui.Status)
	assert.Equal(t, 1, ui.Restored)

	data, err := afero.ReadFile(f.fs, "/repo/packages/ui/dist/index.js")
	require.NoError(t, err)
	assert.Equal(t, "export const Button = () => red\n", string(data))
}

func TestAll_SourceChangeInvalidatesDependents(t *testing.T) {
	f := newFixture(t)

	_, err := f.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)

	writeFile(t, f.fs, "/repo/packages/ui/src/button.ts", "export const Button = () => blue\n")

	report, err := f.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCached, statuses(report)["tokens"])
	assert.Equal(t, StatusBuilt, statuses(report)["ui"])
	assert.Equal(t, StatusBuilt, statuses(report)["web"], "dependents rebuild when a dependency changes")

	ui, _ := report.Result("ui")
	require.Len(t, ui.Changes, 1)
	assert.Equal(t, "src/button.ts", ui.Changes[0].Path)
	assert.Equal(t, monocache.ChangeModified, ui.Changes[0].Kind)

	web, _ := report.Result("web")
	assert.Empty(t, web.Changes, "web sources did not change")
}

func TestAll_LockfileInvalidatesEverything(t *testing.T) {
	f := newFixture(t)

	_, err := f.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)

	writeFile(t, f.fs, "/repo/package-lock.json", `{"lockfileVersion":3,"packages":{}}`)

	report, err := f.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Count(StatusBuilt))
}

func TestAll_IgnoresExcludedFiles(t *testing.T) {
	f := newFixture(t)

	_, err := f.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)

	writeFile(t, f.fs, "/repo/packages/ui/node_modules/x/index.js", "noise")
	writeFile(t, f.fs, "/repo/packages/ui/dist/extra.js", "stale")

	report, err := f.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Count(StatusCached))
}

func TestAll_FailureSkipsDependents(t *testing.T) {
	f := newFixture(t)
	f.runner.fail["ui"] = errors.New("exit status 2")

	report, err := f.orchestrator(t).All(context.Background(), nil)
	require.Error(t, err)

	assert.Equal(t, map[string]Status{
		"tokens": StatusBuilt,
		"ui":     StatusFailed,
		"web":    StatusSkipped,
		"docs":   StatusSkipped,
	}, statuses(report))

	var pkgErr *PackageError
	require.True(t, errors.As(err, &pkgErr))

	ui, _ := report.Result("ui")
	require.True(t, errors.As(ui.Err, &pkgErr))
	assert.Equal(t, StageRun, pkgErr.Stage)

	web, _ := report.Result("web")
	assert.True(t, errors.Is(web.Err, ErrDependencyFailed))

	// Nothing is stored for the failed package.
	f.runner.fail = map[string]error{}
	report, err = f.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCached, statuses(report)["tokens"])
	assert.Equal(t, StatusBuilt, statuses(report)["ui"])
}

func TestBuild_FromPackageDir(t *testing.T) {
	f := newFixture(t)

	report, err := f.orchestrator(t).Build(context.Background(), "/repo/packages/web/src", nil)
	require.NoError(t, err)

	var names []string
	for _, res := range report.Results {
		names = append(names, res.Package)
	}
	assert.Equal(t, []string{"tokens", "ui", "web"}, names)
	assert.Equal(t, 3, report.Count(StatusBuilt))
}

func TestBuild_ExplicitCommand(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t)

	report, err := o.Build(context.Background(), "/repo/packages/tokens", []string{"tsc", "--noEmit"})
	require.NoError(t, err)
	tokens, _ := report.Result("tokens")
	assert.Equal(t, []string{"tsc", "--noEmit"}, tokens.Command)

	report, err = o.Build(context.Background(), "/repo/packages/tokens", nil)
	require.NoError(t, err)
	byScript, _ := report.Result("tokens")
	assert.Equal(t, StatusBuilt, byScript.Status, "a different command is a different key")
	assert.NotEqual(t, tokens.KeyHash, byScript.KeyHash)
}

func TestBuild_StopsAtFirstFailure(t *testing.T) {
	f := newFixture(t)
	f.runner.fail["tokens"] = errors.New("boom")

	report, err := f.orchestrator(t).Build(context.Background(), "/repo/packages/web", nil)
	require.Error(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, StatusFailed, report.Results[0].Status)
	assert.Zero(t, f.runner.count("web"))
}

func TestBuild_OutsideWorkspace(t *testing.T) {
	f := newFixture(t)

	_, err := f.orchestrator(t).Build(context.Background(), "/elsewhere", nil)
	assert.True(t, errors.Is(err, workspace.ErrPackageNotFound))
}

func TestDeps(t *testing.T) {
	f := newFixture(t)

	report, err := f.orchestrator(t).Deps(context.Background(), "/repo/packages/web")
	require.NoError(t, err)
	assert.Equal(t, map[string]Status{
		"tokens": StatusBuilt,
		"ui":     StatusBuilt,
	}, statuses(report))
	assert.Zero(t, f.runner.count("web"))
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.orchestrator(t).All(ctx, nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, f.runner.count("tokens"))
}

func TestClean(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t)

	_, err := o.All(context.Background(), nil)
	require.NoError(t, err)

	stats, err := o.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Entries)

	removed, err := o.Clean(CleanOptions{OlderThan: time.Hour})
	require.NoError(t, err)
	assert.Zero(t, removed, "fresh entries survive pruning")

	removed, err = o.Clean(CleanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	stats, err = o.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
}

func TestGraph(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	require.NoError(t, f.orchestrator(t).Graph(&buf))
	assert.Contains(t, buf.String(), "web\n└── ui\n    └── tokens\n")
}

func TestAll_KeysIndependentOfCheckoutLocation(t *testing.T) {
	fs := afero.NewMemMapFs()
	local := newFixtureAt(t, fs, "/repo")
	ci := newFixtureAt(t, fs, "/ci/work/repo")

	localReport, err := local.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)
	ciReport, err := ci.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)

	for _, pkg := range []string{"tokens", "ui", "web", "docs"} {
		a, _ := localReport.Result(pkg)
		b, _ := ciReport.Result(pkg)
		assert.NotEmpty(t, a.KeyHash)
		assert.Equal(t, a.KeyHash, b.KeyHash, "%s key differs between checkouts", pkg)
	}
}

func TestAll_CustomOutputsNotFingerprinted(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.fs, "/repo/packages/tokens/package.json",
		`{"name":"tokens","scripts":{"build":"tsc"},"monocache":{"outputs":["lib/**"]}}`)
	f.runner.outDir = map[string]string{"tokens": "lib"}

	var tokens []Status
	for i := 0; i < 3; i++ {
		report, err := f.orchestrator(t).All(context.Background(), nil)
		require.NoError(t, err)
		tokens = append(tokens, statuses(report)["tokens"])
	}
	assert.Equal(t, []Status{StatusBuilt, StatusCached, StatusCached}, tokens)
	assert.Equal(t, 1, f.runner.count("tokens"))

	require.NoError(t, f.fs.RemoveAll("/repo/packages/tokens/lib"))
	report, err := f.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)
	res, _ := report.Result("tokens")
	assert.Equal(t, StatusCached, res.Status)
	assert.Equal(t, 1, res.Restored)

	exists, err := afero.Exists(f.fs, "/repo/packages/tokens/lib/index.js")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAll_KeyEnv(t *testing.T) {
	f := newFixture(t)
	f.cfg.KeyEnv = []string{"MONOCACHE_TEST_TARGET"}

	t.Setenv("MONOCACHE_TEST_TARGET", "production")
	_, err := f.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)

	report, err := f.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Count(StatusCached))

	t.Setenv("MONOCACHE_TEST_TARGET", "development")
	report, err = f.orchestrator(t).All(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Count(StatusBuilt))
}
