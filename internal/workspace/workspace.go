// Package workspace discovers the packages of a JavaScript monorepo and the
// dependencies between them.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gophersatwork/monocache"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNoWorkspace is returned when no workspace root is found.
	ErrNoWorkspace = errors.New("no workspace found")

	// ErrPackageNotFound is returned when a package name or directory does not
	// belong to the workspace.
	ErrPackageNotFound = errors.New("package not found")
)

const (
	manifestFile = "package.json"
	pnpmFile     = "pnpm-workspace.yaml"
)

// Package is one workspace package. It is immutable for a run.
type Package struct {
	Name    string
	Version string
	// Dir is the absolute package root.
	Dir string
	// RelDir is Dir relative to the workspace root, slash-separated.
	RelDir  string
	Include []string
	Exclude []string
	Outputs []string
	// Script is the package.json script run when no command is given.
	Script  string
	Scripts map[string]string
	// Dependencies lists the workspace packages this one depends on, sorted.
	Dependencies []string
}

// HasScript reports whether the package defines the named script.
func (p *Package) HasScript(name string) bool {
	_, ok := p.Scripts[name]
	return ok
}

// Defaults fill in per-package settings missing from package.json.
type Defaults struct {
	Include []string
	Exclude []string
	Outputs []string
	Script  string
}

// Workspace is a discovered monorepo.
type Workspace struct {
	Root     string
	Packages []*Package // sorted by name
	byName   map[string]*Package
}

// manifest is the subset of package.json monocache reads.
type manifest struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Workspaces           json.RawMessage   `json:"workspaces"`
	Scripts              map[string]string `json:"scripts"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
	Monocache            *packageConfig    `json:"monocache"`
}

// packageConfig is the "monocache" block of a package.json.
type packageConfig struct {
	Include []string `json:"include"`
	Exclude []string `json:"exclude"`
	Outputs []string `json:"outputs"`
	Script  string   `json:"script"`
}

type pnpmWorkspace struct {
	Packages []string `yaml:"packages"`
}

// FindRoot walks up from dir to the nearest directory declaring workspaces,
// either through package.json "workspaces" or pnpm-workspace.yaml.
func FindRoot(fs afero.Fs, dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	for {
		patterns, err := workspacePatterns(fs, dir)
		if err != nil {
			return "", err
		}
		if patterns != nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoWorkspace
		}
		dir = parent
	}
}

// Load discovers every package of the workspace rooted at root.
func Load(fs afero.Fs, root string, defaults Defaults) (*Workspace, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}

	patterns, err := workspacePatterns(fs, root)
	if err != nil {
		return nil, err
	}
	if patterns == nil {
		return nil, fmt.Errorf("%s: %w", root, ErrNoWorkspace)
	}

	dirs, err := packageDirs(fs, root, patterns)
	if err != nil {
		return nil, err
	}

	ws := &Workspace{Root: root, byName: make(map[string]*Package, len(dirs))}
	manifests := make(map[string]*manifest, len(dirs))
	for _, dir := range dirs {
		m, err := readManifest(fs, filepath.Join(dir, manifestFile))
		if err != nil {
			return nil, err
		}
		if m.Name == "" {
			return nil, fmt.Errorf("package at %s has no name", dir)
		}
		if other, dup := ws.byName[m.Name]; dup {
			return nil, fmt.Errorf("package name %s is used by both %s and %s", m.Name, other.Dir, dir)
		}

		rel, err := filepath.Rel(root, dir)
		if err != nil {
			return nil, fmt.Errorf("failed to relativize %s: %w", dir, err)
		}

		pkg := newPackage(m, dir, filepath.ToSlash(rel), defaults)
		ws.byName[pkg.Name] = pkg
		ws.Packages = append(ws.Packages, pkg)
		manifests[pkg.Name] = m
	}

	// Workspace dependencies can only be resolved once every name is known.
	for _, pkg := range ws.Packages {
		pkg.Dependencies = ws.workspaceDeps(pkg.Name, manifests[pkg.Name])
	}

	sort.Slice(ws.Packages, func(i, j int) bool {
		return ws.Packages[i].Name < ws.Packages[j].Name
	})
	return ws, nil
}

func newPackage(m *manifest, dir, rel string, defaults Defaults) *Package {
	pkg := &Package{
		Name:    m.Name,
		Version: m.Version,
		Dir:     dir,
		RelDir:  rel,
		Include: defaults.Include,
		Exclude: defaults.Exclude,
		Outputs: defaults.Outputs,
		Script:  defaults.Script,
		Scripts: m.Scripts,
	}
	if pkg.Scripts == nil {
		pkg.Scripts = map[string]string{}
	}

	if c := m.Monocache; c != nil {
		if c.Include != nil {
			pkg.Include = c.Include
		}
		if c.Exclude != nil {
			pkg.Exclude = c.Exclude
		}
		if c.Outputs != nil {
			pkg.Outputs = c.Outputs
		}
		if c.Script != "" {
			pkg.Script = c.Script
		}
	}
	return pkg
}

// workspaceDeps returns the sorted names of workspace packages m depends on.
func (w *Workspace) workspaceDeps(self string, m *manifest) []string {
	seen := make(map[string]struct{})
	for _, deps := range []map[string]string{m.Dependencies, m.DevDependencies, m.PeerDependencies, m.OptionalDependencies} {
		for name := range deps {
			if name == self {
				continue
			}
			if _, ok := w.byName[name]; ok {
				seen[name] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Package returns the package with the given name.
func (w *Workspace) Package(name string) (*Package, error) {
	pkg, ok := w.byName[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrPackageNotFound)
	}
	return pkg, nil
}

// FindByDir returns the package whose root contains dir. The deepest
// matching package wins for nested packages.
func (w *Workspace) FindByDir(dir string) (*Package, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	var best *Package
	for _, pkg := range w.Packages {
		if dir != pkg.Dir && !strings.HasPrefix(dir, pkg.Dir+string(filepath.Separator)) {
			continue
		}
		if best == nil || len(pkg.Dir) > len(best.Dir) {
			best = pkg
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no package contains %s: %w", dir, ErrPackageNotFound)
	}
	return best, nil
}

// Names returns every package name, sorted.
func (w *Workspace) Names() []string {
	names := make([]string, len(w.Packages))
	for i, pkg := range w.Packages {
		names[i] = pkg.Name
	}
	return names
}

// DependencyMap maps each package name to its workspace dependencies.
func (w *Workspace) DependencyMap() map[string][]string {
	deps := make(map[string][]string, len(w.Packages))
	for _, pkg := range w.Packages {
		deps[pkg.Name] = pkg.Dependencies
	}
	return deps
}

// Lockfiles returns the candidates that exist in the workspace root.
func (w *Workspace) Lockfiles(fs afero.Fs, candidates []string) []string {
	var found []string
	for _, name := range candidates {
		path := filepath.Join(w.Root, name)
		if ok, _ := afero.Exists(fs, path); ok {
			found = append(found, path)
		}
	}
	return found
}

// workspacePatterns returns the workspace globs declared in dir, or nil when
// dir is not a workspace root. pnpm-workspace.yaml wins over package.json.
func workspacePatterns(fs afero.Fs, dir string) ([]string, error) {
	pnpmPath := filepath.Join(dir, pnpmFile)
	data, err := afero.ReadFile(fs, pnpmPath)
	switch {
	case err == nil:
		var pw pnpmWorkspace
		if err := yaml.Unmarshal(data, &pw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", pnpmPath, err)
		}
		return nonNil(pw.Packages), nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read %s: %w", pnpmPath, err)
	}

	manifestPath := filepath.Join(dir, manifestFile)
	if ok, _ := afero.Exists(fs, manifestPath); !ok {
		return nil, nil
	}
	m, err := readManifest(fs, manifestPath)
	if err != nil {
		return nil, err
	}
	return parseWorkspaces(m.Workspaces, manifestPath)
}

// parseWorkspaces accepts both the array form and the {"packages": [...]}
// form of the "workspaces" field.
func parseWorkspaces(raw json.RawMessage, path string) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return nonNil(list), nil
	}

	var obj struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("invalid workspaces field in %s: %w", path, err)
	}
	return nonNil(obj.Packages), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func readManifest(fs afero.Fs, path string) (*manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &m, nil
}

// packageDirs walks root and returns every directory holding a package.json
// whose relative path matches the positive patterns and none of the "!"
// negated ones. node_modules and dot directories are never entered.
func packageDirs(fs afero.Fs, root string, patterns []string) ([]string, error) {
	var include, exclude []string
	for _, p := range patterns {
		p = strings.TrimSuffix(strings.TrimPrefix(p, "./"), "/")
		if neg, ok := strings.CutPrefix(p, "!"); ok {
			exclude = append(exclude, strings.TrimPrefix(neg, "./"))
			continue
		}
		include = append(include, p)
	}

	var dirs []string
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() || path == root {
			return nil
		}
		name := info.Name()
		if name == "node_modules" || strings.HasPrefix(name, ".") {
			return filepath.SkipDir
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchAny(include, rel) || matchAny(exclude, rel) {
			return nil
		}
		if ok, _ := afero.Exists(fs, filepath.Join(path, manifestFile)); ok {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan workspace %s: %w", root, err)
	}
	return dirs, nil
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if monocache.MatchPattern(p, rel) {
			return true
		}
	}
	return false
}
