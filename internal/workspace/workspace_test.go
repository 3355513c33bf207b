package workspace

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDefaults = Defaults{
	Include: []string{"**"},
	Exclude: []string{"node_modules/**", "dist/**"},
	Outputs: []string{"dist/**"},
	Script:  "build",
}

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
}

// npmWorkspace lays out a three-package npm workspace under /repo.
func npmWorkspace(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/repo/package.json", `{"name":"root","private":true,"workspaces":["packages/*","apps/*","!packages/legacy"]}`)
	writeFile(t, fs, "/repo/packages/tokens/package.json", `{"name":"@acme/tokens","version":"1.0.0","scripts":{"build":"tsup"}}`)
	writeFile(t, fs, "/repo/packages/ui/package.json", `{
		"name": "@acme/ui",
		"dependencies": {"@acme/tokens": "workspace:*", "react": "^18.0.0"},
		"peerDependencies": {"@acme/ui": "*"},
		"monocache": {"outputs": ["dist/**", "types/**"], "script": "compile"}
	}`)
	writeFile(t, fs, "/repo/packages/legacy/package.json", `{"name":"@acme/legacy"}`)
	writeFile(t, fs, "/repo/apps/web/package.json", `{"name":"web","devDependencies":{"@acme/ui":"*","@acme/tokens":"*"}}`)
	writeFile(t, fs, "/repo/apps/web/node_modules/@acme/ui/package.json", `{"name":"@acme/ui"}`)
	writeFile(t, fs, "/repo/docs/package.json", `{"name":"docs"}`)
	return fs
}

func TestLoad_NPM(t *testing.T) {
	fs := npmWorkspace(t)

	ws, err := Load(fs, "/repo", testDefaults)
	require.NoError(t, err)

	assert.Equal(t, "/repo", ws.Root)
	assert.Equal(t, []string{"@acme/tokens", "@acme/ui", "web"}, ws.Names())

	ui, err := ws.Package("@acme/ui")
	require.NoError(t, err)
	assert.Equal(t, "/repo/packages/ui", ui.Dir)
	assert.Equal(t, "packages/ui", ui.RelDir)
	assert.Equal(t, []string{"@acme/tokens"}, ui.Dependencies, "external and self dependencies are ignored")
	assert.Equal(t, []string{"dist/**", "types/**"}, ui.Outputs)
	assert.Equal(t, "compile", ui.Script)
	assert.Equal(t, testDefaults.Include, ui.Include)

	web, err := ws.Package("web")
	require.NoError(t, err)
	assert.Equal(t, []string{"@acme/tokens", "@acme/ui"}, web.Dependencies)

	tokens, err := ws.Package("@acme/tokens")
	require.NoError(t, err)
	assert.True(t, tokens.HasScript("build"))
	assert.False(t, web.HasScript("build"))
	assert.Equal(t, "1.0.0", tokens.Version)

	_, err = ws.Package("@acme/legacy")
	assert.True(t, errors.Is(err, ErrPackageNotFound))
}

func TestLoad_WorkspacesObjectForm(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/repo/package.json", `{"workspaces":{"packages":["libs/**"],"nohoist":["**/react"]}}`)
	writeFile(t, fs, "/repo/libs/a/package.json", `{"name":"a"}`)
	writeFile(t, fs, "/repo/libs/group/b/package.json", `{"name":"b","dependencies":{"a":"1"}}`)

	ws, err := Load(fs, "/repo", testDefaults)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, ws.Names())
	assert.Equal(t, map[string][]string{"a": {}, "b": {"a"}}, ws.DependencyMap())
}

func TestLoad_PNPM(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/repo/package.json", `{"name":"root"}`)
	writeFile(t, fs, "/repo/pnpm-workspace.yaml", "packages:\n  - 'packages/*'\n  - '!**/test/**'\n")
	writeFile(t, fs, "/repo/packages/core/package.json", `{"name":"core"}`)
	writeFile(t, fs, "/repo/packages/cli/package.json", `{"name":"cli","dependencies":{"core":"workspace:^"}}`)

	ws, err := Load(fs, "/repo", testDefaults)
	require.NoError(t, err)

	assert.Equal(t, []string{"cli", "core"}, ws.Names())
	cli, err := ws.Package("cli")
	require.NoError(t, err)
	assert.Equal(t, []string{"core"}, cli.Dependencies)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("no workspace", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeFile(t, fs, "/repo/package.json", `{"name":"single"}`)
		_, err := Load(fs, "/repo", testDefaults)
		assert.True(t, errors.Is(err, ErrNoWorkspace))
	})

	t.Run("duplicate names", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeFile(t, fs, "/repo/package.json", `{"workspaces":["packages/*"]}`)
		writeFile(t, fs, "/repo/packages/a/package.json", `{"name":"same"}`)
		writeFile(t, fs, "/repo/packages/b/package.json", `{"name":"same"}`)
		_, err := Load(fs, "/repo", testDefaults)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "same")
	})

	t.Run("unnamed package", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeFile(t, fs, "/repo/package.json", `{"workspaces":["packages/*"]}`)
		writeFile(t, fs, "/repo/packages/a/package.json", `{}`)
		_, err := Load(fs, "/repo", testDefaults)
		require.Error(t, err)
	})

	t.Run("malformed package.json", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeFile(t, fs, "/repo/package.json", `{"workspaces":["packages/*"]}`)
		writeFile(t, fs, "/repo/packages/a/package.json", `{"name":`)
		_, err := Load(fs, "/repo", testDefaults)
		require.Error(t, err)
	})

	t.Run("malformed workspaces field", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeFile(t, fs, "/repo/package.json", `{"workspaces":42}`)
		_, err := Load(fs, "/repo", testDefaults)
		require.Error(t, err)
	})
}

func TestFindRoot(t *testing.T) {
	fs := npmWorkspace(t)

	root, err := FindRoot(fs, "/repo/packages/ui/src")
	require.NoError(t, err)
	assert.Equal(t, "/repo", root)

	root, err = FindRoot(fs, "/repo")
	require.NoError(t, err)
	assert.Equal(t, "/repo", root)

	_, err = FindRoot(afero.NewMemMapFs(), "/elsewhere")
	assert.True(t, errors.Is(err, ErrNoWorkspace))
}

func TestFindByDir(t *testing.T) {
	fs := npmWorkspace(t)
	ws, err := Load(fs, "/repo", testDefaults)
	require.NoError(t, err)

	pkg, err := ws.FindByDir("/repo/packages/ui/src/components")
	require.NoError(t, err)
	assert.Equal(t, "@acme/ui", pkg.Name)

	pkg, err = ws.FindByDir("/repo/apps/web")
	require.NoError(t, err)
	assert.Equal(t, "web", pkg.Name)

	_, err = ws.FindByDir("/repo/packages/uikit")
	assert.True(t, errors.Is(err, ErrPackageNotFound), "prefix siblings must not match")

	_, err = ws.FindByDir("/repo")
	assert.True(t, errors.Is(err, ErrPackageNotFound))
}

func TestLockfiles(t *testing.T) {
	fs := npmWorkspace(t)
	writeFile(t, fs, "/repo/package-lock.json", `{}`)
	ws, err := Load(fs, "/repo", testDefaults)
	require.NoError(t, err)

	got := ws.Lockfiles(fs, []string{"package-lock.json", "pnpm-lock.yaml"})
	assert.Equal(t, []string{"/repo/package-lock.json"}, got)
}
