package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DEBUG", "")

	cfg, err := Load(t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("node_modules", ".cache", "monocache"), cfg.CacheDir)
	assert.Equal(t, runtime.NumCPU(), cfg.Workers)
	assert.Equal(t, "npm", cfg.PackageManager)
	assert.Equal(t, "build", cfg.Script)
	assert.Equal(t, []string{"**"}, cfg.Include)
	assert.Contains(t, cfg.Exclude, "node_modules/**")
	assert.Equal(t, []string{"dist/**"}, cfg.Outputs)
	assert.Equal(t, 300*time.Millisecond, cfg.WatchDebounce)
	assert.False(t, cfg.Debug)
	assert.False(t, cfg.Strict)
	assert.Empty(t, cfg.KeyEnv)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("DEBUG", "")
	root := t.TempDir()
	writeConfigFile(t, root, `
cache_dir: .cache/builds
package_manager: pnpm
strict: true
outputs:
  - dist/**
  - types/**
watch_debounce: 1s
`)

	cfg, err := Load(root, nil)
	require.NoError(t, err)

	assert.Equal(t, ".cache/builds", cfg.CacheDir)
	assert.Equal(t, "pnpm", cfg.PackageManager)
	assert.True(t, cfg.Strict)
	assert.Equal(t, []string{"dist/**", "types/**"}, cfg.Outputs)
	assert.Equal(t, time.Second, cfg.WatchDebounce)
	// untouched keys keep their defaults
	assert.Equal(t, "build", cfg.Script)
}

func TestLoad_Precedence(t *testing.T) {
	t.Setenv("DEBUG", "")
	root := t.TempDir()
	writeConfigFile(t, root, "script: compile\nworkers: 2\n")
	t.Setenv("MONOCACHE_WORKERS", "4")
	t.Setenv("MONOCACHE_INCLUDE", "src/**,package.json")
	t.Setenv("MONOCACHE_KEY_ENV", "NODE_ENV,CI")

	cfg, err := Load(root, map[string]interface{}{"workers": 8})
	require.NoError(t, err)

	assert.Equal(t, "compile", cfg.Script, "file overrides defaults")
	assert.Equal(t, []string{"src/**", "package.json"}, cfg.Include, "env overrides defaults")
	assert.Equal(t, 8, cfg.Workers, "flags override env and file")
	assert.Equal(t, []string{"NODE_ENV", "CI"}, cfg.KeyEnv)
}

func TestLoad_DebugEnv(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"monocache", true},
		{"express,monocache", true},
		{"*", true},
		{"monocache:*", true},
		{"other", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("DEBUG", tt.value)
			cfg, err := Load(t.TempDir(), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Debug)
		})
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("DEBUG", "")

	t.Run("unknown package manager", func(t *testing.T) {
		root := t.TempDir()
		writeConfigFile(t, root, "package_manager: maven\n")
		_, err := Load(root, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "package_manager")
	})

	t.Run("negative workers", func(t *testing.T) {
		_, err := Load(t.TempDir(), map[string]interface{}{"workers": -1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "workers")
	})

	t.Run("malformed file", func(t *testing.T) {
		root := t.TempDir()
		writeConfigFile(t, root, "include: [unterminated\n")
		_, err := Load(root, nil)
		require.Error(t, err)
	})
}

func TestCachePath(t *testing.T) {
	cfg := &Config{CacheDir: "node_modules/.cache/monocache"}
	assert.Equal(t, filepath.Join("/repo", "node_modules/.cache/monocache"), cfg.CachePath("/repo"))

	cfg.CacheDir = "/var/cache/monocache"
	assert.Equal(t, "/var/cache/monocache", cfg.CachePath("/repo"))
}
