// Package config loads monocache settings from defaults, the workspace
// config file, the environment and command-line overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// FileName is the optional config file looked up in the workspace root.
const FileName = ".monocache.yaml"

// EnvPrefix prefixes every environment override, e.g. MONOCACHE_CACHE_DIR.
const EnvPrefix = "MONOCACHE_"

// PackageManagers lists the supported package managers.
var PackageManagers = []string{"npm", "pnpm", "yarn", "bun"}

// Config holds the resolved settings for a run.
type Config struct {
	CacheDir       string        `koanf:"cache_dir"`
	Workers        int           `koanf:"workers"`
	Debug          bool          `koanf:"debug"`
	Strict         bool          `koanf:"strict"`
	PackageManager string        `koanf:"package_manager"`
	Script         string        `koanf:"script"`
	Include        []string      `koanf:"include"`
	Exclude        []string      `koanf:"exclude"`
	Outputs        []string      `koanf:"outputs"`
	Lockfiles      []string      `koanf:"lockfiles"`
	// KeyEnv names environment variables whose values are part of every key.
	KeyEnv         []string      `koanf:"key_env"`
	WatchDebounce  time.Duration `koanf:"watch_debounce"`
}

// Defaults returns the built-in settings.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"cache_dir":       filepath.Join("node_modules", ".cache", "monocache"),
		"workers":         runtime.NumCPU(),
		"debug":           false,
		"strict":          false,
		"package_manager": "npm",
		"script":          "build",
		"include":         []string{"**"},
		"exclude":         []string{"node_modules/**", "dist/**", ".git/**", ".turbo/**"},
		"outputs":         []string{"dist/**"},
		"lockfiles":       []string{"package-lock.json", "pnpm-lock.yaml", "yarn.lock", "bun.lockb"},
		"key_env":         []string{},
		"watch_debounce":  "300ms",
	}
}

// Load resolves the configuration for the workspace at root. Overrides are
// applied last; keys are the koanf tags of Config.
func Load(root string, overrides map[string]interface{}) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Workspace config file
	path := filepath.Join(root, FileName)
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	// 3. Environment
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}
	if debugEnabled(os.Getenv("DEBUG")) {
		if err := k.Set("debug", true); err != nil {
			return nil, fmt.Errorf("failed to apply DEBUG: %w", err)
		}
	}

	// 4. Flags
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load overrides: %w", err)
		}
	}

	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no command can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.CacheDir == "" {
		errs = append(errs, errors.New("cache_dir must not be empty"))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if !slices.Contains(PackageManagers, c.PackageManager) {
		errs = append(errs, fmt.Errorf("unsupported package_manager %q (want one of %s)", c.PackageManager, strings.Join(PackageManagers, ", ")))
	}
	if c.WatchDebounce < 0 {
		errs = append(errs, fmt.Errorf("watch_debounce must not be negative, got %s", c.WatchDebounce))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// CachePath returns the cache directory, resolved against root when relative.
func (c *Config) CachePath(root string) string {
	if filepath.IsAbs(c.CacheDir) {
		return c.CacheDir
	}
	return filepath.Join(root, c.CacheDir)
}

// debugEnabled reports whether a DEBUG value (comma or space separated
// namespaces) enables monocache.
func debugEnabled(value string) bool {
	for _, ns := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' }) {
		if ns == "monocache" || ns == "*" || ns == "monocache:*" {
			return true
		}
	}
	return false
}
