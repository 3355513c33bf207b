package main

import (
	"fmt"
	"io"
	"os"

	"github.com/gophersatwork/monocache"
	"github.com/gophersatwork/monocache/internal/config"
	"github.com/gophersatwork/monocache/internal/logging"
	"github.com/gophersatwork/monocache/internal/orchestrator"
	"github.com/gophersatwork/monocache/internal/version"
	"github.com/gophersatwork/monocache/internal/workspace"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// rootOptions holds the global flags.
type rootOptions struct {
	verbosity      int
	debug          bool
	dir            string
	cacheDir       string
	workers        int
	strict         bool
	packageManager string
	script         string
}

// app is everything a command needs, resolved from the working directory.
type app struct {
	cfg   *config.Config
	ws    *workspace.Workspace
	cache *monocache.Cache
	orch  *orchestrator.Orchestrator
	log   zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "monocache [flags] [-- command...]",
		Short: "Cache monorepo package builds by content fingerprint",
		Long: `monocache builds the packages of a JavaScript monorepo in dependency order
and skips every package whose sources, dependencies and command are unchanged
since a cached build, restoring its outputs instead.

Without a subcommand, the package containing the current directory is built
after its dependencies. A command given after -- replaces the package build
script for that package.`,
		Version:           version.Version,
		Args:              cobra.ArbitraryArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			command, err := commandArgs(cmd, args)
			if err != nil {
				return err
			}
			return runBuild(cmd, opts, command)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.CountVarP(&opts.verbosity, "verbose", "v", "Increase verbosity (-v INFO, -vv DEBUG, -vvv TRACE)")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flags.StringVarP(&opts.dir, "cwd", "C", ".", "Run as if started in this directory")
	flags.StringVar(&opts.cacheDir, "cache-dir", "", "Cache directory, relative to the workspace root")
	flags.IntVarP(&opts.workers, "workers", "j", 0, "Files hashed in parallel (default: number of CPUs)")
	flags.BoolVar(&opts.strict, "strict", false, "Fail packages whose files cannot be expressed relative to the package")
	flags.StringVar(&opts.packageManager, "package-manager", "", "Package manager used to run scripts (npm, pnpm, yarn, bun)")
	flags.StringVar(&opts.script, "script", "", "Package script to run when no command is given")

	rootCmd.AddCommand(newBuildCmd(opts))
	rootCmd.AddCommand(newDepsCmd(opts))
	rootCmd.AddCommand(newAllCmd(opts))
	rootCmd.AddCommand(newWatchCmd(opts))
	rootCmd.AddCommand(newGraphCmd(opts))
	rootCmd.AddCommand(newCleanCmd(opts))
	rootCmd.AddCommand(newCacheCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCompletionCmd())

	return rootCmd
}

// commandArgs returns the arguments after --. Arguments before it are
// rejected, since they would otherwise be mistaken for a subcommand.
func commandArgs(cmd *cobra.Command, args []string) ([]string, error) {
	dash := cmd.ArgsLenAtDash()
	if dash == -1 {
		if len(args) > 0 {
			return nil, fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())
		}
		return nil, nil
	}
	if dash > 0 {
		return nil, fmt.Errorf("unexpected arguments before --: %v", args[:dash])
	}
	return args[dash:], nil
}

// overrides maps the flags set on the command line to config keys.
func (o *rootOptions) overrides(cmd *cobra.Command) map[string]interface{} {
	out := map[string]interface{}{}
	flags := cmd.Flags()
	if flags.Changed("cache-dir") {
		out["cache_dir"] = o.cacheDir
	}
	if flags.Changed("workers") {
		out["workers"] = o.workers
	}
	if flags.Changed("strict") {
		out["strict"] = o.strict
	}
	if flags.Changed("package-manager") {
		out["package_manager"] = o.packageManager
	}
	if flags.Changed("script") {
		out["script"] = o.script
	}
	if flags.Changed("debug") {
		out["debug"] = o.debug
	}
	return out
}

// load resolves the workspace, configuration, cache and orchestrator.
func (o *rootOptions) load(cmd *cobra.Command) (*app, error) {
	fs := afero.NewOsFs()
	root, err := workspace.FindRoot(fs, o.dir)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(root, o.overrides(cmd))
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Options{
		Verbosity: o.verbosity,
		Debug:     cfg.Debug,
		Out:       cmd.ErrOrStderr(),
		NoColor:   !isTerminal(cmd.ErrOrStderr()),
	})
	logger.Debug().Str("root", root).Str("cache", cfg.CachePath(root)).Msg("Workspace found")

	ws, err := workspace.Load(fs, root, workspace.Defaults{
		Include: cfg.Include,
		Exclude: cfg.Exclude,
		Outputs: cfg.Outputs,
		Script:  cfg.Script,
	})
	if err != nil {
		return nil, err
	}

	cache, err := monocache.Open(cfg.CachePath(root),
		monocache.WithFs(fs),
		monocache.WithLogger(logging.GetLogger(logger, "cache")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	orch := orchestrator.New(cfg, ws, cache,
		orchestrator.WithLogger(logger),
		orchestrator.WithOutput(cmd.OutOrStdout()),
	)

	return &app{cfg: cfg, ws: ws, cache: cache, orch: orch, log: logger}, nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
