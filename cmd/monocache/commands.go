package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gophersatwork/monocache/internal/logging"
	"github.com/gophersatwork/monocache/internal/orchestrator"
	"github.com/gophersatwork/monocache/internal/version"
	"github.com/gophersatwork/monocache/internal/watch"
	"github.com/spf13/cobra"
)

func newBuildCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "build [-- command...]",
		Short: "Build the current package after its dependencies",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			command, err := commandArgs(cmd, args)
			if err != nil {
				return err
			}
			return runBuild(cmd, opts, command)
		},
	}
}

func runBuild(cmd *cobra.Command, opts *rootOptions, command []string) error {
	a, err := opts.load(cmd)
	if err != nil {
		return err
	}
	defer logging.LogOperationStart(a.log, "build")()

	report, err := a.orch.Build(cmd.Context(), opts.dir, command)
	return finish(cmd, report, err)
}

func newDepsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deps",
		Short: "Build the dependencies of the current package",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer logging.LogOperationStart(a.log, "deps")()

			report, err := a.orch.Deps(cmd.Context(), opts.dir)
			return finish(cmd, report, err)
		},
	}
}

func newAllCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "all [-- command...]",
		Short: "Build every package in dependency order",
		Long: `Build every workspace package in dependency order. A failing package
skips only the packages that depend on it; the others still build.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			command, err := commandArgs(cmd, args)
			if err != nil {
				return err
			}
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer logging.LogOperationStart(a.log, "all")()

			report, err := a.orch.All(cmd.Context(), command)
			return finish(cmd, report, err)
		},
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [-- command...]",
		Short: "Rebuild every package when sources change",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			command, err := commandArgs(cmd, args)
			if err != nil {
				return err
			}
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}

			w := watch.New(a.ws.Root, a.cfg.WatchDebounce, func(ctx context.Context) error {
				report, err := a.orch.All(ctx, command)
				if report != nil {
					printReport(cmd.OutOrStdout(), report, isTerminal(cmd.OutOrStdout()))
				}
				return err
			},
				watch.WithIgnore(watch.IgnoreOutputs(a.ws)),
				watch.WithLogger(a.log),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (Ctrl+C to stop)\n", a.ws.Root)
			return w.Run(cmd.Context())
		},
	}
}

func newGraphCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the package dependency graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return a.orch.Graph(cmd.OutOrStdout())
		},
	}
}

func newCleanCmd(opts *rootOptions) *cobra.Command {
	var clean orchestrator.CleanOptions

	cmd := &cobra.Command{
		Use:     "clean",
		Aliases: []string{"clear"},
		Short:   "Delete cached builds",
		Long: `Delete every cached build. With --older-than or --unused, only entries
created or last restored before that age are removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			removed, err := a.orch.Clean(clean)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cache entries\n", removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&clean.OlderThan, "older-than", 0, "Only remove entries created longer ago than this")
	cmd.Flags().DurationVar(&clean.Unused, "unused", 0, "Only remove entries not restored for this long")
	return cmd
}

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the build cache",
	}

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd)
			if err != nil {
				return err
			}
			stats, err := a.orch.Stats()
			if err != nil {
				return err
			}
			return printStats(cmd.OutOrStdout(), a.cache.Root(), stats)
		},
	})
	return cacheCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "monocache version %s\n", version.Version)
			fmt.Fprintf(out, "  commit: %s\n", version.Commit)
			fmt.Fprintf(out, "  built:  %s\n", version.Date)
		},
	}
}

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion script",
		Long: `To load completions:

Bash:
  $ source <(monocache completion bash)

Zsh:
  $ monocache completion zsh > "${fpath[1]}/_monocache"

Fish:
  $ monocache completion fish | source

PowerShell:
  PS> monocache completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(cmd.OutOrStdout())
			case "zsh":
				return cmd.Root().GenZshCompletion(cmd.OutOrStdout())
			case "fish":
				return cmd.Root().GenFishCompletion(cmd.OutOrStdout(), true)
			default:
				return cmd.Root().GenPowerShellCompletionWithDesc(cmd.OutOrStdout())
			}
		},
	}
}

// finish prints the report and turns package failures into the command error.
func finish(cmd *cobra.Command, report *orchestrator.Report, err error) error {
	if report != nil {
		printReport(cmd.OutOrStdout(), report, isTerminal(cmd.OutOrStdout()))
	}
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	return nil
}

// nonZero formats d, or "-" when d is zero.
func nonZero(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}
