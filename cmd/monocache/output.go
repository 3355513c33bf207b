package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gophersatwork/monocache"
	"github.com/gophersatwork/monocache/internal/orchestrator"
	"github.com/pterm/pterm"
)

var statusColors = map[orchestrator.Status]pterm.Color{
	orchestrator.StatusBuilt:     pterm.FgGreen,
	orchestrator.StatusCached:    pterm.FgCyan,
	orchestrator.StatusNoCommand: pterm.FgGray,
	orchestrator.StatusSkipped:   pterm.FgYellow,
	orchestrator.StatusFailed:    pterm.FgRed,
}

// printReport writes one line per package followed by a summary.
func printReport(w io.Writer, report *orchestrator.Report, color bool) {
	if len(report.Results) == 0 {
		fmt.Fprintln(w, "Nothing to build")
		return
	}

	width := 0
	for _, res := range report.Results {
		width = max(width, len(res.Package))
	}

	fmt.Fprintln(w)
	for _, res := range report.Results {
		status := strings.ToUpper(string(res.Status))
		if color {
			status = statusColors[res.Status].Sprint(status)
		}

		line := fmt.Sprintf("%-*s  %s", width, res.Package, status)
		switch res.Status {
		case orchestrator.StatusCached:
			line += fmt.Sprintf(" (%s, %d files restored)", nonZero(res.Duration), res.Restored)
		case orchestrator.StatusBuilt:
			line += fmt.Sprintf(" (%s, %d files stored)", nonZero(res.Duration), res.Stored)
			if n := len(res.Changes); n > 0 {
				line += fmt.Sprintf(", %d files changed", n)
			}
		case orchestrator.StatusFailed, orchestrator.StatusSkipped:
			line += fmt.Sprintf(": %v", res.Err)
		}
		fmt.Fprintln(w, line)
	}

	title := "Summary"
	if color {
		title = pterm.Bold.Sprint(title)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, title)
	fmt.Fprintf(w, "  Packages:    %d\n", len(report.Results))
	fmt.Fprintf(w, "  Built:       %d\n", report.Count(orchestrator.StatusBuilt))
	fmt.Fprintf(w, "  Cached:      %d\n", report.Count(orchestrator.StatusCached))
	if n := report.Count(orchestrator.StatusFailed) + report.Count(orchestrator.StatusSkipped); n > 0 {
		fmt.Fprintf(w, "  Failed:      %d\n", n)
	}
	fmt.Fprintf(w, "  Hit rate:    %.1f%%\n", report.HitRate())
	fmt.Fprintf(w, "  Total time:  %s\n", report.Duration.Round(time.Millisecond))
}

// printStats renders cache statistics as a table.
func printStats(w io.Writer, root string, stats monocache.Stats) error {
	data := pterm.TableData{
		{"Location", root},
		{"Entries", fmt.Sprint(stats.Entries)},
		{"Packages", fmt.Sprint(stats.Packages)},
		{"Size", formatBytes(stats.TotalSize)},
		{"Oldest entry", nonZero(stats.OldestEntry)},
		{"Newest entry", nonZero(stats.NewestEntry)},
	}
	return pterm.DefaultTable.WithData(data).WithWriter(w).Render()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
