// Package stats reduces a finished run to run-level statistics and
// renders the exit summary.
//
// This file implements the exit summary printed after every run.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	heavyRule = strings.Repeat("═", 79) + "\n"
	lightRule = strings.Repeat("─", 79) + "\n"
)

// SummaryConfig holds everything the exit summary needs beyond the run
// itself.
type SummaryConfig struct {
	// Workers is the pool size the run used.
	Workers int

	// OutputDir is the screenshots root.
	OutputDir string

	// ManifestPath is where the run manifest was written, empty if it
	// was not.
	ManifestPath string

	// MetricsAddr is the Prometheus endpoint address, empty if metrics
	// were disabled.
	MetricsAddr string
}

// FormatExitSummary renders the end-of-run report: verdict, per-platform
// job results, screenshot and duration percentiles, failures, and the
// plan-time warnings.
func FormatExitSummary(rs *RunStats, cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(heavyRule)
	b.WriteString("                   go-appium-screenshot-matrix Exit Summary\n")
	b.WriteString(heavyRule)
	b.WriteString("\n")

	verdict := "PASS"
	if !rs.Success {
		verdict = "FAIL"
	}
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(rs.Duration))
	fmt.Fprintf(&b, "Result:                 %s\n", verdict)
	fmt.Fprintf(&b, "Jobs:                   %d\n", rs.TotalJobs)
	if cfg.Workers > 0 {
		fmt.Fprintf(&b, "Workers:                %d\n", cfg.Workers)
	}
	b.WriteString("\n")

	b.WriteString(lightRule)
	b.WriteString("                                 Job Results\n")
	b.WriteString(lightRule)
	b.WriteString("\n")

	fmt.Fprintf(&b, "  %-12s %8s %8s %8s %10s %13s\n",
		"Platform", "Jobs", "Passed", "Failed", "Cancelled", "Screenshots")
	b.WriteString("  " + strings.Repeat("─", 64) + "\n")
	for _, name := range sortedPlatforms(rs.Platforms) {
		ps := rs.Platforms[name]
		fmt.Fprintf(&b, "  %-12s %8d %8d %8d %10d %13d\n",
			name, ps.Jobs, ps.Passed, ps.Failed, ps.Cancelled, ps.Screenshots)
	}
	fmt.Fprintf(&b, "\n  Passed: %d   Failed: %d   Cancelled: %d\n\n",
		rs.Passed, rs.Failed, rs.Cancelled)

	if rs.Screenshots > 0 {
		b.WriteString(lightRule)
		b.WriteString("                                 Screenshots\n")
		b.WriteString(lightRule)
		b.WriteString("\n")

		fmt.Fprintf(&b, "  Captured:             %s\n", FormatNumber(int64(rs.Screenshots)))
		fmt.Fprintf(&b, "  Total Size:           %s\n", FormatBytes(rs.ScreenshotBytes))
		if rs.CaptureP50 > 0 {
			fmt.Fprintf(&b, "  Capture P50:          %s\n", FormatMs(rs.CaptureP50))
			fmt.Fprintf(&b, "  Capture P95:          %s\n", FormatMs(rs.CaptureP95))
			fmt.Fprintf(&b, "  Capture P99:          %s\n", FormatMs(rs.CaptureP99))
		}
		b.WriteString("\n")
	}

	if rs.JobP50 > 0 {
		b.WriteString(lightRule)
		b.WriteString("                                Job Durations\n")
		b.WriteString(lightRule)
		b.WriteString("\n")

		fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatDuration(rs.JobP50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatDuration(rs.JobP95))
		fmt.Fprintf(&b, "  P99:                  %s\n", FormatDuration(rs.JobP99))
		if rs.SlowestJobID != "" {
			fmt.Fprintf(&b, "  Slowest:              %s (%s)\n",
				rs.SlowestJobID, FormatDuration(rs.SlowestJobDuration))
		}
		b.WriteString("\n")
	}

	if len(rs.Failures) > 0 {
		b.WriteString(lightRule)
		b.WriteString("                                   Failures\n")
		b.WriteString(lightRule)
		b.WriteString("\n")

		for _, f := range rs.Failures {
			fmt.Fprintf(&b, "  %s\n", f.JobID)
			if f.Error != "" {
				fmt.Fprintf(&b, "      %s\n", f.Error)
			}
		}
		b.WriteString("\n")
	}

	if len(rs.Warnings) > 0 {
		b.WriteString(lightRule)
		b.WriteString("                                   Warnings\n")
		b.WriteString(lightRule)
		b.WriteString("\n")

		for _, w := range rs.Warnings {
			fmt.Fprintf(&b, "  %s\n", w)
		}
		b.WriteString("\n")
	}

	if cfg.OutputDir != "" {
		fmt.Fprintf(&b, "Screenshots root:     %s\n", cfg.OutputDir)
	}
	if cfg.ManifestPath != "" {
		fmt.Fprintf(&b, "Run manifest:         %s\n", cfg.ManifestPath)
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}
	b.WriteString(heavyRule)

	return b.String()
}

func sortedPlatforms(m map[string]*PlatformStats) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatBytes formats bytes with KB/MB/GB suffixes.
func FormatBytes(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}
