package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// envList is a custom flag type for repeatable -env flags.
type envList []string

func (e *envList) String() string {
	return strings.Join(*e, ", ")
}

func (e *envList) Set(value string) error {
	*e = append(*e, value)
	return nil
}

// ParseFlags parses command-line flags and returns a Config.
// The matrix file can be given either with -config or as the first
// positional argument.
func ParseFlags() (*Config, error) {
	cfg := DefaultConfig()
	var buildEnv envList

	// Custom usage message
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `go-appium-screenshot-matrix - localized app screenshots across a simulator/emulator matrix

Usage:
  go-appium-screenshot-matrix [flags] <matrix.yaml>

Matrix Selection:
`)
		printFlagCategory([]string{"config", "platforms", "devices", "languages", "screenshots"})

		fmt.Fprintf(os.Stderr, "\nOutput:\n")
		printFlagCategory([]string{"output", "app"})

		fmt.Fprintf(os.Stderr, "\nConcurrency & Ports:\n")
		printFlagCategory([]string{"concurrency", "base-port", "port-offset"})

		fmt.Fprintf(os.Stderr, "\nSafety & Diagnostics:\n")
		printFlagCategory([]string{"plan", "check", "skip-preflight"})

		fmt.Fprintf(os.Stderr, "\nAutomation Server:\n")
		printFlagCategory([]string{"appium", "server-start-timeout", "session-timeout"})

		fmt.Fprintf(os.Stderr, "\nTimeouts & Retries:\n")
		printFlagCategory([]string{"command-timeout", "build-timeout", "boot-timeout", "action-timeout", "cleanup-timeout", "retry", "retry-delay"})

		fmt.Fprintf(os.Stderr, "\nBuild:\n")
		printFlagCategory([]string{"env"})

		fmt.Fprintf(os.Stderr, "\nObservability:\n")
		printFlagCategory([]string{"metrics", "v", "log-format"})

		fmt.Fprintf(os.Stderr, "\nDashboard:\n")
		printFlagCategory([]string{"tui"})

		fmt.Fprintf(os.Stderr, `
Flag Convention:
  Single-dash flags (-languages, -output) are normal options.
  Double-dash flags (--plan, --check) are safety gates or diagnostic modes.

Examples:
  # Full matrix from shots.yaml
  go-appium-screenshot-matrix shots.yaml

  # Inspect the expanded plan without touching any device
  go-appium-screenshot-matrix --plan shots.yaml

  # One German iPhone job as a smoke test
  go-appium-screenshot-matrix --check -platforms ios -languages de-DE shots.yaml

  # CI: no dashboard, four workers, prebuilt artifact
  go-appium-screenshot-matrix -tui=false -concurrency 4 -app build/App.ipa shots.yaml

`)
	}

	// Matrix selection
	flag.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "Path to the matrix YAML file")
	flag.StringVar(&cfg.Platforms, "platforms", cfg.Platforms, `Only these platforms, comma-separated ("ios,android")`)
	flag.StringVar(&cfg.Devices, "devices", cfg.Devices, "Only these device names/AVDs, comma-separated")
	flag.StringVar(&cfg.Languages, "languages", cfg.Languages, "Only these languages, comma-separated")
	flag.StringVar(&cfg.Screenshots, "screenshots", cfg.Screenshots, "Only these screenshot sets, comma-separated")

	// Output
	flag.StringVar(&cfg.OutputDir, "output", cfg.OutputDir, "Screenshot output root (overrides the matrix file)")
	flag.StringVar(&cfg.ArtifactOverride, "app", cfg.ArtifactOverride, "Use this app artifact for every job, skip discovery and build")

	// Concurrency & ports
	flag.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Parallel jobs (0 = half the logical cores)")
	flag.IntVar(&cfg.BasePort, "base-port", cfg.BasePort, "First automation server port")
	flag.IntVar(&cfg.PortOffset, "port-offset", cfg.PortOffset, "Port block spacing between jobs")

	// Safety & Diagnostics (double-dash convention)
	flag.BoolVar(&cfg.PlanOnly, "plan", cfg.PlanOnly, "Print the expanded job plan and exit")
	flag.BoolVar(&cfg.Check, "check", cfg.Check, "Validate config and run only the first job")
	flag.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	// Automation server
	flag.StringVar(&cfg.AppiumPath, "appium", cfg.AppiumPath, "Path to the Appium binary")
	flag.DurationVar(&cfg.ServerStartTimeout, "server-start-timeout", cfg.ServerStartTimeout, "Max wait for the automation server to report ready")
	flag.DurationVar(&cfg.SessionTimeout, "session-timeout", cfg.SessionTimeout, "Max wait for session creation")

	// Timeouts & retries
	flag.DurationVar(&cfg.CommandTimeout, "command-timeout", cfg.CommandTimeout, "Default timeout for device tool commands")
	flag.DurationVar(&cfg.BuildTimeout, "build-timeout", cfg.BuildTimeout, "Timeout for app build commands")
	flag.DurationVar(&cfg.DeviceBootTimeout, "boot-timeout", cfg.DeviceBootTimeout, "Max wait for a device to finish booting")
	flag.DurationVar(&cfg.ActionTimeout, "action-timeout", cfg.ActionTimeout, "Default timeout for a single screenshot step")
	flag.DurationVar(&cfg.CleanupTimeout, "cleanup-timeout", cfg.CleanupTimeout, "Budget for per-job cleanup, even after cancellation")
	flag.IntVar(&cfg.RetryCount, "retry", cfg.RetryCount, "Retries for flaky device commands")
	flag.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "Fixed delay between retries")

	// Build
	flag.Var(&buildEnv, "env", "KEY=VALUE for build commands (can repeat)")

	// Observability
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address")
	flag.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)

	// TUI (Terminal User Interface)
	flag.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard (default: true, use -tui=false to disable)")

	// Parse
	flag.Parse()

	// Copy build environment
	cfg.BuildEnv = buildEnv

	// Positional argument: matrix file (wins over -config)
	args := flag.Args()
	if len(args) >= 1 {
		cfg.ConfigFile = args[0]
	}

	return cfg, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(names []string) {
	flag.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(os.Stderr, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
					fmt.Fprintf(os.Stderr, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(os.Stderr)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	// Infer type from default value format
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	// Check if it looks like a duration
	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	// Check if numeric
	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}

// SplitList splits a comma-separated filter flag into trimmed entries.
// Empty input returns nil, meaning "no filter".
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
