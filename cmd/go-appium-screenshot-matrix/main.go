// Package main provides the go-appium-screenshot-matrix CLI entry point.
//
// go-appium-screenshot-matrix drives a matrix of iOS simulators and
// Android emulators through Appium to capture localized store
// screenshots: every (platform, device, language) combination becomes
// one job, jobs run on a bounded worker pool, and the results land in a
// per-combination directory tree plus a machine-readable manifest.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/build"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/command"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/config"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/envinfo"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/logging"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/manifest"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/metrics"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/orchestrator"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/plan"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/ports"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/preflight"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/stats"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/tui"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-appium-screenshot-matrix
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("go-appium-screenshot-matrix %s\n", version)
			return 0
		}
	}

	// Parse command-line flags
	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	// Apply --check mode modifications before the logger choice: check
	// mode disables the dashboard and turns verbose logging on.
	if cfg.Check {
		config.ApplyCheckMode(cfg)
	}

	// Initialize logger
	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info")
	} else {
		logger = logging.NewLogger(cfg.LogFormat, "info", cfg.Verbose)
	}
	logging.SetDefault(logger)

	// Load and validate the matrix file
	if cfg.ConfigFile == "" {
		fmt.Fprintln(os.Stderr, "Error: no matrix file given (see -h for usage)")
		return 1
	}
	matrix, err := config.LoadMatrix(cfg.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading matrix: %v\n", err)
		return 1
	}
	if err := config.ValidateMatrix(matrix); err != nil {
		fmt.Fprintf(os.Stderr, "Matrix error: %v\n", err)
		return 1
	}

	// Expand the matrix into the run plan
	allocator, err := ports.New(cfg.BasePort, cfg.PortOffset)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Port configuration error: %v\n", err)
		return 1
	}

	executor := command.NewExecutor(logger)
	buildSvc := build.NewService(executor, logger, cfg.BuildTimeout, cfg.BuildEnv)

	runPlan, err := plan.NewBuilder(cfg, matrix, allocator, buildSvc, logger).Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plan error: %v\n", err)
		return 1
	}

	// Handle --plan mode
	if cfg.PlanOnly {
		printPlan(runPlan)
		return 0
	}

	if len(runPlan.Jobs) == 0 {
		fmt.Fprintln(os.Stderr, "Nothing to do: the matrix expanded to zero jobs")
		for _, w := range runPlan.Warnings {
			fmt.Fprintf(os.Stderr, "  ⚠ %s\n", w)
		}
		return 1
	}

	// Check mode runs only the first job of the filtered plan.
	if cfg.Check && len(runPlan.Jobs) > 1 {
		runPlan.Jobs = runPlan.Jobs[:1]
		runPlan.Counts.Jobs = 1
		logger.Info("check_mode_enabled", "job", runPlan.Jobs[0].ID())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Size the worker pool
	snapshot := envinfo.Collect(ctx)
	workers := orchestrator.WorkerCount(cfg, snapshot, len(runPlan.Jobs), allocator.MaxParallelJobs())

	// Preflight
	if !cfg.SkipPreflight {
		pre := preflight.RunAll(cfg, runPlan, workers)
		preflight.PrintResults(pre)
		if !pre.Passed {
			fmt.Fprintln(os.Stderr, "Preflight failed (use -skip-preflight to override)")
			return 1
		}
	}

	// Log startup
	logger.Info("starting",
		"version", version,
		"jobs", len(runPlan.Jobs),
		"workers", workers,
		"output", outputRoot(cfg, matrix),
		"metrics_addr", cfg.MetricsAddr,
	)

	// Print startup banner
	printBanner(cfg, matrix, runPlan, workers)

	// Metrics
	collector := metrics.NewCollector(metrics.CollectorConfig{Version: version})
	metricsServer := metrics.NewServer(cfg.MetricsAddr, prometheus.DefaultGatherer, logger)
	if err := metricsServer.Start(); err != nil {
		logger.Error("metrics_server_start_failed", "error", err)
	}
	collector.RunStarted(len(runPlan.Jobs), workers)

	// Dashboard
	callbacks := collector.Callbacks()
	var program *tea.Program
	if cfg.TUIEnabled {
		model := tui.New(tui.Config{
			Plan:        runPlan,
			Workers:     workers,
			MetricsAddr: cfg.MetricsAddr,
			OutputRoot:  outputRoot(cfg, matrix),
		})
		program = tea.NewProgram(model, tea.WithAltScreen())
		callbacks = orchestrator.MergeCallbacks(collector.Callbacks(), tui.Callbacks(program))
	}

	// Orchestrator
	factory := orchestrator.DefaultFactory(cfg, matrix, logger)
	jobExecutor := orchestrator.NewJobExecutor(cfg, matrix, logger, callbacks)
	orch := orchestrator.New(factory, jobExecutor, snapshot, logger, callbacks)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var result orchestrator.RunResult
	if program != nil {
		done := make(chan orchestrator.RunResult, 1)
		go func() {
			done <- orch.Run(runCtx, runPlan, workers)
			tui.SendQuit(program)
		}()

		if _, err := program.Run(); err != nil {
			logger.Error("tui_failed", "error", err)
		}
		// The dashboard exited: either the run finished and sent quit,
		// or the user quit early. Cancel before waiting so an early
		// quit winds the run down instead of deadlocking here.
		cancelRun()
		result = <-done
	} else {
		result = orch.Run(runCtx, runPlan, workers)
	}

	// Stop the metrics endpoint before writing artifacts.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	metricsServer.Shutdown(shutdownCtx)
	cancel()

	return finishRun(cfg, matrix, &result, workers, logger)
}

// finishRun persists the run artifacts and prints the exit summary.
// Split from run so the summary path stays testable without a device in
// sight.
func finishRun(cfg *config.Config, matrix *config.Matrix, result *orchestrator.RunResult, workers int, logger *slog.Logger) int {
	root := outputRoot(cfg, matrix)
	rs := stats.Compute(result)

	manifestPath, err := manifest.Write(result, root)
	if err != nil {
		logger.Error("manifest_write_failed", "error", err)
		rs.Warnings = append(rs.Warnings, fmt.Sprintf("manifest not written: %v", err))
		manifestPath = ""
	}

	promPath := filepath.Join(root, "metrics.prom")
	if err := metrics.WriteSnapshot(prometheus.DefaultGatherer, promPath); err != nil {
		logger.Error("metrics_snapshot_failed", "error", err)
		rs.Warnings = append(rs.Warnings, fmt.Sprintf("metrics snapshot not written: %v", err))
	}

	fmt.Print(stats.FormatExitSummary(rs, stats.SummaryConfig{
		Workers:      workers,
		OutputDir:    root,
		ManifestPath: manifestPath,
		MetricsAddr:  cfg.MetricsAddr,
	}))

	if !result.Success {
		return 1
	}
	return 0
}

// outputRoot resolves the screenshot root: the -output flag wins over
// the matrix file.
func outputRoot(cfg *config.Config, matrix *config.Matrix) string {
	if cfg.OutputDir != "" {
		return cfg.OutputDir
	}
	return matrix.Output
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config, matrix *config.Matrix, p *plan.RunPlan, workers int) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                   go-appium-screenshot-matrix                      ║")
	fmt.Println("║        Localized Screenshots Across a Device/Language Matrix       ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Jobs:        %d (%d platforms × %d devices × %d languages)\n",
		p.Counts.Jobs, p.Counts.Platforms, p.Counts.Devices, p.Counts.Languages)
	fmt.Printf("  Workers:     %d\n", workers)
	fmt.Printf("  Output:      %s\n", outputRoot(cfg, matrix))
	fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	if p.EstimatedDuration > 0 {
		fmt.Printf("  Estimated:   ~%s serial, less with %d workers\n",
			p.EstimatedDuration.Round(time.Minute), workers)
	}
	if p.Counts.Skipped > 0 {
		fmt.Printf("  Skipped:     %d combinations (see warnings)\n", p.Counts.Skipped)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}

// printPlan prints the expanded job plan without running anything.
func printPlan(p *plan.RunPlan) {
	fmt.Println()
	fmt.Printf("Run plan: %d jobs\n\n", len(p.Jobs))

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("#", "Platform", "Device", "Language", "Locale", "Sets", "Ports", "Output")

	for i := range p.Jobs {
		job := &p.Jobs[i]

		sets := make([]string, 0, len(job.Screenshots))
		for _, set := range job.Screenshots {
			sets = append(sets, set.Name)
		}

		table.Append(
			strconv.Itoa(job.Index),
			string(job.Platform),
			job.Device.Name(),
			job.Language,
			job.Locale,
			strings.Join(sets, ","),
			job.Ports.String(),
			job.OutputDir,
		)
	}
	table.Render()

	for _, w := range p.Warnings {
		fmt.Printf("  ⚠ %s\n", w)
	}

	fmt.Printf("\n%d platforms × %d devices × %d languages → %d jobs (%d combinations skipped)\n",
		p.Counts.Platforms, p.Counts.Devices, p.Counts.Languages, p.Counts.Jobs, p.Counts.Skipped)
	if p.EstimatedDuration > 0 {
		fmt.Printf("Estimated serial duration: %s\n", p.EstimatedDuration.Round(time.Second))
	}
}
