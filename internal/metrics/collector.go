// Package metrics provides Prometheus metrics for the screenshot run.
//
// The collector is fed by orchestrator callbacks, so it sees the same
// event stream as the TUI: job starts, phase transitions, captured
// screenshots, and finished jobs.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/actions"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/orchestrator"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/plan"
)

// --- Panel 1: Run Overview ---
var (
	matrixInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "screenshot_matrix_info",
			Help: "Information about the run (value always 1)",
		},
		[]string{"version"},
	)

	matrixPlannedJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "screenshot_matrix_planned_jobs",
			Help: "Number of jobs in the expanded plan",
		},
	)

	matrixWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "screenshot_matrix_workers",
			Help: "Size of the worker pool",
		},
	)

	matrixActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "screenshot_matrix_active_jobs",
			Help: "Jobs currently executing",
		},
	)
)

// --- Panel 2: Job Outcomes ---
var (
	matrixJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenshot_matrix_jobs_total",
			Help: "Finished jobs by platform and status",
		},
		[]string{"platform", "status"},
	)

	matrixJobErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenshot_matrix_job_errors_total",
			Help: "Errors recorded on finished jobs",
		},
		[]string{"platform"},
	)

	matrixJobDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "screenshot_matrix_job_duration_seconds",
			Help:    "Wall-clock duration of finished jobs",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
		},
	)
)

// --- Panel 3: Screenshots ---
var (
	matrixScreenshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenshot_matrix_screenshots_total",
			Help: "Screenshots captured, by platform and language",
		},
		[]string{"platform", "language"},
	)

	matrixScreenshotBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "screenshot_matrix_screenshot_bytes_total",
			Help: "Total bytes of captured screenshots",
		},
	)

	matrixCaptureSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "screenshot_matrix_capture_seconds",
			Help:    "Time from capture step start to screenshot on disk",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
)

// --- Panel 4: Lifecycle ---
var (
	matrixPhaseSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "screenshot_matrix_phase_seconds",
			Help:    "Time spent per job lifecycle phase",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		},
		[]string{"phase"},
	)

	matrixDevicePreparesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screenshot_matrix_device_prepares_total",
			Help: "Device prepare attempts (boot, locale, status bar)",
		},
		[]string{"platform"},
	)

	matrixBuildsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "screenshot_matrix_builds_total",
			Help: "App builds triggered because no artifact matched",
		},
	)
)

// phaseMark is where a job currently is and since when. An empty label
// means the job has started but not yet reported a phase.
type phaseMark struct {
	label string
	at    time.Time
}

// Collector tracks run metrics. Thread-safe: the orchestrator invokes
// its methods from every worker goroutine.
type Collector struct {
	startTime time.Time

	mu         sync.Mutex
	active     int
	peakActive int
	phaseMarks map[string]phaseMark
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version string
}

// NewCollector creates a collector registered with the default
// Prometheus registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		startTime:  time.Now(),
		phaseMarks: make(map[string]phaseMark),
	}

	registry.MustRegister(
		// Panel 1: Run Overview
		matrixInfo,
		matrixPlannedJobs,
		matrixWorkers,
		matrixActiveJobs,

		// Panel 2: Job Outcomes
		matrixJobsTotal,
		matrixJobErrorsTotal,
		matrixJobDurationSeconds,

		// Panel 3: Screenshots
		matrixScreenshotsTotal,
		matrixScreenshotBytesTotal,
		matrixCaptureSeconds,

		// Panel 4: Lifecycle
		matrixPhaseSeconds,
		matrixDevicePreparesTotal,
		matrixBuildsTotal,
	)

	// Elapsed is computed on scrape rather than on a ticker.
	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "screenshot_matrix_run_elapsed_seconds",
			Help: "Seconds since the collector was created",
		},
		func() float64 { return time.Since(c.startTime).Seconds() },
	))

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	matrixInfo.WithLabelValues(version).Set(1)

	return c
}

// Callbacks wires the collector into the orchestrator's event stream.
func (c *Collector) Callbacks() orchestrator.Callbacks {
	return orchestrator.Callbacks{
		OnJobStart:   c.JobStarted,
		OnJobPhase:   c.JobPhase,
		OnScreenshot: c.ScreenshotCaptured,
		OnJobFinish:  c.JobFinished,
	}
}

// RunStarted records the plan shape once dispatch begins.
func (c *Collector) RunStarted(plannedJobs, workers int) {
	matrixPlannedJobs.Set(float64(plannedJobs))
	matrixWorkers.Set(float64(workers))
}

// JobStarted marks a job as active.
func (c *Collector) JobStarted(job plan.RunJob) {
	c.mu.Lock()
	c.active++
	if c.active > c.peakActive {
		c.peakActive = c.active
	}
	active := c.active
	c.phaseMarks[job.ID()] = phaseMark{at: time.Now()}
	c.mu.Unlock()

	matrixActiveJobs.Set(float64(active))
}

// JobPhase observes the duration of the phase being left and counts
// prepare and build attempts.
func (c *Collector) JobPhase(job plan.RunJob, phase string) {
	label := phaseLabel(phase)
	now := time.Now()

	c.mu.Lock()
	prev, ok := c.phaseMarks[job.ID()]
	c.phaseMarks[job.ID()] = phaseMark{label: label, at: now}
	c.mu.Unlock()

	if ok && prev.label != "" {
		matrixPhaseSeconds.WithLabelValues(prev.label).Observe(now.Sub(prev.at).Seconds())
	}

	switch label {
	case "device":
		matrixDevicePreparesTotal.WithLabelValues(string(job.Platform)).Inc()
	case "build":
		matrixBuildsTotal.Inc()
	}
}

// ScreenshotCaptured counts one screenshot.
func (c *Collector) ScreenshotCaptured(job plan.RunJob, rec actions.ScreenshotRecord) {
	matrixScreenshotsTotal.WithLabelValues(string(job.Platform), job.Language).Inc()
	if rec.Size > 0 {
		matrixScreenshotBytesTotal.Add(float64(rec.Size))
	}
	if rec.Elapsed > 0 {
		matrixCaptureSeconds.Observe(rec.Elapsed.Seconds())
	}
}

// JobFinished records the outcome. Jobs that never started (results
// synthesized for cancelled or unassemblable jobs) do not touch the
// active gauge.
func (c *Collector) JobFinished(res orchestrator.JobResult) {
	now := time.Now()

	c.mu.Lock()
	mark, started := c.phaseMarks[res.JobID]
	delete(c.phaseMarks, res.JobID)
	if started {
		c.active--
	}
	active := c.active
	c.mu.Unlock()

	if started {
		matrixActiveJobs.Set(float64(active))
		if mark.label != "" {
			matrixPhaseSeconds.WithLabelValues(mark.label).Observe(now.Sub(mark.at).Seconds())
		}
	}

	matrixJobsTotal.WithLabelValues(res.Platform, string(res.Status)).Inc()
	if n := len(res.Errors); n > 0 {
		matrixJobErrorsTotal.WithLabelValues(res.Platform).Add(float64(n))
	}
	if d := res.Duration(); d > 0 {
		matrixJobDurationSeconds.Observe(d.Seconds())
	}
}

// PeakActive returns the highest number of concurrently active jobs.
func (c *Collector) PeakActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peakActive
}

// phaseLabel folds the per-set capture phases into one label value so
// the phase histogram stays bounded regardless of matrix size.
func phaseLabel(phase string) string {
	if strings.HasPrefix(phase, "capturing ") {
		return "capture"
	}
	switch phase {
	case "starting server":
		return "server"
	case "preparing device":
		return "device"
	case "building app":
		return "build"
	case "installing app":
		return "install"
	case "opening session":
		return "session"
	default:
		return "other"
	}
}
