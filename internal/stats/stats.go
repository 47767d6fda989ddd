// Package stats reduces a finished run to run-level statistics and
// renders the exit summary.
//
// This file walks the per-job results: counts by status and platform,
// screenshot totals, and latency percentiles (T-Digest).
package stats

import (
	"time"

	"github.com/influxdata/tdigest"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/orchestrator"
)

// PlatformStats breaks a run down by platform.
type PlatformStats struct {
	Jobs        int
	Passed      int
	Failed      int
	Cancelled   int
	Screenshots int
}

// JobFailure pairs a failed job with its first recorded error.
type JobFailure struct {
	JobID string
	Error string
}

// RunStats is a snapshot computed once, after the run finishes.
type RunStats struct {
	Success  bool
	Duration time.Duration

	TotalJobs int
	Passed    int
	Failed    int
	Cancelled int

	Screenshots     int
	ScreenshotBytes int64

	// Capture latency percentiles across every screenshot taken.
	CaptureP50 time.Duration
	CaptureP95 time.Duration
	CaptureP99 time.Duration

	// Wall-clock percentiles across every job that actually ran.
	JobP50 time.Duration
	JobP95 time.Duration
	JobP99 time.Duration

	SlowestJobID       string
	SlowestJobDuration time.Duration

	Platforms map[string]*PlatformStats

	// Failures lists failed jobs in plan order.
	Failures []JobFailure

	// Warnings carries the plan-time skip messages through to the
	// summary.
	Warnings []string
}

// Compute reduces a finished run to RunStats. Percentiles come from
// T-Digests (~100 centroids) so large matrices stay cheap.
func Compute(result *orchestrator.RunResult) *RunStats {
	rs := &RunStats{
		Success:   result.Success,
		Duration:  result.Duration(),
		TotalJobs: len(result.Jobs),
		Platforms: make(map[string]*PlatformStats),
		Warnings:  result.Warnings,
	}

	captureDigest := tdigest.NewWithCompression(100)
	jobDigest := tdigest.NewWithCompression(100)
	var captures, ranJobs int

	for i := range result.Jobs {
		jr := &result.Jobs[i]

		ps := rs.Platforms[jr.Platform]
		if ps == nil {
			ps = &PlatformStats{}
			rs.Platforms[jr.Platform] = ps
		}
		ps.Jobs++

		switch jr.Status {
		case orchestrator.StatusPassed:
			rs.Passed++
			ps.Passed++
		case orchestrator.StatusCancelled:
			rs.Cancelled++
			ps.Cancelled++
		default:
			rs.Failed++
			ps.Failed++
			failure := JobFailure{JobID: jr.JobID}
			if len(jr.Errors) > 0 {
				failure.Error = jr.Errors[0]
			}
			rs.Failures = append(rs.Failures, failure)
		}

		rs.Screenshots += len(jr.Screenshots)
		ps.Screenshots += len(jr.Screenshots)
		for _, rec := range jr.Screenshots {
			rs.ScreenshotBytes += rec.Size
			if rec.Elapsed > 0 {
				captureDigest.Add(float64(rec.Elapsed.Nanoseconds()), 1)
				captures++
			}
		}

		// Jobs cancelled before dispatch carry a zero duration.
		if d := jr.Duration(); d > 0 {
			jobDigest.Add(float64(d.Nanoseconds()), 1)
			ranJobs++
			if d > rs.SlowestJobDuration {
				rs.SlowestJobDuration = d
				rs.SlowestJobID = jr.JobID
			}
		}
	}

	if captures > 0 {
		rs.CaptureP50 = time.Duration(captureDigest.Quantile(0.50))
		rs.CaptureP95 = time.Duration(captureDigest.Quantile(0.95))
		rs.CaptureP99 = time.Duration(captureDigest.Quantile(0.99))
	}
	if ranJobs > 0 {
		rs.JobP50 = time.Duration(jobDigest.Quantile(0.50))
		rs.JobP95 = time.Duration(jobDigest.Quantile(0.95))
		rs.JobP99 = time.Duration(jobDigest.Quantile(0.99))
	}
	return rs
}
