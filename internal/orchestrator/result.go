package orchestrator

import (
	"time"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/actions"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/envinfo"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/plan"
)

// JobStatus is the terminal (or live) state of one job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusPassed    JobStatus = "passed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// JobResult is the complete outcome of one job. Every planned job gets
// exactly one, in plan order, even when it never started.
type JobResult struct {
	Index        int    `json:"index"`
	JobID        string `json:"job_id"`
	Platform     string `json:"platform"`
	Device       string `json:"device"`
	DeviceFolder string `json:"device_folder"`
	Language     string `json:"language"`

	Status     JobStatus `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Screenshots holds every capture that made it to disk, including
	// ones taken before a later step failed.
	Screenshots []actions.ScreenshotRecord `json:"screenshots"`

	// FailureArtifacts are diagnostics captured after an action or
	// validation failure: page source, device screenshot, device logs.
	FailureArtifacts []string `json:"failure_artifacts,omitempty"`

	// Errors lists everything that went wrong, fatal error first when
	// there is one, then recorded action/validation failures in order.
	Errors []string `json:"errors,omitempty"`

	// Err is the fatal error that ended the job early, nil when the job
	// ran to completion (possibly with recorded failures).
	Err error `json:"-"`
}

// Success reports whether the job passed outright.
func (r *JobResult) Success() bool { return r.Status == StatusPassed }

// Duration is the wall time the job occupied a worker slot.
func (r *JobResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunResult aggregates a whole matrix run.
type RunResult struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Success is the AND over all jobs. One failed job fails the run
	// but never aborts it.
	Success bool `json:"success"`

	// Error is set for run-level conditions, cancellation mostly.
	Error string `json:"error,omitempty"`

	Environment *envinfo.Snapshot `json:"environment"`
	Counts      plan.Counts       `json:"counts"`
	Warnings    []string          `json:"warnings,omitempty"`

	// Jobs is in plan order regardless of completion order.
	Jobs []JobResult `json:"jobs"`
}

// Passed counts jobs that succeeded.
func (r *RunResult) Passed() int {
	n := 0
	for i := range r.Jobs {
		if r.Jobs[i].Success() {
			n++
		}
	}
	return n
}

// Failed counts jobs that did not succeed, cancelled ones included.
func (r *RunResult) Failed() int { return len(r.Jobs) - r.Passed() }

// ScreenshotCount totals captures across all jobs.
func (r *RunResult) ScreenshotCount() int {
	n := 0
	for i := range r.Jobs {
		n += len(r.Jobs[i].Screenshots)
	}
	return n
}

// Duration is the run wall time.
func (r *RunResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Callbacks let the TUI and metrics observe the run without the
// orchestrator knowing about either. All fields are optional.
type Callbacks struct {
	OnJobStart   func(job plan.RunJob)
	OnJobPhase   func(job plan.RunJob, phase string)
	OnScreenshot func(job plan.RunJob, rec actions.ScreenshotRecord)
	OnJobFinish  func(result JobResult)
}

func (c Callbacks) jobStart(job plan.RunJob) {
	if c.OnJobStart != nil {
		c.OnJobStart(job)
	}
}

func (c Callbacks) phase(job plan.RunJob, phase string) {
	if c.OnJobPhase != nil {
		c.OnJobPhase(job, phase)
	}
}

func (c Callbacks) screenshot(job plan.RunJob, rec actions.ScreenshotRecord) {
	if c.OnScreenshot != nil {
		c.OnScreenshot(job, rec)
	}
}

func (c Callbacks) jobFinish(result JobResult) {
	if c.OnJobFinish != nil {
		c.OnJobFinish(result)
	}
}

// MergeCallbacks fans the event stream out to several consumers, e.g.
// the TUI and the metrics collector at once.
func MergeCallbacks(list ...Callbacks) Callbacks {
	return Callbacks{
		OnJobStart: func(job plan.RunJob) {
			for _, cb := range list {
				cb.jobStart(job)
			}
		},
		OnJobPhase: func(job plan.RunJob, phase string) {
			for _, cb := range list {
				cb.phase(job, phase)
			}
		},
		OnScreenshot: func(job plan.RunJob, rec actions.ScreenshotRecord) {
			for _, cb := range list {
				cb.screenshot(job, rec)
			}
		},
		OnJobFinish: func(result JobResult) {
			for _, cb := range list {
				cb.jobFinish(result)
			}
		},
	}
}
