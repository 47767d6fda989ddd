// Package orchestrator fans a run plan out over a bounded worker pool
// and reassembles per-job results in plan order. One failed job fails
// the run's Success flag; nothing short of cancellation stops the
// other jobs from running.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/config"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/envinfo"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/plan"
)

// JobRunner executes one job. *JobExecutor implements it; tests swap
// in fakes.
type JobRunner interface {
	Execute(ctx context.Context, job plan.RunJob, c *Collaborators) JobResult
}

// Orchestrator runs a plan.
type Orchestrator struct {
	factory  CollaboratorFactory
	executor JobRunner
	snapshot *envinfo.Snapshot
	logger   *slog.Logger
	cb       Callbacks

	mu          sync.Mutex
	deviceLocks map[string]*sync.Mutex
}

func New(factory CollaboratorFactory, executor JobRunner, snapshot *envinfo.Snapshot, logger *slog.Logger, cb Callbacks) *Orchestrator {
	return &Orchestrator{
		factory:     factory,
		executor:    executor,
		snapshot:    snapshot,
		logger:      logger,
		cb:          cb,
		deviceLocks: make(map[string]*sync.Mutex),
	}
}

// WorkerCount picks the pool size: the configured concurrency, or half
// the logical cores when unset, capped by the port space and the job
// count, never below one.
func WorkerCount(cfg *config.Config, snapshot *envinfo.Snapshot, jobCount, maxParallel int) int {
	n := cfg.Concurrency
	if n <= 0 {
		n = snapshot.DefaultWorkers()
	}
	if maxParallel > 0 && n > maxParallel {
		n = maxParallel
	}
	if n > jobCount {
		n = jobCount
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Run executes every job in the plan on at most workers goroutines.
// It always returns a complete RunResult: one JobResult per planned
// job, in plan order. Cancellation stops undispatched jobs from
// starting and lets in-flight jobs finish their cleanup.
func (o *Orchestrator) Run(ctx context.Context, p *plan.RunPlan, workers int) RunResult {
	result := RunResult{
		RunID:       uuid.NewString(),
		StartedAt:   time.Now(),
		Environment: o.snapshot,
		Counts:      p.Counts,
		Warnings:    p.Warnings,
	}

	o.logger.Info("run_started",
		"run_id", result.RunID,
		"jobs", len(p.Jobs),
		"workers", workers,
	)

	results := make([]JobResult, len(p.Jobs))

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i, job := range p.Jobs {
		if ctx.Err() != nil {
			results[i] = o.cancelledResult(job, ctx.Err())
			continue
		}
		i, job := i, job // per-iteration copies; required while go.mod is below 1.22
		g.Go(func() error {
			// The pool slot may have been granted after cancellation.
			if ctx.Err() != nil {
				results[i] = o.cancelledResult(job, ctx.Err())
				return nil
			}

			// Jobs sharing a physical device run one at a time.
			lock := o.deviceLock(job.Device.Key())
			lock.Lock()
			defer lock.Unlock()
			if ctx.Err() != nil {
				results[i] = o.cancelledResult(job, ctx.Err())
				return nil
			}

			results[i] = o.runJob(ctx, job)
			return nil
		})
	}
	g.Wait()

	result.Jobs = results
	result.FinishedAt = time.Now()
	result.Success = true
	for i := range results {
		if !results[i].Success() {
			result.Success = false
			break
		}
	}
	if err := ctx.Err(); err != nil {
		result.Error = "run cancelled: " + err.Error()
	}

	o.logger.Info("run_finished",
		"run_id", result.RunID,
		"success", result.Success,
		"passed", result.Passed(),
		"failed", result.Failed(),
		"screenshots", result.ScreenshotCount(),
		"duration", result.Duration().String(),
	)
	return result
}

func (o *Orchestrator) runJob(ctx context.Context, job plan.RunJob) JobResult {
	collab, err := o.factory(job)
	if err != nil {
		o.logger.Error("collaborator_factory_failed", "job", job.ID(), "error", err)
		now := time.Now()
		res := JobResult{
			Index:        job.Index,
			JobID:        job.ID(),
			Platform:     string(job.Platform),
			Device:       job.Device.Name(),
			DeviceFolder: job.Device.Folder(),
			Language:     job.Language,
			Status:       StatusFailed,
			StartedAt:    now,
			FinishedAt:   now,
			Errors:       []string{err.Error()},
			Err:          err,
		}
		o.cb.jobFinish(res)
		return res
	}
	return o.executor.Execute(ctx, job, collab)
}

// cancelledResult synthesizes the result for a job that never started.
func (o *Orchestrator) cancelledResult(job plan.RunJob, cause error) JobResult {
	now := time.Now()
	res := JobResult{
		Index:        job.Index,
		JobID:        job.ID(),
		Platform:     string(job.Platform),
		Device:       job.Device.Name(),
		DeviceFolder: job.Device.Folder(),
		Language:     job.Language,
		Status:       StatusCancelled,
		StartedAt:    now,
		FinishedAt:   now,
		Errors:       []string{"cancelled before start: " + cause.Error()},
		Err:          cause,
	}
	o.logger.Info("job_cancelled_before_start", "job", job.ID())
	o.cb.jobFinish(res)
	return res
}

func (o *Orchestrator) deviceLock(key string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l, ok := o.deviceLocks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	o.deviceLocks[key] = l
	return l
}
