package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/actions"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/config"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/device"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/imagecheck"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/plan"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/registry"
)

// artifactTimeout bounds the best-effort failure-artifact capture.
const artifactTimeout = 30 * time.Second

// Server is a running automation server. *appium.ServerProcess
// implements it.
type Server interface {
	registry.ManagedResource
	Port() int
	URL() string

	// RecentOutput returns the last lines the server printed, oldest
	// first; ErrorCount sums the known-bad patterns seen so far. Both
	// feed the job failure report.
	RecentOutput() []string
	ErrorCount() int
}

// ServerController starts the job's automation server on its allocated
// port.
type ServerController interface {
	Start(ctx context.Context, port int) (Server, error)
}

// SessionClient is the driver session surface the executor needs.
// *appium.Client implements it.
type SessionClient interface {
	actions.Session
	NewSession(ctx context.Context, caps map[string]any) error
	DeleteSession(ctx context.Context) error
	PageSource(ctx context.Context) (string, error)
}

// ArtifactSource builds and locates app artifacts. *build.Service
// implements it.
type ArtifactSource interface {
	Build(ctx context.Context, platform string, step *config.BuildStep) error
	Resolve(pattern, baseDir string) (string, error)
}

// SetRunner executes one screenshot set. *actions.Runner implements it.
type SetRunner interface {
	RunSet(ctx context.Context, set config.ScreenshotSet) ([]actions.ScreenshotRecord, error)
}

// Collaborators are the per-job moving parts. The factory builds a
// fresh set for every job so nothing leaks between jobs; in particular
// each job gets its own Registry.
type Collaborators struct {
	Registry  *registry.Registry
	Server    ServerController
	Device    device.Manager
	Builder   ArtifactSource
	NewClient func(baseURL string) SessionClient
	NewRunner func(session SessionClient, job plan.RunJob) SetRunner
}

// CollaboratorFactory builds the collaborator set for one job.
type CollaboratorFactory func(job plan.RunJob) (*Collaborators, error)

// jobState holds what cleanup and failure-artifact capture need,
// filled in as the lifecycle progresses.
type jobState struct {
	server Server
	handle device.Handle
	client SessionClient
}

// JobExecutor runs one job end to end. Nothing escapes its boundary:
// panics, fatal errors, and recorded failures all land in the JobResult.
type JobExecutor struct {
	cfg    *config.Config
	matrix *config.Matrix
	logger *slog.Logger
	cb     Callbacks
}

func NewJobExecutor(cfg *config.Config, matrix *config.Matrix, logger *slog.Logger, cb Callbacks) *JobExecutor {
	return &JobExecutor{cfg: cfg, matrix: matrix, logger: logger, cb: cb}
}

// Execute runs the job lifecycle: server, device, artifact + install,
// session, screenshot sets with validation, cleanup. Cleanup always
// runs, on its own bounded context, and empties the job's registry.
func (e *JobExecutor) Execute(ctx context.Context, job plan.RunJob, c *Collaborators) JobResult {
	res := JobResult{
		Index:        job.Index,
		JobID:        job.ID(),
		Platform:     string(job.Platform),
		Device:       job.Device.Name(),
		DeviceFolder: job.Device.Folder(),
		Language:     job.Language,
		Status:       StatusRunning,
		StartedAt:    time.Now(),
	}
	e.cb.jobStart(job)
	e.logger.Info("job_started",
		"job", job.ID(),
		"index", job.Index,
		"ports", job.Ports.String(),
	)

	err := e.run(ctx, job, c, &res)
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		res.Err = err
		res.Errors = append([]string{err.Error()}, res.Errors...)
		res.Status = StatusCancelled
	case err != nil:
		res.Err = err
		res.Errors = append([]string{err.Error()}, res.Errors...)
		res.Status = StatusFailed
	case len(res.Errors) > 0:
		res.Status = StatusFailed
	default:
		res.Status = StatusPassed
	}
	res.FinishedAt = time.Now()

	e.logger.Info("job_finished",
		"job", job.ID(),
		"status", string(res.Status),
		"screenshots", len(res.Screenshots),
		"errors", len(res.Errors),
		"duration", res.Duration().String(),
	)
	e.cb.jobFinish(res)
	return res
}

func (e *JobExecutor) run(ctx context.Context, job plan.RunJob, c *Collaborators, res *JobResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job %s: %v", job.ID(), r)
		}
	}()

	state := &jobState{}
	defer e.cleanup(job, c, state)

	// Automation server.
	e.cb.phase(job, "starting server")
	server, err := c.Server.Start(ctx, job.Ports.ServerPort)
	if err != nil {
		return err
	}
	if err := c.Registry.Register(registry.ServerKey(server.Port()), server); err != nil {
		e.stopNow(server)
		return err
	}
	state.server = server

	// Device.
	e.cb.phase(job, "preparing device")
	handle, err := c.Device.Prepare(ctx, job)
	if err != nil {
		return err
	}
	if err := c.Registry.Register(deviceKey(job.Platform, handle.Serial()), handle); err != nil {
		e.stopNow(handle)
		return err
	}
	state.handle = handle

	// Artifact, reset, install.
	artifact, err := e.ensureArtifact(ctx, job, c)
	if err != nil {
		return err
	}
	if err := c.Device.ResetAppData(ctx, handle); err != nil {
		return err
	}
	e.cb.phase(job, "installing app")
	if err := c.Device.Install(ctx, handle, artifact); err != nil {
		return err
	}

	// Session.
	e.cb.phase(job, "opening session")
	client := c.NewClient(server.URL())
	sessionCtx, cancel := context.WithTimeout(ctx, e.cfg.SessionTimeout)
	err = client.NewSession(sessionCtx, c.Device.SessionCaps(handle, job))
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("opening session on %s: %w", server.URL(), err)
	}
	state.client = client

	// Screenshot sets. A failed set is recorded and the loop moves on;
	// only cancellation stops it.
	runner := c.NewRunner(client, job)
	for _, set := range job.Screenshots {
		e.cb.phase(job, "capturing "+set.Name)
		records, setErr := runner.RunSet(ctx, set)
		for _, rec := range records {
			res.Screenshots = append(res.Screenshots, rec)
			e.cb.screenshot(job, rec)
			if vErr := imagecheck.Validate(rec.File, job.Device.Folder(), e.matrix.Validation); vErr != nil {
				res.Errors = append(res.Errors, vErr.Error())
				e.logger.Warn("screenshot_validation_failed",
					"job", job.ID(),
					"screenshot", rec.Name,
					"error", vErr,
				)
			}
		}
		if setErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.Errors = append(res.Errors, setErr.Error())
			e.logger.Warn("screenshot_set_failed",
				"job", job.ID(),
				"set", set.Name,
				"server_errors", state.server.ErrorCount(),
				"error", setErr,
			)
			e.captureFailureArtifacts(ctx, job, c, state, set.Name, res)
		}
	}
	return nil
}

// ensureArtifact returns the artifact to install: the plan's resolved
// path when discovery already found one, otherwise build and resolve
// now.
func (e *JobExecutor) ensureArtifact(ctx context.Context, job plan.RunJob, c *Collaborators) (string, error) {
	if job.ArtifactPath != "" {
		return job.ArtifactPath, nil
	}

	pattern, step := e.appArtifact(job.Platform)
	if step == nil {
		return "", fmt.Errorf("no artifact for %s and no build step configured", job.Platform)
	}

	e.cb.phase(job, "building app")
	if err := c.Builder.Build(ctx, string(job.Platform), step); err != nil {
		return "", err
	}
	artifact, err := c.Builder.Resolve(pattern, "")
	if err != nil {
		return "", fmt.Errorf("after build: %w", err)
	}
	return artifact, nil
}

func (e *JobExecutor) appArtifact(platform plan.Platform) (pattern string, step *config.BuildStep) {
	switch platform {
	case plan.PlatformIOS:
		if app := e.matrix.Apps.IOS; app != nil {
			return app.Artifact, app.Build
		}
	case plan.PlatformAndroid:
		if app := e.matrix.Apps.Android; app != nil {
			return app.Artifact, app.Build
		}
	}
	return "", nil
}

// captureFailureArtifacts grabs page source, a device-level screenshot,
// device logs, and the server's recent output after a set failure, in
// parallel and best-effort.
func (e *JobExecutor) captureFailureArtifacts(ctx context.Context, job plan.RunJob, c *Collaborators, state *jobState, setName string, res *JobResult) {
	dir := filepath.Join(job.OutputDir, "failures", setName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logger.Warn("failure_artifact_dir_failed", "job", job.ID(), "error", err)
		return
	}

	actx, cancel := context.WithTimeout(ctx, artifactTimeout)
	defer cancel()

	var paths [4]string
	g := new(errgroup.Group)
	g.Go(func() error {
		if state.client == nil {
			return nil
		}
		source, err := state.client.PageSource(actx)
		if err != nil {
			return fmt.Errorf("page source: %w", err)
		}
		p := filepath.Join(dir, "page_source.xml")
		if err := os.WriteFile(p, []byte(source), 0o644); err != nil {
			return fmt.Errorf("page source: %w", err)
		}
		paths[0] = p
		return nil
	})
	g.Go(func() error {
		if state.handle == nil {
			return nil
		}
		p := filepath.Join(dir, "screen.png")
		if err := c.Device.TakeScreenshot(actx, state.handle, p); err != nil {
			return fmt.Errorf("device screenshot: %w", err)
		}
		paths[1] = p
		return nil
	})
	g.Go(func() error {
		if state.handle == nil {
			return nil
		}
		p := filepath.Join(dir, "device.log")
		if err := c.Device.CaptureLogs(actx, state.handle, p); err != nil {
			return fmt.Errorf("device logs: %w", err)
		}
		paths[2] = p
		return nil
	})
	g.Go(func() error {
		if state.server == nil {
			return nil
		}
		lines := state.server.RecentOutput()
		if len(lines) == 0 {
			return nil
		}
		p := filepath.Join(dir, "server.log")
		if err := os.WriteFile(p, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
			return fmt.Errorf("server log: %w", err)
		}
		paths[3] = p
		return nil
	})
	if err := g.Wait(); err != nil {
		e.logger.Debug("failure_artifact_incomplete", "job", job.ID(), "set", setName, "error", err)
	}

	for _, p := range paths {
		if p != "" {
			res.FailureArtifacts = append(res.FailureArtifacts, p)
		}
	}
}

// cleanup tears the job down on its own bounded context so a cancelled
// run still stops what it started. Cleanup errors are logged, never
// surfaced into the result.
func (e *JobExecutor) cleanup(job plan.RunJob, c *Collaborators, state *jobState) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CleanupTimeout)
	defer cancel()

	if state.client != nil {
		if err := state.client.DeleteSession(ctx); err != nil {
			e.logger.Warn("cleanup_session_failed", "job", job.ID(), "error", err)
		}
	}

	// LIFO: the device registered after the server stops first.
	if err := c.Registry.StopAll(ctx); err != nil {
		e.logger.Warn("cleanup_failed", "job", job.ID(), "error", err)
	}
	e.logger.Debug("job_cleanup_finished", "job", job.ID())
}

// stopNow stops a resource that failed to register, on a fresh bounded
// context.
func (e *JobExecutor) stopNow(res registry.ManagedResource) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CleanupTimeout)
	defer cancel()
	if err := res.Stop(ctx); err != nil {
		e.logger.Warn("orphan_stop_failed", "resource", res.ID(), "error", err)
	}
}

func deviceKey(platform plan.Platform, serial string) string {
	if platform == plan.PlatformIOS {
		return registry.IOSSimKey(serial)
	}
	return registry.AndroidEmuKey(serial)
}
