// Package actions interprets a screenshot set's steps against a live
// automation session: wait, waitFor, tap, capture. The runner owns the
// job's output directory and produces one ScreenshotRecord per capture.
package actions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/config"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/plan"
)

// Session is the driver surface the runner needs. *appium.Client
// implements it.
type Session interface {
	WaitForElement(ctx context.Context, using, value string, timeout time.Duration) (string, error)
	Tap(ctx context.Context, elementID string) error
	Screenshot(ctx context.Context) ([]byte, error)
}

// ScreenshotRecord describes one captured matrix screenshot.
type ScreenshotRecord struct {
	// Name is the capture step's name, e.g. "01-home".
	Name string `json:"name"`

	// Set is the screenshot set the capture belongs to.
	Set string `json:"set"`

	// File is the path the PNG was written to.
	File string `json:"file"`

	Platform     string `json:"platform"`
	Language     string `json:"language"`
	DeviceFolder string `json:"device_folder"`

	TakenAt time.Time `json:"taken_at"`

	// Size is the PNG size in bytes.
	Size int64 `json:"size"`

	// Elapsed is the capture round trip, used for latency stats.
	Elapsed time.Duration `json:"-"`
}

// ActionError reports a failed step. The job records it and moves on
// to the next screenshot set; it never aborts the run.
type ActionError struct {
	Set       string
	StepIndex int
	Action    string
	Selector  string
	Err       error
}

func (e *ActionError) Error() string {
	msg := fmt.Sprintf("set %q step %d (%s", e.Set, e.StepIndex, e.Action)
	if e.Selector != "" {
		msg += " " + e.Selector
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ActionError) Unwrap() error { return e.Err }

// ParseSelector maps the matrix selector shorthand to a W3C locator
// strategy: "//" prefixes are xpath, "#" is a resource/element id, "~"
// and bare strings are accessibility ids.
func ParseSelector(sel string) (using, value string) {
	switch {
	case strings.HasPrefix(sel, "//"):
		return "xpath", sel
	case strings.HasPrefix(sel, "#"):
		return "id", sel[1:]
	case strings.HasPrefix(sel, "~"):
		return "accessibility id", sel[1:]
	default:
		return "accessibility id", sel
	}
}

// Runner executes screenshot sets for one job.
type Runner struct {
	session      Session
	logger       *slog.Logger
	outputDir    string
	platform     string
	language     string
	deviceFolder string

	// tapTimeout bounds the element lookup before a tap. Flows usually
	// waitFor the screen first, so this only covers the gap between a
	// visible screen and a hittable element.
	tapTimeout time.Duration
}

func NewRunner(session Session, job plan.RunJob, cfg *config.Config, logger *slog.Logger) *Runner {
	return &Runner{
		session:      session,
		logger:       logger,
		outputDir:    job.OutputDir,
		platform:     string(job.Platform),
		language:     job.Language,
		deviceFolder: job.Device.Folder(),
		tapTimeout:   cfg.ActionTimeout,
	}
}

// RunSet executes one screenshot set. It returns the records captured
// before any failure: a set that dies on step 3 still delivers the
// screenshots from steps 1 and 2.
func (r *Runner) RunSet(ctx context.Context, set config.ScreenshotSet) ([]ScreenshotRecord, error) {
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir %s: %w", r.outputDir, err)
	}

	var records []ScreenshotRecord
	for i, step := range set.Steps {
		rec, err := r.runStep(ctx, set.Name, i, step)
		if rec != nil {
			records = append(records, *rec)
		}
		if err != nil {
			return records, err
		}
	}

	r.logger.Debug("set_finished", "set", set.Name, "screenshots", len(records))
	return records, nil
}

func (r *Runner) runStep(ctx context.Context, setName string, idx int, step config.Step) (*ScreenshotRecord, error) {
	r.logger.Debug("step_running",
		"set", setName,
		"step", idx,
		"action", step.Action,
	)

	switch step.Action {
	case config.ActionWait:
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step.Duration.Std()):
			return nil, nil
		}

	case config.ActionWaitFor:
		using, value := ParseSelector(step.Selector)
		if _, err := r.session.WaitForElement(ctx, using, value, step.Timeout.Std()); err != nil {
			return nil, r.stepErr(ctx, setName, idx, step, err)
		}
		return nil, nil

	case config.ActionTap:
		using, value := ParseSelector(step.Selector)
		elementID, err := r.session.WaitForElement(ctx, using, value, r.tapTimeout)
		if err != nil {
			return nil, r.stepErr(ctx, setName, idx, step, err)
		}
		if err := r.session.Tap(ctx, elementID); err != nil {
			return nil, r.stepErr(ctx, setName, idx, step, err)
		}
		return nil, nil

	case config.ActionCapture:
		return r.capture(ctx, setName, idx, step)

	default:
		// Matrix validation rejects unknown actions at load; this only
		// fires for sets constructed in code.
		return nil, &ActionError{Set: setName, StepIndex: idx, Action: step.Action, Err: errors.New("unknown action")}
	}
}

func (r *Runner) capture(ctx context.Context, setName string, idx int, step config.Step) (*ScreenshotRecord, error) {
	start := time.Now()

	png, err := r.session.Screenshot(ctx)
	if err != nil {
		return nil, r.stepErr(ctx, setName, idx, step, err)
	}

	name := step.Name
	if !strings.HasSuffix(name, ".png") {
		name += ".png"
	}
	path := filepath.Join(r.outputDir, name)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return nil, &ActionError{Set: setName, StepIndex: idx, Action: step.Action, Err: err}
	}

	rec := &ScreenshotRecord{
		Name:         step.Name,
		Set:          setName,
		File:         path,
		Platform:     r.platform,
		Language:     r.language,
		DeviceFolder: r.deviceFolder,
		TakenAt:      time.Now(),
		Size:         int64(len(png)),
		Elapsed:      time.Since(start),
	}
	r.logger.Info("screenshot_captured",
		"set", setName,
		"name", step.Name,
		"file", path,
		"bytes", len(png),
	)
	return rec, nil
}

// stepErr keeps cancellation distinct from action failure: a cancelled
// context surfaces as ctx.Err so the job dies as cancelled, not as a
// flaky action.
func (r *Runner) stepErr(ctx context.Context, setName string, idx int, step config.Step, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &ActionError{
		Set:       setName,
		StepIndex: idx,
		Action:    step.Action,
		Selector:  step.Selector,
		Err:       err,
	}
}
