// Package build runs external app builds (xcodebuild, gradlew) and
// locates the artifacts they produce.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/command"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/config"
)

// BuildError reports a failed external build. Fatal to the job that
// needed the artifact, never to the run.
type BuildError struct {
	Platform string
	Program  string
	ExitCode int
	Detail   string // last stderr line
	Err      error  // set when the command never completed (timeout, cancellation)
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s build: %s: %v", e.Platform, e.Program, e.Err)
	}
	return fmt.Sprintf("%s build: %s exited %d: %s", e.Platform, e.Program, e.ExitCode, e.Detail)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Service builds app artifacts and resolves their output paths.
// It implements plan.ArtifactResolver.
type Service struct {
	executor *command.Executor
	logger   *slog.Logger
	timeout  time.Duration
	env      []string // KEY=VALUE entries appended to build commands
}

func NewService(executor *command.Executor, logger *slog.Logger, timeout time.Duration, env []string) *Service {
	return &Service{
		executor: executor,
		logger:   logger,
		timeout:  timeout,
		env:      env,
	}
}

// Resolve finds the newest artifact matching pattern under baseDir.
func (s *Service) Resolve(pattern, baseDir string) (string, error) {
	path, err := DiscoverArtifact(pattern, baseDir)
	if err != nil {
		return "", err
	}
	s.logger.Debug("artifact_discovered", "pattern", pattern, "path", path)
	return path, nil
}

// Build runs the platform's build step. A non-zero exit, a timeout, or
// a cancellation all surface as a *BuildError.
func (s *Service) Build(ctx context.Context, platform string, step *config.BuildStep) error {
	s.logger.Info("build_started",
		"platform", platform,
		"program", step.Command,
		"args", strings.Join(step.Args, " "),
		"dir", step.Dir,
	)

	result, err := s.executor.Run(ctx, command.Spec{
		Program: step.Command,
		Args:    step.Args,
		Dir:     step.Dir,
		Env:     s.env,
		Timeout: s.timeout,
	})
	if err != nil {
		return &BuildError{Platform: platform, Program: step.Command, Err: err}
	}
	if result.ExitCode != 0 {
		return &BuildError{
			Platform: platform,
			Program:  step.Command,
			ExitCode: result.ExitCode,
			Detail:   tail(result.Stderr, result.Stdout),
		}
	}

	s.logger.Info("build_succeeded",
		"platform", platform,
		"duration", result.Duration.Round(time.Millisecond).String(),
	)
	return nil
}

// tail returns the last non-empty line of the first non-empty stream.
func tail(streams ...string) string {
	for _, s := range streams {
		lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			if line := strings.TrimSpace(lines[i]); line != "" {
				return line
			}
		}
	}
	return ""
}
