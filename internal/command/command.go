// Package command runs external tools and captures their output.
//
// Every external invocation in this codebase (simctl, adb, emulator,
// xcodebuild, gradle, the automation server binary) goes through this
// package so that timeouts, cancellation, retries, and exit-code
// handling behave the same way everywhere.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Spec describes a single external command invocation.
type Spec struct {
	// Program is the executable to run, resolved via PATH unless absolute.
	Program string

	// Args are passed to the program verbatim.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env entries (KEY=VALUE) are appended to the parent environment.
	Env []string

	// Timeout bounds the command's runtime. Zero means no timeout: the
	// command runs until it exits or the context is cancelled.
	Timeout time.Duration
}

// Result holds everything a finished command produced.
// A non-zero ExitCode is not an error; callers decide what exit codes mean.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// TimeoutError reports that a command exceeded its Spec.Timeout.
// It is distinct from context cancellation: a cancelled parent context
// surfaces as ctx.Err(), never as a TimeoutError.
type TimeoutError struct {
	Program string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %s", e.Program, e.Timeout)
}

// waitDelay bounds how long Wait blocks on output pipes after the process
// exits. Some tools (adb most notably) fork a daemon that inherits the
// pipe and would otherwise hold Wait open forever.
const waitDelay = 5 * time.Second

// Executor runs external commands.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates an Executor that logs command activity to logger.
func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{logger: logger}
}

// Run executes the command described by spec and waits for it to exit.
//
// The returned error is non-nil only when the command could not run to
// completion: the program was not found, the parent context was
// cancelled, or the timeout elapsed. A command that ran and exited
// non-zero returns a Result carrying the exit code and a nil error.
func (e *Executor) Run(ctx context.Context, spec Spec) (*Result, error) {
	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Program, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Run the command in its own process group and kill the whole group
	// on cancellation so children (gradle daemons, node subprocesses)
	// don't outlive us.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
			return syscall.Kill(-pgid, syscall.SIGKILL)
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = waitDelay

	e.logger.Debug("command_starting",
		"program", spec.Program,
		"args", strings.Join(spec.Args, " "),
		"timeout", spec.Timeout.String(),
	)

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := &Result{
		ExitCode: extractExitCode(err),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if err == nil {
		e.logger.Debug("command_finished",
			"program", spec.Program,
			"exit_code", 0,
			"duration", duration.String(),
		)
		return result, nil
	}

	// A pipe held open past exit by a forked daemon. The process itself
	// finished; treat its exit code as authoritative.
	if errors.Is(err, exec.ErrWaitDelay) {
		e.logger.Debug("command_output_pipes_abandoned",
			"program", spec.Program,
			"exit_code", result.ExitCode,
		)
		return result, nil
	}

	// Parent cancellation wins over everything else.
	if ctx.Err() != nil {
		e.logger.Debug("command_cancelled",
			"program", spec.Program,
			"duration", duration.String(),
		)
		return result, ctx.Err()
	}

	if spec.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		e.logger.Warn("command_timeout",
			"program", spec.Program,
			"timeout", spec.Timeout.String(),
		)
		return result, &TimeoutError{Program: spec.Program, Timeout: spec.Timeout}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Ran and exited non-zero. Callers inspect ExitCode.
		e.logger.Debug("command_finished",
			"program", spec.Program,
			"exit_code", result.ExitCode,
			"duration", duration.String(),
		)
		return result, nil
	}

	// Could not start at all (missing binary, permissions, bad dir).
	return result, fmt.Errorf("starting %s: %w", spec.Program, err)
}

// extractExitCode extracts the exit code from a Run() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Signal exit: 128 + signal number
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	// Unknown error, assume exit code 1
	return 1
}

// lastLine returns the last non-empty line of s, for compact error messages.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
