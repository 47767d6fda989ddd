// Package appium spawns and talks to Appium automation servers.
//
// Each job gets its own server instance on its own port. The controller
// starts the process, streams its output through the log classifier,
// and polls /status until the server reports ready. The returned
// ServerProcess is a registry.ManagedResource with an idempotent,
// SIGTERM-then-SIGKILL stop.
package appium

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/config"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/logging"
)

const (
	// pollInterval paces the /status readiness loop.
	pollInterval = 500 * time.Millisecond

	// stopGrace is how long Stop waits after SIGTERM before SIGKILL.
	stopGrace = 10 * time.Second

	// reapGrace bounds the wait for the waiter goroutine after SIGKILL.
	reapGrace = 2 * time.Second

	// startLogTail is how many recent output lines a start failure
	// carries in its error.
	startLogTail = 10
)

// ProcessStartError reports that an automation server (or a device)
// failed to become ready. Fatal to the job, never to the run.
type ProcessStartError struct {
	Port     int
	Reason   string
	LogLines []string // recent server output, oldest first
}

func (e *ProcessStartError) Error() string {
	msg := fmt.Sprintf("appium server on port %d: %s", e.Port, e.Reason)
	if n := len(e.LogLines); n > 0 {
		msg += fmt.Sprintf(" (last output: %s)", e.LogLines[n-1])
	}
	return msg
}

// Controller starts appium server processes.
type Controller struct {
	appiumPath   string
	startTimeout time.Duration
	verbose      bool
	logger       *slog.Logger
}

func NewController(cfg *config.Config, logger *slog.Logger) *Controller {
	return &Controller{
		appiumPath:   cfg.AppiumPath,
		startTimeout: cfg.ServerStartTimeout,
		verbose:      cfg.Verbose,
		logger:       logger,
	}
}

// Start spawns an appium server on port and blocks until its /status
// endpoint reports ready, the start timeout passes, the process exits,
// or ctx is cancelled. On every failure path the spawned process is
// already stopped when Start returns.
func (c *Controller) Start(ctx context.Context, port int) (*ServerProcess, error) {
	handler := logging.NewServerLogHandler(port, c.logger, c.verbose)

	cmd := exec.Command(c.appiumPath,
		"server",
		"--address", "127.0.0.1",
		"--port", strconv.Itoa(port),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, &ProcessStartError{
			Port:   port,
			Reason: fmt.Sprintf("spawn %s: %v", c.appiumPath, err),
		}
	}

	p := &ServerProcess{
		port:    port,
		cmd:     cmd,
		handler: handler,
		logger:  c.logger,
		done:    make(chan struct{}),
	}

	// Wait must not run until both pipe readers hit EOF, or it would
	// close the pipes under them and drop the server's last lines.
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		handler.HandleReader(stdout)
	}()
	go func() {
		defer readers.Done()
		handler.HandleReader(stderr)
	}()
	go func() {
		readers.Wait()
		p.exitCode = extractExitCode(cmd.Wait())
		close(p.done)
	}()

	c.logger.Info("appium_server_started",
		"port", port,
		"pid", cmd.Process.Pid,
	)

	if err := c.awaitReady(ctx, p); err != nil {
		return nil, err
	}

	c.logger.Info("appium_server_ready", "port", port, "url", p.URL())
	return p, nil
}

// awaitReady polls /status until the server answers ready.
func (c *Controller) awaitReady(ctx context.Context, p *ServerProcess) error {
	pollCtx, cancel := context.WithTimeout(ctx, c.startTimeout)
	defer cancel()

	client := NewClient(p.URL(), c.logger)

	for {
		select {
		case <-p.done:
			return &ProcessStartError{
				Port:     p.port,
				Reason:   fmt.Sprintf("exited with code %d during startup", p.exitCode),
				LogLines: p.handler.RecentLines(startLogTail),
			}

		case <-pollCtx.Done():
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopGrace+reapGrace)
			stopErr := p.Stop(stopCtx)
			stopCancel()
			if stopErr != nil {
				c.logger.Warn("appium_server_stop_failed", "port", p.port, "error", stopErr)
			}
			if ctx.Err() != nil {
				// Parent cancellation wins over the readiness timeout.
				return ctx.Err()
			}
			return &ProcessStartError{
				Port:     p.port,
				Reason:   fmt.Sprintf("not ready within %s", c.startTimeout),
				LogLines: p.handler.RecentLines(startLogTail),
			}

		case <-time.After(pollInterval):
			if ready, _ := client.Status(pollCtx); ready {
				return nil
			}
		}
	}
}

// IsRunning reports whether a server on port answers /status.
func (c *Controller) IsRunning(ctx context.Context, port int) bool {
	client := NewClient(fmt.Sprintf("http://127.0.0.1:%d", port), c.logger)
	ready, err := client.Status(ctx)
	return err == nil && ready
}

// ServerProcess is one live appium server instance.
type ServerProcess struct {
	port    int
	cmd     *exec.Cmd
	handler *logging.ServerLogHandler
	logger  *slog.Logger

	done     chan struct{} // closed when the process has been reaped
	exitCode int           // valid only after done is closed

	stopOnce sync.Once
	stopErr  error
}

// Port returns the server's listen port.
func (p *ServerProcess) Port() int { return p.port }

// PID returns the server's process id.
func (p *ServerProcess) PID() int { return p.cmd.Process.Pid }

// URL returns the server's base URL.
func (p *ServerProcess) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", p.port)
}

// ID implements registry.ManagedResource.
func (p *ServerProcess) ID() string {
	return fmt.Sprintf("appium:%d", p.port)
}

// Running reports whether the process is still alive.
func (p *ServerProcess) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// RecentOutput returns the last lines the server printed, oldest first.
func (p *ServerProcess) RecentOutput() []string {
	return p.handler.RecentLines(logging.MaxBufferedLines)
}

// ErrorCount sums how many known-bad patterns have appeared in the
// server's output so far.
func (p *ServerProcess) ErrorCount() int {
	total := 0
	for _, n := range p.handler.CountErrors() {
		total += n
	}
	return total
}

// Stop terminates the server: SIGTERM to the process group, then
// SIGKILL if it has not exited within the grace period or ctx expires.
// Idempotent; stopping an already-exited server returns nil.
func (p *ServerProcess) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(ctx)
	})
	return p.stopErr
}

func (p *ServerProcess) stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	pid := p.cmd.Process.Pid
	p.logger.Debug("stopping_appium_server", "port", p.port, "pid", pid)

	p.signal(syscall.SIGTERM)

	grace := time.NewTimer(stopGrace)
	defer grace.Stop()
	select {
	case <-p.done:
		p.logger.Info("appium_server_stopped", "port", p.port, "exit_code", p.exitCode)
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	p.logger.Warn("force_killing_appium_server", "port", p.port, "pid", pid)
	p.signal(syscall.SIGKILL)

	reap := time.NewTimer(reapGrace)
	defer reap.Stop()
	select {
	case <-p.done:
		p.logger.Info("appium_server_stopped", "port", p.port, "exit_code", p.exitCode)
		return nil
	case <-reap.C:
		return fmt.Errorf("appium server on port %d did not exit after SIGKILL", p.port)
	}
}

// signal delivers sig to the whole process group, falling back to the
// process itself when the group is gone.
func (p *ServerProcess) signal(sig syscall.Signal) {
	if pgid, err := syscall.Getpgid(p.cmd.Process.Pid); err == nil {
		syscall.Kill(-pgid, sig)
	} else {
		p.cmd.Process.Signal(sig)
	}
}

// extractExitCode extracts the exit code from a Wait() error.
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

	return 1
}
