package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"log/slog"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/command"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/config"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/logging"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/plan"
)

const (
	// Emulator console ports must be even and live in 5554..5682;
	// adb derives the serial (emulator-NNNN) from them.
	consolePortFirst = 5554
	consolePortLast  = 5682

	// bootPollInterval paces the sys.boot_completed probe.
	bootPollInterval = 2 * time.Second

	// adbProbeTimeout bounds each individual adb probe during boot.
	adbProbeTimeout = 10 * time.Second

	// emuStopGrace is how long Stop waits between escalation steps:
	// adb emu kill, then SIGTERM, then SIGKILL.
	emuStopGrace = 10 * time.Second

	// emuReapGrace bounds the wait for the waiter goroutine after SIGKILL.
	emuReapGrace = 2 * time.Second
)

// consolePorts tracks which emulator console ports this process has
// handed out. The job-index port math covers Appium, driver, and
// webview ports; console ports come from this separate pool because
// only 65 even values exist and the emulator rejects everything else.
var consolePorts = struct {
	mu   sync.Mutex
	used map[int]bool
}{used: make(map[int]bool)}

func acquireConsolePort() (int, error) {
	consolePorts.mu.Lock()
	defer consolePorts.mu.Unlock()
	for p := consolePortFirst; p <= consolePortLast; p += 2 {
		if !consolePorts.used[p] {
			consolePorts.used[p] = true
			return p, nil
		}
	}
	return 0, fmt.Errorf("all emulator console ports (%d-%d) in use", consolePortFirst, consolePortLast)
}

func releaseConsolePort(p int) {
	consolePorts.mu.Lock()
	delete(consolePorts.used, p)
	consolePorts.mu.Unlock()
}

// AndroidManager drives Android emulators through the emulator binary
// and adb. Language and locale are not set on the device; the
// UiAutomator2 session capabilities carry them instead.
type AndroidManager struct {
	executor    *command.Executor
	logger      *slog.Logger
	app         *config.AndroidApp // nil when the run installs an override artifact
	bootTimeout time.Duration
	cmdTimeout  time.Duration
	verbose     bool

	// overridable in tests
	adb      string
	emulator string
}

func NewAndroidManager(executor *command.Executor, cfg *config.Config, app *config.AndroidApp, logger *slog.Logger) *AndroidManager {
	return &AndroidManager{
		executor:    executor,
		logger:      logger,
		app:         app,
		bootTimeout: cfg.DeviceBootTimeout,
		cmdTimeout:  cfg.CommandTimeout,
		verbose:     cfg.Verbose,
		adb:         "adb",
		emulator:    "emulator",
	}
}

func (m *AndroidManager) Platform() plan.Platform { return plan.PlatformAndroid }

func (m *AndroidManager) adbCmd(ctx context.Context, timeout time.Duration, serial string, args ...string) (*command.Result, error) {
	return m.executor.Run(ctx, command.Spec{
		Program: m.adb,
		Args:    append([]string{"-s", serial}, args...),
		Timeout: timeout,
	})
}

// adbDetail pulls the most useful line out of an adb result. Install
// and pm failures land on stdout ("Failure [INSTALL_FAILED...]").
func adbDetail(result *command.Result) string {
	if d := tail(result.Stderr); d != "" {
		return d
	}
	return tail(result.Stdout)
}

// Prepare acquires a console port, spawns a fresh emulator for the
// job's AVD, waits for sys.boot_completed, and applies the unlock and
// status-bar demo-mode setup. On failure after spawn the emulator is
// stopped and the console port released before the error returns.
func (m *AndroidManager) Prepare(ctx context.Context, job plan.RunJob) (Handle, error) {
	dev := job.Device.Android
	if dev == nil {
		return nil, &OperationError{Platform: plan.PlatformAndroid, Op: "prepare", Detail: "not an android job"}
	}

	consolePort, err := acquireConsolePort()
	if err != nil {
		return nil, &OperationError{Platform: plan.PlatformAndroid, Op: "prepare", Device: dev.AVD, Err: err}
	}

	h, err := m.spawn(dev.AVD, consolePort)
	if err != nil {
		releaseConsolePort(consolePort)
		return nil, err
	}

	if err := m.waitBootCompleted(ctx, h); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if stopErr := h.Stop(stopCtx); stopErr != nil {
			m.logger.Warn("emulator_stop_failed", "serial", h.serial, "error", stopErr)
		}
		return nil, err
	}

	m.setLocaleProp(ctx, h.serial, job.Locale)
	m.unlock(ctx, h.serial)
	m.overrideStatusBar(ctx, h.serial)

	m.logger.Info("emulator_ready",
		"avd", dev.AVD,
		"serial", h.serial,
		"console_port", consolePort,
		"language", job.Language,
		"locale", job.Locale,
	)
	return h, nil
}

// spawn starts the emulator process. The process must outlive the
// Prepare context, so it is not tied to one.
func (m *AndroidManager) spawn(avd string, consolePort int) (*emuHandle, error) {
	handler := logging.NewServerLogHandler(consolePort, m.logger, m.verbose)

	cmd := exec.Command(m.emulator,
		"-avd", avd,
		"-port", strconv.Itoa(consolePort),
		"-no-snapshot",
		"-no-boot-anim",
		"-no-audio",
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &OperationError{Platform: plan.PlatformAndroid, Op: "spawn", Device: avd, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &OperationError{Platform: plan.PlatformAndroid, Op: "spawn", Device: avd, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &OperationError{Platform: plan.PlatformAndroid, Op: "spawn", Device: avd, Err: err}
	}

	h := &emuHandle{
		avd:         avd,
		serial:      fmt.Sprintf("emulator-%d", consolePort),
		consolePort: consolePort,
		cmd:         cmd,
		manager:     m,
		done:        make(chan struct{}),
	}

	// Readers must drain before Wait may run; Wait closes the pipes.
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
		h.exitCode = extractWaitCode(cmd.Wait())
		close(h.done)
	}()

	m.logger.Info("emulator_started",
		"avd", avd,
		"serial", h.serial,
		"pid", cmd.Process.Pid,
	)
	return h, nil
}

// waitBootCompleted blocks until adb reports sys.boot_completed=1,
// the emulator process dies, or the boot timeout elapses.
func (m *AndroidManager) waitBootCompleted(ctx context.Context, h *emuHandle) error {
	bootCtx, cancel := context.WithTimeout(ctx, m.bootTimeout)
	defer cancel()

	select {
	case <-h.done:
		return &OperationError{
			Platform: plan.PlatformAndroid, Op: "boot", Device: h.avd,
			Detail: fmt.Sprintf("emulator exited with code %d during boot", h.exitCode),
		}
	default:
	}

	// adb blocks here until the serial shows up in its device list.
	// Boot continues well past that point, so the poll below stays the
	// authority; a wait-for-device failure just means the poll starts
	// from nothing.
	if _, err := m.adbCmd(bootCtx, m.bootTimeout, h.serial, "wait-for-device"); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return &OperationError{Platform: plan.PlatformAndroid, Op: "boot_wait", Device: h.serial, Err: err}
		}
	}

	ticker := time.NewTicker(bootPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return &OperationError{
				Platform: plan.PlatformAndroid, Op: "boot", Device: h.avd,
				Detail: fmt.Sprintf("emulator exited with code %d during boot", h.exitCode),
			}
		case <-bootCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &OperationError{
				Platform: plan.PlatformAndroid, Op: "boot_wait", Device: h.serial,
				Detail: fmt.Sprintf("not booted within %s", m.bootTimeout),
			}
		case <-ticker.C:
			result, err := m.adbCmd(bootCtx, adbProbeTimeout, h.serial, "shell", "getprop", "sys.boot_completed")
			if err != nil {
				if errors.Is(err, exec.ErrNotFound) {
					return &OperationError{Platform: plan.PlatformAndroid, Op: "boot_wait", Device: h.serial, Err: err}
				}
				continue // adb not reachable yet
			}
			if result.ExitCode == 0 && strings.TrimSpace(result.Stdout) == "1" {
				return nil
			}
		}
	}
}

// setLocaleProp writes the system locale property. The UiAutomator2
// session capabilities are what actually switch the app's locale; the
// property additionally covers apps that read the system locale before
// the session starts. Best-effort: stock emulator images accept it,
// hardened ones may not.
func (m *AndroidManager) setLocaleProp(ctx context.Context, serial, locale string) {
	result, err := m.adbCmd(ctx, m.cmdTimeout, serial, "shell", "setprop", "persist.sys.locale", locale)
	if err != nil || result.ExitCode != 0 {
		m.logger.Debug("locale_prop_failed", "serial", serial, "locale", locale, "error", errDetail(result, err))
	}
}

// unlock dismisses the keyguard. Best-effort.
func (m *AndroidManager) unlock(ctx context.Context, serial string) {
	result, err := m.adbCmd(ctx, m.cmdTimeout, serial, "shell", "input", "keyevent", "82")
	if err != nil || result.ExitCode != 0 {
		m.logger.Debug("unlock_failed", "serial", serial, "error", errDetail(result, err))
	}
}

// overrideStatusBar pins the clock, battery, and signal through SystemUI
// demo mode. Best-effort: the first failing step aborts the sequence.
func (m *AndroidManager) overrideStatusBar(ctx context.Context, serial string) {
	steps := [][]string{
		{"shell", "settings", "put", "global", "sysui_demo_allowed", "1"},
		{"shell", "am", "broadcast", "-a", "com.android.systemui.demo", "-e", "command", "enter"},
		{"shell", "am", "broadcast", "-a", "com.android.systemui.demo", "-e", "command", "clock", "-e", "hhmm", "0941"},
		{"shell", "am", "broadcast", "-a", "com.android.systemui.demo", "-e", "command", "battery", "-e", "level", "100", "-e", "plugged", "false"},
		{"shell", "am", "broadcast", "-a", "com.android.systemui.demo", "-e", "command", "network", "-e", "wifi", "show", "-e", "level", "4"},
	}
	for _, args := range steps {
		result, err := m.adbCmd(ctx, m.cmdTimeout, serial, args...)
		if err != nil || result.ExitCode != 0 {
			m.logger.Debug("status_bar_demo_failed",
				"serial", serial,
				"step", strings.Join(args, " "),
				"error", errDetail(result, err),
			)
			return
		}
	}
}

func (m *AndroidManager) Install(ctx context.Context, h Handle, artifactPath string) error {
	result, err := m.adbCmd(ctx, m.cmdTimeout, h.Serial(), "install", "-r", "-g", artifactPath)
	if err != nil {
		return &OperationError{Platform: plan.PlatformAndroid, Op: "install", Device: h.Serial(), Err: err}
	}
	if result.ExitCode != 0 {
		return &OperationError{
			Platform: plan.PlatformAndroid, Op: "install", Device: h.Serial(),
			Detail: adbDetail(result),
		}
	}
	return nil
}

// ResetAppData clears the app's storage with pm clear. A package that
// is not installed yet makes pm clear fail; that case is tolerated so
// the first job on a fresh emulator does not die here.
func (m *AndroidManager) ResetAppData(ctx context.Context, h Handle) error {
	if m.app == nil || m.app.AppPackage == "" {
		m.logger.Debug("reset_skipped", "reason", "no app package configured")
		return nil
	}
	result, err := m.adbCmd(ctx, m.cmdTimeout, h.Serial(), "shell", "pm", "clear", m.app.AppPackage)
	if err != nil {
		return &OperationError{Platform: plan.PlatformAndroid, Op: "reset", Device: h.Serial(), Err: err}
	}
	if result.ExitCode != 0 || strings.Contains(result.Stdout, "Failed") {
		m.logger.Debug("reset_tolerated",
			"serial", h.Serial(),
			"package", m.app.AppPackage,
			"detail", adbDetail(result),
		)
	}
	return nil
}

func (m *AndroidManager) TakeScreenshot(ctx context.Context, h Handle, outPath string) error {
	result, err := m.adbCmd(ctx, m.cmdTimeout, h.Serial(), "exec-out", "screencap", "-p")
	if err != nil {
		return &OperationError{Platform: plan.PlatformAndroid, Op: "screenshot", Device: h.Serial(), Err: err}
	}
	if result.ExitCode != 0 {
		return &OperationError{
			Platform: plan.PlatformAndroid, Op: "screenshot", Device: h.Serial(),
			Detail: adbDetail(result),
		}
	}
	if err := os.WriteFile(outPath, []byte(result.Stdout), 0o644); err != nil {
		return &OperationError{Platform: plan.PlatformAndroid, Op: "screenshot", Device: h.Serial(), Err: err}
	}
	return nil
}

func (m *AndroidManager) CaptureLogs(ctx context.Context, h Handle, outPath string) error {
	result, err := m.adbCmd(ctx, m.cmdTimeout, h.Serial(), "logcat", "-d", "-t", "500")
	if err != nil {
		return &OperationError{Platform: plan.PlatformAndroid, Op: "capture_logs", Device: h.Serial(), Err: err}
	}
	if result.ExitCode != 0 {
		return &OperationError{
			Platform: plan.PlatformAndroid, Op: "capture_logs", Device: h.Serial(),
			Detail: adbDetail(result),
		}
	}
	if err := os.WriteFile(outPath, []byte(result.Stdout), 0o644); err != nil {
		return &OperationError{Platform: plan.PlatformAndroid, Op: "capture_logs", Device: h.Serial(), Err: err}
	}
	return nil
}

func (m *AndroidManager) SessionCaps(h Handle, job plan.RunJob) map[string]any {
	caps := map[string]any{
		"platformName":            "Android",
		"appium:automationName":   "UiAutomator2",
		"appium:udid":             h.Serial(),
		"appium:deviceName":       job.Device.Name(),
		"appium:systemPort":       job.Ports.DriverPort,
		"appium:chromedriverPort": job.Ports.WebviewPort,
		"appium:language":         languageTag(job.Language),
		"appium:locale":           regionTag(job.Locale),
	}
	if m.app != nil {
		if m.app.AppPackage != "" {
			caps["appium:appPackage"] = m.app.AppPackage
		}
		if m.app.AppActivity != "" {
			caps["appium:appActivity"] = m.app.AppActivity
		}
	}
	return caps
}

// emuHandle is a running emulator owned by one job.
type emuHandle struct {
	avd         string
	serial      string
	consolePort int
	cmd         *exec.Cmd
	manager     *AndroidManager

	done     chan struct{}
	exitCode int

	stopOnce sync.Once
	stopErr  error
}

func (h *emuHandle) ID() string     { return "android-emu:" + h.serial }
func (h *emuHandle) Serial() string { return h.serial }

// Stop shuts the emulator down: adb emu kill first, then SIGTERM to
// the process group, then SIGKILL. Idempotent; always releases the
// console port.
func (h *emuHandle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		defer releaseConsolePort(h.consolePort)
		h.stopErr = h.stop(ctx)
	})
	return h.stopErr
}

func (h *emuHandle) stop(ctx context.Context) error {
	select {
	case <-h.done:
		h.manager.logger.Debug("emulator_already_exited", "serial", h.serial, "exit_code", h.exitCode)
		return nil
	default:
	}

	// Clean path: the console kill command powers the emulator down.
	if result, err := h.manager.adbCmd(ctx, adbProbeTimeout, h.serial, "emu", "kill"); err != nil || result.ExitCode != 0 {
		h.manager.logger.Debug("emu_kill_failed", "serial", h.serial, "error", errDetail(result, err))
	}

	select {
	case <-h.done:
		h.manager.logger.Info("emulator_stopped", "serial", h.serial, "exit_code", h.exitCode)
		return nil
	case <-time.After(emuStopGrace):
	case <-ctx.Done():
	}

	h.signal(syscall.SIGTERM)
	select {
	case <-h.done:
		h.manager.logger.Info("emulator_stopped", "serial", h.serial, "exit_code", h.exitCode)
		return nil
	case <-time.After(emuStopGrace):
	case <-ctx.Done():
	}

	h.manager.logger.Warn("force_killing_emulator", "serial", h.serial)
	h.signal(syscall.SIGKILL)
	select {
	case <-h.done:
		return nil
	case <-time.After(emuReapGrace):
		return &OperationError{
			Platform: plan.PlatformAndroid, Op: "stop", Device: h.serial,
			Detail: "did not exit after SIGKILL",
		}
	}
}

// signal delivers sig to the emulator's process group, falling back to
// the process itself when the group lookup fails.
func (h *emuHandle) signal(sig syscall.Signal) {
	if pgid, err := syscall.Getpgid(h.cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = h.cmd.Process.Signal(sig)
}

// extractWaitCode extracts the exit code from a Wait() error.
func extractWaitCode(err error) int {
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
