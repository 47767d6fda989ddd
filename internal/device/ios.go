package device

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/command"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/config"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/plan"
)

const shutdownTimeout = time.Minute

// IOSManager drives iOS simulators through xcrun simctl.
type IOSManager struct {
	executor    *command.Executor
	logger      *slog.Logger
	app         *config.IOSApp // nil when the run installs an override artifact
	bootTimeout time.Duration
	cmdTimeout  time.Duration

	xcrun string // overridable in tests
}

func NewIOSManager(executor *command.Executor, cfg *config.Config, app *config.IOSApp, logger *slog.Logger) *IOSManager {
	return &IOSManager{
		executor:    executor,
		logger:      logger,
		app:         app,
		bootTimeout: cfg.DeviceBootTimeout,
		cmdTimeout:  cfg.CommandTimeout,
		xcrun:       "xcrun",
	}
}

func (m *IOSManager) Platform() plan.Platform { return plan.PlatformIOS }

func (m *IOSManager) simctl(ctx context.Context, timeout time.Duration, args ...string) (*command.Result, error) {
	return m.executor.Run(ctx, command.Spec{
		Program: m.xcrun,
		Args:    append([]string{"simctl"}, args...),
		Timeout: timeout,
	})
}

// Prepare resolves the simulator, boots it, waits for the boot to
// finish, writes the job's language and locale into the simulator's
// global preferences, and applies the status-bar override. If Prepare
// booted the device itself and then fails, it shuts the device back
// down before returning.
func (m *IOSManager) Prepare(ctx context.Context, job plan.RunJob) (Handle, error) {
	dev := job.Device.IOS
	if dev == nil {
		return nil, &OperationError{Platform: plan.PlatformIOS, Op: "prepare", Detail: "not an ios job"}
	}

	udid := dev.UDID
	if udid == "" {
		resolved, err := m.resolveUDID(ctx, dev.Name)
		if err != nil {
			return nil, err
		}
		udid = resolved
	}

	wasBooted, err := m.boot(ctx, udid)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (Handle, error) {
		// Only shut down what this job booted; a pre-booted simulator
		// stays up for whoever owns it.
		if !wasBooted {
			m.shutdown(context.Background(), udid)
		}
		return nil, err
	}

	if err := m.waitBooted(ctx, udid); err != nil {
		return fail(err)
	}
	if err := m.setLanguage(ctx, udid, job.Language, job.Locale); err != nil {
		return fail(err)
	}
	m.overrideStatusBar(ctx, udid)

	m.logger.Info("simulator_ready",
		"udid", udid,
		"device", dev.Name,
		"language", job.Language,
		"locale", job.Locale,
	)

	return &simHandle{udid: udid, name: dev.Name, manager: m}, nil
}

type simctlDevice struct {
	Name        string `json:"name"`
	UDID        string `json:"udid"`
	State       string `json:"state"`
	IsAvailable bool   `json:"isAvailable"`
}

// resolveUDID finds an available simulator by device-type name. A
// booted one wins; otherwise the first match in runtime order.
func (m *IOSManager) resolveUDID(ctx context.Context, name string) (string, error) {
	result, err := m.simctl(ctx, m.cmdTimeout, "list", "devices", "--json")
	if err != nil {
		return "", &OperationError{Platform: plan.PlatformIOS, Op: "resolve", Device: name, Err: err}
	}
	if result.ExitCode != 0 {
		return "", &OperationError{
			Platform: plan.PlatformIOS, Op: "resolve", Device: name,
			Detail: fmt.Sprintf("simctl list exited %d", result.ExitCode),
		}
	}

	var list struct {
		Devices map[string][]simctlDevice `json:"devices"`
	}
	if err := json.Unmarshal([]byte(result.Stdout), &list); err != nil {
		return "", &OperationError{Platform: plan.PlatformIOS, Op: "resolve", Device: name, Err: err}
	}

	runtimes := make([]string, 0, len(list.Devices))
	for rt := range list.Devices {
		runtimes = append(runtimes, rt)
	}
	sort.Strings(runtimes)

	var candidates []simctlDevice
	for _, rt := range runtimes {
		for _, d := range list.Devices[rt] {
			if d.IsAvailable && d.Name == name {
				candidates = append(candidates, d)
			}
		}
	}
	if len(candidates) == 0 {
		return "", &OperationError{
			Platform: plan.PlatformIOS, Op: "resolve", Device: name,
			Detail: "no available simulator with that name",
		}
	}
	for _, d := range candidates {
		if d.State == "Booted" {
			return d.UDID, nil
		}
	}
	return candidates[0].UDID, nil
}

// boot starts the simulator. Booting an already-booted simulator is
// not an error; wasBooted reports that case so failure paths know not
// to shut it down.
func (m *IOSManager) boot(ctx context.Context, udid string) (wasBooted bool, err error) {
	result, err := m.simctl(ctx, m.cmdTimeout, "boot", udid)
	if err != nil {
		return false, &OperationError{Platform: plan.PlatformIOS, Op: "boot", Device: udid, Err: err}
	}
	if result.ExitCode == 0 {
		return false, nil
	}
	if strings.Contains(result.Stderr, "current state: Booted") {
		return true, nil
	}
	return false, &OperationError{
		Platform: plan.PlatformIOS, Op: "boot", Device: udid,
		Detail: tail(result.Stderr),
	}
}

// waitBooted blocks until the simulator finishes booting. simctl
// bootstatus -b waits on-device; the command timeout bounds it.
func (m *IOSManager) waitBooted(ctx context.Context, udid string) error {
	result, err := m.simctl(ctx, m.bootTimeout, "bootstatus", udid, "-b")
	if err != nil {
		return &OperationError{Platform: plan.PlatformIOS, Op: "boot_wait", Device: udid, Err: err}
	}
	if result.ExitCode != 0 {
		return &OperationError{
			Platform: plan.PlatformIOS, Op: "boot_wait", Device: udid,
			Detail: tail(result.Stderr),
		}
	}
	return nil
}

// setLanguage writes the language and locale into the simulator's
// global preferences. Wrong-language screenshots are worse than a
// failed job, so failures here are fatal.
func (m *IOSManager) setLanguage(ctx context.Context, udid, language, locale string) error {
	writes := [][]string{
		{"spawn", udid, "defaults", "write", ".GlobalPreferences", "AppleLanguages", "-array", language},
		{"spawn", udid, "defaults", "write", ".GlobalPreferences", "AppleLocale", "-string", locale},
	}
	for _, args := range writes {
		result, err := m.simctl(ctx, m.cmdTimeout, args...)
		if err != nil {
			return &OperationError{Platform: plan.PlatformIOS, Op: "set_language", Device: udid, Err: err}
		}
		if result.ExitCode != 0 {
			return &OperationError{
				Platform: plan.PlatformIOS, Op: "set_language", Device: udid,
				Detail: tail(result.Stderr),
			}
		}
	}
	return nil
}

// overrideStatusBar pins the clock and battery for clean screenshots.
// Best-effort: not every runtime supports every override.
func (m *IOSManager) overrideStatusBar(ctx context.Context, udid string) {
	result, err := m.simctl(ctx, m.cmdTimeout,
		"status_bar", udid, "override",
		"--time", "9:41",
		"--batteryState", "charged",
		"--batteryLevel", "100",
		"--cellularBars", "4",
	)
	if err != nil || result.ExitCode != 0 {
		m.logger.Warn("status_bar_override_failed", "udid", udid, "error", errDetail(result, err))
	}
}

func (m *IOSManager) Install(ctx context.Context, h Handle, artifactPath string) error {
	result, err := m.simctl(ctx, m.cmdTimeout, "install", h.Serial(), artifactPath)
	if err != nil {
		return &OperationError{Platform: plan.PlatformIOS, Op: "install", Device: h.Serial(), Err: err}
	}
	if result.ExitCode != 0 {
		return &OperationError{
			Platform: plan.PlatformIOS, Op: "install", Device: h.Serial(),
			Detail: tail(result.Stderr),
		}
	}
	return nil
}

// ResetAppData terminates and uninstalls the app. Both tolerate the
// app not running or not being installed, so a fresh simulator resets
// to a no-op.
func (m *IOSManager) ResetAppData(ctx context.Context, h Handle) error {
	if m.app == nil || m.app.BundleID == "" {
		m.logger.Debug("reset_skipped", "reason", "no bundle id configured")
		return nil
	}
	for _, op := range []string{"terminate", "uninstall"} {
		result, err := m.simctl(ctx, m.cmdTimeout, op, h.Serial(), m.app.BundleID)
		if err != nil {
			return &OperationError{Platform: plan.PlatformIOS, Op: "reset", Device: h.Serial(), Err: err}
		}
		if result.ExitCode != 0 {
			m.logger.Debug("reset_step_tolerated",
				"op", op,
				"udid", h.Serial(),
				"detail", tail(result.Stderr),
			)
		}
	}
	return nil
}

func (m *IOSManager) TakeScreenshot(ctx context.Context, h Handle, outPath string) error {
	result, err := m.simctl(ctx, m.cmdTimeout, "io", h.Serial(), "screenshot", outPath)
	if err != nil {
		return &OperationError{Platform: plan.PlatformIOS, Op: "screenshot", Device: h.Serial(), Err: err}
	}
	if result.ExitCode != 0 {
		return &OperationError{
			Platform: plan.PlatformIOS, Op: "screenshot", Device: h.Serial(),
			Detail: tail(result.Stderr),
		}
	}
	return nil
}

func (m *IOSManager) CaptureLogs(ctx context.Context, h Handle, outPath string) error {
	result, err := m.simctl(ctx, m.cmdTimeout,
		"spawn", h.Serial(), "log", "show", "--style", "compact", "--last", "5m")
	if err != nil {
		return &OperationError{Platform: plan.PlatformIOS, Op: "capture_logs", Device: h.Serial(), Err: err}
	}
	if result.ExitCode != 0 {
		return &OperationError{
			Platform: plan.PlatformIOS, Op: "capture_logs", Device: h.Serial(),
			Detail: tail(result.Stderr),
		}
	}
	if err := os.WriteFile(outPath, []byte(result.Stdout), 0o644); err != nil {
		return &OperationError{Platform: plan.PlatformIOS, Op: "capture_logs", Device: h.Serial(), Err: err}
	}
	return nil
}

func (m *IOSManager) SessionCaps(h Handle, job plan.RunJob) map[string]any {
	caps := map[string]any{
		"platformName":                "iOS",
		"appium:automationName":       "XCUITest",
		"appium:udid":                 h.Serial(),
		"appium:deviceName":           job.Device.Name(),
		"appium:wdaLocalPort":         job.Ports.DriverPort,
		"appium:webkitDebugProxyPort": job.Ports.WebviewPort,
		"appium:language":             languageTag(job.Language),
		"appium:locale":               job.Locale,
	}
	if m.app != nil && m.app.BundleID != "" {
		caps["appium:bundleId"] = m.app.BundleID
	}
	return caps
}

// shutdown stops the simulator, tolerating one that is already off.
func (m *IOSManager) shutdown(ctx context.Context, udid string) error {
	result, err := m.simctl(ctx, shutdownTimeout, "shutdown", udid)
	if err != nil {
		return &OperationError{Platform: plan.PlatformIOS, Op: "shutdown", Device: udid, Err: err}
	}
	if result.ExitCode != 0 && !strings.Contains(result.Stderr, "current state: Shutdown") {
		return &OperationError{
			Platform: plan.PlatformIOS, Op: "shutdown", Device: udid,
			Detail: tail(result.Stderr),
		}
	}
	m.logger.Debug("simulator_shutdown", "udid", udid)
	return nil
}

// simHandle is a booted simulator owned by one job.
type simHandle struct {
	udid    string
	name    string
	manager *IOSManager

	stopOnce sync.Once
	stopErr  error
}

func (h *simHandle) ID() string     { return "ios-sim:" + h.udid }
func (h *simHandle) Serial() string { return h.udid }

func (h *simHandle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.stopErr = h.manager.shutdown(ctx, h.udid)
	})
	return h.stopErr
}

// tail returns the last non-empty line of s.
func tail(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// errDetail summarizes a command outcome for warn logs. adb reports
// many failures on stdout, so stderr gets first pick but not the only
// one.
func errDetail(result *command.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if result != nil {
		detail := tail(result.Stderr)
		if detail == "" {
			detail = tail(result.Stdout)
		}
		return fmt.Sprintf("exit %d: %s", result.ExitCode, detail)
	}
	return ""
}
