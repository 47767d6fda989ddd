package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/command"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/config"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/logging"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/plan"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/ports"
)

// =============================================================================
// Test helpers
// =============================================================================

// writeTool writes an executable script standing in for xcrun, adb, or
// the emulator binary. None of these tests require the real tools.
func writeTool(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/bash\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// readCalls returns the logged invocations, one line of arguments per
// call, oldest first.
func readCalls(t *testing.T, callsFile string) []string {
	t.Helper()
	data, err := os.ReadFile(callsFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func callIndex(calls []string, substr string) int {
	for i, c := range calls {
		if strings.Contains(c, substr) {
			return i
		}
	}
	return -1
}

func countCalls(calls []string, substr string) int {
	n := 0
	for _, c := range calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func testPorts() ports.Allocation {
	return ports.Allocation{ServerPort: 4723, DriverPort: 4724, WebviewPort: 4725}
}

func iosJob(dev *config.IOSDevice) plan.RunJob {
	return plan.RunJob{
		Platform: plan.PlatformIOS,
		Device:   plan.Device{Platform: plan.PlatformIOS, IOS: dev},
		Language: "en-US",
		Locale:   "en_US",
		Ports:    testPorts(),
	}
}

func androidJob(dev *config.AndroidDevice) plan.RunJob {
	return plan.RunJob{
		Platform: plan.PlatformAndroid,
		Device:   plan.Device{Platform: plan.PlatformAndroid, Android: dev},
		Language: "en-US",
		Locale:   "en-US",
		Ports:    testPorts(),
	}
}

// =============================================================================
// iOS manager
// =============================================================================

// Two runtimes so resolution exercises both the booted preference and
// the sorted-runtime fallback. The unavailable entry must never win.
const simctlListOutput = `{
  "devices": {
    "com.apple.CoreSimulator.SimRuntime.iOS-17-2": [
      {"name": "iPhone 15 Pro", "udid": "SHUTDOWN-17-2", "state": "Shutdown", "isAvailable": true},
      {"name": "iPhone 15", "udid": "OTHER-MODEL", "state": "Shutdown", "isAvailable": true}
    ],
    "com.apple.CoreSimulator.SimRuntime.iOS-17-0": [
      {"name": "iPhone 15 Pro", "udid": "UNAVAILABLE-17-0", "state": "Shutdown", "isAvailable": false},
      {"name": "iPhone 15 Pro", "udid": "BOOTED-17-0", "state": "Booted", "isAvailable": true}
    ]
  }
}`

// iosScript builds a fake xcrun. caseBody is a bash case body keyed on
// the simctl subcommand; unmatched subcommands exit 0.
func iosScript(callsFile, caseBody string) string {
	return fmt.Sprintf(`echo "$@" >> %q
shift
case "$1" in
%s
  *) exit 0 ;;
esac`, callsFile, caseBody)
}

func listCase() string {
	return fmt.Sprintf(`  list) cat <<'EOF'
%s
EOF
  ;;`, simctlListOutput)
}

func newIOSManagerForTest(t *testing.T, app *config.IOSApp, caseBody string) (*IOSManager, string) {
	t.Helper()
	dir := t.TempDir()
	callsFile := filepath.Join(dir, "calls.log")
	xcrun := writeTool(t, dir, "fake-xcrun", iosScript(callsFile, caseBody))

	cfg := config.DefaultConfig()
	cfg.CommandTimeout = 10 * time.Second
	cfg.DeviceBootTimeout = 10 * time.Second

	m := NewIOSManager(command.NewExecutor(logging.NewNopLogger()), cfg, app, logging.NewNopLogger())
	m.xcrun = xcrun
	return m, callsFile
}

func TestIOSPrepare_ResolvesBootsAndConfigures(t *testing.T) {
	m, callsFile := newIOSManagerForTest(t, nil, listCase())

	h, err := m.Prepare(context.Background(), iosJob(&config.IOSDevice{Name: "iPhone 15 Pro", Folder: "phone-6.1"}))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if h.Serial() != "BOOTED-17-0" {
		t.Errorf("Serial() = %q, want the booted simulator", h.Serial())
	}

	calls := readCalls(t, callsFile)
	order := []string{
		"simctl list devices --json",
		"simctl boot BOOTED-17-0",
		"simctl bootstatus BOOTED-17-0 -b",
		"AppleLanguages -array en-US",
		"AppleLocale -string en_US",
		"status_bar BOOTED-17-0 override",
	}
	last := -1
	for _, want := range order {
		idx := callIndex(calls, want)
		if idx < 0 {
			t.Fatalf("missing call %q in %v", want, calls)
		}
		if idx <= last {
			t.Errorf("call %q out of order (index %d, previous %d)", want, idx, last)
		}
		last = idx
	}
}

func TestIOSPrepare_PinnedUDIDSkipsResolve(t *testing.T) {
	m, callsFile := newIOSManagerForTest(t, nil, "")

	h, err := m.Prepare(context.Background(), iosJob(&config.IOSDevice{Name: "iPhone 15 Pro", UDID: "PINNED-1", Folder: "phone-6.1"}))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if h.Serial() != "PINNED-1" {
		t.Errorf("Serial() = %q, want PINNED-1", h.Serial())
	}

	calls := readCalls(t, callsFile)
	if callIndex(calls, "list devices") >= 0 {
		t.Error("pinned UDID should not trigger device resolution")
	}
	if callIndex(calls, "simctl boot PINNED-1") < 0 {
		t.Errorf("expected boot of pinned UDID, calls: %v", calls)
	}
}

func TestIOSPrepare_AlreadyBootedTolerated(t *testing.T) {
	caseBody := `  boot) echo "Unable to boot device in current state: Booted" >&2; exit 149 ;;`
	m, _ := newIOSManagerForTest(t, nil, caseBody)

	h, err := m.Prepare(context.Background(), iosJob(&config.IOSDevice{Name: "iPhone 15 Pro", UDID: "PINNED-1"}))
	if err != nil {
		t.Fatalf("Prepare with pre-booted simulator: %v", err)
	}
	if h.Serial() != "PINNED-1" {
		t.Errorf("Serial() = %q", h.Serial())
	}
}

func TestIOSPrepare_BootFailureIsFatal(t *testing.T) {
	caseBody := `  boot) echo "Invalid device: PINNED-1" >&2; exit 164 ;;`
	m, callsFile := newIOSManagerForTest(t, nil, caseBody)

	_, err := m.Prepare(context.Background(), iosJob(&config.IOSDevice{Name: "iPhone 15 Pro", UDID: "PINNED-1"}))
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperationError, got %v", err)
	}
	if opErr.Op != "boot" {
		t.Errorf("Op = %q, want boot", opErr.Op)
	}
	if !strings.Contains(opErr.Detail, "Invalid device") {
		t.Errorf("Detail = %q, want the simctl stderr line", opErr.Detail)
	}

	if callIndex(readCalls(t, callsFile), "bootstatus") >= 0 {
		t.Error("boot failure should not reach bootstatus")
	}
}

func TestIOSPrepare_LanguageFailureShutsDownFreshBoot(t *testing.T) {
	caseBody := `  spawn) echo "could not write domain" >&2; exit 1 ;;`
	m, callsFile := newIOSManagerForTest(t, nil, caseBody)

	_, err := m.Prepare(context.Background(), iosJob(&config.IOSDevice{Name: "iPhone 15 Pro", UDID: "PINNED-1"}))
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperationError, got %v", err)
	}
	if opErr.Op != "set_language" {
		t.Errorf("Op = %q, want set_language", opErr.Op)
	}

	if callIndex(readCalls(t, callsFile), "shutdown PINNED-1") < 0 {
		t.Error("a simulator this job booted should be shut down on failure")
	}
}

func TestIOSPrepare_LanguageFailureLeavesPreBootedRunning(t *testing.T) {
	caseBody := `  boot) echo "Unable to boot device in current state: Booted" >&2; exit 149 ;;
  spawn) echo "could not write domain" >&2; exit 1 ;;`
	m, callsFile := newIOSManagerForTest(t, nil, caseBody)

	_, err := m.Prepare(context.Background(), iosJob(&config.IOSDevice{Name: "iPhone 15 Pro", UDID: "PINNED-1"}))
	if err == nil {
		t.Fatal("expected error")
	}
	if callIndex(readCalls(t, callsFile), "shutdown") >= 0 {
		t.Error("a pre-booted simulator must stay up after a failed prepare")
	}
}

func TestIOSResolve_NoAvailableSimulator(t *testing.T) {
	m, _ := newIOSManagerForTest(t, nil, listCase())

	_, err := m.Prepare(context.Background(), iosJob(&config.IOSDevice{Name: "iPhone 99 Ultra"}))
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperationError, got %v", err)
	}
	if opErr.Op != "resolve" {
		t.Errorf("Op = %q, want resolve", opErr.Op)
	}
	if !strings.Contains(opErr.Detail, "no available simulator") {
		t.Errorf("Detail = %q", opErr.Detail)
	}
}

func TestIOSInstall_FailureSurfacesStderr(t *testing.T) {
	caseBody := `  install) echo "An error was encountered processing the command" >&2; exit 22 ;;`
	m, _ := newIOSManagerForTest(t, nil, caseBody)
	h := &simHandle{udid: "PINNED-1", manager: m}

	err := m.Install(context.Background(), h, "/tmp/Demo.app")
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperationError, got %v", err)
	}
	if opErr.Op != "install" || !strings.Contains(opErr.Detail, "error was encountered") {
		t.Errorf("unexpected error: %v", opErr)
	}
}

func TestIOSResetAppData_NoBundleIDIsNoOp(t *testing.T) {
	m, callsFile := newIOSManagerForTest(t, nil, "")
	h := &simHandle{udid: "PINNED-1", manager: m}

	if err := m.ResetAppData(context.Background(), h); err != nil {
		t.Fatalf("ResetAppData: %v", err)
	}
	if calls := readCalls(t, callsFile); len(calls) != 0 {
		t.Errorf("expected no simctl calls, got %v", calls)
	}
}

func TestIOSResetAppData_ToleratesMissingApp(t *testing.T) {
	caseBody := `  terminate) echo "found nothing to terminate" >&2; exit 3 ;;
  uninstall) echo "not installed" >&2; exit 1 ;;`
	app := &config.IOSApp{BundleID: "com.example.demo"}
	m, callsFile := newIOSManagerForTest(t, app, caseBody)
	h := &simHandle{udid: "PINNED-1", manager: m}

	if err := m.ResetAppData(context.Background(), h); err != nil {
		t.Fatalf("ResetAppData should tolerate a missing app: %v", err)
	}
	calls := readCalls(t, callsFile)
	if callIndex(calls, "terminate PINNED-1 com.example.demo") < 0 ||
		callIndex(calls, "uninstall PINNED-1 com.example.demo") < 0 {
		t.Errorf("expected terminate and uninstall calls, got %v", calls)
	}
}

func TestIOSCaptureLogs_WritesFile(t *testing.T) {
	caseBody := `  spawn) case "$3" in
    log) echo "boot: kernel ready"; echo "springboard: launched" ;;
  esac ;;`
	m, _ := newIOSManagerForTest(t, nil, caseBody)
	h := &simHandle{udid: "PINNED-1", manager: m}
	outPath := filepath.Join(t.TempDir(), "device.log")

	if err := m.CaptureLogs(context.Background(), h, outPath); err != nil {
		t.Fatalf("CaptureLogs: %v", err)
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "springboard: launched") {
		t.Errorf("log file missing expected content: %q", data)
	}
}

func TestIOSStop_Idempotent(t *testing.T) {
	m, callsFile := newIOSManagerForTest(t, nil, "")
	h := &simHandle{udid: "PINNED-1", manager: m}

	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if n := countCalls(readCalls(t, callsFile), "shutdown PINNED-1"); n != 1 {
		t.Errorf("shutdown called %d times, want 1", n)
	}
}

func TestIOSStop_ToleratesAlreadyShutdown(t *testing.T) {
	caseBody := `  shutdown) echo "Unable to shutdown device in current state: Shutdown" >&2; exit 149 ;;`
	m, _ := newIOSManagerForTest(t, nil, caseBody)
	h := &simHandle{udid: "PINNED-1", manager: m}

	if err := h.Stop(context.Background()); err != nil {
		t.Errorf("Stop on an already-stopped simulator: %v", err)
	}
}

func TestIOSSessionCaps(t *testing.T) {
	app := &config.IOSApp{BundleID: "com.example.demo"}
	m, _ := newIOSManagerForTest(t, app, "")
	h := &simHandle{udid: "PINNED-1", manager: m}

	job := iosJob(&config.IOSDevice{Name: "iPhone 15 Pro", Folder: "phone-6.1"})
	job.Language = "de-DE"
	job.Locale = "de_DE"

	caps := m.SessionCaps(h, job)
	want := map[string]any{
		"platformName":                "iOS",
		"appium:automationName":       "XCUITest",
		"appium:udid":                 "PINNED-1",
		"appium:deviceName":           "iPhone 15 Pro",
		"appium:wdaLocalPort":         4724,
		"appium:webkitDebugProxyPort": 4725,
		"appium:language":             "de",
		"appium:locale":               "de_DE",
		"appium:bundleId":             "com.example.demo",
	}
	for k, v := range want {
		if caps[k] != v {
			t.Errorf("caps[%q] = %v, want %v", k, caps[k], v)
		}
	}
}

func TestIOSSessionCaps_NoBundleID(t *testing.T) {
	m, _ := newIOSManagerForTest(t, nil, "")
	h := &simHandle{udid: "PINNED-1", manager: m}

	caps := m.SessionCaps(h, iosJob(&config.IOSDevice{Name: "iPhone 15 Pro"}))
	if _, ok := caps["appium:bundleId"]; ok {
		t.Error("bundleId capability should be absent without an app config")
	}
}

// =============================================================================
// Android manager
// =============================================================================

// newAndroidManagerForTest wires fake adb and emulator binaries. The
// emulator fake records its PID so the adb fake's "emu kill" can
// actually terminate it, mirroring the real console kill.
func newAndroidManagerForTest(t *testing.T, app *config.AndroidApp, bootProp string, bootTimeout time.Duration) (*AndroidManager, string) {
	t.Helper()
	dir := t.TempDir()
	callsFile := filepath.Join(dir, "calls.log")
	pidFile := filepath.Join(dir, "emulator.pid")

	emulatorBody := fmt.Sprintf(`echo "$@" >> %q
echo $$ > %q
exec sleep 30`, callsFile, pidFile)
	emulator := writeTool(t, dir, "fake-emulator", emulatorBody)

	adbBody := fmt.Sprintf(`echo "$@" >> %q
case "$*" in
  *"emu kill"*)
    [ -f %q ] && kill -TERM "$(cat %q)" 2>/dev/null
    echo "OK: killing emulator"
    ;;
  *"getprop sys.boot_completed"*) echo %q ;;
  *) exit 0 ;;
esac`, callsFile, pidFile, pidFile, bootProp)
	adb := writeTool(t, dir, "fake-adb", adbBody)

	cfg := config.DefaultConfig()
	cfg.CommandTimeout = 10 * time.Second
	cfg.DeviceBootTimeout = bootTimeout

	m := NewAndroidManager(command.NewExecutor(logging.NewNopLogger()), cfg, app, logging.NewNopLogger())
	m.adb = adb
	m.emulator = emulator
	return m, callsFile
}

func stopHandle(t *testing.T, h Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestAndroidPrepare_BootsAndStops(t *testing.T) {
	m, callsFile := newAndroidManagerForTest(t, nil, "1", 30*time.Second)

	start := time.Now()
	h, err := m.Prepare(context.Background(), androidJob(&config.AndroidDevice{AVD: "Pixel_8_API_34", Folder: "phone-6.2"}))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if !strings.HasPrefix(h.Serial(), "emulator-") {
		t.Errorf("Serial() = %q, want emulator-NNNN", h.Serial())
	}
	emu := h.(*emuHandle)
	if emu.consolePort%2 != 0 || emu.consolePort < consolePortFirst || emu.consolePort > consolePortLast {
		t.Errorf("console port %d outside the even 5554-5682 range", emu.consolePort)
	}

	calls := readCalls(t, callsFile)
	for _, want := range []string{
		"-avd Pixel_8_API_34",
		"-no-snapshot",
		"wait-for-device",
		"getprop sys.boot_completed",
		"setprop persist.sys.locale en-US",
		"input keyevent 82",
		"sysui_demo_allowed 1",
		"command clock",
	} {
		if callIndex(calls, want) < 0 {
			t.Errorf("missing call containing %q", want)
		}
	}

	stopHandle(t, h)
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("prepare+stop took %s", elapsed)
	}
	if callIndex(readCalls(t, callsFile), "emu kill") < 0 {
		t.Error("Stop should try the console kill first")
	}

	// Idempotent second stop.
	if err := h.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestAndroidPrepare_EmulatorDiesDuringBoot(t *testing.T) {
	m, _ := newAndroidManagerForTest(t, nil, "1", 30*time.Second)
	dir := t.TempDir()
	m.emulator = writeTool(t, dir, "fake-emulator", `echo "PANIC: Missing emulator engine program" >&2
exit 7`)

	_, err := m.Prepare(context.Background(), androidJob(&config.AndroidDevice{AVD: "Pixel_8_API_34"}))
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperationError, got %v", err)
	}
	if opErr.Op != "boot" {
		t.Errorf("Op = %q, want boot", opErr.Op)
	}
	if !strings.Contains(opErr.Detail, "exited with code 7") {
		t.Errorf("Detail = %q", opErr.Detail)
	}
}

func TestAndroidPrepare_BootTimeout(t *testing.T) {
	m, callsFile := newAndroidManagerForTest(t, nil, "0", 3*time.Second)

	start := time.Now()
	_, err := m.Prepare(context.Background(), androidJob(&config.AndroidDevice{AVD: "Pixel_8_API_34"}))
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperationError, got %v", err)
	}
	if opErr.Op != "boot_wait" || !strings.Contains(opErr.Detail, "not booted within") {
		t.Errorf("unexpected error: %v", opErr)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Second {
		t.Errorf("boot timeout took %s", elapsed)
	}
	if callIndex(readCalls(t, callsFile), "emu kill") < 0 {
		t.Error("failed prepare should stop the emulator it spawned")
	}
}

func TestAndroidPrepare_CancelledContext(t *testing.T) {
	m, _ := newAndroidManagerForTest(t, nil, "0", 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	_, err := m.Prepare(ctx, androidJob(&config.AndroidDevice{AVD: "Pixel_8_API_34"}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		t.Errorf("cancellation must not be wrapped in OperationError: %v", err)
	}
}

func TestAndroidInstall_FailureSurfacesAdbOutput(t *testing.T) {
	dir := t.TempDir()
	callsFile := filepath.Join(dir, "calls.log")
	adbBody := fmt.Sprintf(`echo "$@" >> %q
echo "Failure [INSTALL_FAILED_INSUFFICIENT_STORAGE]"
exit 1`, callsFile)

	cfg := config.DefaultConfig()
	cfg.CommandTimeout = 10 * time.Second
	m := NewAndroidManager(command.NewExecutor(logging.NewNopLogger()), cfg, nil, logging.NewNopLogger())
	m.adb = writeTool(t, dir, "fake-adb", adbBody)
	h := &emuHandle{serial: "emulator-5554", manager: m}

	err := m.Install(context.Background(), h, "/tmp/app.apk")
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *OperationError, got %v", err)
	}
	if !strings.Contains(opErr.Detail, "INSTALL_FAILED_INSUFFICIENT_STORAGE") {
		t.Errorf("Detail = %q, want the adb stdout failure line", opErr.Detail)
	}

	calls := readCalls(t, callsFile)
	if callIndex(calls, "-s emulator-5554 install -r -g /tmp/app.apk") < 0 {
		t.Errorf("unexpected install invocation: %v", calls)
	}
}

func TestAndroidResetAppData_NoPackageIsNoOp(t *testing.T) {
	m, callsFile := newAndroidManagerForTest(t, nil, "1", time.Second)
	h := &emuHandle{serial: "emulator-5554", manager: m}

	if err := m.ResetAppData(context.Background(), h); err != nil {
		t.Fatalf("ResetAppData: %v", err)
	}
	if calls := readCalls(t, callsFile); len(calls) != 0 {
		t.Errorf("expected no adb calls, got %v", calls)
	}
}

func TestAndroidResetAppData_ToleratesMissingPackage(t *testing.T) {
	dir := t.TempDir()
	adbBody := `echo "Failed"
exit 0`
	cfg := config.DefaultConfig()
	cfg.CommandTimeout = 10 * time.Second
	app := &config.AndroidApp{AppPackage: "com.example.demo"}
	m := NewAndroidManager(command.NewExecutor(logging.NewNopLogger()), cfg, app, logging.NewNopLogger())
	m.adb = writeTool(t, dir, "fake-adb", adbBody)
	h := &emuHandle{serial: "emulator-5554", manager: m}

	if err := m.ResetAppData(context.Background(), h); err != nil {
		t.Errorf("pm clear failure on a missing package should be tolerated: %v", err)
	}
}

func TestAndroidTakeScreenshot_WritesStdoutBytes(t *testing.T) {
	dir := t.TempDir()
	adbBody := `printf 'PNGBYTES\x01\x02\x03'`
	cfg := config.DefaultConfig()
	cfg.CommandTimeout = 10 * time.Second
	m := NewAndroidManager(command.NewExecutor(logging.NewNopLogger()), cfg, nil, logging.NewNopLogger())
	m.adb = writeTool(t, dir, "fake-adb", adbBody)
	h := &emuHandle{serial: "emulator-5554", manager: m}

	outPath := filepath.Join(t.TempDir(), "failure.png")
	if err := m.TakeScreenshot(context.Background(), h, outPath); err != nil {
		t.Fatalf("TakeScreenshot: %v", err)
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "PNGBYTES\x01\x02\x03" {
		t.Errorf("screenshot bytes = %q", data)
	}
}

func TestAndroidCaptureLogs_WritesFile(t *testing.T) {
	dir := t.TempDir()
	adbBody := `echo "08-25 10:00:00.000 E/Demo: boom"`
	cfg := config.DefaultConfig()
	cfg.CommandTimeout = 10 * time.Second
	m := NewAndroidManager(command.NewExecutor(logging.NewNopLogger()), cfg, nil, logging.NewNopLogger())
	m.adb = writeTool(t, dir, "fake-adb", adbBody)
	h := &emuHandle{serial: "emulator-5554", manager: m}

	outPath := filepath.Join(t.TempDir(), "logcat.txt")
	if err := m.CaptureLogs(context.Background(), h, outPath); err != nil {
		t.Fatalf("CaptureLogs: %v", err)
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "E/Demo: boom") {
		t.Errorf("log file missing expected content: %q", data)
	}
}

func TestAndroidSessionCaps(t *testing.T) {
	app := &config.AndroidApp{AppPackage: "com.example.demo", AppActivity: ".MainActivity"}
	cfg := config.DefaultConfig()
	m := NewAndroidManager(command.NewExecutor(logging.NewNopLogger()), cfg, app, logging.NewNopLogger())
	h := &emuHandle{serial: "emulator-5584", manager: m}

	caps := m.SessionCaps(h, androidJob(&config.AndroidDevice{AVD: "Pixel_8_API_34", Folder: "phone-6.2"}))
	want := map[string]any{
		"platformName":            "Android",
		"appium:automationName":   "UiAutomator2",
		"appium:udid":             "emulator-5584",
		"appium:deviceName":       "Pixel_8_API_34",
		"appium:systemPort":       4724,
		"appium:chromedriverPort": 4725,
		"appium:language":         "en",
		"appium:locale":           "US",
		"appium:appPackage":       "com.example.demo",
		"appium:appActivity":      ".MainActivity",
	}
	for k, v := range want {
		if caps[k] != v {
			t.Errorf("caps[%q] = %v, want %v", k, caps[k], v)
		}
	}
}

// =============================================================================
// Console port allocator
// =============================================================================

func TestConsolePortAllocator(t *testing.T) {
	var acquired []int
	defer func() {
		for _, p := range acquired {
			releaseConsolePort(p)
		}
	}()

	for {
		p, err := acquireConsolePort()
		if err != nil {
			if !strings.Contains(err.Error(), "console ports") {
				t.Errorf("exhaustion error = %v", err)
			}
			break
		}
		if p%2 != 0 || p < consolePortFirst || p > consolePortLast {
			t.Fatalf("allocator handed out invalid port %d", p)
		}
		acquired = append(acquired, p)
		if len(acquired) > 100 {
			t.Fatal("allocator never exhausted")
		}
	}
	if len(acquired) != 65 {
		t.Errorf("acquired %d ports, want 65", len(acquired))
	}

	// Release makes the port reusable.
	releaseConsolePort(acquired[0])
	p, err := acquireConsolePort()
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if p != acquired[0] {
		t.Errorf("reacquired port %d, want %d", p, acquired[0])
	}
}

// =============================================================================
// Shared helpers
// =============================================================================

func TestNewManager(t *testing.T) {
	cfg := config.DefaultConfig()
	matrix := &config.Matrix{}
	executor := command.NewExecutor(logging.NewNopLogger())

	ios, err := NewManager(plan.PlatformIOS, executor, cfg, matrix, logging.NewNopLogger())
	if err != nil || ios.Platform() != plan.PlatformIOS {
		t.Errorf("NewManager(ios) = %v, %v", ios, err)
	}
	android, err := NewManager(plan.PlatformAndroid, executor, cfg, matrix, logging.NewNopLogger())
	if err != nil || android.Platform() != plan.PlatformAndroid {
		t.Errorf("NewManager(android) = %v, %v", android, err)
	}
	if _, err := NewManager(plan.Platform("windows"), executor, cfg, matrix, logging.NewNopLogger()); err == nil {
		t.Error("expected error for unsupported platform")
	}
}

func TestLanguageTag(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"en-US", "en"},
		{"en_US", "en"},
		{"de-DE", "de"},
		{"en", "en"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := languageTag(tt.in); got != tt.want {
			t.Errorf("languageTag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRegionTag(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"en_US", "US"},
		{"en-US", "US"},
		{"zh_Hans_CN", "CN"},
		{"en", "en"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := regionTag(tt.in); got != tt.want {
			t.Errorf("regionTag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOperationError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *OperationError
		want string
	}{
		{
			name: "detail only",
			err:  &OperationError{Platform: plan.PlatformIOS, Op: "boot", Device: "UDID-1", Detail: "Invalid device"},
			want: "ios boot UDID-1: Invalid device",
		},
		{
			name: "wrapped error",
			err:  &OperationError{Platform: plan.PlatformAndroid, Op: "install", Device: "emulator-5554", Err: errors.New("exec failed")},
			want: "android install emulator-5554: exec failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}
