// Package preflight validates the host before a run starts: automation
// tooling, the output directory, descriptor and process limits, and the
// port block's capacity.
package preflight

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/config"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/plan"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/ports"
)

// Note: syscall.RLIMIT_NPROC is not exported in Go's syscall package,
// so we read process limits from /proc/self/limits instead.

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes every check that applies to the plan. Platform tool
// checks only run for platforms that actually dispatch jobs, so an
// Android-only run never demands Xcode.
func RunAll(cfg *config.Config, p *plan.RunPlan, workers int) *Result {
	result := &Result{
		Checks: make([]Check, 0, 8),
		Passed: true,
	}

	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	add(checkBinary("appium", cfg.AppiumPath, "--version"))

	platforms := plannedPlatforms(p)
	if platforms[plan.PlatformIOS] {
		add(checkBinary("xcrun", "xcrun", "--version"))
	}
	if platforms[plan.PlatformAndroid] {
		add(checkBinary("adb", "adb", "--version"))
		add(checkBinary("emulator", "emulator", "-version"))
	}

	add(checkOutputDir(outputRoot(p)))
	add(checkFileDescriptors(workers))
	add(checkProcessLimit(workers))

	// Port capacity is a warning: the worker pool is capped to the
	// block size, so a shortfall slows the run instead of breaking it.
	add(checkPortCapacity(cfg, workers))

	return result
}

// plannedPlatforms collects the platforms that have at least one job.
func plannedPlatforms(p *plan.RunPlan) map[plan.Platform]bool {
	platforms := make(map[plan.Platform]bool, 2)
	for i := range p.Jobs {
		platforms[p.Jobs[i].Platform] = true
	}
	return platforms
}

// outputRoot recovers the output root from the first job's output dir,
// which is laid out as root/platform/device-folder/language.
func outputRoot(p *plan.RunPlan) string {
	if len(p.Jobs) == 0 {
		return ""
	}
	dir := p.Jobs[0].OutputDir
	for i := 0; i < 3; i++ {
		dir = filepath.Dir(dir)
	}
	return dir
}

// checkBinary verifies a tool is on PATH and answers a version probe.
func checkBinary(name, path string, args ...string) Check {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}

	output, err := exec.Command(resolved, args...).Output()
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("%s %s failed: %v", path, strings.Join(args, " "), err),
		}
	}

	version := "unknown"
	if lines := strings.Split(strings.TrimSpace(string(output)), "\n"); len(lines) > 0 && lines[0] != "" {
		version = lines[0]
	}

	return Check{
		Name:    name,
		Passed:  true,
		Message: fmt.Sprintf("found at %s (%s)", resolved, version),
	}
}

// checkOutputDir verifies the output root exists (creating it if needed)
// and is writable.
func checkOutputDir(dir string) Check {
	if dir == "" || dir == "." {
		return Check{
			Name:    "output_dir",
			Passed:  true,
			Warning: true,
			Message: "no jobs planned, nothing to write",
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Check{
			Name:    "output_dir",
			Passed:  false,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
		}
	}

	probe := filepath.Join(dir, ".preflight")
	f, err := os.Create(probe)
	if err != nil {
		return Check{
			Name:    "output_dir",
			Passed:  false,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
		}
	}
	f.Close()
	os.Remove(probe)

	return Check{
		Name:    "output_dir",
		Passed:  true,
		Message: fmt.Sprintf("%s is writable", dir),
	}
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(workers int) Check {
	var limit syscall.Rlimit
	syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit)

	// Each concurrent job holds a server process with log pipes, an
	// HTTP session and screenshot files, plus orchestrator overhead
	// (metrics server, logging).
	required := workers*30 + 100
	actual := int(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d workers)", actual, required, workers),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(workers int) Check {
	// Each concurrent job spawns an automation server (node plus driver
	// subprocesses) and possibly an emulator, and shells out for device
	// commands.
	required := workers*5 + 50

	// Read soft limit from /proc/self/limits
	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		// Non-Linux or restricted access, assume OK
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	// Parse "Max processes" line
	actual := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "Max processes") {
			fields := strings.Fields(line)
			if len(fields) >= 4 {
				if fields[3] == "unlimited" {
					actual = 1000000
				} else {
					fmt.Sscanf(fields[3], "%d", &actual)
				}
			}
			break
		}
	}

	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// checkPortCapacity verifies the configured port block can host the
// requested concurrency.
func checkPortCapacity(cfg *config.Config, workers int) Check {
	allocator, err := ports.New(cfg.BasePort, cfg.PortOffset)
	if err != nil {
		return Check{
			Name:    "port_capacity",
			Passed:  false,
			Message: err.Error(),
		}
	}

	max := allocator.MaxParallelJobs()
	return Check{
		Name:     "port_capacity",
		Required: workers,
		Actual:   max,
		Passed:   true,
		Warning:  max < workers,
		Message: fmt.Sprintf("base %d offset %d fits %d parallel jobs (want %d)",
			cfg.BasePort, cfg.PortOffset, max, workers),
	}
}

// PrintResults prints the preflight check results to stdout.
func PrintResults(result *Result) {
	fmt.Println("Preflight checks:")
	for _, check := range result.Checks {
		fmt.Println(check.String())
		if !check.Passed {
			fmt.Printf("    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Println()
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "appium":
		return "npm install -g appium (plus the xcuitest/uiautomator2 drivers)"
	case "xcrun":
		return "install the Xcode command line tools (xcode-select --install)"
	case "adb":
		return "install the Android platform tools and add them to PATH"
	case "emulator":
		return "install the Android SDK emulator package and add $ANDROID_HOME/emulator to PATH"
	case "output_dir":
		return "pick a writable location with -output"
	case "port_capacity":
		return "lower -base-port or -port-offset to widen the block"
	default:
		return "see documentation"
	}
}
