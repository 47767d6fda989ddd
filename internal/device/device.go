// Package device boots, prepares, and releases the simulators and
// emulators jobs run against. One Manager instance belongs to one job;
// managers are stateful (they pin a resolved device identifier) and
// must never be shared across concurrent jobs.
package device

import (
	"context"
	"fmt"
	"strings"

	"log/slog"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/command"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/config"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/plan"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/registry"
)

// Handle is a live, booted device. It is a registry.ManagedResource:
// the job registers it right after Prepare and its Stop shuts the
// device down. Stop is idempotent and tolerates an already-stopped
// device.
type Handle interface {
	registry.ManagedResource

	// Serial identifies the device for driver commands: the simulator
	// UDID on iOS, the adb serial (emulator-NNNN) on Android.
	Serial() string
}

// Manager prepares one platform's devices and issues per-device
// commands. Implementations: IOSManager (xcrun simctl) and
// AndroidManager (emulator + adb).
type Manager interface {
	Platform() plan.Platform

	// Prepare boots (or attaches to) the job's device, applies the
	// job's language and status-bar setup, and returns the live handle.
	Prepare(ctx context.Context, job plan.RunJob) (Handle, error)

	// Install puts the app artifact on the device.
	Install(ctx context.Context, h Handle, artifactPath string) error

	// ResetAppData clears the app's state so every language starts
	// from a clean first-launch.
	ResetAppData(ctx context.Context, h Handle) error

	// TakeScreenshot captures a device-level screenshot (used for
	// failure artifacts, not for the matrix output).
	TakeScreenshot(ctx context.Context, h Handle, outPath string) error

	// CaptureLogs dumps recent device logs to outPath.
	CaptureLogs(ctx context.Context, h Handle, outPath string) error

	// SessionCaps returns the W3C capabilities for a session against
	// this device, wired to the job's port block.
	SessionCaps(h Handle, job plan.RunJob) map[string]any
}

// NewManager returns a fresh manager for the job's platform. Called
// once per job by the collaborator factory.
func NewManager(
	platform plan.Platform,
	executor *command.Executor,
	cfg *config.Config,
	matrix *config.Matrix,
	logger *slog.Logger,
) (Manager, error) {
	switch platform {
	case plan.PlatformIOS:
		return NewIOSManager(executor, cfg, matrix.Apps.IOS, logger), nil
	case plan.PlatformAndroid:
		return NewAndroidManager(executor, cfg, matrix.Apps.Android, logger), nil
	default:
		return nil, fmt.Errorf("unsupported platform %q", platform)
	}
}

// OperationError reports a failed device operation. Boot and install
// failures are fatal to the job; shutdown-of-stopped and status-bar
// failures are tolerated by the callers that see them.
type OperationError struct {
	Platform plan.Platform
	Op       string // "boot", "install", "reset", ...
	Device   string
	Detail   string
	Err      error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s %s %s", e.Platform, e.Op, e.Device)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error { return e.Err }

// languageTag reduces a BCP-47 language ("en-US") to its language
// part ("en"), which is what session capabilities expect.
func languageTag(language string) string {
	if i := strings.IndexAny(language, "-_"); i > 0 {
		return language[:i]
	}
	return language
}

// regionTag extracts the region part of a locale ("en_US" becomes
// "US"). Locales without a region come back unchanged.
func regionTag(locale string) string {
	if i := strings.LastIndexAny(locale, "-_"); i >= 0 && i+1 < len(locale) {
		return locale[i+1:]
	}
	return locale
}
