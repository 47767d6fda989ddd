// Package plan expands a screenshot matrix into an ordered, executable
// run plan. Each job is one (platform, device, language) combination
// carrying every selected screenshot set; the job's index assigns its
// port block and its slot in the final results.
package plan

import (
	"fmt"
	"time"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/config"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/ports"
)

// Platform tags a job's target OS.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Device is one matrix device target. Exactly one of IOS or Android is
// set, matching the job's Platform.
type Device struct {
	Platform Platform
	IOS      *config.IOSDevice
	Android  *config.AndroidDevice
}

// Name returns the device's platform identity: the simulator device type
// for iOS, the AVD name for Android.
func (d Device) Name() string {
	switch d.Platform {
	case PlatformIOS:
		if d.IOS != nil {
			return d.IOS.Name
		}
	case PlatformAndroid:
		if d.Android != nil {
			return d.Android.AVD
		}
	}
	return ""
}

// Folder returns the device's output directory name.
func (d Device) Folder() string {
	switch d.Platform {
	case PlatformIOS:
		if d.IOS != nil {
			return d.IOS.Folder
		}
	case PlatformAndroid:
		if d.Android != nil {
			return d.Android.Folder
		}
	}
	return ""
}

// Key identifies the physical device a job occupies. Two jobs with the
// same key must never run concurrently: they would fight over one
// simulator or emulator instance.
func (d Device) Key() string {
	if d.Platform == PlatformIOS && d.IOS != nil && d.IOS.UDID != "" {
		return fmt.Sprintf("ios:%s", d.IOS.UDID)
	}
	return fmt.Sprintf("%s:%s", d.Platform, d.Name())
}

// RunJob is one unit of work: boot this device, install the app, capture
// every screenshot set in this language. Immutable after Build returns.
type RunJob struct {
	// Index is dense and strictly increasing across the plan. It derives
	// the port block and the job's slot in the aggregated results.
	Index int

	Platform Platform
	Device   Device
	Language string

	// Locale is the platform-specific locale identifier for Language,
	// e.g. "en_US" on an iOS simulator for language "en-US".
	Locale string

	// Screenshots are the step flows to execute, in matrix order.
	Screenshots []config.ScreenshotSet

	// OutputDir is where this job's captures land:
	// <output root>/<platform>/<device folder>/<language>.
	OutputDir string

	// Ports is the job's exclusive three-port block.
	Ports ports.Allocation

	// ArtifactPath is the pre-resolved app artifact, or empty when the
	// job must build first (resolved again after the build).
	ArtifactPath string
}

// ID returns a short human-readable job identity for logs and the
// status board, e.g. "ios/phone-6.1/en-US".
func (j RunJob) ID() string {
	return fmt.Sprintf("%s/%s/%s", j.Platform, j.Device.Folder(), j.Language)
}

// RunPlan is the ordered job list plus aggregate metadata. Built once,
// read-only thereafter.
type RunPlan struct {
	Jobs   []RunJob
	Counts Counts

	// Warnings lists every combination skipped during expansion and why.
	Warnings []string

	// EstimatedDuration is the serial estimate: the sum of every job's
	// estimate. Divide by the worker count for a wall-clock guess.
	EstimatedDuration time.Duration
}

// Counts summarizes the expanded matrix.
type Counts struct {
	Platforms      int `json:"platforms"`
	Devices        int `json:"devices"`
	Languages      int `json:"languages"`
	ScreenshotSets int `json:"screenshot_sets"`
	Jobs           int `json:"jobs"`
	Skipped        int `json:"skipped"`
}

// Filters narrow the matrix before expansion. Empty slices mean "all".
type Filters struct {
	Platforms   []string
	Devices     []string // matches device name, AVD, or output folder
	Languages   []string
	Screenshots []string
}

// FiltersFromConfig builds Filters from the comma-separated flag values.
func FiltersFromConfig(cfg *config.Config) Filters {
	return Filters{
		Platforms:   config.SplitList(cfg.Platforms),
		Devices:     config.SplitList(cfg.Devices),
		Languages:   config.SplitList(cfg.Languages),
		Screenshots: config.SplitList(cfg.Screenshots),
	}
}

func matches(filter []string, candidates ...string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		for _, c := range candidates {
			if f == c && c != "" {
				return true
			}
		}
	}
	return false
}
