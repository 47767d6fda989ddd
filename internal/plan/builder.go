package plan

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/config"
	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/ports"
)

// Rough per-step costs for the plan's duration estimate. Deliberately
// pessimistic; the estimate is a planning aid, not a promise.
const (
	estJobOverhead = 2 * time.Minute // boot + install + server + session
	estTap         = 2 * time.Second
	estCapture     = 5 * time.Second
)

// ArtifactResolver finds the newest build artifact matching a glob.
// Directories count as matches (iOS .app bundles are directories).
type ArtifactResolver interface {
	Resolve(pattern, baseDir string) (string, error)
}

// Builder expands a matrix into a RunPlan.
//
// Missing prerequisites never fail the build: a language without a
// locale mapping for a platform, or a platform whose artifact cannot be
// found and has no build step, skips those combinations with a warning
// so one gap never blocks the rest of the matrix.
type Builder struct {
	matrix    *config.Matrix
	allocator *ports.Allocator
	resolver  ArtifactResolver
	logger    *slog.Logger

	filters          Filters
	outputRoot       string
	artifactOverride string
	baseDir          string
}

// NewBuilder creates a plan builder. The output root and filters come
// from flags via cfg; everything else comes from the matrix file.
func NewBuilder(
	cfg *config.Config,
	matrix *config.Matrix,
	allocator *ports.Allocator,
	resolver ArtifactResolver,
	logger *slog.Logger,
) *Builder {
	outputRoot := matrix.Output
	if cfg.OutputDir != "" {
		outputRoot = cfg.OutputDir
	}
	return &Builder{
		matrix:           matrix,
		allocator:        allocator,
		resolver:         resolver,
		logger:           logger,
		filters:          FiltersFromConfig(cfg),
		outputRoot:       outputRoot,
		artifactOverride: cfg.ArtifactOverride,
		baseDir:          ".",
	}
}

// Build expands the filtered matrix in platform → language → device
// order, assigning each job a dense index and the port block derived
// from it. The only fatal error is port exhaustion; every other problem
// skips combinations and is reported in RunPlan.Warnings.
func (b *Builder) Build() (*RunPlan, error) {
	platforms := b.resolvePlatforms()
	languages := b.filterLanguages()
	sets := b.filterSets()

	plan := &RunPlan{
		Counts: Counts{
			Platforms:      len(platforms),
			Languages:      len(languages),
			ScreenshotSets: len(sets),
		},
	}

	if len(sets) == 0 {
		b.warn(plan, "no screenshot sets selected, plan is empty")
		return plan, nil
	}

	for _, platform := range platforms {
		devices := b.devicesFor(platform)
		plan.Counts.Devices += len(devices)
		if len(devices) == 0 {
			continue
		}

		artifact, buildable := b.resolveArtifact(platform)
		usable := artifact != "" || buildable
		if !usable {
			b.warn(plan, fmt.Sprintf(
				"%s: no artifact found and no build step configured, skipping all %s combinations",
				platform, platform))
		}

		for _, language := range languages {
			locale, ok := b.matrix.LocaleFor(language, string(platform))
			if !ok {
				b.warn(plan, fmt.Sprintf(
					"%s: no locale mapping for language %q, skipping %d device(s)",
					platform, language, len(devices)))
				plan.Counts.Skipped += len(devices)
				continue
			}
			if !usable {
				plan.Counts.Skipped += len(devices)
				continue
			}

			for _, device := range devices {
				alloc, err := b.allocator.AllocateForJob(len(plan.Jobs))
				if err != nil {
					return nil, fmt.Errorf("allocating ports for job %d: %w", len(plan.Jobs), err)
				}

				job := RunJob{
					Index:        len(plan.Jobs),
					Platform:     platform,
					Device:       device,
					Language:     language,
					Locale:       locale,
					Screenshots:  sets,
					OutputDir:    filepath.Join(b.outputRoot, string(platform), device.Folder(), language),
					Ports:        alloc,
					ArtifactPath: artifact,
				}
				plan.Jobs = append(plan.Jobs, job)
				plan.EstimatedDuration += estimateJob(sets)
			}
		}
	}

	plan.Counts.Jobs = len(plan.Jobs)

	b.logger.Info("plan_built",
		"jobs", plan.Counts.Jobs,
		"skipped", plan.Counts.Skipped,
		"platforms", plan.Counts.Platforms,
		"devices", plan.Counts.Devices,
		"languages", plan.Counts.Languages,
		"screenshot_sets", plan.Counts.ScreenshotSets,
		"estimated_duration", plan.EstimatedDuration.Round(time.Second).String(),
	)

	return plan, nil
}

func (b *Builder) warn(plan *RunPlan, msg string) {
	plan.Warnings = append(plan.Warnings, msg)
	b.logger.Warn("plan_skip", "reason", msg)
}

// resolvePlatforms returns the platforms that have devices configured,
// intersected with the platform filter, in fixed ios-then-android order.
func (b *Builder) resolvePlatforms() []Platform {
	var out []Platform
	if len(b.matrix.Devices.IOS) > 0 && matches(b.filters.Platforms, string(PlatformIOS)) {
		out = append(out, PlatformIOS)
	}
	if len(b.matrix.Devices.Android) > 0 && matches(b.filters.Platforms, string(PlatformAndroid)) {
		out = append(out, PlatformAndroid)
	}
	return out
}

func (b *Builder) filterLanguages() []string {
	var out []string
	for _, lang := range b.matrix.Languages {
		if matches(b.filters.Languages, lang) {
			out = append(out, lang)
		}
	}
	return out
}

func (b *Builder) filterSets() []config.ScreenshotSet {
	var out []config.ScreenshotSet
	for _, set := range b.matrix.Screenshots {
		if matches(b.filters.Screenshots, set.Name) {
			out = append(out, set)
		}
	}
	return out
}

// devicesFor returns the platform's devices intersected with the device
// filter. The filter matches the device name, UDID/AVD, or folder.
func (b *Builder) devicesFor(platform Platform) []Device {
	var out []Device
	switch platform {
	case PlatformIOS:
		for i := range b.matrix.Devices.IOS {
			d := &b.matrix.Devices.IOS[i]
			if matches(b.filters.Devices, d.Name, d.UDID, d.Folder) {
				out = append(out, Device{Platform: PlatformIOS, IOS: d})
			}
		}
	case PlatformAndroid:
		for i := range b.matrix.Devices.Android {
			d := &b.matrix.Devices.Android[i]
			if matches(b.filters.Devices, d.AVD, d.Folder) {
				out = append(out, Device{Platform: PlatformAndroid, Android: d})
			}
		}
	}
	return out
}

// resolveArtifact returns the platform's pre-resolved artifact path (or
// "" when none) and whether the platform can build one at job time.
func (b *Builder) resolveArtifact(platform Platform) (artifact string, buildable bool) {
	if b.artifactOverride != "" {
		return b.artifactOverride, false
	}

	var pattern string
	switch platform {
	case PlatformIOS:
		if b.matrix.Apps.IOS == nil {
			return "", false
		}
		pattern = b.matrix.Apps.IOS.Artifact
		buildable = b.matrix.Apps.IOS.Build != nil
	case PlatformAndroid:
		if b.matrix.Apps.Android == nil {
			return "", false
		}
		pattern = b.matrix.Apps.Android.Artifact
		buildable = b.matrix.Apps.Android.Build != nil
	}

	if pattern == "" {
		return "", buildable
	}

	path, err := b.resolver.Resolve(pattern, b.baseDir)
	if err != nil || path == "" {
		b.logger.Debug("artifact_not_resolved",
			"platform", platform,
			"pattern", pattern,
			"buildable", buildable,
			"error", errText(err),
		)
		return "", buildable
	}

	b.logger.Debug("artifact_resolved", "platform", platform, "path", path)
	return path, buildable
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// estimateJob is the serial duration guess for one job.
func estimateJob(sets []config.ScreenshotSet) time.Duration {
	d := estJobOverhead
	for _, set := range sets {
		for _, step := range set.Steps {
			switch step.Action {
			case config.ActionWait:
				d += step.Duration.Std()
			case config.ActionWaitFor:
				d += step.Timeout.Std() / 2
			case config.ActionTap:
				d += estTap
			case config.ActionCapture:
				d += estCapture
			}
		}
	}
	return d
}
