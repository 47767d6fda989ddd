package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Matrix is the YAML matrix file: which devices, which languages, which
// screenshot flows, and where the app artifacts come from. It is the
// declarative half of the configuration; the flags in Config are the
// runtime half.
type Matrix struct {
	// Output is the screenshot output root. The -output flag overrides it.
	Output string `yaml:"output"`

	// Languages lists the localization targets, e.g. ["en-US", "de-DE"].
	Languages []string `yaml:"languages"`

	// Locales maps a language to per-platform locale identifiers.
	// A language missing a platform's locale is skipped for that
	// platform (with a warning) rather than failing the run.
	Locales map[string]PlatformLocales `yaml:"locales"`

	// Devices lists the device targets per platform.
	Devices DeviceMatrix `yaml:"devices"`

	// Apps describes where each platform's installable artifact comes from.
	Apps AppMatrix `yaml:"apps"`

	// Screenshots are the named step flows executed on every
	// (platform, device, language) combination.
	Screenshots []ScreenshotSet `yaml:"screenshots"`

	// Validation configures the screenshot image checks.
	Validation ValidationConfig `yaml:"validation"`
}

// PlatformLocales holds the locale identifier each platform expects for
// one language ("en-US" becomes "en_US" on iOS simulators).
type PlatformLocales struct {
	IOS     string `yaml:"ios"`
	Android string `yaml:"android"`
}

// DeviceMatrix lists device targets per platform.
type DeviceMatrix struct {
	IOS     []IOSDevice     `yaml:"ios"`
	Android []AndroidDevice `yaml:"android"`
}

// IOSDevice is one simulator target.
type IOSDevice struct {
	// Name is the simulator device type, e.g. "iPhone 15 Pro".
	Name string `yaml:"name"`

	// UDID pins the job to an existing simulator instead of resolving
	// one by name. Optional.
	UDID string `yaml:"udid"`

	// Folder names the device's output directory and keys the expected
	// screenshot dimensions, e.g. "phone-6.1".
	Folder string `yaml:"folder"`
}

// AndroidDevice is one emulator target.
type AndroidDevice struct {
	// AVD is the Android Virtual Device name, e.g. "Pixel_8_API_34".
	AVD string `yaml:"avd"`

	// Folder names the device's output directory and keys the expected
	// screenshot dimensions, e.g. "phone-6.2".
	Folder string `yaml:"folder"`
}

// AppMatrix describes the installable artifacts per platform.
type AppMatrix struct {
	IOS     *IOSApp     `yaml:"ios"`
	Android *AndroidApp `yaml:"android"`
}

// IOSApp locates (or builds) the .app bundle to install on simulators.
type IOSApp struct {
	// Artifact is a glob relative to the working directory. The
	// most-recently-modified match wins. .app bundles are directories.
	Artifact string `yaml:"artifact"`

	// BundleID is used for session capabilities and app resets.
	BundleID string `yaml:"bundleId"`

	// Build runs when Artifact matches nothing.
	Build *BuildStep `yaml:"build"`
}

// AndroidApp locates (or builds) the .apk to install on emulators.
type AndroidApp struct {
	Artifact    string     `yaml:"artifact"`
	AppPackage  string     `yaml:"appPackage"`
	AppActivity string     `yaml:"appActivity"`
	Build       *BuildStep `yaml:"build"`
}

// BuildStep is an external build invocation (xcodebuild, gradlew).
type BuildStep struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Dir     string   `yaml:"dir"`
}

// ScreenshotSet is a named flow of steps ending in one or more captures.
type ScreenshotSet struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one action inside a screenshot flow.
//
// Actions:
//
//	wait     pause for Duration
//	waitFor  poll for Selector until visible or Timeout
//	tap      find Selector and tap it
//	capture  take a screenshot named Name
type Step struct {
	Action   string   `yaml:"action"`
	Selector string   `yaml:"selector"`
	Name     string   `yaml:"name"`
	Duration Duration `yaml:"duration"`
	Timeout  Duration `yaml:"timeout"`
}

// Step action names.
const (
	ActionWait    = "wait"
	ActionWaitFor = "waitFor"
	ActionTap     = "tap"
	ActionCapture = "capture"
)

// ValidationConfig configures the screenshot image checks. Captured files
// are always checked for being readable, non-empty PNGs; dimension checks
// run only for device folders listed in Dimensions.
type ValidationConfig struct {
	// Dimensions maps a device folder to its expected pixel size.
	// Either orientation of the listed size is accepted.
	Dimensions map[string]Dimensions `yaml:"dimensions"`

	// MinBytes rejects screenshots smaller than this (0 = only reject empty).
	MinBytes int64 `yaml:"minBytes"`
}

// Dimensions is an expected pixel size.
type Dimensions struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Duration wraps time.Duration so the YAML file can say "10s" or "1m".
type Duration time.Duration

// UnmarshalYAML parses Go duration syntax.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadMatrix reads and validates a matrix file.
func LoadMatrix(path string) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("matrix file not found: %s", path)
		}
		return nil, fmt.Errorf("reading matrix file: %w", err)
	}
	return LoadMatrixFromBytes(data)
}

// LoadMatrixFromBytes parses and validates a matrix from raw YAML bytes.
// Unknown fields are rejected so typos fail loudly instead of silently
// dropping half the matrix.
func LoadMatrixFromBytes(data []byte) (*Matrix, error) {
	if len(data) == 0 {
		return nil, errors.New("matrix file is empty")
	}

	var m Matrix
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parsing matrix file: %w", err)
	}

	m.applyDefaults()

	if err := ValidateMatrix(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// applyDefaults fills optional fields.
func (m *Matrix) applyDefaults() {
	if m.Output == "" {
		m.Output = "./screenshots"
	}
	if m.Locales == nil {
		m.Locales = make(map[string]PlatformLocales)
	}

	// A waitFor step without its own timeout gets a conservative one so a
	// missing element can never hang a job.
	for si := range m.Screenshots {
		for pi := range m.Screenshots[si].Steps {
			step := &m.Screenshots[si].Steps[pi]
			if step.Action == ActionWaitFor && step.Timeout == 0 {
				step.Timeout = Duration(10 * time.Second)
			}
		}
	}
}

// LocaleFor resolves the platform-specific locale for a language.
// ok is false when the matrix has no mapping for that combination.
func (m *Matrix) LocaleFor(language, platform string) (locale string, ok bool) {
	entry, exists := m.Locales[language]
	if !exists {
		return "", false
	}
	switch platform {
	case "ios":
		locale = entry.IOS
	case "android":
		locale = entry.Android
	}
	return locale, locale != ""
}
