package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the runtime configuration for errors and inconsistencies.
// Returns nil if valid, or an error joining every problem found.
func Validate(cfg *Config) error {
	var errs []error

	// A matrix file is required for every mode, including -plan.
	if cfg.ConfigFile == "" {
		errs = append(errs, ValidationError{
			Field:   "config",
			Message: "matrix file is required (flag -config or positional argument)",
		})
	}

	// Port block settings. The ports package re-validates at construction;
	// checking here too surfaces the problem next to the other flag errors.
	if cfg.BasePort < 1024 || cfg.BasePort > 65535 {
		errs = append(errs, ValidationError{
			Field:   "base_port",
			Message: fmt.Sprintf("must be in [1024, 65535] (got %d)", cfg.BasePort),
		})
	}
	if cfg.PortOffset < 1 || cfg.PortOffset > 100 {
		errs = append(errs, ValidationError{
			Field:   "port_offset",
			Message: fmt.Sprintf("must be in [1, 100] (got %d)", cfg.PortOffset),
		})
	}

	if cfg.Concurrency < 0 {
		errs = append(errs, ValidationError{
			Field:   "concurrency",
			Message: "must be >= 0 (0 = auto)",
		})
	}

	if cfg.RetryCount < 0 {
		errs = append(errs, ValidationError{
			Field:   "retry",
			Message: "must be >= 0",
		})
	}
	if cfg.RetryDelay < 0 {
		errs = append(errs, ValidationError{
			Field:   "retry_delay",
			Message: "must be >= 0",
		})
	}

	for _, tc := range []struct {
		field string
		value time.Duration
	}{
		{"command_timeout", cfg.CommandTimeout},
		{"build_timeout", cfg.BuildTimeout},
		{"server_start_timeout", cfg.ServerStartTimeout},
		{"device_boot_timeout", cfg.DeviceBootTimeout},
		{"session_timeout", cfg.SessionTimeout},
		{"action_timeout", cfg.ActionTimeout},
		{"cleanup_timeout", cfg.CleanupTimeout},
	} {
		if tc.value <= 0 {
			errs = append(errs, ValidationError{
				Field:   tc.field,
				Message: "must be positive",
			})
		}
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	for _, entry := range cfg.BuildEnv {
		if !strings.Contains(entry, "=") {
			errs = append(errs, ValidationError{
				Field:   "env",
				Message: fmt.Sprintf("entries must be KEY=VALUE (got %q)", entry),
			})
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ValidateMatrix checks the matrix file for structural problems. Missing
// locale mappings and missing artifacts are deliberately NOT errors here:
// the plan builder skips those combinations with a warning so one gap
// never blocks the rest of the matrix.
func ValidateMatrix(m *Matrix) error {
	var errs []error

	if len(m.Languages) == 0 {
		errs = append(errs, ValidationError{
			Field:   "languages",
			Message: "at least one language is required",
		})
	}
	seenLang := make(map[string]bool)
	for _, lang := range m.Languages {
		if lang == "" {
			errs = append(errs, ValidationError{
				Field:   "languages",
				Message: "language entries must not be empty",
			})
			continue
		}
		if seenLang[lang] {
			errs = append(errs, ValidationError{
				Field:   "languages",
				Message: fmt.Sprintf("duplicate language %q", lang),
			})
		}
		seenLang[lang] = true
	}

	if len(m.Devices.IOS) == 0 && len(m.Devices.Android) == 0 {
		errs = append(errs, ValidationError{
			Field:   "devices",
			Message: "at least one device is required",
		})
	}

	seenFolder := make(map[string]bool)
	for i, d := range m.Devices.IOS {
		if d.Name == "" && d.UDID == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("devices.ios[%d]", i),
				Message: "needs a simulator name or udid",
			})
		}
		if d.Folder == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("devices.ios[%d]", i),
				Message: "folder is required",
			})
		} else if seenFolder[d.Folder] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("devices.ios[%d]", i),
				Message: fmt.Sprintf("duplicate device folder %q", d.Folder),
			})
		}
		seenFolder[d.Folder] = true
	}
	for i, d := range m.Devices.Android {
		if d.AVD == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("devices.android[%d]", i),
				Message: "avd is required",
			})
		}
		if d.Folder == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("devices.android[%d]", i),
				Message: "folder is required",
			})
		} else if seenFolder[d.Folder] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("devices.android[%d]", i),
				Message: fmt.Sprintf("duplicate device folder %q", d.Folder),
			})
		}
		seenFolder[d.Folder] = true
	}

	if len(m.Screenshots) == 0 {
		errs = append(errs, ValidationError{
			Field:   "screenshots",
			Message: "at least one screenshot set is required",
		})
	}
	seenSet := make(map[string]bool)
	for i, set := range m.Screenshots {
		field := fmt.Sprintf("screenshots[%d]", i)
		if set.Name == "" {
			errs = append(errs, ValidationError{Field: field, Message: "name is required"})
		} else {
			field = fmt.Sprintf("screenshots[%s]", set.Name)
			if seenSet[set.Name] {
				errs = append(errs, ValidationError{
					Field:   "screenshots",
					Message: fmt.Sprintf("duplicate set name %q", set.Name),
				})
			}
			seenSet[set.Name] = true
		}
		if len(set.Steps) == 0 {
			errs = append(errs, ValidationError{Field: field, Message: "needs at least one step"})
		}

		captures := 0
		for j, step := range set.Steps {
			stepField := fmt.Sprintf("%s.steps[%d]", field, j)
			switch step.Action {
			case ActionWait:
				if step.Duration <= 0 {
					errs = append(errs, ValidationError{Field: stepField, Message: "wait needs a positive duration"})
				}
			case ActionWaitFor:
				if step.Selector == "" {
					errs = append(errs, ValidationError{Field: stepField, Message: "waitFor needs a selector"})
				}
			case ActionTap:
				if step.Selector == "" {
					errs = append(errs, ValidationError{Field: stepField, Message: "tap needs a selector"})
				}
			case ActionCapture:
				if step.Name == "" {
					errs = append(errs, ValidationError{Field: stepField, Message: "capture needs a name"})
				}
				captures++
			default:
				errs = append(errs, ValidationError{
					Field:   stepField,
					Message: fmt.Sprintf("unknown action %q (want wait, waitFor, tap, or capture)", step.Action),
				})
			}
		}
		if captures == 0 && len(set.Steps) > 0 {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "has no capture step, the set would produce nothing",
			})
		}
	}

	for folder, dims := range m.Validation.Dimensions {
		if dims.Width <= 0 || dims.Height <= 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("validation.dimensions[%s]", folder),
				Message: fmt.Sprintf("width and height must be positive (got %dx%d)", dims.Width, dims.Height),
			})
		}
	}
	if m.Validation.MinBytes < 0 {
		errs = append(errs, ValidationError{
			Field:   "validation.minBytes",
			Message: "must be >= 0",
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ApplyCheckMode modifies config for -check mode: a single verbose job,
// no dashboard, so the output is plain enough for CI logs.
func ApplyCheckMode(cfg *Config) {
	cfg.Concurrency = 1
	cfg.Verbose = true
	cfg.TUIEnabled = false
}
