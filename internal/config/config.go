// Package config provides configuration management for go-appium-screenshot-matrix.
//
// Configuration comes from two places: command-line flags (runtime knobs,
// this file) and a YAML matrix file (devices, languages, screenshot flows;
// see matrix.go). Flags always win where the two overlap.
package config

import "time"

// Config holds all runtime configuration options for the orchestrator.
type Config struct {
	// Input
	ConfigFile       string `json:"config_file"`
	OutputDir        string `json:"output_dir"`        // overrides the matrix file's output
	ArtifactOverride string `json:"artifact_override"` // use this app artifact, skip discovery and build

	// Matrix filters (comma-separated, empty = all)
	Platforms   string `json:"platforms"`
	Devices     string `json:"devices"`
	Languages   string `json:"languages"`
	Screenshots string `json:"screenshots"`

	// Concurrency & ports
	Concurrency int `json:"concurrency"` // 0 = auto (half the logical cores)
	BasePort    int `json:"base_port"`
	PortOffset  int `json:"port_offset"`

	// Automation server
	AppiumPath         string        `json:"appium_path"`
	ServerStartTimeout time.Duration `json:"server_start_timeout"`
	SessionTimeout     time.Duration `json:"session_timeout"`

	// Timeouts & retries
	CommandTimeout    time.Duration `json:"command_timeout"`
	BuildTimeout      time.Duration `json:"build_timeout"`
	DeviceBootTimeout time.Duration `json:"device_boot_timeout"`
	ActionTimeout     time.Duration `json:"action_timeout"`
	CleanupTimeout    time.Duration `json:"cleanup_timeout"`
	RetryCount        int           `json:"retry_count"`
	RetryDelay        time.Duration `json:"retry_delay"`

	// Build environment (KEY=VALUE entries appended to build commands)
	BuildEnv []string `json:"build_env"`

	// Diagnostic modes
	PlanOnly      bool `json:"plan_only"`
	Check         bool `json:"check"`
	SkipPreflight bool `json:"skip_preflight"`

	// Observability
	MetricsAddr string `json:"metrics_addr"`
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text

	// Dashboard
	TUIEnabled bool `json:"tui_enabled"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Concurrency & ports
		Concurrency: 0, // auto
		BasePort:    4723,
		PortOffset:  10,

		// Automation server
		AppiumPath:         "appium",
		ServerStartTimeout: 30 * time.Second,
		SessionTimeout:     2 * time.Minute,

		// Timeouts & retries
		CommandTimeout:    2 * time.Minute,
		BuildTimeout:      15 * time.Minute,
		DeviceBootTimeout: 3 * time.Minute,
		ActionTimeout:     30 * time.Second,
		CleanupTimeout:    time.Minute,
		RetryCount:        2,
		RetryDelay:        2 * time.Second,

		// Observability
		MetricsAddr: "0.0.0.0:17091",
		Verbose:     false,
		LogFormat:   "json",

		// Dashboard
		TUIEnabled: true,
	}
}
