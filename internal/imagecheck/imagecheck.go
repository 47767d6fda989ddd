// Package imagecheck validates captured screenshots: readable PNGs,
// not empty, and matching the device's expected pixel dimensions when
// the matrix lists them.
package imagecheck

import (
	"fmt"
	"image/png"
	"os"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/config"
)

// ValidationError reports a screenshot that failed a check. The job
// records it and keeps going; validation never aborts a run.
type ValidationError struct {
	File   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("screenshot %s: %s", e.File, e.Reason)
}

// Validate checks one captured screenshot file against the matrix
// validation config. Dimension checks accept either orientation and
// run only for device folders listed in cfg.Dimensions.
func Validate(path, deviceFolder string, cfg config.ValidationConfig) error {
	info, err := os.Stat(path)
	if err != nil {
		return &ValidationError{File: path, Reason: fmt.Sprintf("not readable: %v", err)}
	}
	if info.Size() == 0 {
		return &ValidationError{File: path, Reason: "empty file"}
	}
	if cfg.MinBytes > 0 && info.Size() < cfg.MinBytes {
		return &ValidationError{
			File:   path,
			Reason: fmt.Sprintf("%d bytes, below the %d byte minimum", info.Size(), cfg.MinBytes),
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return &ValidationError{File: path, Reason: fmt.Sprintf("not readable: %v", err)}
	}
	defer f.Close()

	imgCfg, err := png.DecodeConfig(f)
	if err != nil {
		return &ValidationError{File: path, Reason: fmt.Sprintf("not a PNG: %v", err)}
	}

	want, ok := cfg.Dimensions[deviceFolder]
	if !ok {
		return nil
	}
	if (imgCfg.Width == want.Width && imgCfg.Height == want.Height) ||
		(imgCfg.Width == want.Height && imgCfg.Height == want.Width) {
		return nil
	}
	return &ValidationError{
		File: path,
		Reason: fmt.Sprintf("%dx%d px, want %dx%d in either orientation for %s",
			imgCfg.Width, imgCfg.Height, want.Width, want.Height, deviceFolder),
	}
}
