// Package manifest persists the run outcome as JSON artifacts next to the
// screenshots, so galleries, diff tools and CI steps can consume the run
// without re-parsing logs.
//
// Two files are written under the output root:
//
//	manifest.json    the full run result: environment, counts, per job
//	                 status, errors and capture records
//	screenshots.json a flat index of every capture across all jobs
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/randomizedcoder/go-appium-screenshot-matrix/internal/orchestrator"
)

const (
	// RunFile is the manifest file name under the output root.
	RunFile = "manifest.json"

	// IndexFile is the flat screenshot index file name.
	IndexFile = "screenshots.json"
)

// Entry is one row of the screenshot index. It carries the job identity
// alongside the capture so consumers never need to join against the
// manifest to group or locate a file.
type Entry struct {
	File         string    `json:"file"`
	Name         string    `json:"name"`
	Set          string    `json:"set"`
	Platform     string    `json:"platform"`
	Device       string    `json:"device"`
	DeviceFolder string    `json:"device_folder"`
	Language     string    `json:"language"`
	SizeBytes    int64     `json:"size_bytes"`
	TakenAt      time.Time `json:"taken_at"`
}

// Index is the document written to screenshots.json.
type Index struct {
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Total       int       `json:"total"`
	Screenshots []Entry   `json:"screenshots"`
}

// Write persists manifest.json and screenshots.json under outputDir and
// returns the manifest path. The output directory is created if the run
// produced no screenshots and nothing else made it yet.
func Write(result *orchestrator.RunResult, outputDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}

	manifestPath := filepath.Join(outputDir, RunFile)
	if err := writeJSON(manifestPath, result); err != nil {
		return "", err
	}

	index := BuildIndex(result)
	if err := writeJSON(filepath.Join(outputDir, IndexFile), index); err != nil {
		return "", err
	}

	return manifestPath, nil
}

// BuildIndex flattens every capture in the run into index entries,
// keeping plan order: jobs in plan order, captures in capture order.
func BuildIndex(result *orchestrator.RunResult) *Index {
	entries := make([]Entry, 0, result.ScreenshotCount())
	for i := range result.Jobs {
		job := &result.Jobs[i]
		for _, rec := range job.Screenshots {
			entries = append(entries, Entry{
				File:         rec.File,
				Name:         rec.Name,
				Set:          rec.Set,
				Platform:     job.Platform,
				Device:       job.Device,
				DeviceFolder: job.DeviceFolder,
				Language:     job.Language,
				SizeBytes:    rec.Size,
				TakenAt:      rec.TakenAt,
			})
		}
	}
	return &Index{
		RunID:       result.RunID,
		GeneratedAt: time.Now(),
		Total:       len(entries),
		Screenshots: entries,
	}
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
