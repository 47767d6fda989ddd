package build

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrNoArtifact reports that a glob pattern matched nothing.
var ErrNoArtifact = errors.New("no artifact matches pattern")

// DiscoverArtifact returns the most-recently-modified path matching the
// glob pattern under baseDir. Directories count as matches: iOS .app
// bundles are directories, not files. Supports ** (doublestar) globs.
func DiscoverArtifact(pattern, baseDir string) (string, error) {
	if baseDir == "" {
		baseDir = "."
	}
	normalized := strings.TrimPrefix(filepath.ToSlash(pattern), "./")

	if !doublestar.ValidatePattern(normalized) {
		return "", fmt.Errorf("invalid artifact pattern %q", pattern)
	}

	matches, err := doublestar.Glob(os.DirFS(baseDir), normalized)
	if err != nil {
		return "", fmt.Errorf("globbing %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoArtifact, pattern)
	}

	// Newest modification time wins. Ties keep the first match, so the
	// result is stable for identical trees.
	var (
		newest     string
		newestTime time.Time
	)
	for _, match := range matches {
		full := filepath.Join(baseDir, filepath.FromSlash(match))
		info, statErr := os.Stat(full)
		if statErr != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest = full
			newestTime = info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("%w: %s", ErrNoArtifact, pattern)
	}
	return newest, nil
}
