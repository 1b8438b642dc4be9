package paths

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Directory constants
const (
	SnaptestDir = ".snaptest"
	LogsDir     = ".snaptest/logs"
	RunsDir     = ".snaptest/runs"
)

// Settings file names
const (
	SettingsFile      = ".snaptest/settings.json"
	LocalSettingsFile = ".snaptest/settings.local.json"
	GitignoreFile     = ".snaptest/.gitignore"
)

// RunTrailerKey identifies the snaptest run that created a snapshot commit.
const RunTrailerKey = "Snaptest-Run"

// RemoteRefPrefix is the ref namespace snapshots are pushed into on the remote.
// Pushing outside refs/heads/ avoids colliding with the remote's checked-out branch.
const RemoteRefPrefix = "refs/snaptest/"

// RemoteNamePrefix is prepended to the short commit hash to name a transferred snapshot.
const RemoteNamePrefix = "snaptest-"

// RemoteNameHashLength is the number of hex characters of the commit used in remote names.
const RemoteNameHashLength = 12

// repoRootCache caches the repository root to avoid repeated git commands.
// The cache is keyed by the current working directory to handle directory changes.
var (
	repoRootMu       sync.RWMutex
	repoRootCache    string
	repoRootCacheDir string
)

// RepoRoot returns the git repository root directory.
// Uses 'git rev-parse --show-toplevel' which works from any subdirectory.
// The result is cached per working directory.
// Returns an error if not inside a git repository.
func RepoRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}

	repoRootMu.RLock()
	if repoRootCache != "" && repoRootCacheDir == cwd {
		cached := repoRootCache
		repoRootMu.RUnlock()
		return cached, nil
	}
	repoRootMu.RUnlock()

	ctx := context.Background()
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get git repository root: %w", err)
	}

	root := strings.TrimSpace(string(output))

	repoRootMu.Lock()
	repoRootCache = root
	repoRootCacheDir = cwd
	repoRootMu.Unlock()

	return root, nil
}

// ClearRepoRootCache clears the cached repository root.
// This is primarily useful for testing when changing directories.
func ClearRepoRootCache() {
	repoRootMu.Lock()
	repoRootCache = ""
	repoRootCacheDir = ""
	repoRootMu.Unlock()
}

// RepoRootOr returns the git repository root directory, or fallback
// if not inside a git repository.
func RepoRootOr(fallback string) string {
	root, err := RepoRoot()
	if err != nil {
		return fallback
	}
	return root
}

// AbsPath returns the absolute path for a relative path within the repository.
// If the path is already absolute, it is returned as-is.
func AbsPath(relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return relPath, nil
	}

	root, err := RepoRoot()
	if err != nil {
		return "", err
	}

	return filepath.Join(root, relPath), nil
}

// IsInfrastructurePath returns true if the path is part of snaptest's own
// bookkeeping (i.e., inside the .snaptest directory). Such paths never
// become part of a snapshot.
func IsInfrastructurePath(path string) bool {
	path = filepath.ToSlash(path)
	return strings.HasPrefix(path, SnaptestDir+"/") || path == SnaptestDir
}

// RemoteName derives the run-specific remote name for a snapshot commit.
func RemoteName(commitHash string) string {
	short := commitHash
	if len(short) > RemoteNameHashLength {
		short = short[:RemoteNameHashLength]
	}
	return RemoteNamePrefix + short
}

// ShortHash returns the 7-character display form of a commit hash.
func ShortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}

// FormatRunTrailer appends the run trailer to a commit message.
func FormatRunTrailer(message, runID string) string {
	return fmt.Sprintf("%s\n\n%s: %s\n", strings.TrimRight(message, "\n"), RunTrailerKey, runID)
}
