// Package testutil provides git repository helpers shared by package tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/config"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// InitRepo initializes a git repository in repoDir with a test user and
// commit signing disabled. The directory path is returned with symlinks
// resolved so it compares equal to `git rev-parse --show-toplevel`.
func InitRepo(t *testing.T, repoDir string) string {
	t.Helper()

	repo, err := git.PlainInit(repoDir, false)
	if err != nil {
		t.Fatalf("failed to init git repo: %v", err)
	}

	cfg, err := repo.Config()
	if err != nil {
		t.Fatalf("failed to get repo config: %v", err)
	}
	cfg.User.Name = "Test User"
	cfg.User.Email = "test@example.com"
	if cfg.Raw == nil {
		cfg.Raw = config.New()
	}
	cfg.Raw.Section("commit").SetOption("gpgsign", "false")
	if err := repo.SetConfig(cfg); err != nil {
		t.Fatalf("failed to set repo config: %v", err)
	}

	resolved, err := filepath.EvalSymlinks(repoDir)
	if err != nil {
		t.Fatalf("failed to resolve %s: %v", repoDir, err)
	}
	return resolved
}

// InitRepoWithCommit initializes a repository holding one committed file and
// returns the resolved directory and the commit hash.
func InitRepoWithCommit(t *testing.T) (string, plumbing.Hash) {
	t.Helper()

	dir := InitRepo(t, t.TempDir())
	WriteFile(t, dir, "README.md", "# test\n")
	GitAdd(t, dir, "README.md")
	return dir, GitCommit(t, dir, "initial commit")
}

// WriteFile creates a file with the given content, creating parent directories.
func WriteFile(t *testing.T, repoDir, path, content string) {
	t.Helper()

	fullPath := filepath.Join(repoDir, path)
	//nolint:gosec // test code, permissions are intentionally standard
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	//nolint:gosec // test code, permissions are intentionally standard
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
}

// ReadFile reads a file from the repo directory.
func ReadFile(t *testing.T, repoDir, path string) string {
	t.Helper()

	//nolint:gosec // test code, path is from test setup
	data, err := os.ReadFile(filepath.Join(repoDir, path))
	if err != nil {
		t.Fatalf("failed to read file %s: %v", path, err)
	}
	return string(data)
}

// GitAdd stages files.
func GitAdd(t *testing.T, repoDir string, paths ...string) {
	t.Helper()

	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatalf("failed to open git repo: %v", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}
	for _, path := range paths {
		if _, err := worktree.Add(path); err != nil {
			t.Fatalf("failed to add file %s: %v", path, err)
		}
	}
}

// GitCommit commits the staged files and returns the new commit hash.
func GitCommit(t *testing.T, repoDir, message string) plumbing.Hash {
	t.Helper()

	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatalf("failed to open git repo: %v", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Test User",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	if err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	return hash
}

// Git runs the git CLI in repoDir and returns trimmed output.
func Git(t *testing.T, repoDir string, args ...string) string {
	t.Helper()

	//nolint:noctx // test code
	cmd := exec.Command("git", args...)
	cmd.Dir = repoDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\nOutput: %s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(string(output))
}

// HeadHash returns the commit HEAD resolves to.
func HeadHash(t *testing.T, repoDir string) plumbing.Hash {
	t.Helper()

	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatalf("failed to open git repo: %v", err)
	}
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("failed to get HEAD: %v", err)
	}
	return head.Hash()
}

// CommitTree returns the tree hash of a commit.
func CommitTree(t *testing.T, repoDir string, commit plumbing.Hash) plumbing.Hash {
	t.Helper()

	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatalf("failed to open git repo: %v", err)
	}
	c, err := repo.CommitObject(commit)
	if err != nil {
		t.Fatalf("failed to read commit %s: %v", commit, err)
	}
	return c.TreeHash
}

// FileInCommit returns the content of path in commit, and whether it exists.
func FileInCommit(t *testing.T, repoDir string, commit plumbing.Hash, path string) (string, bool) {
	t.Helper()

	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatalf("failed to open git repo: %v", err)
	}
	c, err := repo.CommitObject(commit)
	if err != nil {
		t.Fatalf("failed to read commit %s: %v", commit, err)
	}
	f, err := c.File(path)
	if err != nil {
		return "", false
	}
	content, err := f.Contents()
	if err != nil {
		t.Fatalf("failed to read %s in %s: %v", path, commit, err)
	}
	return content, true
}
