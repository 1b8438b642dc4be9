//go:build integration

package integration

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/jsonutil"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/paths"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/runlog"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/settings"
)

// testBinaryPath holds the path to the CLI binary built once in TestMain.
var testBinaryPath string

// getTestBinary returns the path to the shared test binary.
// It panics if TestMain hasn't run (testBinaryPath is empty).
func getTestBinary() string {
	if testBinaryPath == "" {
		panic("testBinaryPath not set - TestMain must run before tests")
	}
	return testBinaryPath
}

// TestEnv is a local repository plus a clone of it that plays the remote
// checkout. The remote host name is ignored by the fake ssh.
type TestEnv struct {
	T         *testing.T
	RepoDir   string
	RemoteDir string
}

// NewTestEnv creates a repository with one commit, clones it as the remote
// checkout and writes settings whose test command is testCommand.
func NewTestEnv(t *testing.T, testCommand string) *TestEnv {
	t.Helper()

	env := &TestEnv{
		T:         t,
		RepoDir:   resolvedTempDir(t),
		RemoteDir: filepath.Join(resolvedTempDir(t), "remote"),
	}
	env.InitRepo()
	env.WriteFile("README.md", "# Test Repository\n")
	env.GitAdd("README.md")
	env.GitCommit("Initial commit")

	env.git("", "clone", "--quiet", env.RepoDir, env.RemoteDir)
	env.WriteSettings(&settings.Settings{
		RemoteHost:   "builder",
		RemotePath:   env.RemoteDir,
		MinFreeSpace: "1",
		TestShards:   2,
		TestCommand:  testCommand,
	})
	return env
}

// resolvedTempDir returns a temp dir with symlinks resolved, for macOS where /var -> /private/var.
func resolvedTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		return resolved
	}
	return dir
}

// InitRepo initializes the local repository with a test identity.
func (env *TestEnv) InitRepo() {
	env.T.Helper()

	repo, err := git.PlainInit(env.RepoDir, false)
	if err != nil {
		env.T.Fatalf("failed to init git repo: %v", err)
	}

	cfg, err := repo.Config()
	if err != nil {
		env.T.Fatalf("failed to get repo config: %v", err)
	}
	cfg.User.Name = "Test User"
	cfg.User.Email = "test@example.com"
	if err := repo.SetConfig(cfg); err != nil {
		env.T.Fatalf("failed to set repo config: %v", err)
	}
}

// WriteSettings writes .snaptest/settings.json.
func (env *TestEnv) WriteSettings(s *settings.Settings) {
	env.T.Helper()

	path := filepath.Join(env.RepoDir, paths.SettingsFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		env.T.Fatalf("failed to create settings dir: %v", err)
	}
	if err := jsonutil.WriteFileAtomic(path, s, 0o600); err != nil {
		env.T.Fatalf("failed to write settings: %v", err)
	}
}

// WriteFile creates or overwrites a file in the local repository.
func (env *TestEnv) WriteFile(path, content string) {
	env.T.Helper()

	fullPath := filepath.Join(env.RepoDir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		env.T.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		env.T.Fatalf("failed to write file %s: %v", path, err)
	}
}

// ReadFile reads a file from the local repository.
func (env *TestEnv) ReadFile(path string) string {
	env.T.Helper()

	data, err := os.ReadFile(filepath.Join(env.RepoDir, path))
	if err != nil {
		env.T.Fatalf("failed to read file %s: %v", path, err)
	}
	return string(data)
}

// GitAdd stages files.
func (env *TestEnv) GitAdd(paths ...string) {
	env.T.Helper()

	worktree := env.worktree()
	for _, path := range paths {
		if _, err := worktree.Add(path); err != nil {
			env.T.Fatalf("failed to add file %s: %v", path, err)
		}
	}
}

// GitCommit creates a commit with all staged files.
func (env *TestEnv) GitCommit(message string) plumbing.Hash {
	env.T.Helper()

	hash, err := env.worktree().Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Test User",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	if err != nil {
		env.T.Fatalf("failed to commit: %v", err)
	}
	return hash
}

func (env *TestEnv) worktree() *git.Worktree {
	env.T.Helper()

	repo, err := git.PlainOpen(env.RepoDir)
	if err != nil {
		env.T.Fatalf("failed to open git repo: %v", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		env.T.Fatalf("failed to get worktree: %v", err)
	}
	return worktree
}

// GetHeadHash returns the commit of HEAD in the local repository.
func (env *TestEnv) GetHeadHash() string {
	env.T.Helper()
	return env.git(env.RepoDir, "rev-parse", "HEAD")
}

// RemoteHead returns the commit checked out in the remote clone.
func (env *TestEnv) RemoteHead() string {
	env.T.Helper()
	return env.git(env.RemoteDir, "rev-parse", "HEAD")
}

// RemoteSnapshotRefs lists the refs pushed into the remote clone.
func (env *TestEnv) RemoteSnapshotRefs() []string {
	env.T.Helper()
	out := env.git(env.RemoteDir, "for-each-ref", "--format=%(refname)", paths.RemoteRefPrefix)
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// Runs returns the local run records, newest first.
func (env *TestEnv) Runs() []*runlog.Record {
	env.T.Helper()
	records, _, err := runlog.NewStore(env.RepoDir).List()
	if err != nil {
		env.T.Fatalf("failed to list runs: %v", err)
	}
	return records
}

// RunCLI runs the snaptest binary in the local repository and returns its
// combined output and exit code.
func (env *TestEnv) RunCLI(args ...string) (string, int) {
	env.T.Helper()

	cmd := exec.Command(getTestBinary(), args...)
	cmd.Dir = env.RepoDir
	cmd.Env = append(os.Environ(), "SNAPTEST_TELEMETRY_OPTOUT=1")

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return out.String(), 0
	case errors.As(err, &exitErr):
		return out.String(), exitErr.ExitCode()
	default:
		env.T.Fatalf("failed to run snaptest %v: %v", args, err)
		return "", -1
	}
}

func (env *TestEnv) git(dir string, args ...string) string {
	env.T.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		env.T.Fatalf("git %v failed: %v\n%s", args, err, output)
	}
	return strings.TrimSpace(string(output))
}
