//go:build integration

package integration

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/settings"
)

func TestRun_PassAdvancesBranch(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t, "test -f feature.txt")
	before := env.GetHeadHash()
	env.WriteFile("feature.txt", "new work\n")

	out, code := env.RunCLI("run")
	require.Equal(t, 0, code, out)

	after := env.GetHeadHash()
	assert.NotEqual(t, before, after)
	assert.Contains(t, out, "Advanced master to ")
	assert.Equal(t, after, env.RemoteHead(), "remote checkout is at the snapshot")
	assert.Len(t, env.RemoteSnapshotRefs(), 1)

	runs := env.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, "advanced", runs[0].Outcome)
	assert.Equal(t, after, runs[0].Commit)
}

func TestRun_FailureKeepsBranch(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t, "exit 3")
	before := env.GetHeadHash()
	env.WriteFile("feature.txt", "broken work\n")

	out, code := env.RunCLI("run")
	assert.Equal(t, 3, code, out)
	assert.Equal(t, before, env.GetHeadHash())
	assert.Contains(t, out, "Tests failed with exit status 3")
	assert.Equal(t, "broken work\n", env.ReadFile("feature.txt"))
}

func TestRun_TestOutputIsStreamed(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t, "echo remote says hello")
	env.WriteFile("feature.txt", "x\n")

	out, code := env.RunCLI("run")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "remote says hello")
}

func TestRun_EmptySnapshotStillTests(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t, "true")
	before := env.GetHeadHash()

	out, code := env.RunCLI("run")
	require.Equal(t, 0, code, out)
	assert.Equal(t, before, env.GetHeadHash())
	assert.Contains(t, out, "Note: No changes since previous commit.")
	assert.Len(t, env.RemoteSnapshotRefs(), 1)
}

func TestRun_SkipEmptyDoesNotContactRemote(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t, "true")

	out, code := env.RunCLI("run", "--skip-empty")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "Note: No changes since previous commit.")
	assert.Empty(t, env.RemoteSnapshotRefs())
}

func TestRun_TwiceWithoutChanges(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t, "true")
	env.WriteFile("feature.txt", "x\n")

	out, code := env.RunCLI("run")
	require.Equal(t, 0, code, out)
	advanced := env.GetHeadHash()

	out, code = env.RunCLI("run")
	require.Equal(t, 0, code, out)
	assert.Equal(t, advanced, env.GetHeadHash())
	assert.Contains(t, out, "No changes since previous commit")
}

func TestStatusAndClean(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t, "true")
	for range 3 {
		_, code := env.RunCLI("run")
		require.Equal(t, 0, code)
	}

	out, code := env.RunCLI("status")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "Recent runs:")
	assert.Equal(t, 3, strings.Count(out, "skipped-empty"))

	out, code = env.RunCLI("clean", "--keep", "1", "--force")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "Deleted 2 runs:")
	assert.Len(t, env.Runs(), 1)
	assert.Len(t, env.RemoteSnapshotRefs(), 1, "refs of deleted runs are pruned on the remote")
}

func TestRun_NotConfigured(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t, "")
	env.WriteSettings(&settings.Settings{})

	out, code := env.RunCLI("run")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "invalid configuration")
}
