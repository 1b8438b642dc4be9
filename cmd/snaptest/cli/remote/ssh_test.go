package remote

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSSH writes a stand-in for ssh that drops options up to "--" and the
// destination, then runs the remote command locally.
func fakeSSH(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ssh")
	script := `#!/bin/sh
while [ "$1" != "--" ]; do shift; done
shift 2
exec sh -c "$1"
`
	//nolint:gosec // test helper must be executable
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestSSHArgs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		host   string
		pty    bool
		expect []string
	}{
		{"plain", "builder", false, []string{"-T", "--", "builder", "cmd"}},
		{"pty", "me@builder", true, []string{"-t", "--", "me@builder", "cmd"}},
		{"port", "me@builder:2222", false, []string{"-T", "-p", "2222", "--", "me@builder", "cmd"}},
		{"ipv6", "[::1]", false, []string{"-T", "--", "::1", "cmd"}},
		{"ipv6 port", "me@[::1]:2222", false, []string{"-T", "-p", "2222", "--", "me@::1", "cmd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := &SSHExecutor{Host: tt.host, UsePTY: tt.pty}
			assert.Equal(t, tt.expect, e.SSHArgs("cmd"))
		})
	}
}

func TestPushURL(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "builder:/src/go", (&SSHExecutor{Host: "builder", Path: "/src/go"}).PushURL())
	assert.Equal(t, "me@builder:~/go", (&SSHExecutor{Host: "me@builder", Path: "~/go"}).PushURL())
	assert.Equal(t, "ssh://me@builder:2222/src/go", (&SSHExecutor{Host: "me@builder:2222", Path: "/src/go"}).PushURL())
	assert.Equal(t, "ssh://builder:22/~/go", (&SSHExecutor{Host: "builder:22", Path: "~/go"}).PushURL())
	assert.Equal(t, "[::1]:/src/go", (&SSHExecutor{Host: "[::1]", Path: "/src/go"}).PushURL())
	assert.Equal(t, "ssh://me@[::1]:2222/src/go", (&SSHExecutor{Host: "me@[::1]:2222", Path: "/src/go"}).PushURL())
}

func TestExecute_StreamsOutputAndStatus(t *testing.T) {
	t.Parallel()
	e := &SSHExecutor{Host: "builder", SSHBinary: fakeSSH(t)}
	var out bytes.Buffer

	res, err := e.Execute(context.Background(), "echo out; echo err >&2; exit 3", &out)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitStatus)
	assert.Contains(t, out.String(), "out\n")
	assert.Contains(t, out.String(), "err\n")
	assert.Positive(t, res.Duration)
}

func TestExecute_QuotingSurvivesTheShell(t *testing.T) {
	t.Parallel()
	e := &SSHExecutor{Host: "builder", SSHBinary: fakeSSH(t)}
	var out bytes.Buffer

	res, err := e.Execute(context.Background(), `printf '%s\n' "it's" '$HOME'`, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitStatus)
	assert.Equal(t, "it's\n$HOME\n", out.String())
}

func TestExecute_PTY(t *testing.T) {
	t.Parallel()
	e := &SSHExecutor{Host: "builder", SSHBinary: fakeSSH(t), UsePTY: true}
	var out bytes.Buffer

	res, err := e.Execute(context.Background(), "echo on-a-tty; exit 0", &out)
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	assert.Equal(t, 0, res.ExitStatus)
	assert.Contains(t, out.String(), "on-a-tty")
}

func TestExecute_MissingBinary(t *testing.T) {
	t.Parallel()
	e := &SSHExecutor{Host: "builder", SSHBinary: filepath.Join(t.TempDir(), "no-such-ssh")}

	_, err := e.Execute(context.Background(), "true", &bytes.Buffer{})
	require.Error(t, err)
	var cmdErr *CommandError
	if !errors.Is(err, ErrExecutorUnavailable) && !errors.As(err, &cmdErr) {
		t.Fatalf("unexpected error type: %v", err)
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	t.Parallel()
	e := &SSHExecutor{Host: "builder", SSHBinary: fakeSSH(t)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.Execute(ctx, "sleep 5", &bytes.Buffer{})
	if err == nil {
		assert.NotEqual(t, 0, res.ExitStatus)
	}
}

func TestSpaceCheckScript(t *testing.T) {
	t.Parallel()
	e := &SSHExecutor{Host: "builder", SSHBinary: fakeSSH(t)}

	tests := []struct {
		name    string
		bytes   uint64
		evicted bool
	}{
		{"below threshold evicts", 1 << 62, true},
		{"above threshold skips", 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			step := SpaceCheckStep{MinFreeBytes: tt.bytes, Evict: "echo EVICTED"}
			var out bytes.Buffer
			res, err := e.Execute(context.Background(), "set -e\n"+strings.Join(step.Lines(), "\n")+"\n", &out)
			require.NoError(t, err)
			assert.Equal(t, 0, res.ExitStatus, out.String())
			assert.Equal(t, tt.evicted, strings.Contains(out.String(), "EVICTED\n"), out.String())
		})
	}
}

func TestSplitPort(t *testing.T) {
	t.Parallel()
	tests := []struct {
		host, dest, port string
	}{
		{"u@h:22", "u@h", "22"},
		{"h", "h", ""},
		{"[::1]", "[::1]", ""},
		{"[::1]:2222", "[::1]", "2222"},
		{"me@[fe80::1%eth0]:22", "me@[fe80::1%eth0]", "22"},
		{"::1", "::1", ""},
		{"h:ssh", "h:ssh", ""},
	}
	for _, tt := range tests {
		dest, port := splitPort(tt.host)
		assert.Equal(t, tt.dest, dest, tt.host)
		assert.Equal(t, tt.port, port, tt.host)
	}
}
