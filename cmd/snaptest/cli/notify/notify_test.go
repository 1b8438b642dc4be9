package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/advance"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/history"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/remote"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/snapshot"
)

var (
	parent = plumbing.NewHash("0123456789abcdef0123456789abcdef01234567")
	commit = plumbing.NewHash("fedcba9876543210fedcba9876543210fedcba98")
)

func decision(o advance.Outcome, status int) advance.Decision {
	return advance.Decision{
		Outcome: o,
		Snapshot: &snapshot.Snapshot{
			Commit:  commit,
			Parent:  parent,
			HeadRef: plumbing.NewBranchReferenceName("main"),
			Stats:   history.Stats{FilesChanged: 2, Additions: 10, Deletions: 3},
		},
		Result: remote.RunResult{ExitStatus: status, Duration: 90 * time.Second},
	}
}

// recorder captures cue commands instead of running them.
type recorder struct {
	commands []string
	err      error
}

func (r *recorder) run(_ context.Context, command string) error {
	r.commands = append(r.commands, command)
	return r.err
}

func newTestNotifier(opts Options) (*Notifier, *bytes.Buffer, *recorder) {
	var out bytes.Buffer
	rec := &recorder{}
	n := New(&out, opts)
	n.run = rec.run
	return n, &out, rec
}

func TestExitCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		outcome advance.Outcome
		status  int
		want    int
	}{
		{"advanced", advance.Advanced, 0, 0},
		{"skipped_empty", advance.SkippedEmpty, 0, 0},
		{"skipped_race", advance.SkippedRace, 0, 0},
		{"failed_propagates_status", advance.NotAdvanced, 2, 2},
		{"failed_ssh_status", advance.NotAdvanced, 255, 255},
		{"interrupted", advance.NotAdvanced, remote.ExitStatusInterrupted, 130},
		{"failed_without_status_is_one", advance.NotAdvanced, 0, 1},
		{"failed_negative_status_is_one", advance.NotAdvanced, -1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ExitCode(decision(tt.outcome, tt.status)))
		})
	}
}

func TestMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, MessageEmpty, Message(decision(advance.SkippedEmpty, 0)))
	assert.Equal(t,
		"Warning: Previous commit changed during testing; no longer 0123456",
		Message(decision(advance.SkippedRace, 0)))
	assert.Equal(t,
		"Advanced main to fedcba9: 2 files changed, +10 -3, tested in 1m30s.",
		Message(decision(advance.Advanced, 0)))
	assert.Equal(t,
		"Tests failed with exit status 2 after 1m30s; main left at 0123456.",
		Message(decision(advance.NotAdvanced, 2)))

	interrupted := decision(advance.NotAdvanced, remote.ExitStatusInterrupted)
	interrupted.Result.Interrupted = true
	assert.Equal(t, "Interrupted; main left at 0123456.", Message(interrupted))
}

func TestNotify_PlaysConfiguredCue(t *testing.T) {
	t.Parallel()
	tests := []struct {
		outcome advance.Outcome
		status  int
		cue     string
	}{
		{advance.Advanced, 0, "play ok"},
		{advance.SkippedEmpty, 0, "play ok"},
		{advance.SkippedRace, 0, "play ok"},
		{advance.NotAdvanced, 1, "play fail"},
	}
	for _, tt := range tests {
		t.Run(tt.outcome.String(), func(t *testing.T) {
			t.Parallel()
			n, out, rec := newTestNotifier(Options{SoundSuccess: "play ok", SoundFailure: "play fail", Bell: true})

			code := n.Notify(context.Background(), decision(tt.outcome, tt.status))

			assert.Equal(t, tt.status, code)
			assert.Equal(t, []string{tt.cue}, rec.commands)
			assert.NotContains(t, out.String(), "\a", "bell is only a fallback")
		})
	}
}

func TestNotify_BellFallback(t *testing.T) {
	t.Parallel()
	n, out, rec := newTestNotifier(Options{Bell: true})

	code := n.Notify(context.Background(), decision(advance.SkippedEmpty, 0))

	assert.Equal(t, 0, code)
	assert.Empty(t, rec.commands)
	assert.Equal(t, MessageEmpty+"\n\a", out.String())
}

func TestNotify_NoCueWithoutTerminal(t *testing.T) {
	t.Parallel()
	n, out, rec := newTestNotifier(Options{})

	n.Notify(context.Background(), decision(advance.NotAdvanced, 4))

	assert.Empty(t, rec.commands)
	assert.NotContains(t, out.String(), "\a")
}

func TestNotify_CueFailureIsIgnored(t *testing.T) {
	t.Parallel()
	n, _, rec := newTestNotifier(Options{SoundFailure: "missing-player"})
	rec.err = errors.New("exit status 127")

	code := n.Notify(context.Background(), decision(advance.NotAdvanced, 7))
	require.Len(t, rec.commands, 1)
	assert.Equal(t, 7, code)
}

func TestNotify_CuePlaysAfterInterrupt(t *testing.T) {
	t.Parallel()
	var sawLiveCtx bool
	var out bytes.Buffer
	n := New(&out, Options{SoundFailure: "play fail"})
	n.run = func(ctx context.Context, _ string) error {
		sawLiveCtx = ctx.Err() == nil
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := decision(advance.NotAdvanced, remote.ExitStatusInterrupted)
	d.Result.Interrupted = true
	assert.Equal(t, 130, n.Notify(ctx, d))
	assert.True(t, sawLiveCtx)
}

func TestRunShell(t *testing.T) {
	t.Parallel()
	require.NoError(t, runShell(context.Background(), "true"))
	err := runShell(context.Background(), "echo nope >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestCueFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, CueFailure, CueFor(advance.NotAdvanced))
	assert.Equal(t, CueSuccess, CueFor(advance.SkippedRace))
	assert.Equal(t, "failure", CueFailure.String())
}
