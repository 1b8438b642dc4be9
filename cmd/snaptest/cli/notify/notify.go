// Package notify reports a run's outcome to the developer and maps it to a
// process exit code.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/advance"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/logging"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/paths"
)

// Fixed status lines.
const (
	MessageEmpty      = "Note: No changes since previous commit."
	messageRacePrefix = "Warning: Previous commit changed during testing; no longer "
)

// cueTimeout bounds a configured sound command.
const cueTimeout = 10 * time.Second

// Cue is the audible signal for an outcome.
type Cue int

const (
	CueSuccess Cue = iota
	CueFailure
)

func (c Cue) String() string {
	if c == CueFailure {
		return "failure"
	}
	return "success"
}

// Options configures a Notifier.
type Options struct {
	// SoundSuccess and SoundFailure are sh commands that play the cues.
	SoundSuccess string
	SoundFailure string
	// Bell writes a terminal bell when no sound command is configured.
	Bell bool
}

// Notifier prints status lines and plays cues.
type Notifier struct {
	out  io.Writer
	opts Options
	// run executes a cue command; replaced in tests.
	run func(ctx context.Context, command string) error
}

// New returns a Notifier printing to out.
func New(out io.Writer, opts Options) *Notifier {
	return &Notifier{out: out, opts: opts, run: runShell}
}

// ExitCode maps a decision to the process exit code. Failures propagate the
// remote status and never yield 0.
func ExitCode(d advance.Decision) int {
	if d.Outcome != advance.NotAdvanced {
		return 0
	}
	if d.Result.ExitStatus <= 0 {
		return 1
	}
	return d.Result.ExitStatus
}

// CueFor returns the cue for an outcome. A race still passed its tests.
func CueFor(o advance.Outcome) Cue {
	if o == advance.NotAdvanced {
		return CueFailure
	}
	return CueSuccess
}

// Message returns the status line for a decision.
func Message(d advance.Decision) string {
	snap := d.Snapshot
	switch d.Outcome {
	case advance.Advanced:
		return fmt.Sprintf("Advanced %s to %s: %d %s changed, +%d -%d, tested in %s.",
			snap.Branch(), paths.ShortHash(snap.Commit.String()),
			snap.Stats.FilesChanged, plural(snap.Stats.FilesChanged, "file", "files"),
			snap.Stats.Additions, snap.Stats.Deletions, formatDuration(d.Result.Duration))
	case advance.SkippedEmpty:
		return MessageEmpty
	case advance.SkippedRace:
		return messageRacePrefix + paths.ShortHash(snap.Parent.String())
	case advance.NotAdvanced:
		if d.Result.Interrupted {
			return fmt.Sprintf("Interrupted; %s left at %s.", snap.Branch(), paths.ShortHash(snap.Parent.String()))
		}
		return fmt.Sprintf("Tests failed with exit status %d after %s; %s left at %s.",
			d.Result.ExitStatus, formatDuration(d.Result.Duration), snap.Branch(), paths.ShortHash(snap.Parent.String()))
	default:
		return fmt.Sprintf("Unknown outcome %q.", d.Outcome)
	}
}

// Notify prints the status line, plays the cue and returns the exit code.
func (n *Notifier) Notify(ctx context.Context, d advance.Decision) int {
	ctx = logging.WithComponent(ctx, "notify")

	fmt.Fprintln(n.out, Message(d))
	cue := CueFor(d.Outcome)
	n.play(ctx, cue)

	code := ExitCode(d)
	logging.Debug(ctx, "notified",
		slog.String("outcome", d.Outcome.String()),
		slog.String("cue", cue.String()),
		slog.Int("exit_code", code),
	)
	return code
}

func (n *Notifier) play(ctx context.Context, cue Cue) {
	command := n.opts.SoundSuccess
	if cue == CueFailure {
		command = n.opts.SoundFailure
	}

	if command == "" {
		if n.opts.Bell {
			fmt.Fprint(n.out, "\a")
		}
		return
	}

	// The cue still plays after an interrupt.
	cueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cueTimeout)
	defer cancel()
	if err := n.run(cueCtx, command); err != nil {
		logging.Warn(ctx, "sound command failed", slog.String("cue", cue.String()), slog.String("error", err.Error()))
	}
}

func runShell(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w", out, err)
	}
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// formatDuration renders whole seconds, or "<1s" for shorter runs.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	return d.Round(time.Second).String()
}
