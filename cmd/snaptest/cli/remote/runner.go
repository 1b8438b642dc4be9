package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/logging"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/paths"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/settings"
)

// ExitStatusInterrupted is the status recorded for a run cancelled locally,
// the conventional 128+SIGINT.
const ExitStatusInterrupted = 130

// RunResult is the outcome of one remote test run.
type RunResult struct {
	ExitStatus  int
	Duration    time.Duration
	RemoteName  string
	Interrupted bool
}

// Succeeded reports whether the remote sequence exited 0 without interruption.
func (r RunResult) Succeeded() bool {
	return r.ExitStatus == 0 && !r.Interrupted
}

// Runner ships a snapshot to the remote host and runs the test plan there.
type Runner struct {
	exec Executor
	cfg  settings.Config
	out  io.Writer
}

// NewRunner returns a Runner that streams remote output to out.
func NewRunner(exec Executor, cfg settings.Config, out io.Writer) *Runner {
	if out == nil {
		out = io.Discard
	}
	return &Runner{exec: exec, cfg: cfg, out: out}
}

// Plan returns the command sequence that would run for commit.
func (r *Runner) Plan(commit plumbing.Hash) Plan {
	return NewPlan(r.cfg, paths.RemoteRefPrefix+paths.RemoteName(commit.String()))
}

// Run transfers commit and executes the plan. A failed transfer is returned
// as an error wrapping ErrTransfer. A cancelled context yields an interrupted
// result with ExitStatusInterrupted and no error.
func (r *Runner) Run(ctx context.Context, commit plumbing.Hash) (RunResult, error) {
	ctx = logging.WithComponent(ctx, "remote")
	name := paths.RemoteName(commit.String())
	result := RunResult{RemoteName: name}

	start := time.Now()
	err := r.exec.Transfer(logging.WithPhase(ctx, "transfer"), commit, name)
	if ctx.Err() != nil {
		return interrupted(ctx, result, start), nil
	}
	if err != nil {
		logging.Error(ctx, "transfer failed", slog.String("remote_name", name), slog.String("error", err.Error()))
		return result, fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	logging.LogDuration(ctx, slog.LevelInfo, "snapshot transferred", start, slog.String("remote_name", name))

	plan := r.Plan(commit)
	execCtx := logging.WithPhase(ctx, "execute")
	logging.Debug(execCtx, "executing plan", slog.Any("steps", plan.Kinds()))

	res, err := r.exec.Execute(execCtx, plan.Script(), r.out)
	result.Duration = res.Duration
	if ctx.Err() != nil {
		return interrupted(ctx, result, start), nil
	}
	if err != nil {
		return result, fmt.Errorf("executing remote plan: %w", err)
	}
	result.ExitStatus = res.ExitStatus

	logging.Info(execCtx, "remote run finished",
		slog.Int("exit_status", result.ExitStatus),
		slog.Int64("duration_ms", result.Duration.Milliseconds()),
	)
	return result, nil
}

func interrupted(ctx context.Context, result RunResult, start time.Time) RunResult {
	result.Interrupted = true
	result.ExitStatus = ExitStatusInterrupted
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}
	logging.Warn(ctx, "remote run interrupted", slog.String("remote_name", result.RemoteName))
	return result
}
