// Package pipeline runs one snapshot, remote test and advance cycle.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/advance"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/history"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/logging"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/notify"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/remote"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/runlog"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/settings"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/snapshot"
)

// NewRunID returns a run ID that sorts by start time.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// Pipeline wires the components of one run. Store, Executor and Notifier are
// required; Runs and Out may be nil.
type Pipeline struct {
	Store    history.Store
	Executor remote.Executor
	Config   settings.Config
	Notifier *notify.Notifier
	// Runs records the run and its transcript.
	Runs *runlog.Store
	// Out receives the remote output as it streams.
	Out   io.Writer
	RunID string
}

// Result is what a completed run decided.
type Result struct {
	Decision advance.Decision
	ExitCode int
	Record   *runlog.Record
}

// Run takes a snapshot, tests it remotely and advances head when allowed.
// Errors are fatal: the snapshot could not be taken, the transfer failed or
// head could not be written. Outcomes, including failed tests, are not errors.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	ctx = logging.WithComponent(logging.WithRun(ctx, p.RunID), "pipeline")
	rec := &runlog.Record{
		RunID:     p.RunID,
		StartedAt: time.Now(),
	}

	snap, err := snapshot.NewBuilder(p.Store, snapshot.Options{RunID: p.RunID, Gofmt: p.Config.Gofmt}).Build(ctx)
	if err != nil {
		return nil, p.abort(ctx, rec, err)
	}
	recordSnapshot(rec, snap)

	var d advance.Decision
	if snap.IsEmpty && p.Config.SkipEmpty {
		logging.Info(ctx, "empty snapshot, remote run skipped", slog.String("snapshot", snap.Commit.String()))
		d = advance.Decision{Outcome: advance.SkippedEmpty, Snapshot: snap, Head: snap.Parent}
	} else {
		result, err := p.test(ctx, rec, snap)
		if err != nil {
			return nil, p.abort(ctx, rec, err)
		}
		d, err = advance.New(p.Store).Apply(ctx, snap, result)
		if err != nil {
			return nil, p.abort(ctx, rec, err)
		}
	}

	code := p.Notifier.Notify(ctx, d)

	rec.Outcome = d.Outcome.String()
	rec.FinishedAt = time.Now()
	p.save(ctx, rec)

	return &Result{Decision: d, ExitCode: code, Record: rec}, nil
}

func (p *Pipeline) test(ctx context.Context, rec *runlog.Record, snap *snapshot.Snapshot) (remote.RunResult, error) {
	out := p.Out
	if out == nil {
		out = io.Discard
	}
	if p.Runs != nil {
		transcript, err := p.Runs.CreateTranscript(p.RunID)
		if err != nil {
			logging.Warn(ctx, "transcript disabled", slog.String("error", err.Error()))
		} else {
			defer func() {
				if err := transcript.Close(); err != nil {
					logging.Warn(ctx, "closing transcript", slog.String("error", err.Error()))
				}
			}()
			out = io.MultiWriter(out, transcript)
		}
	}

	runner := remote.NewRunner(p.Executor, p.Config, out)
	plan := runner.Plan(snap.Commit)
	rec.RemoteHost = p.Config.RemoteHost
	for _, kind := range []remote.StepKind{remote.StepBuild, remote.StepTest} {
		if step, ok := plan.Step(kind); ok {
			if cmd, ok := step.(remote.CommandStep); ok {
				rec.Commands = append(rec.Commands, cmd.Command)
			}
		}
	}

	result, err := runner.Run(ctx, snap.Commit)
	rec.RemoteName = result.RemoteName
	rec.ExitStatus = result.ExitStatus
	rec.DurationMS = result.Duration.Milliseconds()
	if err != nil {
		return result, fmt.Errorf("testing snapshot %s: %w", snap.Commit, err)
	}
	return result, nil
}

func (p *Pipeline) abort(ctx context.Context, rec *runlog.Record, err error) error {
	rec.Error = err.Error()
	rec.FinishedAt = time.Now()
	p.save(ctx, rec)
	logging.Error(ctx, "run aborted", slog.String("error", err.Error()))
	return err
}

func (p *Pipeline) save(ctx context.Context, rec *runlog.Record) {
	if p.Runs == nil {
		return
	}
	if err := p.Runs.Save(rec); err != nil {
		logging.Warn(ctx, "run record not saved", slog.String("error", err.Error()))
	}
}

func recordSnapshot(rec *runlog.Record, snap *snapshot.Snapshot) {
	rec.Branch = snap.Branch()
	rec.Commit = snap.Commit.String()
	rec.Parent = snap.Parent.String()
	rec.Empty = snap.IsEmpty
	rec.Stats = snap.Stats
	rec.Formatted = snap.Formatted
}
