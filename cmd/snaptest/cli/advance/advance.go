// Package advance decides whether a tested snapshot becomes the new head and
// performs the move.
package advance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/history"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/logging"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/remote"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/snapshot"
)

// Outcome is the result of one pipeline run.
type Outcome string

const (
	// Advanced: tests passed and head moved to the snapshot.
	Advanced Outcome = "advanced"
	// SkippedEmpty: the snapshot introduced no change; head untouched.
	SkippedEmpty Outcome = "skipped-empty"
	// SkippedRace: tests passed but head moved during the run; head untouched.
	SkippedRace Outcome = "skipped-race"
	// NotAdvanced: the remote run failed or was interrupted; head untouched.
	NotAdvanced Outcome = "not-advanced"
)

// allOutcomes is the canonical list of outcomes.
var allOutcomes = []Outcome{Advanced, SkippedEmpty, SkippedRace, NotAdvanced}

// OutcomeFromString parses a recorded outcome. Unknown values return false.
func OutcomeFromString(s string) (Outcome, bool) {
	for _, o := range allOutcomes {
		if string(o) == s {
			return o, true
		}
	}
	return "", false
}

func (o Outcome) String() string {
	return string(o)
}

// Success reports whether the outcome counts as a passing run.
func (o Outcome) Success() bool {
	return o != NotAdvanced
}

// Decide returns the outcome for a snapshot, its run result and the head
// observed now. Checks apply in order: failure, empty, race. Head has moved
// if it holds another commit or now resolves through another ref.
func Decide(snap *snapshot.Snapshot, result remote.RunResult, current history.Head) Outcome {
	switch {
	case !result.Succeeded():
		return NotAdvanced
	case snap.IsEmpty:
		return SkippedEmpty
	case current.Hash != snap.Parent || current.Ref != snap.HeadRef:
		return SkippedRace
	default:
		return Advanced
	}
}

// Decision is what Apply decided and observed.
type Decision struct {
	Outcome  Outcome
	Snapshot *snapshot.Snapshot
	Result   remote.RunResult
	// Head is the head value after Apply: the snapshot commit when advanced,
	// otherwise whatever head held when it was read.
	Head plumbing.Hash
}

// Advancer applies decisions to a history store.
type Advancer struct {
	store history.Store
}

// New returns an Advancer for store.
func New(store history.Store) *Advancer {
	return &Advancer{store: store}
}

// Apply reads head, decides, and for Advanced moves the head ref with a
// compare-and-swap against the snapshot's parent. A lost swap is reported
// as SkippedRace.
func (a *Advancer) Apply(ctx context.Context, snap *snapshot.Snapshot, result remote.RunResult) (Decision, error) {
	ctx = logging.WithComponent(ctx, "advance")

	// A failed run never writes. Head is read for reporting only, and the
	// context may already be cancelled by an interrupt.
	if !result.Succeeded() {
		d := Decision{Outcome: NotAdvanced, Snapshot: snap, Result: result, Head: snap.Parent}
		if head, err := a.store.CurrentHead(context.WithoutCancel(ctx)); err == nil {
			d.Head = head.Hash
		}
		a.log(ctx, d)
		return d, nil
	}

	head, err := a.store.CurrentHead(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("reading head: %w", err)
	}

	d := Decision{
		Outcome:  Decide(snap, result, head),
		Snapshot: snap,
		Result:   result,
		Head:     head.Hash,
	}
	if d.Outcome == Advanced {
		err := a.store.AdvanceHead(ctx, snap.HeadRef, snap.Parent, snap.Commit)
		switch {
		case errors.Is(err, history.ErrRefMoved):
			d.Outcome = SkippedRace
			if now, readErr := a.store.CurrentHead(ctx); readErr == nil {
				d.Head = now.Hash
			}
		case err != nil:
			return Decision{}, fmt.Errorf("advancing %s: %w", snap.HeadRef.Short(), err)
		default:
			d.Head = snap.Commit
		}
	}

	a.log(ctx, d)
	return d, nil
}

func (a *Advancer) log(ctx context.Context, d Decision) {
	logging.Info(ctx, "run decided",
		slog.String("outcome", d.Outcome.String()),
		slog.String("snapshot", d.Snapshot.Commit.String()),
		slog.String("parent", d.Snapshot.Parent.String()),
		slog.String("head", d.Head.String()),
		slog.Int("exit_status", d.Result.ExitStatus),
	)
}
