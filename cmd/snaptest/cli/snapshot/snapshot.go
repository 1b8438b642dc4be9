// Package snapshot captures the working modification set as a single commit
// whose parent is the current head, without moving the head.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/history"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/logging"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/paths"
)

// ErrPrecondition wraps every failure that prevents a snapshot from being
// taken. The run must stop before contacting the remote host.
var ErrPrecondition = errors.New("cannot snapshot working tree")

// Snapshot is the commit recorded for one run.
type Snapshot struct {
	Commit     plumbing.Hash
	Parent     plumbing.Hash
	Tree       plumbing.Hash
	ParentTree plumbing.Hash

	// HeadRef is the reference that pointed at Parent when the snapshot was taken.
	HeadRef plumbing.ReferenceName

	// IsEmpty is true when the snapshot introduces no change over Parent.
	IsEmpty bool

	Stats history.Stats

	// Formatted lists files rewritten by gofmt before the snapshot.
	Formatted []string
}

// Branch returns the short name of HeadRef, or "HEAD" when detached.
func (s *Snapshot) Branch() string {
	return history.Head{Ref: s.HeadRef}.Branch()
}

// Options configures a Builder.
type Options struct {
	// RunID is recorded in the commit message trailer.
	RunID string
	// Gofmt formats changed Go files before the tree is written.
	Gofmt bool
}

// Builder takes snapshots from a history store.
type Builder struct {
	store history.Store
	opts  Options
}

// NewBuilder returns a Builder writing to store.
func NewBuilder(store history.Store, opts Options) *Builder {
	return &Builder{store: store, opts: opts}
}

// Build records the working tree as a commit on top of HEAD.
// Every error wraps ErrPrecondition.
func (b *Builder) Build(ctx context.Context) (*Snapshot, error) {
	ctx = logging.WithComponent(ctx, "snapshot")
	start := time.Now()

	snap := &Snapshot{}
	if b.opts.Gofmt {
		formatted, err := b.store.FormatGofmt(ctx)
		if err != nil {
			return nil, fail("gofmt", err)
		}
		snap.Formatted = formatted
		if len(formatted) > 0 {
			logging.Info(ctx, "gofmt rewrote files", slog.Int("count", len(formatted)))
		}
	}

	head, err := b.store.CurrentHead(ctx)
	if err != nil {
		return nil, fail("read head", err)
	}
	snap.Parent = head.Hash
	snap.HeadRef = head.Ref

	snap.ParentTree, err = b.store.TreeOf(ctx, head.Hash)
	if err != nil {
		return nil, fail("read parent tree", err)
	}

	snap.Tree, err = b.store.WriteTree(ctx, snap.ParentTree)
	if err != nil {
		return nil, fail("write tree", err)
	}
	snap.IsEmpty = snap.Tree == snap.ParentTree

	snap.Commit, err = b.store.CreateCommit(ctx, snap.Tree, snap.Parent, b.message(head))
	if err != nil {
		return nil, fail("create commit", err)
	}

	if !snap.IsEmpty {
		stats, err := b.store.DiffStats(ctx, snap.ParentTree, snap.Tree)
		if err != nil {
			// Stats are informational only.
			logging.Warn(ctx, "diff stats failed", slog.String("error", err.Error()))
		}
		snap.Stats = stats
	}

	logging.LogDuration(ctx, slog.LevelInfo, "snapshot created", start,
		slog.String("commit", snap.Commit.String()),
		slog.String("parent", snap.Parent.String()),
		slog.Bool("empty", snap.IsEmpty),
		slog.Int("files_changed", snap.Stats.FilesChanged),
	)
	return snap, nil
}

func (b *Builder) message(head history.Head) string {
	msg := "snaptest: snapshot of " + head.Branch()
	if b.opts.RunID == "" {
		return msg + "\n"
	}
	return paths.FormatRunTrailer(msg, b.opts.RunID)
}

func fail(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPrecondition, step, err)
}
