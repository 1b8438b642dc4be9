package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/logging"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/paths"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/remote"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/runlog"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/settings"
)

// refPruner deletes remote snapshot refs by name.
type refPruner func(ctx context.Context, names []string) error

const defaultKeepRuns = 20

func newCleanCmd() *cobra.Command {
	var forceFlag bool
	var keep int

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove old run records, transcripts and logs",
		Long: `Remove all but the newest run records from .snaptest/runs, together with
their transcripts and logs in .snaptest/logs.

With --force, the snapshot refs those runs pushed to the remote host are
deleted as well. Local snapshot commits are unreferenced objects that git's
own garbage collection removes.

Default: shows a preview of items that would be deleted.
With --force, actually deletes them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := paths.RepoRoot()
			if err != nil {
				return fmt.Errorf("not a git repository: %w", err)
			}
			var prune refPruner
			if forceFlag {
				prune = remotePruner(root)
			}
			return runClean(cmd.Context(), cmd.OutOrStdout(), runlog.NewStore(root), keep, forceFlag, prune)
		},
	}

	cmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Actually delete items (default: dry run)")
	cmd.Flags().IntVar(&keep, "keep", defaultKeepRuns, "Number of newest runs to keep")

	return cmd
}

// remotePruner returns a pruner for the configured remote host. The
// configuration is only resolved once there are refs to delete.
func remotePruner(root string) refPruner {
	return func(ctx context.Context, names []string) error {
		r, err := resolveConfig(settings.Overrides{})
		if err != nil {
			return err
		}
		executor := newExecutor(r.Config, root, false)
		return remote.PruneRefs(ctx, executor, r.Config.RemotePath, names) //nolint:wrapcheck // already descriptive
	}
}

// runClean is the core logic of clean, separated for testability.
// prune may be nil, in which case remote refs are left alone.
func runClean(ctx context.Context, w io.Writer, store *runlog.Store, keep int, force bool, prune refPruner) error {
	candidates, err := store.PruneCandidates(keep)
	if err != nil {
		return fmt.Errorf("failed to list old runs: %w", err)
	}

	if len(candidates) == 0 {
		fmt.Fprintln(w, "No old runs to clean up.")
		return nil
	}

	if !force {
		fmt.Fprintf(w, "Found %d old %s:\n\n", len(candidates), pluralize(len(candidates), "run", "runs"))
		for _, rec := range candidates {
			fmt.Fprintf(w, "  %s\n", rec.RunID)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Run with --force to delete these items.")
		return nil
	}

	inUse, err := keptRemoteNames(store, candidates)
	if err != nil {
		return err
	}

	var deleted, failed, refs []string
	for _, rec := range candidates {
		if err := store.Remove(rec.RunID); err != nil {
			failed = append(failed, rec.RunID)
			continue
		}
		deleted = append(deleted, rec.RunID)
		if rec.RemoteName != "" && !inUse[rec.RemoteName] {
			inUse[rec.RemoteName] = true
			refs = append(refs, rec.RemoteName)
		}
	}

	if len(deleted) > 0 {
		fmt.Fprintf(w, "Deleted %d %s:\n", len(deleted), pluralize(len(deleted), "run", "runs"))
		for _, id := range deleted {
			fmt.Fprintf(w, "  %s\n", id)
		}
	}

	if prune != nil && len(refs) > 0 {
		if err := prune(ctx, refs); err != nil {
			logging.Warn(ctx, "failed to prune remote refs", slog.String("error", err.Error()))
			fmt.Fprintf(w, "\nFailed to prune remote refs: %v\n", err)
		} else {
			fmt.Fprintf(w, "\nPruned %d remote %s.\n", len(refs), pluralize(len(refs), "ref", "refs"))
		}
	}

	if len(failed) > 0 {
		fmt.Fprintf(w, "\nFailed to delete %d %s:\n", len(failed), pluralize(len(failed), "run", "runs"))
		for _, id := range failed {
			fmt.Fprintf(w, "  %s\n", id)
		}
		return fmt.Errorf("failed to delete %d runs", len(failed))
	}

	return nil
}

// keptRemoteNames returns the remote names still referenced by runs that
// survive the clean, so a shared snapshot ref is not pruned under them.
func keptRemoteNames(store *runlog.Store, candidates []*runlog.Record) (map[string]bool, error) {
	records, _, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	pruned := make(map[string]bool, len(candidates))
	for _, rec := range candidates {
		pruned[rec.RunID] = true
	}
	kept := make(map[string]bool)
	for _, rec := range records {
		if !pruned[rec.RunID] && rec.RemoteName != "" {
			kept[rec.RemoteName] = true
		}
	}
	return kept, nil
}
