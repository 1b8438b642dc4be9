package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/history"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/paths"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/runlog"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/settings"
)

const unknownPlaceholder = "(unknown)"

func newStatusCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration, pending changes and recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "runs", "n", 5, "Number of recent runs to show")

	return cmd
}

func runStatus(ctx context.Context, w io.Writer, limit int) error {
	root, err := paths.RepoRoot()
	if err != nil {
		fmt.Fprintln(w, "✕ not a git repository")
		return nil //nolint:nilerr // Not being in a git repo is a valid status, not an error
	}

	r, cfgErr := resolveConfig(settings.Overrides{})
	switch {
	case cfgErr != nil:
		fmt.Fprintf(w, "✕ %v\n", cfgErr)
	default:
		fmt.Fprintf(w, "Remote:    %s:%s\n", r.Config.RemoteHost, r.Config.RemotePath)
		fmt.Fprintf(w, "Toolchain: %s\n", r.Toolchain.Kind)
		fmt.Fprintf(w, "Test:      %s\n", r.Config.TestCommandLine())
	}

	store, err := history.OpenAt(root)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	writeHeadStatus(ctx, w, store)

	records, skipped, err := runlog.NewStore(root).List()
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	fmt.Fprintln(w)
	writeRuns(w, records, limit, time.Now())
	if len(skipped) > 0 {
		fmt.Fprintf(w, "(%d unreadable run records skipped)\n", len(skipped))
	}
	return nil
}

func writeHeadStatus(ctx context.Context, w io.Writer, store *history.GitStore) {
	head, err := store.CurrentHead(ctx)
	if err != nil {
		fmt.Fprintf(w, "Head:      %s\n", unknownPlaceholder)
		return
	}
	fmt.Fprintf(w, "Head:      %s at %s\n", head.Branch(), paths.ShortHash(head.Hash.String()))

	changed, err := store.ChangedPaths(ctx)
	if err != nil {
		fmt.Fprintf(w, "Changes:   %s\n", unknownPlaceholder)
		return
	}
	if len(changed) == 0 {
		fmt.Fprintln(w, "Changes:   none (a run would be skipped as empty)")
		return
	}
	fmt.Fprintf(w, "Changes:   %d %s\n", len(changed), pluralize(len(changed), "path", "paths"))
}

// writeRuns prints up to limit records, newest first.
func writeRuns(w io.Writer, records []*runlog.Record, limit int, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No runs recorded yet.")
		return
	}
	fmt.Fprintln(w, "Recent runs:")
	for i, rec := range records {
		if limit > 0 && i >= limit {
			fmt.Fprintf(w, "  ... %d older\n", len(records)-limit)
			break
		}
		fmt.Fprintln(w, "  "+formatRunLine(rec, now))
	}
}

// formatRunLine renders one record, e.g.
// "20260301-120000-ab12cd34  2 hours ago  advanced      main  +10 -3  1m2s".
func formatRunLine(rec *runlog.Record, now time.Time) string {
	outcome := rec.Outcome
	if outcome == "" {
		outcome = "error"
	}
	parts := []string{
		rec.RunID,
		humanize.RelTime(rec.StartedAt, now, "ago", "from now"),
		fmt.Sprintf("%-13s", outcome),
	}
	if rec.Branch != "" {
		parts = append(parts, rec.Branch)
	}
	if !rec.Empty && rec.Commit != "" {
		parts = append(parts, fmt.Sprintf("+%d -%d", rec.Stats.Additions, rec.Stats.Deletions))
	}
	if rec.DurationMS > 0 {
		parts = append(parts, rec.Duration().Round(time.Second).String())
	}
	if rec.Error != "" {
		parts = append(parts, firstLine(rec.Error))
	}
	return strings.Join(parts, "  ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func pluralize(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
