package cli

import (
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/spf13/cobra"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/history"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/paths"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/remote"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/settings"
	"github.com/snaptest/snaptest/redact"
)

func newPlanCmd() *cobra.Command {
	var scriptOnly bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the remote command sequence without running it",
		Long: `Print the steps snaptest would run on the remote host for the current
head, followed by the shell script sent over ssh. Nothing is committed or
transferred. Secrets in the output are redacted.`,
		Args: cobra.NoArgs,
	}
	flags := addOverrideFlags(cmd)
	cmd.Flags().BoolVar(&scriptOnly, "script", false, "Print only the shell script")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return runPlan(cmd, cmd.OutOrStdout(), flags.overrides(cmd), scriptOnly)
	}
	return cmd
}

func runPlan(cmd *cobra.Command, w io.Writer, o settings.Overrides, scriptOnly bool) error {
	r, err := resolveConfig(o)
	if err != nil {
		return err
	}

	store, err := history.OpenAt(r.Root)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	head, err := store.CurrentHead(cmd.Context())
	if err != nil {
		return fmt.Errorf("reading head: %w", err)
	}

	plan := remote.NewPlan(r.Config, paths.RemoteRefPrefix+paths.RemoteName(head.Hash.String()))
	if scriptOnly {
		fmt.Fprint(w, redact.String(plan.Script()))
		return nil
	}

	writePlan(w, r, head.Hash, plan)
	return nil
}

func writePlan(w io.Writer, r *resolved, commit plumbing.Hash, plan remote.Plan) {
	fmt.Fprintf(w, "Remote:    %s:%s\n", r.Config.RemoteHost, r.Config.RemotePath)
	fmt.Fprintf(w, "Toolchain: %s\n", r.Toolchain.Kind)
	fmt.Fprintf(w, "Snapshot:  %s (example, taken from head %s)\n",
		paths.RemoteRefPrefix+paths.RemoteName(commit.String()), paths.ShortHash(commit.String()))
	fmt.Fprintln(w)
	for i, step := range plan.Steps {
		fmt.Fprintf(w, "%d. %s\n", i+1, step.Kind())
		for _, line := range step.Lines() {
			fmt.Fprintf(w, "     %s\n", redact.String(line))
		}
	}
}
