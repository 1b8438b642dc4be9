package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/history"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/logging"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/notify"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/pipeline"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/remote"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/runlog"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/settings"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/telemetry"
)

// newExecutor builds the remote executor for a run; replaced in tests.
var newExecutor = func(cfg settings.Config, repoDir string, usePTY bool) remote.Executor {
	return remote.NewSSHExecutor(cfg, repoDir, usePTY)
}

func newRunCmd() *cobra.Command {
	var noPTY bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Snapshot the working tree, test it remotely and advance on success",
		Long: `Commit a snapshot of every uncommitted change, push it to the remote host,
build and test it there, and fast-forward the current branch to the snapshot
when the tests pass and nothing moved the branch in the meantime.

The working tree and index are never modified. When the tests fail, the
branch stays where it was and snaptest exits with the remote exit status.`,
		Args: cobra.NoArgs,
	}
	flags := addOverrideFlags(cmd)
	cmd.Flags().BoolVar(&noPTY, "no-pty", false, "Do not allocate a terminal for the remote command")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		usePTY := !noPTY && isTerminal(os.Stdout)
		return runRun(cmd.Context(), cmd.OutOrStdout(), flags.overrides(cmd), usePTY)
	}
	return cmd
}

func runRun(ctx context.Context, w io.Writer, o settings.Overrides, usePTY bool) error {
	r, err := resolveConfig(o)
	if err != nil {
		return err
	}

	runID := pipeline.NewRunID(time.Now())
	if err := logging.Init(runID); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer logging.Close()
	ctx = logging.WithRun(ctx, runID)

	if err := runlog.EnsureGitignore(r.Root); err != nil {
		logging.Warn(ctx, "gitignore not updated", slog.String("error", err.Error()))
	}

	store, err := history.OpenAt(r.Root)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}

	logging.Info(ctx, "run started",
		slog.String("remote_host", r.Config.RemoteHost),
		slog.String("remote_path", r.Config.RemotePath),
		slog.String("toolchain", string(r.Toolchain.Kind)),
		slog.Bool("pty", usePTY),
	)

	p := &pipeline.Pipeline{
		Store:    store,
		Executor: newExecutor(r.Config, r.Root, usePTY),
		Config:   r.Config,
		Notifier: notify.New(w, notify.Options{
			SoundSuccess: r.Config.SoundSuccess,
			SoundFailure: r.Config.SoundFailure,
			Bell:         isTerminal(os.Stdout),
		}),
		Runs:  runlog.NewStore(r.Root),
		Out:   w,
		RunID: runID,
	}

	res, err := p.Run(ctx)
	if err != nil {
		return err //nolint:wrapcheck // pipeline errors carry their context
	}

	client := telemetry.NewClient(Version, r.Settings.Telemetry)
	defer client.Close()
	client.TrackRun(telemetry.RunEvent{
		Outcome:      res.Decision.Outcome.String(),
		ExitStatus:   res.Decision.Result.ExitStatus,
		Duration:     res.Decision.Result.Duration,
		FilesChanged: res.Decision.Snapshot.Stats.FilesChanged,
		Empty:        res.Decision.Snapshot.IsEmpty,
	})

	if res.ExitCode != 0 {
		return &ExitCodeError{Code: res.ExitCode}
	}
	return nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
}
