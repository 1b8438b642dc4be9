package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/settings"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/telemetry"
)

const gettingStarted = `

Getting Started:
  Run 'snaptest configure' inside a git repository to set the remote host
  and checkout, then 'snaptest run' whenever you want your uncommitted work
  tested. 'snaptest plan' shows what would run remotely.

`

const accessibilityHelp = `
Environment Variables:
  ACCESSIBLE    Set to any value (e.g., ACCESSIBLE=1) to enable accessibility
                mode. This uses simpler text prompts instead of interactive
                TUI elements, which works better with screen readers.
  SNAPTEST_*    Override any setting, e.g. SNAPTEST_REMOTE_HOST=builder.
`

// Version information (can be set at build time)
var (
	Version = "dev"
	Commit  = "unknown"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snaptest",
		Short: "Test uncommitted work on a remote machine",
		Long: "Snapshot the working tree, run the test suite on a remote host and advance\n" +
			"the current branch only when the tests pass." + gettingStarted + accessibilityHelp,
		// Let main.go handle error printing to avoid duplication
		SilenceErrors: true,
		SilenceUsage:  true,
		// Hide completion command from help but keep it functional
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			// Load telemetry preference from settings (ignore errors - nil defaults to disabled)
			var telemetryEnabled *bool
			if s, err := settings.Load(); err == nil {
				telemetryEnabled = s.Telemetry
			}

			telemetryClient := telemetry.NewClient(Version, telemetryEnabled)
			defer telemetryClient.Close()
			telemetryClient.TrackCommand(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newPlanCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newCleanCmd())
	cmd.AddCommand(newConfigureCmd())
	cmd.AddCommand(newVersionCmd())

	// Replace default help command with custom one that supports -t flag
	cmd.SetHelpCommand(NewHelpCmd(cmd))

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "snaptest %s (%s)\n", Version, Commit)
			fmt.Fprintf(w, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(w, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
