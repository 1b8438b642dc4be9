package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/paths"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/runlog"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/settings"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/validation"
)

// Settings target options for interactive prompt
const (
	settingsTargetProject = "project"
	settingsTargetLocal   = "local"
)

// configureAnswers are the values collected by the configure form.
type configureAnswers struct {
	RemoteHost   string
	RemotePath   string
	TestShards   string
	MinFreeSpace string
	TestCommand  string
	SkipEmpty    bool
	Gofmt        bool
	Telemetry    bool
}

func newConfigureCmd() *cobra.Command {
	var useLocal, useProject bool

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Interactively write .snaptest/settings.json",
		Long: `Ask for the remote host, remote checkout and test options and save them to
.snaptest/settings.json. When project settings already exist you are asked
whether to update them or write .snaptest/settings.local.json instead, which is
gitignored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if useLocal && useProject {
				return errors.New("cannot specify both --project and --local")
			}
			return runConfigure(cmd.OutOrStdout(), useLocal, useProject)
		},
	}

	cmd.Flags().BoolVar(&useLocal, "local", false, "Write settings to settings.local.json instead of settings.json")
	cmd.Flags().BoolVar(&useProject, "project", false, "Write settings to settings.json even if it already exists")

	return cmd
}

func runConfigure(w io.Writer, useLocal, useProject bool) error {
	root, err := paths.RepoRoot()
	if err != nil {
		return fmt.Errorf("not a git repository: %w", err)
	}
	snaptestDir := filepath.Join(root, paths.SnaptestDir)

	local, err := promptSettingsTarget(snaptestDir, useLocal, useProject)
	if err != nil {
		return err
	}

	current, err := settings.Load()
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	answers := answersFrom(current)
	if err := configureForm(&answers).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return NewSilentError(errors.New("configuration cancelled"))
		}
		return fmt.Errorf("configuration cancelled: %w", err)
	}

	updated, err := applyAnswers(current, answers)
	if err != nil {
		return err
	}
	if err := settings.Save(updated, local); err != nil {
		return err //nolint:wrapcheck // already wrapped by settings
	}
	if err := runlog.EnsureGitignore(root); err != nil {
		return fmt.Errorf("failed to setup .gitignore: %w", err)
	}

	target := paths.SettingsFile
	if local {
		target = paths.LocalSettingsFile
	}
	fmt.Fprintf(w, "✓ Saved %s\n", target)
	return nil
}

func answersFrom(s *settings.Settings) configureAnswers {
	return configureAnswers{
		RemoteHost:   s.RemoteHost,
		RemotePath:   s.RemotePath,
		TestShards:   strconv.Itoa(s.TestShards),
		MinFreeSpace: s.MinFreeSpace,
		TestCommand:  s.TestCommand,
		SkipEmpty:    s.SkipEmpty,
		Gofmt:        s.Gofmt,
		Telemetry:    s.IsTelemetryEnabled(),
	}
}

func configureForm(a *configureAnswers) *huh.Form {
	return NewAccessibleForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Remote host").
				Description("ssh destination, [user@]host[:port]").
				Value(&a.RemoteHost).
				Validate(validation.ValidateRemoteHost),
			huh.NewInput().
				Title("Remote checkout").
				Description("Absolute path or ~/path of the repository on the remote host").
				Value(&a.RemotePath).
				Validate(validation.ValidateRemotePath),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Test shards").
				Value(&a.TestShards).
				Validate(validateShards),
			huh.NewInput().
				Title("Minimum free space on the remote").
				Description("The evict command runs below this, e.g. 20GB").
				Value(&a.MinFreeSpace).
				Validate(validateSize),
			huh.NewInput().
				Title("Test command").
				Description("Leave empty to detect it; {shards} is replaced by the shard count").
				Value(&a.TestCommand),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Skip the remote run when nothing changed?").
				Value(&a.SkipEmpty),
			huh.NewConfirm().
				Title("Run gofmt on changed Go files before each snapshot?").
				Value(&a.Gofmt),
			huh.NewConfirm().
				Title("Send anonymous usage statistics?").
				Value(&a.Telemetry),
		),
	)
}

// applyAnswers returns a copy of s updated with the answers.
func applyAnswers(s *settings.Settings, a configureAnswers) (*settings.Settings, error) {
	if err := validateShards(a.TestShards); err != nil {
		return nil, err
	}
	if err := validateSize(a.MinFreeSpace); err != nil {
		return nil, err
	}
	shards, _ := strconv.Atoi(strings.TrimSpace(a.TestShards)) //nolint:errcheck // validated above

	updated := *s
	updated.RemoteHost = strings.TrimSpace(a.RemoteHost)
	updated.RemotePath = strings.TrimSpace(a.RemotePath)
	updated.TestShards = shards
	updated.MinFreeSpace = strings.TrimSpace(a.MinFreeSpace)
	updated.TestCommand = strings.TrimSpace(a.TestCommand)
	updated.SkipEmpty = a.SkipEmpty
	updated.Gofmt = a.Gofmt
	telemetry := a.Telemetry
	updated.Telemetry = &telemetry
	return &updated, nil
}

func validateShards(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return fmt.Errorf("test shards must be a whole number of at least 1, got %q", s)
	}
	return nil
}

func validateSize(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if _, err := humanize.ParseBytes(s); err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	return nil
}

// promptSettingsTarget interactively asks the user where to save settings
// when settings.json already exists and no flags were provided.
// Returns (useLocal, error).
func promptSettingsTarget(snaptestDir string, useLocal, useProject bool) (bool, error) {
	if useLocal {
		return true, nil
	}
	if useProject {
		return false, nil
	}

	settingsPath := filepath.Join(snaptestDir, filepath.Base(paths.SettingsFile))
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		return false, nil
	}

	var selected string
	form := NewAccessibleForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Project settings already exist. Where should settings be saved?").
				Options(
					huh.NewOption("Update project settings (settings.json)", settingsTargetProject),
					huh.NewOption("Use local settings (settings.local.json, gitignored)", settingsTargetLocal),
				).
				Value(&selected),
		),
	)

	if err := form.Run(); err != nil {
		return false, fmt.Errorf("selection cancelled: %w", err)
	}

	return selected == settingsTargetLocal, nil
}
