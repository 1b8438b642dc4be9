package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/logging"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/paths"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/settings"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/toolchain"
)

// overrideFlags holds the command-line values that override settings.
type overrideFlags struct {
	host      string
	path      string
	minFree   string
	shards    int
	skipEmpty bool
	gofmt     bool
}

// addOverrideFlags registers the settings override flags on cmd.
func addOverrideFlags(cmd *cobra.Command) *overrideFlags {
	f := &overrideFlags{}
	cmd.Flags().StringVar(&f.host, "host", "", "Remote ssh destination, [user@]host[:port] (overrides remote_host)")
	cmd.Flags().StringVar(&f.path, "path", "", "Repository directory on the remote host (overrides remote_path)")
	cmd.Flags().StringVar(&f.minFree, "min-free-space", "", "Evict the remote cache below this much free space, e.g. 20GB")
	cmd.Flags().IntVar(&f.shards, "shards", 0, "Test parallelism substituted for {shards}")
	cmd.Flags().BoolVar(&f.skipEmpty, "skip-empty", false, "Do not contact the remote host when nothing changed")
	cmd.Flags().BoolVar(&f.gofmt, "gofmt", false, "Run gofmt -w on changed Go files before the snapshot")
	return f
}

// overrides returns the flags that were set on cmd as settings overrides.
func (f *overrideFlags) overrides(cmd *cobra.Command) settings.Overrides {
	var o settings.Overrides
	flags := cmd.Flags()
	if flags.Changed("host") {
		o.RemoteHost = &f.host
	}
	if flags.Changed("path") {
		o.RemotePath = &f.path
	}
	if flags.Changed("min-free-space") {
		o.MinFreeSpace = &f.minFree
	}
	if flags.Changed("shards") {
		o.TestShards = &f.shards
	}
	if flags.Changed("skip-empty") {
		o.SkipEmpty = &f.skipEmpty
	}
	if flags.Changed("gofmt") {
		o.Gofmt = &f.gofmt
	}
	return o
}

// resolved is the configuration of one invocation.
type resolved struct {
	Root      string
	Settings  *settings.Settings
	Config    settings.Config
	Toolchain toolchain.Detection
}

// resolveConfig loads settings for the current repository, applies the
// overrides and detected toolchain defaults, and validates the result.
func resolveConfig(o settings.Overrides) (*resolved, error) {
	root, err := paths.RepoRoot()
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %w", err)
	}

	s, err := settings.Load()
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	logging.SetLogLevelGetter(func() string { return s.LogLevel })

	cfg, err := s.Config(o)
	if err != nil {
		return nil, err //nolint:wrapcheck // already wraps ErrInvalidConfig
	}

	det, err := toolchain.Detect(root)
	if err != nil {
		return nil, fmt.Errorf("detecting toolchain: %w", err)
	}
	cfg = det.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err //nolint:wrapcheck // already wraps ErrInvalidConfig
	}

	return &resolved{Root: root, Settings: s, Config: cfg, Toolchain: det}, nil
}
