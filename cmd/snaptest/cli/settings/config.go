package settings

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/validation"
)

// ShardsPlaceholder is replaced by the shard count inside test_command.
const ShardsPlaceholder = "{shards}"

var envNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EnvVar is one exported variable of the remote environment.
type EnvVar struct {
	Name  string
	Value string
}

// Config is the resolved, validated configuration of one invocation.
// It is built once at startup and passed by value to every component.
type Config struct {
	RemoteHost   string
	RemotePath   string
	MinFreeSpace uint64
	TestShards   int

	BuildCommand string
	TestCommand  string
	EvictCommand string

	// Env is sorted by name.
	Env []EnvVar
	// PathPrepend lists remote directories put in front of PATH, in order.
	PathPrepend []string

	Gofmt     bool
	SkipEmpty bool

	SoundSuccess string
	SoundFailure string
}

// Overrides carries command-line flag values. Nil fields leave settings as-is.
type Overrides struct {
	RemoteHost   *string
	RemotePath   *string
	MinFreeSpace *string
	TestShards   *int
	SkipEmpty    *bool
	Gofmt        *bool
}

// Config resolves the settings and overrides into a validated Config.
// Toolchain-derived commands are applied separately with WithCommandDefaults.
func (s *Settings) Config(o Overrides) (Config, error) {
	merged := *s
	if o.RemoteHost != nil {
		merged.RemoteHost = *o.RemoteHost
	}
	if o.RemotePath != nil {
		merged.RemotePath = *o.RemotePath
	}
	if o.MinFreeSpace != nil {
		merged.MinFreeSpace = *o.MinFreeSpace
	}
	if o.TestShards != nil {
		merged.TestShards = *o.TestShards
	}
	if o.SkipEmpty != nil {
		merged.SkipEmpty = *o.SkipEmpty
	}
	if o.Gofmt != nil {
		merged.Gofmt = *o.Gofmt
	}

	var errs []error
	if err := validation.ValidateRemoteHost(merged.RemoteHost); err != nil {
		errs = append(errs, err)
	}
	if err := validation.ValidateRemotePath(merged.RemotePath); err != nil {
		errs = append(errs, err)
	}
	if merged.TestShards < 1 {
		errs = append(errs, fmt.Errorf("test_shards must be at least 1, got %d", merged.TestShards))
	}

	minFree := strings.TrimSpace(merged.MinFreeSpace)
	if minFree == "" {
		minFree = DefaultMinFreeSpace
	}
	minFreeBytes, err := humanize.ParseBytes(minFree)
	if err != nil {
		errs = append(errs, fmt.Errorf("min_free_space %q: %w", merged.MinFreeSpace, err))
	}

	envVars := make([]EnvVar, 0, len(merged.Env))
	for name, value := range merged.Env {
		if !envNameRegex.MatchString(name) {
			errs = append(errs, fmt.Errorf("env: invalid variable name %q", name))
			continue
		}
		envVars = append(envVars, EnvVar{Name: name, Value: value})
	}
	slices.SortFunc(envVars, func(a, b EnvVar) int { return strings.Compare(a.Name, b.Name) })

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	evict := merged.EvictCommand
	if strings.TrimSpace(evict) == "" {
		evict = DefaultEvictCommand
	}

	return Config{
		RemoteHost:   merged.RemoteHost,
		RemotePath:   strings.TrimRight(merged.RemotePath, "/"),
		MinFreeSpace: minFreeBytes,
		TestShards:   merged.TestShards,
		BuildCommand: merged.BuildCommand,
		TestCommand:  merged.TestCommand,
		EvictCommand: evict,
		Env:          envVars,
		Gofmt:        merged.Gofmt,
		SkipEmpty:    merged.SkipEmpty,
		SoundSuccess: merged.SoundSuccess,
		SoundFailure: merged.SoundFailure,
	}, nil
}

// WithCommandDefaults returns a copy of c in which unset build and test
// commands are filled from the given defaults and pathDirs are added to
// PathPrepend. Relative pathDirs are resolved against RemotePath.
func (c Config) WithCommandDefaults(build, test string, pathDirs []string) Config {
	out := c
	if strings.TrimSpace(out.BuildCommand) == "" {
		out.BuildCommand = build
	}
	if strings.TrimSpace(out.TestCommand) == "" {
		out.TestCommand = test
	}
	out.PathPrepend = slices.Clone(c.PathPrepend)
	for _, d := range pathDirs {
		if !strings.HasPrefix(d, "/") && !strings.HasPrefix(d, "~") {
			d = c.RemotePath + "/" + d
		}
		out.PathPrepend = append(out.PathPrepend, d)
	}
	out.Env = slices.Clone(c.Env)
	return out
}

// Validate reports whether the config can drive a remote run.
func (c Config) Validate() error {
	if strings.TrimSpace(c.TestCommand) == "" {
		return fmt.Errorf("%w: no test_command configured and none could be detected", ErrInvalidConfig)
	}
	return nil
}

// TestCommandLine returns the test command with the shard count substituted.
func (c Config) TestCommandLine() string {
	return strings.ReplaceAll(c.TestCommand, ShardsPlaceholder, fmt.Sprintf("%d", c.TestShards))
}
