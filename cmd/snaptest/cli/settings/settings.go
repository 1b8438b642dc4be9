// Package settings provides configuration loading for snaptest.
// This package is separate from cli so that lower-level packages can read
// configuration without importing the command tree.
package settings

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/jsonutil"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/paths"
)

// EnvPrefix is the prefix of environment variables that override settings,
// e.g. SNAPTEST_REMOTE_HOST overrides remote_host.
const EnvPrefix = "SNAPTEST_"

// Defaults applied before any file or environment layer.
const (
	DefaultMinFreeSpace = "10GB"
	DefaultTestShards   = 4
	DefaultEvictCommand = "go clean -cache"
)

// ErrInvalidConfig is returned when settings fail validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Settings represents .snaptest/settings.json as written by the user.
// Zero values mean "not set"; Config() resolves them into a validated Config.
type Settings struct {
	// RemoteHost is the ssh destination that runs the tests.
	RemoteHost string `koanf:"remote_host" json:"remote_host,omitempty"`

	// RemotePath is the repository checkout on the remote host.
	RemotePath string `koanf:"remote_path" json:"remote_path,omitempty"`

	// MinFreeSpace is the eviction threshold, in bytes or humanized ("20GB").
	MinFreeSpace string `koanf:"min_free_space" json:"min_free_space,omitempty"`

	// TestShards is the parallelism passed to the test command as {shards}.
	TestShards int `koanf:"test_shards" json:"test_shards,omitempty"`

	BuildCommand string `koanf:"build_command" json:"build_command,omitempty"`
	TestCommand  string `koanf:"test_command" json:"test_command,omitempty"`
	EvictCommand string `koanf:"evict_command" json:"evict_command,omitempty"`

	// Env holds extra environment variables exported before the build.
	Env map[string]string `koanf:"env" json:"env,omitempty"`

	// Gofmt runs gofmt -w over changed Go files before the snapshot is taken.
	Gofmt bool `koanf:"gofmt" json:"gofmt,omitempty"`

	// SkipEmpty skips the remote run entirely when the snapshot has no changes.
	SkipEmpty bool `koanf:"skip_empty" json:"skip_empty,omitempty"`

	// SoundSuccess and SoundFailure are commands run to play the audio cues.
	SoundSuccess string `koanf:"sound_success" json:"sound_success,omitempty"`
	SoundFailure string `koanf:"sound_failure" json:"sound_failure,omitempty"`

	// LogLevel sets the logging verbosity (debug, info, warn, error).
	// Can be overridden by SNAPTEST_LOG_LEVEL.
	LogLevel string `koanf:"log_level" json:"log_level,omitempty"`

	// Telemetry controls anonymous usage analytics.
	// nil = not configured (disabled), true = opted in, false = opted out
	Telemetry *bool `koanf:"telemetry" json:"telemetry,omitempty"`
}

// Load loads settings from .snaptest/settings.json, then applies overrides
// from .snaptest/settings.local.json and SNAPTEST_* environment variables.
// Missing files are not an error. Works from any subdirectory of the repository.
func Load() (*Settings, error) {
	base, err := paths.AbsPath(paths.SettingsFile)
	if err != nil {
		base = paths.SettingsFile
	}
	local, err := paths.AbsPath(paths.LocalSettingsFile)
	if err != nil {
		local = paths.LocalSettingsFile
	}
	return LoadFiles(base, local)
}

// LoadFiles loads settings from the given base and local override files with
// environment overrides on top. Precedence (highest first): environment,
// local file, base file, defaults.
func LoadFiles(baseFile, localFile string) (*Settings, error) {
	k := koanf.New(".")

	for _, f := range []string{baseFile, localFile} {
		data, err := os.ReadFile(f) //nolint:gosec // path is from AbsPath or caller
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading settings file %s: %w", f, err)
		}
		if err := k.Load(rawbytes.Provider(data), json.Parser()); err != nil {
			return nil, fmt.Errorf("parsing settings file %s: %w", f, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	s := &Settings{
		MinFreeSpace: DefaultMinFreeSpace,
		TestShards:   DefaultTestShards,
		EvictCommand: DefaultEvictCommand,
	}
	if err := k.Unmarshal("", s); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	return s, nil
}

// envKey maps SNAPTEST_REMOTE_HOST to remote_host.
func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}

// Save writes settings to .snaptest/settings.json, or to the local override
// file when local is true.
func Save(s *Settings, local bool) error {
	rel := paths.SettingsFile
	if local {
		rel = paths.LocalSettingsFile
	}
	abs, err := paths.AbsPath(rel)
	if err != nil {
		abs = rel
	}
	if err := jsonutil.WriteFileAtomic(abs, s, 0o644); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}

// IsTelemetryEnabled reports whether the user opted in to telemetry.
func (s *Settings) IsTelemetryEnabled() bool {
	return s != nil && s.Telemetry != nil && *s.Telemetry
}
