// Package telemetry sends anonymous, opt-in usage events.
package telemetry

import (
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/posthog/posthog-go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// OptOutEnvVar disables telemetry when set to any value.
const OptOutEnvVar = "SNAPTEST_TELEMETRY_OPTOUT"

var (
	// PostHogAPIKey is set at build time for production
	PostHogAPIKey = "phc_development_key"
	// PostHogEndpoint is set at build time for production
	PostHogEndpoint = "https://eu.i.posthog.com"
)

// appID salts the machine ID so it cannot be correlated with other tools.
const appID = "snaptest"

// RunEvent is the anonymous summary of a finished run. It carries no paths,
// hashes or host names.
type RunEvent struct {
	Outcome      string
	ExitStatus   int
	Duration     time.Duration
	FilesChanged int
	Empty        bool
}

// Client defines the telemetry interface
type Client interface {
	TrackCommand(cmd *cobra.Command)
	TrackRun(ev RunEvent)
	Close()
}

// NoOpClient is a no-op implementation for when telemetry is disabled
type NoOpClient struct{}

func (n *NoOpClient) TrackCommand(_ *cobra.Command) {}
func (n *NoOpClient) TrackRun(_ RunEvent)           {}
func (n *NoOpClient) Close()                        {}

// silentLogger suppresses PostHog log output - expected for CLI best-effort telemetry
type silentLogger struct{}

func (silentLogger) Logf(_ string, _ ...interface{})   {}
func (silentLogger) Debugf(_ string, _ ...interface{}) {}
func (silentLogger) Warnf(_ string, _ ...interface{})  {}
func (silentLogger) Errorf(_ string, _ ...interface{}) {}

// PostHogClient is the real telemetry client
type PostHogClient struct {
	client    posthog.Client
	machineID string
	mu        sync.RWMutex
}

// NewClient creates a new telemetry client based on opt-out settings.
// The telemetryEnabled parameter comes from settings; nil means not configured (default to disabled).
//
//nolint:ireturn // Factory function - returns NoOpClient or PostHogClient based on settings
func NewClient(version string, telemetryEnabled *bool) Client {
	if os.Getenv(OptOutEnvVar) != "" {
		return &NoOpClient{}
	}

	if telemetryEnabled == nil || !*telemetryEnabled {
		return &NoOpClient{}
	}

	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return &NoOpClient{}
	}

	// Fast timeouts: telemetry must not hold up process exit.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 100 * time.Millisecond,
		}).DialContext,
		TLSHandshakeTimeout:   100 * time.Millisecond,
		ResponseHeaderTimeout: 100 * time.Millisecond,
	}

	client, err := posthog.NewWithConfig(PostHogAPIKey, posthog.Config{
		Endpoint:           PostHogEndpoint,
		ShutdownTimeout:    100 * time.Millisecond,
		BatchUploadTimeout: 200 * time.Millisecond,
		Transport:          transport,
		Logger:             silentLogger{},
		DisableGeoIP:       posthog.Ptr(true),
		DefaultEventProperties: posthog.NewProperties().
			Set("cli_version", version).
			Set("os", runtime.GOOS).
			Set("arch", runtime.GOARCH),
	})
	if err != nil {
		return &NoOpClient{}
	}

	return &PostHogClient{client: client, machineID: id}
}

// CommandProperties returns the properties recorded for cmd: its path and
// the names (never the values) of the flags that were set.
func CommandProperties(cmd *cobra.Command) posthog.Properties {
	var flags []string
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		flags = append(flags, flag.Name)
	})

	props := posthog.NewProperties().Set("command", cmd.CommandPath())
	if len(flags) > 0 {
		props.Set("flags", strings.Join(flags, ","))
	}
	return props
}

// RunProperties returns the properties recorded for a finished run.
func RunProperties(ev RunEvent) posthog.Properties {
	return posthog.NewProperties().
		Set("outcome", ev.Outcome).
		Set("exit_status", ev.ExitStatus).
		Set("duration_s", int(ev.Duration.Seconds())).
		Set("files_changed", ev.FilesChanged).
		Set("empty", ev.Empty)
}

// TrackCommand records the command execution
func (p *PostHogClient) TrackCommand(cmd *cobra.Command) {
	if cmd == nil || cmd.Hidden {
		return
	}
	p.enqueue("cli_command_executed", CommandProperties(cmd))
}

// TrackRun records the outcome of a run.
func (p *PostHogClient) TrackRun(ev RunEvent) {
	p.enqueue("run_finished", RunProperties(ev))
}

func (p *PostHogClient) enqueue(event string, props posthog.Properties) {
	p.mu.RLock()
	id := p.machineID
	c := p.client
	p.mu.RUnlock()

	if c == nil {
		return
	}

	//nolint:errcheck // Best-effort telemetry, failures should not affect CLI
	_ = c.Enqueue(posthog.Capture{
		DistinctId: id,
		Event:      event,
		Properties: props,
	})
}

// Close flushes pending events
func (p *PostHogClient) Close() {
	p.mu.RLock()
	c := p.client
	p.mu.RUnlock()

	if c != nil {
		_ = c.Close()
	}
}
