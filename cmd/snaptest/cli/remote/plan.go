package remote

import (
	"fmt"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/settings"
)

// StepKind names one stage of the remote command sequence.
type StepKind string

const (
	StepEnv        StepKind = "env"
	StepCheckout   StepKind = "checkout"
	StepSpaceCheck StepKind = "space-check"
	StepBuild      StepKind = "build"
	StepTest       StepKind = "test"
)

// Step is one stage of a Plan. Lines returns the POSIX sh text for the stage.
type Step interface {
	Kind() StepKind
	Lines() []string
}

// EnvStep exports variables and prepends directories to PATH.
type EnvStep struct {
	Vars        []settings.EnvVar
	PathPrepend []string
}

func (EnvStep) Kind() StepKind { return StepEnv }

func (s EnvStep) Lines() []string {
	var lines []string
	for _, v := range s.Vars {
		lines = append(lines, fmt.Sprintf("export %s=%s", v.Name, shellescape.Quote(v.Value)))
	}
	if len(s.PathPrepend) > 0 {
		dirs := make([]string, 0, len(s.PathPrepend))
		for _, d := range s.PathPrepend {
			dirs = append(dirs, quotePath(d))
		}
		lines = append(lines, fmt.Sprintf("export PATH=%s:\"$PATH\"", strings.Join(dirs, ":")))
	}
	return lines
}

// CheckoutStep moves the remote working tree to the transferred snapshot,
// detached, discarding anything left over from a previous run.
type CheckoutStep struct {
	Dir string
	Ref string
}

func (CheckoutStep) Kind() StepKind { return StepCheckout }

func (s CheckoutStep) Lines() []string {
	ref := shellescape.Quote(s.Ref)
	return []string{
		"cd " + quotePath(s.Dir),
		"git checkout -q -f --detach " + ref,
		"git reset -q --hard " + ref,
	}
}

// SpaceCheckStep runs Evict when the filesystem holding the working
// directory has less than MinFreeBytes available.
type SpaceCheckStep struct {
	MinFreeBytes uint64
	Evict        string
}

func (SpaceCheckStep) Kind() StepKind { return StepSpaceCheck }

// MinFreeKB is the threshold in the 1024-byte blocks reported by df -Pk, rounded up.
func (s SpaceCheckStep) MinFreeKB() uint64 {
	return (s.MinFreeBytes + 1023) / 1024
}

func (s SpaceCheckStep) Lines() []string {
	kb := s.MinFreeKB()
	return []string{
		"snaptest_avail=$(df -Pk . | awk 'NR==2 {print $4}')",
		`if [ -z "$snaptest_avail" ]; then`,
		`  echo "snaptest: could not determine free space; skipping eviction" >&2`,
		fmt.Sprintf(`elif [ "$snaptest_avail" -lt %d ]; then`, kb),
		fmt.Sprintf(`  echo "snaptest: $snaptest_avail KiB free, below %d KiB; evicting" >&2`, kb),
		"  " + s.Evict,
		"fi",
	}
}

// CommandStep runs a configured build or test command.
type CommandStep struct {
	StepKind StepKind
	Command  string
}

func (s CommandStep) Kind() StepKind { return s.StepKind }

func (s CommandStep) Lines() []string {
	return []string{s.Command}
}

// Plan is the typed remote command sequence for one snapshot.
type Plan struct {
	Steps []Step
}

// NewPlan composes the remote sequence for the snapshot transferred as ref.
// Steps appear in execution order: env, checkout, space-check, build, test.
// Empty env, a zero threshold and an empty build command leave their step out.
func NewPlan(cfg settings.Config, ref string) Plan {
	var steps []Step
	if len(cfg.Env) > 0 || len(cfg.PathPrepend) > 0 {
		steps = append(steps, EnvStep{Vars: cfg.Env, PathPrepend: cfg.PathPrepend})
	}
	steps = append(steps, CheckoutStep{Dir: cfg.RemotePath, Ref: ref})
	if cfg.MinFreeSpace > 0 {
		steps = append(steps, SpaceCheckStep{MinFreeBytes: cfg.MinFreeSpace, Evict: cfg.EvictCommand})
	}
	if strings.TrimSpace(cfg.BuildCommand) != "" {
		steps = append(steps, CommandStep{StepKind: StepBuild, Command: cfg.BuildCommand})
	}
	steps = append(steps, CommandStep{StepKind: StepTest, Command: cfg.TestCommandLine()})
	return Plan{Steps: steps}
}

// Step returns the first step of the given kind.
func (p Plan) Step(kind StepKind) (Step, bool) {
	for _, s := range p.Steps {
		if s.Kind() == kind {
			return s, true
		}
	}
	return nil, false
}

// Kinds lists the step kinds in order.
func (p Plan) Kinds() []StepKind {
	kinds := make([]StepKind, 0, len(p.Steps))
	for _, s := range p.Steps {
		kinds = append(kinds, s.Kind())
	}
	return kinds
}

// Script serializes the plan into a single sh script. Any failing command
// ends the script with that command's status.
func (p Plan) Script() string {
	var b strings.Builder
	b.WriteString("set -e\n")
	for _, s := range p.Steps {
		fmt.Fprintf(&b, "echo %s >&2\n", shellescape.Quote("--- snaptest: "+string(s.Kind())))
		for _, line := range s.Lines() {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// quotePath quotes a remote path for sh while keeping a leading "~" expandable.
func quotePath(p string) string {
	switch {
	case p == "~":
		return `"$HOME"`
	case strings.HasPrefix(p, "~/"):
		return `"$HOME"/` + shellescape.Quote(strings.TrimPrefix(p, "~/"))
	default:
		return shellescape.Quote(p)
	}
}
