// Package toolchain picks default build and test commands from the layout of
// the repository being tested.
package toolchain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/settings"
)

// Kind is the detected repository layout.
type Kind string

const (
	// Unknown layouts need build_command and test_command in settings.
	Unknown Kind = "unknown"
	// Distribution is a checkout of the Go distribution itself (src/make.bash).
	Distribution Kind = "go-distribution"
	// Module is an ordinary Go module with a go.mod at the root.
	Module Kind = "go-module"
)

// Commands used for each layout. {shards} is substituted by the configured
// test shard count.
const (
	DistributionBuild = "cd src && ./make.bash"
	DistributionTest  = "cd src && ../bin/go test -short -p " + settings.ShardsPlaceholder + " std cmd"
	ModuleBuild       = "go build ./..."
	ModuleTest        = "go test -p " + settings.ShardsPlaceholder + " ./..."
)

// Detection describes what was found at the repository root.
type Detection struct {
	Kind  Kind
	Build string
	Test  string
	// PathDirs are remote directories, relative to the remote checkout, that
	// go in front of PATH.
	PathDirs []string

	// ModulePath and GoVersion come from go.mod when Kind is Module.
	ModulePath string
	GoVersion  string
}

// Detect inspects root. A malformed go.mod is an error; a missing one is not.
func Detect(root string) (Detection, error) {
	if isFile(filepath.Join(root, "src", "make.bash")) {
		return Detection{
			Kind:     Distribution,
			Build:    DistributionBuild,
			Test:     DistributionTest,
			PathDirs: []string{"bin"},
		}, nil
	}

	gomod := filepath.Join(root, "go.mod")
	data, err := os.ReadFile(gomod) //nolint:gosec // path is inside the repository root
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Detection{Kind: Unknown}, nil
		}
		return Detection{}, fmt.Errorf("reading go.mod: %w", err)
	}

	f, err := modfile.ParseLax(gomod, data, nil)
	if err != nil {
		return Detection{}, fmt.Errorf("parsing go.mod: %w", err)
	}
	d := Detection{Kind: Module, Build: ModuleBuild, Test: ModuleTest}
	if f.Module != nil {
		d.ModulePath = f.Module.Mod.Path
	}
	if f.Go != nil {
		d.GoVersion = f.Go.Version
	}
	return d, nil
}

// Apply fills the unset commands of cfg from d.
func (d Detection) Apply(cfg settings.Config) settings.Config {
	return cfg.WithCommandDefaults(d.Build, d.Test, d.PathDirs)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
