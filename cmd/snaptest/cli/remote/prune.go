package remote

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/paths"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/validation"
)

// PruneScript returns the sh script that deletes the snapshot refs for names
// from the repository at remotePath. Refs that are already gone are skipped.
func PruneScript(remotePath string, names []string) (string, error) {
	lines := []string{"set -e", "cd " + quotePath(remotePath)}
	for _, name := range names {
		if err := validation.ValidateRemoteName(name); err != nil {
			return "", err //nolint:wrapcheck // validation errors are already descriptive
		}
		ref := shellescape.Quote(paths.RemoteRefPrefix + name)
		lines = append(lines, fmt.Sprintf("git update-ref -d %s 2>/dev/null || true", ref))
	}
	return strings.Join(lines, "\n") + "\n", nil
}

// PruneRefs deletes the snapshot refs for names on the remote host.
func PruneRefs(ctx context.Context, exec Executor, remotePath string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	script, err := PruneScript(remotePath, names)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	res, err := exec.Execute(ctx, script, &out)
	if err != nil {
		return fmt.Errorf("pruning remote refs: %w", err)
	}
	if res.ExitStatus != 0 {
		return &CommandError{
			Operation: "remote ref prune",
			Output:    out.String(),
			Err:       fmt.Errorf("exit status %d", res.ExitStatus),
		}
	}
	return nil
}
