// Package remote transfers snapshots to the test host and runs the remote
// command sequence there.
package remote

import (
	"context"
	"io"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
)

// ExecResult is what the transport reports about one remote script.
type ExecResult struct {
	ExitStatus int
	Duration   time.Duration
}

// Executor is the transport to the remote host.
type Executor interface {
	// Transfer makes commit available on the remote as refs/snaptest/<remoteName>.
	Transfer(ctx context.Context, commit plumbing.Hash, remoteName string) error

	// Execute runs script on the remote host and streams its combined output
	// to out. A non-zero exit status is reported in the result, not as an error;
	// errors mean the script could not be started at all.
	Execute(ctx context.Context, script string, out io.Writer) (ExecResult, error)
}
