// Package remotetest provides an in-memory remote executor for tests.
package remotetest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/remote"
)

// Executor records calls and returns canned results.
type Executor struct {
	mu sync.Mutex

	// ExitStatus is returned by every Execute call.
	ExitStatus int
	// Output is written to the output stream by Execute.
	Output string
	// TransferErr and ExecuteErr make the respective call fail.
	TransferErr error
	ExecuteErr  error
	// OnExecute runs inside Execute before it returns, e.g. to move HEAD
	// while the remote run is "in flight" or to cancel the context.
	OnExecute func(ctx context.Context)

	Transfers []Transfer
	Scripts   []string
}

// Transfer is one recorded Transfer call.
type Transfer struct {
	Commit plumbing.Hash
	Name   string
}

var _ remote.Executor = (*Executor)(nil)

func (e *Executor) Transfer(_ context.Context, commit plumbing.Hash, remoteName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Transfers = append(e.Transfers, Transfer{Commit: commit, Name: remoteName})
	return e.TransferErr
}

func (e *Executor) Execute(ctx context.Context, script string, out io.Writer) (remote.ExecResult, error) {
	e.mu.Lock()
	e.Scripts = append(e.Scripts, script)
	hook := e.OnExecute
	e.mu.Unlock()

	if e.Output != "" {
		_, _ = io.WriteString(out, e.Output)
	}
	if hook != nil {
		hook(ctx)
	}
	if e.ExecuteErr != nil {
		return remote.ExecResult{}, e.ExecuteErr
	}
	return remote.ExecResult{ExitStatus: e.ExitStatus, Duration: time.Millisecond}, nil
}

// Contacted reports whether any call reached the executor.
func (e *Executor) Contacted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Transfers) > 0 || len(e.Scripts) > 0
}
