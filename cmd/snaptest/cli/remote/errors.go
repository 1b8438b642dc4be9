package remote

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransfer is returned when a snapshot could not be pushed to the
	// remote host. The run stops; the local snapshot commit is left unreferenced.
	ErrTransfer = errors.New("transfer to remote failed")

	// ErrExecutorUnavailable is returned when the transport binary cannot be started.
	ErrExecutorUnavailable = errors.New("remote executor unavailable")
)

// CommandError describes a failed local git or ssh invocation.
type CommandError struct {
	Operation string
	Args      []string
	Output    string
	Err       error
}

func (e *CommandError) Error() string {
	msg := e.Operation + " failed"
	if out := strings.TrimSpace(e.Output); out != "" {
		msg = fmt.Sprintf("%s: %s", msg, out)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
