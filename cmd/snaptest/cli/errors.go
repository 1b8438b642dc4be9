package cli

import "fmt"

// SilentError wraps an error that has already been reported to the user.
// main exits with status 1 without printing it again.
type SilentError struct {
	Err error
}

// NewSilentError wraps err so that it is not printed again.
func NewSilentError(err error) *SilentError {
	return &SilentError{Err: err}
}

func (e *SilentError) Error() string {
	return e.Err.Error()
}

func (e *SilentError) Unwrap() error {
	return e.Err
}

// ExitCodeError makes the process exit with Code. The outcome has already
// been reported, so main prints nothing.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}
