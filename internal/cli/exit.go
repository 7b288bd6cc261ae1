package cli

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/neoclaw-ai/warden/internal/supervisor"
)

// Exit statuses used when the target never produced one of its own.
const (
	exitNotFound      = 127
	exitNotExecutable = 126
	exitSandboxFailed = 125
)

// ExitError carries the status warden should exit with. Err is nil when the
// status is simply the target's own.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitCode maps a session outcome to a shell-style exit status.
func exitCode(res supervisor.Result, err error) int {
	var berr *supervisor.BootstrapError
	switch {
	case errors.As(err, &berr):
		switch {
		case errors.Is(berr, syscall.ENOENT):
			return exitNotFound
		case errors.Is(berr, syscall.EACCES):
			return exitNotExecutable
		}
		return exitSandboxFailed
	case err != nil:
		return exitSandboxFailed
	}
	return res.State.ExitCode()
}

// exitError converts a session outcome into the error RunE returns.
func exitError(res supervisor.Result, err error) error {
	code := exitCode(res, err)
	if err == nil && code == 0 {
		return nil
	}
	return &ExitError{Code: code, Err: err}
}
