package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected         = errors.New("not connected")
	ErrDuplicateConnection  = errors.New("duplicate connection")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrCommandTimeout       = errors.New("command timeout")
	ErrInvalidTrailSettings = errors.New("invalid trail settings")
	ErrCalculation          = errors.New("calculation error")
	ErrDataInconsistency    = errors.New("data inconsistency")
)

// CommandError carries the decoded reason a command failed. The wrapped
// error keeps errors.Is working against the taxonomy above.
type CommandError struct {
	Reason string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("command failed (%s)", e.Reason)
}

func (e *CommandError) Unwrap() error { return e.Err }

// CommandFailed builds the canonical failure for a reason code.
func CommandFailed(reason string, err error) error {
	return &CommandError{Reason: reason, Err: err}
}

// ClassifyError maps an error onto the recovery subsystem's failure
// classes. Unrecognized errors default to execution failures.
func ClassifyError(err error) FailureClass {
	switch {
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrDuplicateConnection),
		errors.Is(err, ErrCapacityExceeded),
		errors.Is(err, ErrAuthenticationFailed):
		return FailureConnection
	case errors.Is(err, ErrInvalidTrailSettings):
		return FailureValidation
	case errors.Is(err, ErrCalculation):
		return FailureCalculation
	case errors.Is(err, ErrDataInconsistency):
		return FailureConsistency
	default:
		return FailureExecution
	}
}
