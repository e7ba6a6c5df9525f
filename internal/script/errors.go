package script

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned for step configs that cannot be used.
	ErrInvalidConfig = errors.New("script: invalid config")

	// ErrMaxRunsExceeded is returned when the script's mode refuses a new run.
	ErrMaxRunsExceeded = errors.New("script: maximum number of runs exceeded")

	// errStopScript ends the current sequence without an error.
	errStopScript = errors.New("script: stop")
)

// StepError is a failed step.
type StepError struct {
	Script string
	Index  int
	Action ActionKind
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: step %d (%s): %v", e.Script, e.Index+1, e.Action, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
