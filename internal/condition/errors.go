package condition

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a failure to evaluate a condition. Callers treat it as a false
// result and log it.
type Error interface {
	error
	conditionError()
}

// ErrorMessage is a single leaf failure.
type ErrorMessage struct {
	Type    string
	Message string
	Err     error
}

func (e *ErrorMessage) Error() string {
	return fmt.Sprintf("In '%s' condition: %s", e.Type, e.Message)
}

func (e *ErrorMessage) Unwrap() error { return e.Err }

func (*ErrorMessage) conditionError() {}

// ErrorIndex tags a sub-error with its position in a list.
type ErrorIndex struct {
	Type  string
	Index int
	Total int
	Err   Error
}

func (e *ErrorIndex) Error() string {
	if e.Total > 1 {
		return fmt.Sprintf("In '%s' (item %d of %d):\n%s", e.Type, e.Index+1, e.Total, indent(e.Err.Error()))
	}
	return fmt.Sprintf("In '%s':\n%s", e.Type, indent(e.Err.Error()))
}

func (e *ErrorIndex) Unwrap() error { return e.Err }

func (*ErrorIndex) conditionError() {}

// ErrorContainer aggregates several failures.
type ErrorContainer struct {
	Type string
	Errs []Error
}

func (e *ErrorContainer) Error() string {
	parts := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "\n")
}

func (e *ErrorContainer) Unwrap() []error {
	out := make([]error, len(e.Errs))
	for i, err := range e.Errs {
		out[i] = err
	}
	return out
}

func (*ErrorContainer) conditionError() {}

// IsError reports whether err is or wraps a condition Error.
func IsError(err error) bool {
	var ce Error
	return errors.As(err, &ce)
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}

func messagef(kind Kind, format string, args ...any) *ErrorMessage {
	return &ErrorMessage{Type: string(kind), Message: fmt.Sprintf(format, args...)}
}

// asError converts any evaluation failure into an Error.
func asError(kind Kind, err error) Error {
	var ce Error
	if errors.As(err, &ce) {
		return ce
	}
	return &ErrorMessage{Type: string(kind), Message: err.Error(), Err: err}
}
