package lifecycle

import (
	"errors"
	"fmt"
)

// ErrMisuse matches every MisuseError via errors.Is.
var ErrMisuse = errors.New("alm: lifecycle misuse")

// MisuseError reports a run or task used out of order, such as a task opened
// outside a run or an event attributed to a closed run. It signals an
// integration bug and is never retryable.
type MisuseError struct {
	Op     string
	Reason string
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("alm: %s: %s", e.Op, e.Reason)
}

// Is makes errors.Is(err, ErrMisuse) true.
func (e *MisuseError) Is(target error) bool {
	return target == ErrMisuse
}

// Category names the error for classification.
func (e *MisuseError) Category() string { return "MisuseError" }

func misuse(op, format string, args ...any) *MisuseError {
	return &MisuseError{Op: op, Reason: fmt.Sprintf(format, args...)}
}
