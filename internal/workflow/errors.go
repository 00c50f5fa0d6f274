package workflow

import (
	"errors"
	"fmt"
)

// Error names understood by Retry and Catch rules.
const (
	ErrorAll             = "States.ALL"
	ErrorTaskFailed      = "States.TaskFailed"
	ErrorRuntime         = "States.Runtime"
	ErrorNoChoiceMatched = "States.NoChoiceMatched"
	ErrorTimeout         = "States.Timeout"
)

// StateError is a named failure raised by a state. Task handlers may return
// one to choose the error name; any other error becomes States.TaskFailed.
type StateError struct {
	Name  string
	Cause string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Cause)
}

func asStateError(err error) *StateError {
	var se *StateError
	if errors.As(err, &se) {
		return se
	}
	return &StateError{Name: ErrorTaskFailed, Cause: err.Error()}
}

func matches(names []string, errName string) bool {
	for _, n := range names {
		if n == ErrorAll || n == errName {
			return true
		}
	}
	return false
}
