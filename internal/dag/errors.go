package dag

import (
	"fmt"
	"strings"
)

// CyclicDependencyError is returned when a target depends on itself through
// a chain of rules.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return "cyclic dependency: " + strings.Join(e.Cycle, " -> ")
}

// newCycleError builds the cycle from the first occurrence of id in stack.
func newCycleError(stack []string, id string) *CyclicDependencyError {
	start := 0
	for i, s := range stack {
		if s == id {
			start = i
			break
		}
	}
	cycle := append([]string(nil), stack[start:]...)
	return &CyclicDependencyError{Cycle: append(cycle, id)}
}

// MissingSourceError is returned for a target that no rule produces and
// that does not exist on disk.
type MissingSourceError struct {
	Target     string
	RequiredBy string
	Err        error
}

func (e *MissingSourceError) Error() string {
	if e.RequiredBy != "" {
		return fmt.Sprintf("missing source '%s' (required by '%s'): %v", e.Target, e.RequiredBy, e.Err)
	}
	return fmt.Sprintf("missing source '%s': %v", e.Target, e.Err)
}

func (e *MissingSourceError) Unwrap() error {
	return e.Err
}
