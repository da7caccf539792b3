package vars

import (
	"errors"
	"fmt"
)

// ErrFrozen is returned by mutating calls after Freeze.
var ErrFrozen = errors.New("variable store is frozen")

// UnboundVariableError is returned when a variable was never set and has
// no default.
type UnboundVariableError struct {
	Name string
}

func (e *UnboundVariableError) Error() string {
	return fmt.Sprintf("unbound variable '%s'", e.Name)
}

// InterpolationError reports a template that could not be expanded.
type InterpolationError struct {
	Template string
	Name     string
	Err      error
}

func (e *InterpolationError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("cannot interpolate '%s' in %q: %v", e.Name, e.Template, e.Err)
	}
	return fmt.Sprintf("cannot interpolate %q: %v", e.Template, e.Err)
}

func (e *InterpolationError) Unwrap() error {
	return e.Err
}
