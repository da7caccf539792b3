package scheduler

import (
	"fmt"
	"strings"
)

// ResourceRequestError is returned when a job asks for more process slots
// than the ceiling ever provides.
type ResourceRequestError struct {
	Job       string
	Target    string
	Requested int
	Ceiling   int
}

func (e *ResourceRequestError) Error() string {
	return fmt.Sprintf("job %s for '%s' requests %d procs but the ceiling is %d", e.Job, e.Target, e.Requested, e.Ceiling)
}

// SkippedError is recorded on jobs that never ran because a prerequisite failed.
type SkippedError struct {
	Target   string
	Upstream string
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("skipped due to upstream failure of '%s'", e.Upstream)
}

// RunError summarises a run in which some requested targets were not produced.
type RunError struct {
	// Targets are the requested targets that did not succeed.
	Targets []string
	// Causes are the root-cause job errors.
	Causes []error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("execution failed for %s", strings.Join(e.Targets, ", "))
	if len(e.Causes) > 0 {
		parts := make([]string, len(e.Causes))
		for i, c := range e.Causes {
			parts[i] = c.Error()
		}
		msg += ": " + strings.Join(parts, "; ")
	}
	return msg
}

func (e *RunError) Unwrap() []error {
	return e.Causes
}
