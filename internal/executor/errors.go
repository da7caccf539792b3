package executor

import "fmt"

// JobExecutionError reports a job whose process failed, was killed, or did
// not produce its declared output.
type JobExecutionError struct {
	JobID    string
	Target   string
	Rule     string
	Command  string
	ExitCode int
	Reason   string
	Stdout   string
	Stderr   string
	Err      error
}

func (e *JobExecutionError) Error() string {
	msg := fmt.Sprintf("job %s (rule '%s') for '%s' failed: %s", e.JobID, e.Rule, e.Target, e.Reason)
	if e.Stderr != "" {
		msg += fmt.Sprintf(" (see %s)", e.Stderr)
	}
	return msg
}

func (e *JobExecutionError) Unwrap() error {
	return e.Err
}
