package scheduler

import (
	"errors"
	"time"

	"github.com/vk/rulegridgo/internal/dag"
	"github.com/vk/rulegridgo/internal/node"
)

// Report is the outcome of a run, retained for the user-visible summary.
type Report struct {
	Started time.Time
	Elapsed time.Duration

	// Requested holds one entry per requested target.
	Requested []TargetOutcome
	// Jobs holds every job in topological order.
	Jobs []*node.Job
	// Failures lists the root-cause job failures.
	Failures []Failure

	Succeeded int
	Failed    int
	Fresh     int
}

// TargetOutcome is the final state of one requested target.
type TargetOutcome struct {
	Path  string
	State node.State
	Err   error
}

// Failure describes a job that failed on its own account.
type Failure struct {
	JobID   string
	Target  string
	Rule    string
	Command string
	Stdout  string
	Stderr  string
	Err     error
}

func newReport(g *dag.Graph, started time.Time) *Report {
	r := &Report{
		Started: started,
		Elapsed: time.Since(started),
		Jobs:    g.Jobs(),
	}
	r.Fresh = g.Len() - len(r.Jobs)

	for _, j := range r.Jobs {
		switch j.State() {
		case node.Succeeded:
			r.Succeeded++
		case node.Failed:
			r.Failed++
			if IsRootCause(j.Error) {
				r.Failures = append(r.Failures, newFailure(j))
			}
		}
	}

	for _, path := range g.Requested() {
		t, ok := g.Target(path)
		if !ok {
			continue
		}
		out := TargetOutcome{Path: path, State: t.State()}
		if t.Job != nil {
			out.Err = t.Job.Error
		}
		r.Requested = append(r.Requested, out)
	}
	return r
}

func newFailure(j *node.Job) Failure {
	f := Failure{JobID: j.ID, Target: j.Output, Rule: j.Rule.String(), Err: j.Error}
	if j.Result != nil {
		f.Command = j.Result.Command
		f.Stdout = j.Result.StdoutPath
		f.Stderr = j.Result.StderrPath
	}
	return f
}

// OK reports whether every requested target succeeded or was fresh.
func (r *Report) OK() bool {
	for _, t := range r.Requested {
		if t.State != node.Succeeded && t.State != node.Fresh {
			return false
		}
	}
	return true
}

// Err returns a *RunError when the run did not produce every requested target.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	err := &RunError{}
	for _, t := range r.Requested {
		if t.State != node.Succeeded && t.State != node.Fresh {
			err.Targets = append(err.Targets, t.Path)
		}
	}
	for _, f := range r.Failures {
		err.Causes = append(err.Causes, f.Err)
	}
	if len(err.Causes) == 0 {
		// Cancelled runs have no root cause; report why jobs stopped.
		for _, j := range r.Jobs {
			var skipped *SkippedError
			if j.State() == node.Failed && j.Error != nil && !errors.As(j.Error, &skipped) {
				err.Causes = append(err.Causes, j.Error)
			}
		}
	}
	return err
}
