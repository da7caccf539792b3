package node

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/rulegridgo/internal/rules"
)

// Status is the freshness of a target on disk.
type Status int

const (
	// Exists means the target is present and not older than its inputs.
	Exists Status = iota
	// Missing means the target does not exist.
	Missing
	// Stale means the target exists but must be rebuilt.
	Stale
)

func (s Status) String() string {
	switch s {
	case Exists:
		return "exists"
	case Missing:
		return "missing"
	case Stale:
		return "stale"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Target is a concrete file path in the dependency graph.
type Target struct {
	Path    string
	Status  Status
	ModTime time.Time
	// IsDir marks an existing directory. Directories are order-only
	// prerequisites: their mtime is never compared.
	IsDir bool
	// Job produces the target. It is nil for sources and fresh targets.
	Job *Job
}

// Fresh reports whether the target needs no work.
func (t *Target) Fresh() bool {
	return t.Job == nil
}

// State returns the lifecycle state of the owning job, or Fresh.
func (t *Target) State() State {
	if t.Job == nil {
		return Fresh
	}
	return t.Job.State()
}

// State represents the execution state of a job.
type State int32

const (
	// Pending indicates the job is waiting for its prerequisites.
	Pending State = iota
	// Ready indicates the job has been handed to the dispatcher.
	Ready
	// Running indicates the job's process is executing.
	Running
	// Succeeded indicates the job completed and its output exists.
	Succeeded
	// Failed indicates the job failed, was skipped or was cancelled.
	Failed
	// Fresh marks targets that never needed a job.
	Fresh
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Fresh:
		return "fresh"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Fresh
}

// Job is one instantiation of a rule against concrete paths.
type Job struct {
	ID      string
	Rule    *rules.Rule
	Capture string
	Inputs  []string
	Output  string
	// Resources is copied from the rule at instantiation time.
	Resources rules.JobSpec

	// Error stores the reason the job failed.
	Error error
	// Result is set by the executor once the process has run.
	Result *Result

	state    atomic.Int32
	depCount atomic.Int32
	failOnce sync.Once
}

// NewJob instantiates rule for one output.
func NewJob(id string, rule *rules.Rule, capture string, inputs []string, output string) *Job {
	return &Job{
		ID:        id,
		Rule:      rule,
		Capture:   capture,
		Inputs:    append([]string(nil), inputs...),
		Output:    output,
		Resources: rule.Job,
	}
}

// Procs returns the number of slots the job occupies.
func (j *Job) Procs() int {
	return j.Resources.EffectiveProcs()
}

// State atomically retrieves the job's execution state.
func (j *Job) State() State {
	return State(j.state.Load())
}

// Transition atomically moves the job from one state to another. It
// returns false if the job was not in the expected state.
func (j *Job) Transition(from, to State) bool {
	return j.state.CompareAndSwap(int32(from), int32(to))
}

// Fail marks the job failed exactly once, recording err. It returns true
// for the first caller.
func (j *Job) Fail(err error) bool {
	var first bool
	j.failOnce.Do(func() {
		// Error is published before the state so readers that observe
		// Failed also observe the error.
		j.Error = err
		j.state.Store(int32(Failed))
		first = true
	})
	return first
}

// SetDepCount sets the number of unfinished prerequisite jobs.
func (j *Job) SetDepCount(n int32) {
	j.depCount.Store(n)
}

// DepCount atomically returns the current number of unmet dependencies.
func (j *Job) DepCount() int32 {
	return j.depCount.Load()
}

// DecrementDepCount atomically decrements the dependency counter and returns the new value.
func (j *Job) DecrementDepCount() int32 {
	return j.depCount.Add(-1)
}

// Result is the outcome of a finished process.
type Result struct {
	Command    string
	ExitCode   int
	Started    time.Time
	Finished   time.Time
	UserTime   time.Duration
	SystemTime time.Duration
	// MaxRSS is the peak resident set size in kilobytes.
	MaxRSS     int64
	StdoutPath string
	StderrPath string
}

// Elapsed returns the wall-clock duration of the process.
func (r *Result) Elapsed() time.Duration {
	return r.Finished.Sub(r.Started)
}
