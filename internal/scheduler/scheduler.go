package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vk/rulegridgo/internal/ctxlog"
	"github.com/vk/rulegridgo/internal/dag"
	"github.com/vk/rulegridgo/internal/metrics"
	"github.com/vk/rulegridgo/internal/node"
	"golang.org/x/sync/semaphore"
)

// Scheduler dispatches the jobs of a graph under a process ceiling.
type Scheduler struct {
	maxProcs int
	exec     Executor
	metrics  *metrics.Metrics
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics records job counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler with maxProcs slots. Values below 1 mean 1.
func New(maxProcs int, exec Executor, opts ...Option) *Scheduler {
	if maxProcs < 1 {
		maxProcs = 1
	}
	s := &Scheduler{maxProcs: maxProcs, exec: exec}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxProcs returns the slot ceiling.
func (s *Scheduler) MaxProcs() int {
	return s.maxProcs
}

type outcome struct {
	job    *node.Job
	result *node.Result
	err    error
}

// Validate checks every job's resource request against the ceiling.
func (s *Scheduler) Validate(g *dag.Graph) error {
	for _, j := range g.Jobs() {
		if j.Procs() > s.maxProcs {
			return &ResourceRequestError{Job: j.ID, Target: j.Output, Requested: j.Procs(), Ceiling: s.maxProcs}
		}
	}
	return nil
}

// Run executes every non-fresh target of g. It returns a Report in all
// cases where work was attempted, and a *RunError if any requested target
// was not produced.
func (s *Scheduler) Run(ctx context.Context, g *dag.Graph) (*Report, error) {
	logger := ctxlog.FromContext(ctx)
	started := time.Now()

	if err := s.Validate(g); err != nil {
		return nil, err
	}

	jobs := g.Jobs()
	s.metrics.TargetsFresh(g.Len() - len(jobs))
	if len(jobs) == 0 {
		logger.Info("✨ Nothing to do, all targets are fresh.", "targets", g.Len())
		return newReport(g, started), nil
	}

	for _, j := range jobs {
		j.SetDepCount(int32(g.PendingDependencies(j.Output)))
	}

	sem := semaphore.NewWeighted(int64(s.maxProcs))
	results := make(chan outcome)
	inflight := 0

	dispatch := func(j *node.Job) {
		if !j.Transition(node.Pending, node.Ready) {
			return
		}
		logger.Debug("Job is ready.", "job", j.ID, "target", j.Output, "procs", j.Procs())
		inflight++
		go s.runJob(ctx, sem, j, results)
	}

	logger.Info("🚀 Starting job dispatch.", "jobs", len(jobs), "max_procs", s.maxProcs)
	for _, j := range jobs {
		if j.DepCount() == 0 {
			dispatch(j)
		}
	}

	for inflight > 0 {
		o := <-results
		inflight--
		j := o.job

		if o.err != nil {
			s.failDependents(ctx, g, j)
			continue
		}
		for _, dep := range g.DependentJobs(j.Output) {
			if dep.DecrementDepCount() == 0 && ctx.Err() == nil {
				dispatch(dep)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		for _, j := range jobs {
			if j.State() == node.Pending && j.Fail(fmt.Errorf("not started: %w", err)) {
				s.metrics.JobSkipped()
			}
		}
		logger.Warn("Run cancelled, dispatch stopped.", "error", err)
	}

	report := newReport(g, started)
	logger.Info("🏁 Dispatch finished.", "succeeded", report.Succeeded, "failed", report.Failed, "fresh", report.Fresh, "elapsed", report.Elapsed)
	return report, report.Err()
}

// runJob waits for slots, runs the job and reports its outcome. The job's
// terminal state is set before its slots are released.
func (s *Scheduler) runJob(ctx context.Context, sem *semaphore.Weighted, j *node.Job, results chan<- outcome) {
	logger := ctxlog.FromContext(ctx).With("job", j.ID, "target", j.Output)
	procs := j.Procs()

	if err := sem.Acquire(ctx, int64(procs)); err != nil {
		err = fmt.Errorf("cancelled while waiting for slots: %w", err)
		j.Fail(err)
		s.metrics.JobSkipped()
		results <- outcome{job: j, err: err}
		return
	}

	if !j.Transition(node.Ready, node.Running) {
		sem.Release(int64(procs))
		err := fmt.Errorf("job %s left ready state unexpectedly (%s)", j.ID, j.State())
		j.Fail(err)
		results <- outcome{job: j, err: err}
		return
	}
	s.metrics.JobStarted(procs)
	logger.Info("▶️ Starting job", "rule", j.Rule.Name, "procs", procs)

	res, err := s.exec.Execute(ctx, j)
	j.Result = res

	var elapsed time.Duration
	if res != nil {
		elapsed = res.Elapsed()
	}
	if err != nil {
		j.Fail(err)
		logger.Error("❌ Job failed", "rule", j.Rule.Name, "error", err)
	} else if !j.Transition(node.Running, node.Succeeded) {
		err = fmt.Errorf("job %s left running state unexpectedly (%s)", j.ID, j.State())
		j.Fail(err)
	} else {
		logger.Info("✅ Finished job", "rule", j.Rule.Name, "elapsed", elapsed)
	}
	s.metrics.JobFinished(j.Rule.Name, err == nil, elapsed, procs)
	sem.Release(int64(procs))

	results <- outcome{job: j, result: res, err: err}
}

// failDependents recursively marks every downstream job as failed.
func (s *Scheduler) failDependents(ctx context.Context, g *dag.Graph, failed *node.Job) {
	logger := ctxlog.FromContext(ctx)
	for _, dep := range g.DependentJobs(failed.Output) {
		err := &SkippedError{Target: dep.Output, Upstream: failed.Output}
		if dep.Fail(err) {
			logger.Warn("Skipping dependent job due to upstream failure.", "job", dep.ID, "target", dep.Output, "dependency", failed.Output)
			s.metrics.JobSkipped()
			s.failDependents(ctx, g, dep)
		}
	}
}

// IsRootCause reports whether err is a real job failure rather than a skip
// or cancellation.
func IsRootCause(err error) bool {
	if err == nil {
		return false
	}
	var skipped *SkippedError
	if errors.As(err, &skipped) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
