// Package executor runs jobs as external process groups. It expands the
// rule's command template against the job's concrete paths, redirects the
// process output to per-job log files, and commits the output atomically
// only when the process succeeded and actually produced it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vk/rulegridgo/internal/ctxlog"
	"github.com/vk/rulegridgo/internal/node"
	"github.com/vk/rulegridgo/internal/template"
	"github.com/vk/rulegridgo/internal/vars"
)

// DefaultKillGrace is how long a cancelled job may take to exit after SIGTERM.
const DefaultKillGrace = 10 * time.Second

// Options configures an Executor.
type Options struct {
	// LogDir is the root of the per-run log directories.
	LogDir string
	// RunID names this run's log directory. Generated when empty.
	RunID string
	// Backend defaults to Local with Shell.
	Backend Backend
	// Shell runs local commands, /bin/sh when empty.
	Shell     string
	KillGrace time.Duration
	// Ledger receives a usage summary per job when set.
	Ledger *Ledger
}

// Executor runs jobs. It is safe for concurrent use.
type Executor struct {
	store     *vars.Store
	logDir    string
	runID     string
	backend   Backend
	killGrace time.Duration
	ledger    *Ledger
}

// New creates an executor reading variables from store.
func New(store *vars.Store, opts Options) *Executor {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.LogDir == "" {
		opts.LogDir = "logs"
	}
	if opts.Backend == nil {
		opts.Backend = Local{Shell: opts.Shell}
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	return &Executor{
		store:     store,
		logDir:    opts.LogDir,
		runID:     opts.RunID,
		backend:   opts.Backend,
		killGrace: opts.KillGrace,
		ledger:    opts.Ledger,
	}
}

// RunID returns the identifier of this run.
func (e *Executor) RunID() string {
	return e.runID
}

// RunDir returns the directory holding this run's logs.
func (e *Executor) RunDir() string {
	return filepath.Join(e.logDir, e.runID)
}

// Backend returns the configured backend.
func (e *Executor) Backend() Backend {
	return e.backend
}

// Invocation is a fully prepared job, ready to hand to a backend.
type Invocation struct {
	JobID   string
	JobName string
	// Script is the expanded command, or the raw body for shexec rules.
	Script string
	Env    []string
	// Output is the declared target; WorkPath is where the command writes.
	Output   string
	WorkPath string
	Atomic   bool
	Shexec   bool
	Stdout   string
	Stderr   string

	Procs    int
	Mem      string
	Walltime string
	Stack    string
	Timeout  time.Duration
}

// Expand returns the command line the job would run. It performs command
// substitution for referenced variables but has no other side effects.
func (e *Executor) Expand(ctx context.Context, job *node.Job) (string, error) {
	inv, err := e.Prepare(ctx, job)
	if err != nil {
		return "", err
	}
	return inv.Script, nil
}

// Prepare expands everything the job needs to run.
func (e *Executor) Prepare(ctx context.Context, job *node.Job) (*Invocation, error) {
	rule := job.Rule
	res := job.Resources

	inv := &Invocation{
		JobID:    job.ID,
		Output:   job.Output,
		WorkPath: job.Output,
		Atomic:   rule.Atomic,
		Shexec:   rule.Shexec,
		Procs:    job.Procs(),
		Mem:      res.Mem,
		Walltime: res.Walltime,
		Stack:    res.Stack,
	}
	if inv.Atomic {
		inv.WorkPath = tempPath(job)
	}
	if res.Walltime != "" {
		d, err := ParseWalltime(res.Walltime)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", job.ID, err)
		}
		inv.Timeout = d
	}

	bound := map[string]string{
		"job.id":       job.ID,
		"job.procs":    strconv.Itoa(inv.Procs),
		"job.mem":      res.Mem,
		"job.walltime": res.Walltime,
		"job.stack":    res.Stack,
	}
	b := template.Bindings{Vars: bound, Inputs: job.Inputs, Output: inv.WorkPath, Match: job.Capture}

	if err := e.bindVariables(ctx, bound, res.Name, res.Stdout, res.Stderr, rule.Command); err != nil {
		return nil, err
	}

	name, err := e.expand(res.Name, b)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = rule.Name
		if job.Capture != "" {
			name += "." + job.Capture
		}
	}
	inv.JobName = sanitizeName(name)
	bound["job.name"] = inv.JobName

	if inv.Stdout, err = e.expand(res.Stdout, b); err != nil {
		return nil, err
	}
	if inv.Stdout == "" {
		inv.Stdout = filepath.Join(e.RunDir(), inv.JobName+"."+job.ID+".stdout")
	}
	if inv.Stderr, err = e.expand(res.Stderr, b); err != nil {
		return nil, err
	}
	if inv.Stderr == "" {
		inv.Stderr = filepath.Join(e.RunDir(), inv.JobName+"."+job.ID+".stderr")
	}

	if rule.Shexec {
		inv.Script = rule.Command.String()
		env, err := e.shexecEnv(ctx, job, inv)
		if err != nil {
			return nil, err
		}
		inv.Env = env
	} else {
		if inv.Script, err = e.expand(rule.Command, b); err != nil {
			return nil, err
		}
		inv.Env = jobEnv(job, inv)
	}
	return inv, nil
}

// bindVariables resolves every store variable referenced by the templates.
// Unbound names are left out; Expand reports them if they are required.
func (e *Executor) bindVariables(ctx context.Context, bound map[string]string, tmpls ...template.Template) error {
	for _, t := range tmpls {
		for _, name := range t.Variables() {
			if _, ok := bound[name]; ok || strings.HasPrefix(name, "job.") {
				continue
			}
			raw, ok := e.store.Lookup(name)
			if !ok {
				continue
			}
			v, err := e.store.InterpolateContext(ctx, raw)
			if err != nil {
				return err
			}
			bound[name] = v
		}
	}
	return nil
}

func (e *Executor) expand(t template.Template, b template.Bindings) (string, error) {
	if t.IsEmpty() {
		return "", nil
	}
	out, err := t.Expand(b)
	if err != nil {
		var missing *template.MissingVariableError
		if errors.As(err, &missing) {
			return "", &vars.InterpolationError{Template: t.String(), Name: missing.Name, Err: &vars.UnboundVariableError{Name: missing.Name}}
		}
		return "", &vars.InterpolationError{Template: t.String(), Err: err}
	}
	return out, nil
}

func jobEnv(job *node.Job, inv *Invocation) []string {
	env := []string{
		"JOB_ID=" + job.ID,
		"JOB_NAME=" + inv.JobName,
		"JOB_OUTPUT=" + inv.WorkPath,
		"JOB_TARGET=" + job.Output,
		"JOB_INPUTS=" + strings.Join(job.Inputs, " "),
		"JOB_MATCH=" + job.Capture,
		"JOB_PROCS=" + strconv.Itoa(inv.Procs),
		"JOB_MEM=" + inv.Mem,
		"JOB_WALLTIME=" + inv.Walltime,
		"JOB_STACK=" + inv.Stack,
	}
	for i, in := range job.Inputs {
		env = append(env, fmt.Sprintf("JOB_INPUT_%d=%s", i+1, in))
	}
	return env
}

// shexecEnv adds every store variable as VAR_<NAME>.
func (e *Executor) shexecEnv(ctx context.Context, job *node.Job, inv *Invocation) ([]string, error) {
	env := jobEnv(job, inv)
	for _, name := range e.store.Names() {
		raw, _ := e.store.Lookup(name)
		v, err := e.store.InterpolateContext(ctx, raw)
		if err != nil {
			return nil, err
		}
		env = append(env, vars.EnvName(name)+"="+v)
	}
	return env, nil
}

func sanitizeName(s string) string {
	r := strings.NewReplacer("/", "_", string(os.PathSeparator), "_", " ", "_")
	return r.Replace(s)
}

// tempPath is the hidden sibling an atomic job writes to.
func tempPath(job *node.Job) string {
	dir, base := filepath.Split(job.Output)
	return filepath.Join(dir, "."+base+".tmp."+job.ID)
}

// ParseWalltime accepts [D-]HH:MM:SS, MM:SS, plain minutes, or a Go duration.
func ParseWalltime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	var days int
	if i := strings.Index(s, "-"); i > 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid walltime %q", s)
		}
		days, s = n, s[i+1:]
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid walltime %q", s)
	}
	units := []time.Duration{time.Minute, time.Second}
	if len(parts) == 3 {
		units = []time.Duration{time.Hour, time.Minute, time.Second}
	} else if len(parts) == 1 {
		units = []time.Duration{time.Minute}
	}
	total := time.Duration(days) * 24 * time.Hour
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid walltime %q", s)
		}
		total += time.Duration(n) * units[i]
	}
	return total, nil
}

// Execute runs job to completion. A non-nil error is always a
// *JobExecutionError.
func (e *Executor) Execute(ctx context.Context, job *node.Job) (*node.Result, error) {
	logger := ctxlog.FromContext(ctx).With("job", job.ID, "target", job.Output)

	fail := func(res *node.Result, reason string, err error) (*node.Result, error) {
		jerr := &JobExecutionError{
			JobID:    job.ID,
			Target:   job.Output,
			Rule:     job.Rule.String(),
			Reason:   reason,
			ExitCode: -1,
			Err:      err,
		}
		if res != nil {
			jerr.Command = res.Command
			jerr.ExitCode = res.ExitCode
			jerr.Stdout = res.StdoutPath
			jerr.Stderr = res.StderrPath
		}
		return res, jerr
	}

	inv, err := e.Prepare(ctx, job)
	if err != nil {
		return fail(nil, "command expansion failed: "+err.Error(), err)
	}
	logger.Debug("Job command expanded.", "command", inv.Script, "work_path", inv.WorkPath, "backend", e.backend.Name())

	res := &node.Result{Command: inv.Script, StdoutPath: inv.Stdout, StderrPath: inv.Stderr, ExitCode: -1}
	prior, err := e.prepareFilesystem(inv)
	if err != nil {
		return fail(res, err.Error(), err)
	}

	res.Started = time.Now()
	reason, runErr := e.run(ctx, logger, inv, res)
	res.Finished = time.Now()

	if runErr == nil {
		if _, err := os.Stat(inv.WorkPath); err != nil {
			runErr = err
			reason = fmt.Sprintf("declared output '%s' was not created", job.Output)
		}
	}
	if runErr == nil && inv.Atomic {
		if err := os.Rename(inv.WorkPath, inv.Output); err != nil {
			runErr = err
			reason = "failed to commit output: " + err.Error()
		}
	}

	if runErr != nil {
		e.discardPartialOutput(logger, inv, prior)
	}
	e.record(logger, job, inv, res, runErr)

	if runErr != nil {
		return fail(res, reason, runErr)
	}
	return res, nil
}

// run starts the process and waits for it, killing it when ctx is done or
// the walltime expires.
func (e *Executor) run(ctx context.Context, logger *slog.Logger, inv *Invocation, res *node.Result) (string, error) {
	stdoutPath, stderrPath := e.backend.ProcessLogs(inv)
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return "cannot open stdout log: " + err.Error(), err
	}
	defer stdout.Close()
	stderr := stdout
	if stderrPath != stdoutPath {
		if stderr, err = os.Create(stderrPath); err != nil {
			return "cannot open stderr log: " + err.Error(), err
		}
		defer stderr.Close()
	}

	cmd := e.backend.Command(inv)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), inv.Env...)
	configureGroup(cmd)

	if err := cmd.Start(); err != nil {
		return "failed to start: " + err.Error(), err
	}
	pid := cmd.Process.Pid
	logger.Debug("Job process started.", "pid", pid)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var timeout <-chan time.Time
	if inv.Timeout > 0 && !e.backend.EnforcesWalltime() {
		timer := time.NewTimer(inv.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var waitErr error
	var reason string
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		e.cancel(ctx, logger, inv)
		_ = terminate(logger, pid, e.killGrace, waitCh)
		waitErr = ctx.Err()
		reason = "killed: run cancelled"
	case <-timeout:
		e.cancel(ctx, logger, inv)
		_ = terminate(logger, pid, e.killGrace, waitCh)
		waitErr = fmt.Errorf("walltime %s exceeded", inv.Walltime)
		reason = waitErr.Error()
	}

	if ps := cmd.ProcessState; ps != nil {
		res.ExitCode = ps.ExitCode()
		res.UserTime, res.SystemTime, res.MaxRSS = rusage(ps)
	}
	if waitErr != nil && reason == "" {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			reason = "exit status " + strconv.Itoa(exitErr.ExitCode())
		} else {
			reason = waitErr.Error()
		}
	}
	return reason, waitErr
}

// cancel asks the backend to stop remote work. ctx may already be done, so
// the call gets its own deadline of one kill grace.
func (e *Executor) cancel(ctx context.Context, logger *slog.Logger, inv *Invocation) {
	cctx, stop := context.WithTimeout(context.WithoutCancel(ctx), e.killGrace)
	defer stop()
	if err := e.backend.Cancel(cctx, inv); err != nil {
		logger.Warn("Failed to cancel backend job.", "backend", e.backend.Name(), "error", err)
	}
}

// prepareFilesystem creates the output and log directories and clears a
// stale temporary path. For non-atomic jobs it returns the output as it was
// before the job, or nil when there was none.
func (e *Executor) prepareFilesystem(inv *Invocation) (os.FileInfo, error) {
	for _, dir := range []string{filepath.Dir(inv.Output), filepath.Dir(inv.Stdout), filepath.Dir(inv.Stderr)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create directory %s: %w", dir, err)
		}
	}
	if inv.Atomic {
		if err := os.RemoveAll(inv.WorkPath); err != nil {
			return nil, fmt.Errorf("cannot remove leftover %s: %w", inv.WorkPath, err)
		}
		return nil, nil
	}
	if info, err := os.Stat(inv.Output); err == nil {
		return info, nil
	}
	return nil, nil
}

// discardPartialOutput removes anything a failed job left behind. Atomic
// jobs only ever touched their temporary path. For other jobs a regular
// file is removed unless it is exactly the one prior described; directories
// are kept.
func (e *Executor) discardPartialOutput(logger *slog.Logger, inv *Invocation, prior os.FileInfo) {
	if inv.Atomic {
		if err := os.RemoveAll(inv.WorkPath); err == nil {
			logger.Debug("Removed temporary output.", "path", inv.WorkPath)
		}
		return
	}
	info, err := os.Stat(inv.Output)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if prior != nil && os.SameFile(prior, info) && prior.ModTime().Equal(info.ModTime()) && prior.Size() == info.Size() {
		logger.Debug("Keeping untouched output.", "path", inv.Output)
		return
	}
	if err := os.Remove(inv.Output); err == nil {
		logger.Debug("Removed partial output.", "path", inv.Output)
	}
}

func (e *Executor) record(logger *slog.Logger, job *node.Job, inv *Invocation, res *node.Result, runErr error) {
	logger.Info("📊 Job resource usage",
		"elapsed", res.Elapsed(),
		"user", res.UserTime,
		"system", res.SystemTime,
		"max_rss_kb", res.MaxRSS,
		"exit_code", res.ExitCode,
	)
	if e.ledger == nil {
		return
	}
	entry := LedgerEntry{
		JobID:     job.ID,
		Name:      inv.JobName,
		Rule:      job.Rule.Name,
		Target:    job.Output,
		Command:   inv.Script,
		Succeeded: runErr == nil,
		ExitCode:  res.ExitCode,
		Started:   res.Started,
		Elapsed:   res.Elapsed().Seconds(),
		User:      res.UserTime.Seconds(),
		System:    res.SystemTime.Seconds(),
		MaxRSSKB:  res.MaxRSS,
		Stdout:    inv.Stdout,
		Stderr:    inv.Stderr,
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	if err := e.ledger.Record(entry); err != nil {
		logger.Warn("Failed to record job usage.", "error", err)
	}
}
