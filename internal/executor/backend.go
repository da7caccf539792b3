package executor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Backend turns a prepared invocation into a process. The executor owns the
// process lifecycle: it sets the process group, environment and log files,
// starts it, and kills it on cancellation.
type Backend interface {
	// Name identifies the backend in logs and configuration.
	Name() string
	// Binary is the executable the backend needs on PATH.
	Binary() string
	// Command builds the process for inv.
	Command(inv *Invocation) *exec.Cmd
	// ProcessLogs returns where the process's own stdout and stderr go.
	ProcessLogs(inv *Invocation) (stdout, stderr string)
	// EnforcesWalltime reports whether the backend applies walltime itself.
	EnforcesWalltime() bool
	// Cancel stops any work the backend started outside the local process
	// group. The executor calls it before killing the group.
	Cancel(ctx context.Context, inv *Invocation) error
}

// Local runs jobs on this machine through a shell.
type Local struct {
	Shell string
}

func (l Local) Name() string   { return "local" }
func (l Local) Binary() string { return l.shell() }

func (l Local) shell() string {
	if l.Shell == "" {
		return "/bin/sh"
	}
	return l.Shell
}

func (l Local) Command(inv *Invocation) *exec.Cmd {
	return exec.Command(l.shell(), "-c", withStackLimit(inv))
}

func (l Local) ProcessLogs(inv *Invocation) (string, string) {
	return inv.Stdout, inv.Stderr
}

func (l Local) EnforcesWalltime() bool { return false }

func (l Local) Cancel(context.Context, *Invocation) error { return nil }

// Slurm submits each job with `sbatch --wait` and blocks until it finishes.
// The scheduler's own output goes next to the job logs with a .sbatch suffix.
type Slurm struct {
	// Sbatch is the submission binary, "sbatch" when empty.
	Sbatch string
	// Scancel cancels submitted jobs, "scancel" when empty.
	Scancel string
	// ExtraArgs are passed to every submission, e.g. a partition or account.
	ExtraArgs []string
}

func (s Slurm) Name() string { return "slurm" }

func (s Slurm) Binary() string {
	if s.Sbatch == "" {
		return "sbatch"
	}
	return s.Sbatch
}

func (s Slurm) Command(inv *Invocation) *exec.Cmd {
	return exec.Command(s.Binary(), s.Args(inv)...)
}

// Args returns the sbatch arguments for inv.
func (s Slurm) Args(inv *Invocation) []string {
	args := []string{
		"--wait",
		"--parsable",
		"--job-name=" + inv.JobName,
		"--cpus-per-task=" + strconv.Itoa(inv.Procs),
		"--output=" + inv.Stdout,
		"--error=" + inv.Stderr,
	}
	if inv.Mem != "" {
		args = append(args, "--mem="+inv.Mem)
	}
	if inv.Timeout > 0 {
		args = append(args, "--time="+FormatWalltime(inv.Timeout))
	}
	args = append(args, s.ExtraArgs...)
	return append(args, "--wrap="+withStackLimit(inv))
}

func (s Slurm) ProcessLogs(inv *Invocation) (string, string) {
	return inv.Stdout + ".sbatch", inv.Stderr + ".sbatch"
}

func (s Slurm) EnforcesWalltime() bool { return true }

// Cancel runs scancel for the job sbatch reported. With --parsable the job
// id is the first line of sbatch's own stdout, optionally followed by
// ";cluster".
func (s Slurm) Cancel(ctx context.Context, inv *Invocation) error {
	logPath, _ := s.ProcessLogs(inv)
	id, err := submittedJobID(logPath)
	if err != nil {
		return err
	}
	scancel := s.Scancel
	if scancel == "" {
		scancel = "scancel"
	}
	out, err := exec.CommandContext(ctx, scancel, id).CombinedOutput()
	if err != nil {
		return fmt.Errorf("scancel %s: %w: %s", id, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func submittedJobID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cannot read slurm job id: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return "", fmt.Errorf("no slurm job id in %s", path)
	}
	id, _, _ := strings.Cut(strings.TrimSpace(sc.Text()), ";")
	if id == "" {
		return "", fmt.Errorf("no slurm job id in %s", path)
	}
	return id, nil
}

// FormatWalltime renders d as [D-]HH:MM:SS, rounding up to whole seconds.
func FormatWalltime(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	days := secs / 86400
	secs %= 86400
	hms := fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
	if days > 0 {
		return strconv.FormatInt(days, 10) + "-" + hms
	}
	return hms
}

func withStackLimit(inv *Invocation) string {
	if inv.Stack == "" {
		return inv.Script
	}
	return "ulimit -s " + inv.Stack + " || exit 1\n" + inv.Script
}
