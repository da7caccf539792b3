package executor

import (
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// configureGroup places the process in its own process group so the whole
// pipeline it spawns can be signalled at once.
func configureGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// descendants returns every live descendant of pid.
func descendants(pid int) []*process.Process {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var out []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			continue
		}
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}

// terminate stops the process group led by pid. It sends SIGTERM, waits up
// to grace for the leader to exit, then sends SIGKILL to the group and to
// any descendant that left it. It returns the leader's wait error.
func terminate(logger *slog.Logger, pid int, grace time.Duration, waitCh <-chan error) error {
	strays := descendants(pid)

	logger.Debug("Sending SIGTERM to process group.", "pgid", pid)
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		logger.Warn("Failed to signal process group.", "pgid", pid, "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		logger.Warn("Process group ignored SIGTERM, killing.", "pgid", pid, "grace", grace)
		_ = unix.Kill(-pid, unix.SIGKILL)
		waitErr = <-waitCh
	}

	for _, p := range strays {
		if running, err := p.IsRunning(); err == nil && running {
			logger.Debug("Killing stray descendant.", "pid", p.Pid)
			_ = p.Kill()
		}
	}
	return waitErr
}

// rusage extracts CPU times and peak RSS from a finished process.
func rusage(state interface {
	UserTime() time.Duration
	SystemTime() time.Duration
	SysUsage() any
}) (user, sys time.Duration, maxRSS int64) {
	user, sys = state.UserTime(), state.SystemTime()
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		maxRSS = int64(ru.Maxrss)
	}
	return user, sys, maxRSS
}
