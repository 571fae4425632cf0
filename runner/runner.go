// Package runner executes a single command as a child process under
// wall-clock and memory ceilings. Limit violations are structured outcomes,
// not errors: the only hard failure is being unable to start the process.
package runner

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultPollInterval is how often a running child is checked against
	// its limits. Long enough to keep overhead low, short enough that
	// violations are caught promptly.
	DefaultPollInterval = 2 * time.Second

	// DefaultKillGrace is how long a process group gets between SIGTERM and
	// SIGKILL.
	DefaultKillGrace = 5 * time.Second

	// DefaultOutputLimit caps each captured stream at 10 MiB.
	DefaultOutputLimit = 10 * 1024 * 1024
)

// Limits restricts a single command. Zero values mean unlimited.
type Limits struct {
	// Time is the wall-clock ceiling, measured from process start.
	Time time.Duration
	// Memory is the virtual-memory ceiling in MiB for the whole process
	// group.
	Memory int64
}

// Options control how a command is launched and observed.
type Options struct {
	// Dir is the working directory. Empty means the parent's.
	Dir string
	// Stdout and Stderr name the log files that receive the captured
	// streams. Each is truncated to OutputLimit bytes (head and tail kept).
	Stdout string
	Stderr string
	// OutputLimit is the per-stream byte ceiling. Zero selects
	// DefaultOutputLimit.
	OutputLimit int64
	// PollInterval overrides DefaultPollInterval; handy for tests with tiny
	// timeouts.
	PollInterval time.Duration
	// KillGrace overrides DefaultKillGrace.
	KillGrace time.Duration
}

// Result describes how a command ended.
type Result struct {
	// ExitCode is the command's exit status. It is -1 when the command was
	// killed by a signal; in that case Signal is set.
	ExitCode int
	// Signal is the terminating signal, if any.
	Signal syscall.Signal
	// WallTime is the measured wall-clock duration.
	WallTime time.Duration
	// PeakMemory is the largest observed virtual-memory footprint of the
	// process group, in MiB. Zero if the process exited between samples.
	PeakMemory int64
	// TimeViolation and MemoryViolation record why the process group was
	// terminated, if it was.
	TimeViolation   bool
	MemoryViolation bool
	// StdoutTruncated and StderrTruncated are set when a stream exceeded
	// the output limit.
	StdoutTruncated bool
	StderrTruncated bool
}

// Limited reports whether the command was stopped for exceeding a resource
// ceiling.
func (r *Result) Limited() bool {
	return r.TimeViolation || r.MemoryViolation
}

// Run starts argv under the given limits and blocks until the process is
// gone. The returned error is non-nil only when the process could not be
// started at all.
func Run(argv []string, limits Limits, opts Options) (*Result, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = DefaultOutputLimit
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	// A fresh process group lets us signal the command and all of its
	// children together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr *cappedWriter
	if opts.Stdout != "" {
		w, err := newCappedWriter(opts.Stdout, opts.OutputLimit)
		if err != nil {
			return nil, err
		}
		defer w.Close()
		stdout = w
		cmd.Stdout = w
	}
	if opts.Stderr != "" {
		w, err := newCappedWriter(opts.Stderr, opts.OutputLimit)
		if err != nil {
			return nil, err
		}
		defer w.Close()
		stderr = w
		cmd.Stderr = w
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", argv[0], err)
	}
	pid := cmd.Process.Pid
	applyRlimits(pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	res := &Result{}
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	var termAt time.Time // non-zero once SIGTERM was sent
	var waitErr error
poll:
	for {
		select {
		case waitErr = <-done:
			break poll
		case <-ticker.C:
			if mem := groupMemoryMiB(pid); mem > res.PeakMemory {
				res.PeakMemory = mem
			}
			if !termAt.IsZero() {
				if time.Since(termAt) > opts.KillGrace {
					killGroup(pid, unix.SIGKILL)
				}
				continue
			}
			if limits.Memory > 0 && res.PeakMemory > limits.Memory {
				res.MemoryViolation = true
				killGroup(pid, unix.SIGTERM)
				termAt = time.Now()
			} else if limits.Time > 0 && time.Since(start) > limits.Time {
				res.TimeViolation = true
				killGroup(pid, unix.SIGTERM)
				termAt = time.Now()
			}
		}
	}

	res.WallTime = time.Since(start)
	if stdout != nil {
		res.StdoutTruncated = stdout.Truncated()
	}
	if stderr != nil {
		res.StderrTruncated = stderr.Truncated()
	}

	// Reap stragglers that detached from the direct child.
	killGroup(pid, unix.SIGKILL)

	if waitErr == nil {
		res.ExitCode = 0
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.ExitCode = -1
			res.Signal = ws.Signal()
		} else {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, nil
	}
	// Wait itself failed. Report an abnormal end rather than success.
	res.ExitCode = -1
	return res, nil
}

// applyRlimits installs OS-level ceilings on the child. The memory limit is
// deliberately not mapped to RLIMIT_AS: an address-space cap races the
// child's exec and turns violations into unclassifiable crashes. The poll
// loop owns memory enforcement.
func applyRlimits(pid int) {
	// No core dumps; they would fill the run directory.
	zero := unix.Rlimit{Cur: 0, Max: 0}
	_ = unix.Prlimit(pid, unix.RLIMIT_CORE, &zero, nil)
}

func killGroup(pid int, sig syscall.Signal) {
	// Negative pid signals the whole process group.
	_ = unix.Kill(-pid, sig)
}
