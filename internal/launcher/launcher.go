//go:build linux

// Package launcher implements the child launcher described in spec §4.3:
// pipe creation, descriptor wiring per disposition, and execve.
package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/edirooss/procsupervisor/internal/protocol"
	"go.uber.org/zap"
)

// Outcome is what the supervisor reports back through the status channel
// after attempting a launch (spec §4.3's "report outcome").
type Outcome struct {
	// Started is true iff the process was successfully execve'd (status 2).
	Started bool
	PID     int

	// Err is set when Started is false; it wraps the syscall.Errno when one
	// is available (status 1's value field).
	Err error

	// Stdout/Stderr are the read ends of the forwarded pipes, nil unless
	// the corresponding disposition is "forwarded" (default on fd 1/2).
	Stdout *os.File
	Stderr *os.File

	StdoutForwarded bool
	StderrForwarded bool

	cmd *exec.Cmd
}

// Cmd exposes the underlying *exec.Cmd for callers that need to deliver a
// signal to the child's process group (spec §4.8).
func (o *Outcome) Cmd() *exec.Cmd { return o.cmd }

// Launch creates the necessary pipes, wires descriptors per req's
// dispositions, and starts the process. passedFDs holds the ancillary
// descriptors received alongside req, indexed as fds[k-1] for disposition
// value k (SPEC_FULL.md §0).
//
// Ownership: on any outcome, every entry of passedFDs not consumed by a
// disposition is closed before Launch returns (spec §5: "If it is not
// consumed by a spawn, it is closed immediately").
func Launch(log *zap.Logger, req *protocol.SpawnRequest, passedFDs []*os.File) (*Outcome, error) {
	// Every passed descriptor is owned by the supervisor from the instant
	// of receipt (spec §5). By the time Launch returns, cmd.Start() has
	// either dup'd the ones it needed into the child or never will, so the
	// supervisor's own copies are always safe to close here.
	defer func() {
		for _, f := range passedFDs {
			_ = f.Close()
		}
	}()

	cmd := exec.Command(req.Exec)
	cmd.Args = req.Argv // the decoded argv is the child's full argv, argv[0] included
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if req.Env != nil {
		cmd.Env = req.Env
	} // else: nil means inherit supervisor environment, exec.Cmd's default.

	var outStdout, outStderr *os.File
	var stdoutForwarded, stderrForwarded bool

	// fd 0: stdin.
	switch {
	case req.Disp[0].Inherit():
		cmd.Stdin = os.Stdin
	case req.Disp[0].Default():
		devNull, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", os.DevNull, err)
		}
		defer devNull.Close()
		cmd.Stdin = devNull
	default:
		idx, _ := req.Disp[0].Passed()
		f, err := passedFD(passedFDs, idx)
		if err != nil {
			return nil, fmt.Errorf("disp[0]: %w", err)
		}
		cmd.Stdin = f
	}

	// fd 1: stdout.
	switch {
	case req.Disp[1].Inherit():
		cmd.Stdout = os.Stdout
	case req.Disp[1].Default():
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		defer w.Close() // supervisor closes its copy of the child's write end after Start
		cmd.Stdout = w
		outStdout = r
		stdoutForwarded = true
	default:
		idx, _ := req.Disp[1].Passed()
		f, err := passedFD(passedFDs, idx)
		if err != nil {
			if outStdout != nil {
				outStdout.Close()
			}
			return nil, fmt.Errorf("disp[1]: %w", err)
		}
		cmd.Stdout = f
	}

	// fd 2: stderr.
	switch {
	case req.Disp[2].Inherit():
		cmd.Stderr = os.Stderr
	case req.Disp[2].Default():
		r, w, err := os.Pipe()
		if err != nil {
			if outStdout != nil {
				outStdout.Close()
			}
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		defer w.Close()
		cmd.Stderr = w
		outStderr = r
		stderrForwarded = true
	default:
		idx, _ := req.Disp[2].Passed()
		f, err := passedFD(passedFDs, idx)
		if err != nil {
			if outStdout != nil {
				outStdout.Close()
			}
			if outStderr != nil {
				outStderr.Close()
			}
			return nil, fmt.Errorf("disp[2]: %w", err)
		}
		cmd.Stderr = f
	}

	// Every fd Go opens is close-on-exec unless handed to the child via
	// Stdin/Stdout/Stderr/ExtraFiles above, so step 6 of spec §4.3 ("close
	// all other inherited descriptors above 2") holds without extra work.
	if err := cmd.Start(); err != nil {
		if outStdout != nil {
			outStdout.Close()
		}
		if outStderr != nil {
			outStderr.Close()
		}
		var errno syscall.Errno
		if !errors.As(err, &errno) {
			// exec.Error wraps a *PathError wrapping the errno in the common case.
			var pe *os.PathError
			if errors.As(err, &pe) {
				errors.As(pe.Err, &errno)
			}
		}
		log.Warn("exec failed", zap.String("exec", req.Exec), zap.Error(err))
		return &Outcome{Started: false, Err: err}, nil
	}

	return &Outcome{
		Started:         true,
		PID:             cmd.Process.Pid,
		Stdout:          outStdout,
		Stderr:          outStderr,
		StdoutForwarded: stdoutForwarded,
		StderrForwarded: stderrForwarded,
		cmd:             cmd,
	}, nil
}

// passedFD returns fds[idx]. The same passed descriptor may legitimately
// back more than one disposition within a single child (spec §4.3 step 3
// dups it into each referencing slot) — only cross-child reuse is
// forbidden, and that is a registry concern, not this one.
func passedFD(fds []*os.File, idx int) (*os.File, error) {
	if idx < 0 || idx >= len(fds) {
		return nil, fmt.Errorf("disposition references fds[%d], have %d", idx, len(fds))
	}
	return fds[idx], nil
}

// ErrnoOf extracts the syscall.Errno an exec failure wraps, if any, for use
// as the status-1 value field.
func ErrnoOf(err error) (syscall.Errno, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}
