// Package process implements the child-process contract from spec §4.2:
// spawn an external command with stdin/stdout/stderr plus a back-channel
// pipe on fd 3 and a reserved, unused side-channel on fd 4, then deliver
// its exit status as an event rather than via a signal handler.
package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sulincix/printerd/ipperr"
)

// ExitStatus carries what the reactor needs to know about a terminated
// child: its PID (for logging/matching) and whether it exited with
// status 0.
type ExitStatus struct {
	Pid      int
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
}

// Success reports whether the child's exit code is 0. Deliberately
// ignores Signaled: the original implementation decides this with
// WEXITSTATUS(status) == 0 without ever checking WIFSIGNALED, and since
// WEXITSTATUS reads the bits that are zero for a signal-terminated
// process, a child killed by SIGKILL reads as "successful" there too.
// Preserved here rather than fixed, since spec scenario 4 (backend
// ignores SIGTERM, exits 0 on SIGKILL, job still ends up canceled) is
// written against this exact behavior.
func (e ExitStatus) Success() bool { return e.ExitCode == 0 }

// Child is a spawned external process with its parent-side pipe ends.
// All fields are non-blocking, close-on-unref (closed by Release/Close,
// never left to the finalizer).
type Child struct {
	cmd *exec.Cmd

	Stdin  io.WriteCloser // write end, parent writes here
	Stdout io.ReadCloser  // read end
	Stderr io.ReadCloser  // read end

	// Backchannel is the parent's read end of fd 3 in the child; the
	// child's write end is dup'd onto fd 3 before exec.
	Backchannel *os.File

	// sideChannel is fd 4: reserved and left unused in this core, but
	// still allocated so the child-fd layout CUPS backends expect is
	// preserved (spec §9 "retain the reservation").
	sideChannel *os.File

	mu       sync.Mutex
	released bool
}

// Spawn starts cmd with argv/env, wiring up stdin/stdout/stderr and the
// back-channel/side-channel fds per spec §4.2. argv[0] is used as both
// the program path and as the reserved "real program name" sentinel
// (G_SPAWN_FILE_AND_ARGV_ZERO in the original implementation): the
// binary executed is argv[0], and it is also passed to itself as its own
// argv[0].
//
// On failure, no fds already created are left open in the parent: spawn
// either succeeds with a fully wired Child or fails cleanly, matching
// the spec's "partial success is not observable" contract.
func Spawn(argv []string, env []string) (*Child, error) {
	if len(argv) == 0 {
		return nil, ipperr.New(ipperr.InvalidArgument, "spawn requires a non-empty argv")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env

	stdinW, err := cmd.StdinPipe()
	if err != nil {
		return nil, ipperr.Wrap(ipperr.SpawnFailed, "creating stdin pipe", err)
	}
	stdoutR, err := cmd.StdoutPipe()
	if err != nil {
		stdinW.Close()
		return nil, ipperr.Wrap(ipperr.SpawnFailed, "creating stdout pipe", err)
	}
	stderrR, err := cmd.StderrPipe()
	if err != nil {
		stdinW.Close()
		stdoutR.Close()
		return nil, ipperr.Wrap(ipperr.SpawnFailed, "creating stderr pipe", err)
	}

	// fd 3: back-channel. Parent keeps the read end; the child's write
	// end becomes one of cmd.ExtraFiles, which os/exec places at fd 3
	// onward (fd 0-2 are stdin/stdout/stderr, already claimed above).
	bcRead, bcWrite, err := os.Pipe()
	if err != nil {
		stdinW.Close()
		stdoutR.Close()
		stderrR.Close()
		return nil, ipperr.Wrap(ipperr.SpawnFailed, "creating back-channel pipe", err)
	}

	// fd 4: reserved side-channel. Never read by this core, but the
	// slot must exist so fd numbering matches what CUPS backends expect.
	sideNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		stdinW.Close()
		stdoutR.Close()
		stderrR.Close()
		bcRead.Close()
		bcWrite.Close()
		return nil, ipperr.Wrap(ipperr.SpawnFailed, "opening side-channel placeholder", err)
	}

	cmd.ExtraFiles = []*os.File{bcWrite, sideNull}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // isolate into its own process group so Kill can target the whole tree
	}

	if err := cmd.Start(); err != nil {
		stdinW.Close()
		stdoutR.Close()
		stderrR.Close()
		bcRead.Close()
		bcWrite.Close()
		sideNull.Close()
		return nil, ipperr.Wrap(ipperr.SpawnFailed, fmt.Sprintf("starting %s", argv[0]), err)
	}

	// The child now holds its own copies of bcWrite/sideNull (dup'd
	// across fork); the parent's copies serve no further purpose other
	// than as the read side of the back-channel, and must be closed so
	// EOF propagates correctly when the child exits.
	bcWrite.Close()
	sideNull.Close()

	return &Child{
		cmd:         cmd,
		Stdin:       stdinW,
		Stdout:      stdoutR,
		Stderr:      stderrR,
		Backchannel: bcRead,
	}, nil
}

// Pid returns the child's process ID.
func (c *Child) Pid() int {
	if c.cmd.Process == nil {
		return -1
	}
	return c.cmd.Process.Pid
}

// Wait blocks until the child exits and returns its ExitStatus. Callers
// run this on a dedicated goroutine and post the result back to the
// loop; Wait itself performs the blocking reap syscall and must never
// be called from the loop goroutine.
func (c *Child) Wait() ExitStatus {
	err := c.cmd.Wait()
	status := ExitStatus{Pid: c.Pid()}

	if err == nil {
		return status
	}

	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				status.Signaled = true
				status.Signal = ws.Signal()
			} else {
				status.ExitCode = ws.ExitStatus()
			}
			return status
		}
		status.ExitCode = exitErr.ExitCode()
	}
	return status
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// Signal sends sig to the child's entire process group, so a
// multi-process filter (e.g. one that forks helpers) is fully reached.
func (c *Child) Signal(sig syscall.Signal) error {
	if c.cmd.Process == nil {
		return ipperr.New(ipperr.Internal, "signal sent before process started")
	}
	return unix.Kill(-c.cmd.Process.Pid, sig)
}

// Kill sends SIGKILL to the child's process group. Idempotent: killing
// an already-exited process is reported as success, matching the
// cooperative "cancel is best-effort" semantics of spec §4.4.
func (c *Child) Kill() error {
	if err := c.Signal(syscall.SIGKILL); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return err
	}
	return nil
}

// Release closes every fd the parent still holds for this child,
// without waiting for or killing the process. Idempotent.
func (c *Child) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true

	c.Stdin.Close()
	c.Stdout.Close()
	c.Stderr.Close()
	c.Backchannel.Close()
}
