// Package pipeline implements the three-stage spool -> arranger ->
// backend data flow of spec §4.3: spawning the arranger/backend child
// processes, pumping bytes between them, parsing STATE: stderr
// messages, and draining back-channels, all without blocking the
// owning reactor loop.
package pipeline

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/sulincix/printerd/ipperr"
	"github.com/sulincix/printerd/loop"
	"github.com/sulincix/printerd/process"
)

// Stage identifies one of the pipeline's two spawned children, used to
// tag log lines and exit/state events.
type Stage int

const (
	StageArranger Stage = iota
	StageBackend
)

func (s Stage) String() string {
	if s == StageArranger {
		return "arranger"
	}
	return "backend"
}

// ExitEvent reports that a pipeline child has terminated.
type ExitEvent struct {
	Stage  Stage
	Status process.ExitStatus
}

// Spec is everything Start needs to locate and launch the arranger and
// backend, and to build their CUPS-convention argv.
type Spec struct {
	SpoolPath  string
	FilterDir  string
	BackendDir string
	FilterCmd  string // e.g. "pstops"
	Scheme     string // backend scheme, e.g. "usb", "socket"
	DeviceURI  string
	JobID      string
	User       string
	Title      string
}

// Pipeline drives one job's arranger/backend pair. Every callback it
// invokes (OnStateReason, OnExit) is posted through the owning Loop, so
// callers never observe them concurrently with their own state
// mutations.
type Pipeline struct {
	id   string
	loop *loop.Loop

	arranger *process.Child
	backend  *process.Child
	spool    *os.File

	OnStateReason func(stage Stage, r StateReason)
	OnStderrLine  func(stage Stage, line string)
	OnExit        func(e ExitEvent)

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// New creates an unstarted Pipeline whose callbacks will be posted to l.
func New(l *loop.Loop) *Pipeline {
	return &Pipeline{id: uuid.NewString(), loop: l}
}

// ID returns the pipeline's correlation id, a fresh UUID per Pipeline.
// The pipeline does no logging itself and no log line in this module
// includes the id; it is only returned here.
func (p *Pipeline) ID() string { return p.id }

// Start spawns the backend then the arranger (spec §4.3 step order),
// wires spool -> arranger.stdin -> backend.stdin, and arms every read
// edge from the topology diagram. It returns once both children are
// spawned; pumping and exit-watching continue on background goroutines.
func (p *Pipeline) Start(spec Spec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ipperr.New(ipperr.Internal, "pipeline already started")
	}

	spool, err := os.Open(spec.SpoolPath)
	if err != nil {
		return ipperr.Wrap(ipperr.IOError, "opening spool file", err)
	}

	// Both children receive the same CUPS-convention argv shape per
	// spec §4.3: argv[0] is also the reserved real-program-name
	// sentinel, so the executed binary is located by argv[0] alone.
	backendArgv := []string{
		fmt.Sprintf("%s/%s", spec.BackendDir, spec.Scheme),
		spec.DeviceURI, spec.JobID, spec.User, spec.Title, "1", "",
	}
	backendEnv := append(os.Environ(), "DEVICE_URI="+spec.DeviceURI)
	backend, err := process.Spawn(backendArgv, backendEnv)
	if err != nil {
		spool.Close()
		return err
	}

	arrangerArgv := []string{
		fmt.Sprintf("%s/%s", spec.FilterDir, spec.FilterCmd),
		spec.DeviceURI, spec.JobID, spec.User, spec.Title, "1", "",
	}
	arranger, err := process.Spawn(arrangerArgv, os.Environ())
	if err != nil {
		spool.Close()
		backend.Kill()
		// Reap on its own goroutine rather than here: Wait must run before
		// Release closes the pipes exec.Cmd still owns, and Start must not
		// block its caller on the kill taking effect.
		go func() {
			backend.Wait()
			backend.Release()
		}()
		return err
	}

	p.spool = spool
	p.arranger = arranger
	p.backend = backend
	p.started = true

	p.arm()
	return nil
}

// arm launches one goroutine per edge in the spec §4.3 topology diagram,
// plus a defensive drain of backend.stdout: the topology never lists it
// as consumed, but a CUPS backend that unexpectedly writes to stdout
// would otherwise stall once the pipe fills.
func (p *Pipeline) arm() {
	p.wg.Add(7)

	go func() {
		defer p.wg.Done()
		pumpData(p.arranger.Stdin, p.spool, func(error) { p.spool.Close() })
	}()
	go func() {
		defer p.wg.Done()
		pumpData(p.backend.Stdin, p.arranger.Stdout, nil)
	}()
	go func() {
		defer p.wg.Done()
		p.pumpStderr(StageArranger, p.arranger.Stderr)
	}()
	go func() {
		defer p.wg.Done()
		p.pumpStderr(StageBackend, p.backend.Stderr)
	}()
	go func() {
		defer p.wg.Done()
		pumpDiscard(p.arranger.Backchannel, nil)
	}()
	go func() {
		defer p.wg.Done()
		pumpDiscard(p.backend.Backchannel, nil)
	}()
	go func() {
		defer p.wg.Done()
		pumpDiscard(p.backend.Stdout, nil)
	}()

	go p.waitStage(StageArranger, p.arranger)
	go p.waitStage(StageBackend, p.backend)
}

// pumpStderr scans a child's stderr for STATE: lines, dispatching parsed
// reasons and the raw line through the loop.
func (p *Pipeline) pumpStderr(stage Stage, r io.Reader) {
	pumpLines(r, func(line string) {
		p.loop.Post(func() {
			if p.OnStderrLine != nil {
				p.OnStderrLine(stage, line)
			}
			if reasons, ok := parseStateLine(line); ok && p.OnStateReason != nil {
				for _, reason := range reasons {
					p.OnStateReason(stage, reason)
				}
			}
		})
	}, nil)
}

// waitStage blocks on the child's exit and posts the resulting
// ExitEvent through the loop. Runs on its own goroutine for the
// lifetime of the pipeline.
func (p *Pipeline) waitStage(stage Stage, c *process.Child) {
	status := c.Wait()
	p.loop.Post(func() {
		if p.OnExit != nil {
			p.OnExit(ExitEvent{Stage: stage, Status: status})
		}
	})
}

// Cancel implements the two-phase cooperative stop of spec §4.3/§4.4:
// stop feeding the backend, then escalate to SIGKILL on both children.
// Exit events still arrive asynchronously and drive the terminal state
// transition; Cancel itself does not block on them.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.backend.Stdin.Close()
	p.arranger.Kill()
	p.backend.Kill()
}

// Release closes every fd this pipeline's children still hold open. Call
// only after both exit events have been observed.
func (p *Pipeline) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.arranger.Release()
	p.backend.Release()
}

// Disarm detaches the pipeline's callbacks so in-flight exit/state-reason
// events posted to the loop after this point are silently dropped. Used
// by abnormal teardown (daemon shutdown, forced job removal), which kills
// and releases a pipeline without waiting for its normal exit-driven
// finalize to run, and so must not let a late exit event re-enter Job
// after the job considers itself already closed.
func (p *Pipeline) Disarm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OnStateReason = nil
	p.OnStderrLine = nil
	p.OnExit = nil
}
