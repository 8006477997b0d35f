// Package job implements the Job type of spec §3/§4.4: identity,
// attributes, the IPP state machine, the state-reasons set, and the
// document spool file.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"syscall"

	"github.com/sulincix/printerd/attrvalue"
	"github.com/sulincix/printerd/ipperr"
	"github.com/sulincix/printerd/jobstate"
	"github.com/sulincix/printerd/loop"
	"github.com/sulincix/printerd/pipeline"
)

// Well-known state-reason tags spec §3 names explicitly.
const (
	ReasonJobIncoming           = "job-incoming"
	ReasonCanceledByUser        = "canceled-by-user"
	ReasonProcessingToStopPoint = "processing-to-stop-point"
)

// Job is identity, attributes, state, state-reasons, and the document
// spool file for one print job. All mutating methods are documented in
// spec §5 as loop-thread-only; Job holds no lock of its own and callers
// are responsible for only invoking it from that goroutine.
type Job struct {
	ID              uint32
	PrinterID       string
	Name            string
	Attributes      attrvalue.Map
	OriginatingUser string

	// OnStateReasonChange mirrors add/remove events to the owning
	// Printer per spec §4.4's "state-reason broadcast". Set by the
	// Printer immediately after construction, before any reason is
	// added.
	OnStateReasonChange func(add bool, tag string)
	// OnTerminal fires once, after cleanup, when the job reaches any
	// terminal state. The owning Printer uses this to return to idle
	// and to ask the Engine to drop the job.
	OnTerminal func(j *Job)

	state        *jobstate.Machine
	stateReasons map[string]struct{}

	documentFD       *os.File
	documentFilename string

	pipeline  *pipeline.Pipeline
	exitsSeen int
	closed    bool

	loop     *loop.Loop
	spoolDir string
}

// New constructs a Job in pending-held with no state reasons set; call
// MarkIncoming after wiring OnStateReasonChange to add job-incoming.
func New(id uint32, printerID, name string, attrs attrvalue.Map, originatingUser string, l *loop.Loop, spoolDir string) *Job {
	return &Job{
		ID:              id,
		PrinterID:       printerID,
		Name:            name,
		Attributes:      attrs,
		OriginatingUser: originatingUser,
		state:           jobstate.New(),
		stateReasons:    make(map[string]struct{}),
		loop:            l,
		spoolDir:        spoolDir,
	}
}

// MarkIncoming adds job-incoming, matching spec §3's invariant that the
// reason is present iff the job is pending-held with no spooled
// document. Call once, right after wiring OnStateReasonChange.
func (j *Job) MarkIncoming() { j.addReason(ReasonJobIncoming) }

// State returns the job's current lifecycle state.
func (j *Job) State() jobstate.State { return j.state.Current() }

// DocumentFilename returns the spool file path once Start has run, or
// the empty string before that / after the job has finalized.
func (j *Job) DocumentFilename() string { return j.documentFilename }

// StateReasons returns a sorted snapshot of the job's state-reasons set.
func (j *Job) StateReasons() []string {
	out := make([]string, 0, len(j.stateReasons))
	for tag := range j.stateReasons {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func (j *Job) hasReason(tag string) bool {
	_, ok := j.stateReasons[tag]
	return ok
}

func (j *Job) addReason(tag string) {
	if _, exists := j.stateReasons[tag]; exists {
		return
	}
	j.stateReasons[tag] = struct{}{}
	if j.OnStateReasonChange != nil {
		j.OnStateReasonChange(true, tag)
	}
}

func (j *Job) removeReason(tag string) {
	if _, exists := j.stateReasons[tag]; !exists {
		return
	}
	delete(j.stateReasons, tag)
	if j.OnStateReasonChange != nil {
		j.OnStateReasonChange(false, tag)
	}
}

// AddDocument accepts a single transferred document fd. The caller must
// be the job's originating user.
func (j *Job) AddDocument(requestingUser string, fd *os.File) error {
	if requestingUser != j.OriginatingUser {
		return ipperr.New(ipperr.PermissionDenied, "only the originating user may add a document to this job")
	}
	if j.documentFD != nil || j.documentFilename != "" {
		return ipperr.New(ipperr.Conflict, "a document has already been added to this job")
	}
	j.documentFD = fd
	return nil
}

// Start copies the added document to a private spool file, removes
// job-incoming, and transitions pending-held -> pending.
func (j *Job) Start(ctx context.Context) error {
	if j.documentFD == nil {
		return ipperr.New(ipperr.MissingDocument, "start called with no document added")
	}

	path, err := j.spoolDocument()
	if err != nil {
		return ipperr.Wrap(ipperr.IOError, "spooling document to disk", err)
	}
	j.documentFilename = path
	j.documentFD = nil

	j.removeReason(ReasonJobIncoming)
	return j.fire(ctx, jobstate.EventStart)
}

// spoolDocument copies j.documentFD into a fresh temp file under
// spoolDir and returns its path. The copy loop retries on EINTR rather
// than treating it as a terminal read/write error, mirroring the
// fstatfs-agnostic loop the original backend uses.
func (j *Job) spoolDocument() (string, error) {
	dst, err := os.CreateTemp(j.spoolDir, "printerd-spool-*")
	if err != nil {
		return "", err
	}
	if err := dst.Chmod(0o600); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", err
	}
	defer dst.Close()

	if err := copyRetryingEINTR(dst, j.documentFD); err != nil {
		os.Remove(dst.Name())
		j.documentFD.Close()
		return "", err
	}
	j.documentFD.Close()
	return dst.Name(), nil
}

func copyRetryingEINTR(dst io.Writer, src io.Reader) error {
	buf := make([]byte, 64*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if errors.Is(rerr, syscall.EINTR) {
				continue
			}
			return rerr
		}
	}
}

// Select is invoked by the owning Printer when it picks this job to run
// next: it transitions pending -> processing and spawns the pipeline.
// A spawn/open failure aborts the job immediately (spec §4.4's
// "processing -> spawn/open failure -> aborted" edge).
func (j *Job) Select(ctx context.Context, spec pipeline.Spec) error {
	if err := j.fire(ctx, jobstate.EventSelect); err != nil {
		return err
	}

	// spec §4.3 step 1: look up printer.uri() and record it on the job
	// as device-uri, one of the four recognized attribute keys.
	j.Attributes["device-uri"] = attrvalue.String(spec.DeviceURI)

	p := pipeline.New(j.loop)
	p.OnStateReason = func(stage pipeline.Stage, r pipeline.StateReason) {
		j.handleStateReason(r)
	}
	p.OnExit = func(e pipeline.ExitEvent) {
		j.handleExit(ctx, e)
	}
	j.pipeline = p
	j.exitsSeen = 0

	if err := p.Start(spec); err != nil {
		j.fire(ctx, jobstate.EventAbort)
		j.finalize()
		return err
	}
	return nil
}

// Cancel implements the cooperative two-phase cancel of spec §4.4.
func (j *Job) Cancel(ctx context.Context, requestingUser string) error {
	switch j.state.Current() {
	case jobstate.PendingHeld, jobstate.Pending:
		j.addReason(ReasonCanceledByUser)
		if err := j.fire(ctx, jobstate.EventCancelEarly); err != nil {
			return err
		}
		j.finalize()
		return nil

	case jobstate.Processing:
		if j.hasReason(ReasonProcessingToStopPoint) {
			return ipperr.ErrAlreadyCanceling
		}
		j.addReason(ReasonProcessingToStopPoint)
		if err := j.fire(ctx, jobstate.EventCancelInFlight); err != nil {
			return err
		}
		if j.pipeline != nil {
			j.pipeline.Cancel()
		}
		return nil

	default:
		return ipperr.ErrAlreadyTerminal
	}
}

// handleStateReason mirrors a STATE: line's parsed reason into the
// job's state_reasons set, per spec §3's invariant that this only
// happens while processing.
func (j *Job) handleStateReason(r pipeline.StateReason) {
	if j.state.Current() != jobstate.Processing {
		return
	}
	if r.Add {
		j.addReason(r.Name)
	} else {
		j.removeReason(r.Name)
	}
}

// handleExit processes one child's exit event. Only the backend's exit
// status determines the terminal state; the arranger's exit is purely
// informational here. Finalization waits for both children to exit so
// fds aren't released out from under an edge still pumping.
func (j *Job) handleExit(ctx context.Context, e pipeline.ExitEvent) {
	j.exitsSeen++

	if e.Stage == pipeline.StageBackend {
		switch {
		case e.Status.Success() && j.hasReason(ReasonProcessingToStopPoint):
			j.fire(ctx, jobstate.EventCancelOnExit)
		case e.Status.Success():
			j.fire(ctx, jobstate.EventComplete)
		default:
			j.fire(ctx, jobstate.EventAbort)
		}
	}

	if j.exitsSeen >= 2 {
		j.finalize()
	}
}

// finalize releases pipeline resources, clears the reasons spec §4.4
// says are cleared on terminal entry, removes the spool file, and
// notifies the owning Printer.
func (j *Job) finalize() {
	j.Close()
	j.removeReason(ReasonJobIncoming)
	j.removeReason(ReasonProcessingToStopPoint)

	if j.OnTerminal != nil {
		j.OnTerminal(j)
	}
}

// Close releases every resource this job holds — pipeline fds, an
// added-but-never-spooled document fd, and the spool file — and is safe
// to call more than once. A normal run reaches this through finalize;
// Engine.RemoveJob and Engine.Shutdown call it directly for abnormal
// teardown of a job that may never have finished on its own (still
// pending-held, or killed mid-process at daemon shutdown).
func (j *Job) Close() error {
	if j.closed {
		return nil
	}
	j.closed = true

	if j.pipeline != nil {
		// Disarm first: a pipeline reaching Close before its own exit
		// events fired (daemon shutdown, forced removal) must not let a
		// kill-induced exit event re-enter this job after it's closed.
		j.pipeline.Disarm()
		j.pipeline.Cancel()
		j.pipeline.Release()
		j.pipeline = nil
	}
	if j.documentFD != nil {
		j.documentFD.Close()
		j.documentFD = nil
	}
	if j.documentFilename != "" {
		os.Remove(j.documentFilename)
		j.documentFilename = ""
	}
	return nil
}

func (j *Job) fire(ctx context.Context, event string) error {
	if err := j.state.Fire(ctx, event); err != nil {
		return ipperr.Wrap(ipperr.Internal, fmt.Sprintf("job %d invalid transition on event %q", j.ID, event), err)
	}
	return nil
}
