// Package jobstate implements the Job state machine of spec §3/§4.4: the
// IPP RFC 2911 job-state model, restricted to the transitions this
// engine's pipeline actually drives.
package jobstate

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// State is one of the seven RFC 2911 job states spec §3 enumerates.
type State string

const (
	PendingHeld       State = "pending-held"
	Pending           State = "pending"
	Processing        State = "processing"
	ProcessingStopped State = "processing-stopped"
	Canceled          State = "canceled"
	Aborted           State = "aborted"
	Completed         State = "completed"
)

// Terminal reports whether s is a sink state: no further transition is
// ever fired out of it.
func (s State) Terminal() bool {
	switch s {
	case Canceled, Aborted, Completed:
		return true
	}
	return false
}

// Events a Job fires over its lifetime. Naming follows spec §4.4's
// transition table rather than RFC terminology, since several RFC
// transitions (e.g. into processing-stopped) are never reached by this
// engine's documented control flow.
const (
	// EventStart fires on AddDocument+Start: pending-held -> pending.
	EventStart = "start"
	// EventSelect fires when the owning Printer picks this job to run:
	// pending -> processing.
	EventSelect = "select"
	// EventCancelEarly fires on Cancel while still queued: {pending-held,
	// pending} -> canceled.
	EventCancelEarly = "cancel_early"
	// EventCancelInFlight fires on the first Cancel while processing. Per
	// spec §4.4 this is a self-transition (processing -> processing) that
	// only changes state_reasons; the actual terminal transition happens
	// later, driven by the backend's exit event.
	EventCancelInFlight = "cancel_in_flight"
	// EventComplete fires when the backend exits 0 and no cancellation is
	// in flight: processing -> completed.
	EventComplete = "complete"
	// EventCancelOnExit fires when the backend exits 0 while
	// processing-to-stop-point is set: processing -> canceled.
	EventCancelOnExit = "cancel_on_exit"
	// EventAbort fires on a non-zero backend exit, or on a pipeline
	// spawn/open failure: processing -> aborted.
	EventAbort = "abort"
)

var events = []fsm.EventDesc{
	{Name: EventStart, Src: []string{string(PendingHeld)}, Dst: string(Pending)},
	{Name: EventSelect, Src: []string{string(Pending)}, Dst: string(Processing)},
	{Name: EventCancelEarly, Src: []string{string(PendingHeld), string(Pending)}, Dst: string(Canceled)},
	{Name: EventCancelInFlight, Src: []string{string(Processing)}, Dst: string(Processing)},
	{Name: EventComplete, Src: []string{string(Processing)}, Dst: string(Completed)},
	{Name: EventCancelOnExit, Src: []string{string(Processing)}, Dst: string(Canceled)},
	{Name: EventAbort, Src: []string{string(Processing)}, Dst: string(Aborted)},
}

// Machine wraps a looplab/fsm.FSM seeded with the Job transition table.
// Callers drive it exclusively from the owning loop goroutine; Machine
// itself holds no lock.
type Machine struct {
	fsm *fsm.FSM
}

// New returns a Machine starting in pending-held, the state every Job
// begins in per spec §3's lifecycle note.
func New() *Machine {
	return &Machine{fsm: fsm.NewFSM(string(PendingHeld), events, fsm.Callbacks{})}
}

// Current returns the machine's current state.
func (m *Machine) Current() State { return State(m.fsm.Current()) }

// Fire attempts event from the current state, returning an error
// (wrapping the underlying fsm.InvalidEventError) if the transition
// isn't legal from here.
func (m *Machine) Fire(ctx context.Context, event string) error {
	if err := m.fsm.Event(ctx, event); err != nil {
		return fmt.Errorf("job state transition %q from %q: %w", event, m.fsm.Current(), err)
	}
	return nil
}

// Can reports whether event is legal from the current state.
func (m *Machine) Can(event string) bool { return m.fsm.Can(event) }
