package jobstate

import (
	"context"
	"testing"
)

func TestMachine_HappyPathToCompleted(t *testing.T) {
	t.Parallel()

	m := New()
	ctx := context.Background()

	if m.Current() != PendingHeld {
		t.Fatalf("initial state = %v, want pending-held", m.Current())
	}
	if err := m.Fire(ctx, EventStart); err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.Current() != Pending {
		t.Fatalf("state after start = %v, want pending", m.Current())
	}
	if err := m.Fire(ctx, EventSelect); err != nil {
		t.Fatalf("select: %v", err)
	}
	if m.Current() != Processing {
		t.Fatalf("state after select = %v, want processing", m.Current())
	}
	if err := m.Fire(ctx, EventComplete); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if m.Current() != Completed {
		t.Fatalf("state after complete = %v, want completed", m.Current())
	}
	if !m.Current().Terminal() {
		t.Error("completed should be terminal")
	}
}

func TestMachine_NonZeroExitAborts(t *testing.T) {
	t.Parallel()

	m := New()
	ctx := context.Background()
	m.Fire(ctx, EventStart)
	m.Fire(ctx, EventSelect)

	if err := m.Fire(ctx, EventAbort); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if m.Current() != Aborted {
		t.Fatalf("state = %v, want aborted", m.Current())
	}
}

func TestMachine_CancelInFlightIsASelfTransition(t *testing.T) {
	t.Parallel()

	m := New()
	ctx := context.Background()
	m.Fire(ctx, EventStart)
	m.Fire(ctx, EventSelect)

	if err := m.Fire(ctx, EventCancelInFlight); err != nil {
		t.Fatalf("cancel_in_flight: %v", err)
	}
	if m.Current() != Processing {
		t.Fatalf("state = %v, want processing (self-transition)", m.Current())
	}

	// Exit arrives after cancellation was requested: terminal state is
	// canceled, not completed, even though the backend exited 0.
	if err := m.Fire(ctx, EventCancelOnExit); err != nil {
		t.Fatalf("cancel_on_exit: %v", err)
	}
	if m.Current() != Canceled {
		t.Fatalf("state = %v, want canceled", m.Current())
	}
}

func TestMachine_CancelEarlyFromPendingHeld(t *testing.T) {
	t.Parallel()

	m := New()
	ctx := context.Background()
	if err := m.Fire(ctx, EventCancelEarly); err != nil {
		t.Fatalf("cancel_early: %v", err)
	}
	if m.Current() != Canceled {
		t.Fatalf("state = %v, want canceled", m.Current())
	}
}

func TestMachine_RejectsIllegalTransition(t *testing.T) {
	t.Parallel()

	m := New()
	ctx := context.Background()
	if err := m.Fire(ctx, EventComplete); err == nil {
		t.Fatal("expected error completing a job still pending-held")
	}
}

func TestMachine_CanReflectsLegalEvents(t *testing.T) {
	t.Parallel()

	m := New()
	if !m.Can(EventStart) {
		t.Error("expected Can(start) to be true from pending-held")
	}
	if m.Can(EventComplete) {
		t.Error("expected Can(complete) to be false from pending-held")
	}
}
