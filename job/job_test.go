package job

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sulincix/printerd/attrvalue"
	"github.com/sulincix/printerd/ipperr"
	"github.com/sulincix/printerd/jobstate"
	"github.com/sulincix/printerd/loop"
	"github.com/sulincix/printerd/pipeline"
)

func newTestJob(t *testing.T, l *loop.Loop) *Job {
	t.Helper()
	attrs := attrvalue.Map{"media": attrvalue.String("iso-a4")}
	return New(1, "printer1", "j", attrs, "alice", l, t.TempDir())
}

func waitTerminal(t *testing.T, j *Job, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if j.State().Terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job did not reach a terminal state within %v, stuck at %v", timeout, j.State())
}

func addAndStartDocument(t *testing.T, j *Job, body string) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "doc")
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(body)
	f.Seek(0, 0)
	if err := j.AddDocument("alice", f); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// Scenario 1 from spec §8: CreateJob, AddDocument, Start, backend=/bin/true
// reaches completed with no leftover state reasons and the spool file
// removed.
func TestJob_ScenarioCompletesWithTrueBackend(t *testing.T) {
	t.Parallel()

	l := loop.New(16)
	go l.Run()
	defer l.Stop()

	j := newTestJob(t, l)
	var terminalSeen = make(chan struct{})
	j.OnTerminal = func(*Job) { close(terminalSeen) }

	addAndStartDocument(t, j, "hello")
	spoolPath := j.documentFilename

	l.PostAndWait(func() {
		err := j.Select(context.Background(), pipeline.Spec{
			SpoolPath:  spoolPath,
			FilterDir:  "/bin",
			FilterCmd:  "cat",
			BackendDir: "/bin",
			Scheme:     "true",
			DeviceURI:  "file:///dev/null",
			JobID:      "1",
			User:       "alice",
			Title:      "t",
		})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
	})

	select {
	case <-terminalSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached terminal")
	}

	if j.State() != jobstate.Completed {
		t.Fatalf("state = %v, want completed", j.State())
	}
	if reasons := j.StateReasons(); len(reasons) != 0 {
		t.Errorf("state_reasons = %v, want empty", reasons)
	}
	if _, err := os.Stat(spoolPath); !os.IsNotExist(err) {
		t.Errorf("spool file %s still exists", spoolPath)
	}
}

// Scenario 2: backend=/bin/false aborts the job.
func TestJob_ScenarioAbortsWithFalseBackend(t *testing.T) {
	t.Parallel()

	l := loop.New(16)
	go l.Run()
	defer l.Stop()

	j := newTestJob(t, l)
	terminalSeen := make(chan struct{})
	j.OnTerminal = func(*Job) { close(terminalSeen) }

	addAndStartDocument(t, j, "hello")
	spoolPath := j.documentFilename

	l.PostAndWait(func() {
		err := j.Select(context.Background(), pipeline.Spec{
			SpoolPath:  spoolPath,
			FilterDir:  "/bin",
			FilterCmd:  "cat",
			BackendDir: "/bin",
			Scheme:     "false",
			DeviceURI:  "file:///dev/null",
			JobID:      "1",
			User:       "alice",
			Title:      "t",
		})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
	})

	select {
	case <-terminalSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached terminal")
	}

	if j.State() != jobstate.Aborted {
		t.Fatalf("state = %v, want aborted", j.State())
	}
}

// Scenario 4 from spec §8: cancel while processing; backend ignores
// SIGTERM and only stops once SIGKILLed. Its wait status still reads as
// a clean exit (see DESIGN.md's ExitStatus.Success note), so with
// processing-to-stop-point set the job lands in canceled, not aborted,
// and a second Cancel call returns AlreadyCanceling (property 5).
func TestJob_ScenarioCancelWhileProcessingEndsCanceled(t *testing.T) {
	t.Parallel()

	l := loop.New(16)
	go l.Run()
	defer l.Stop()

	j := newTestJob(t, l)
	terminalSeen := make(chan struct{})
	j.OnTerminal = func(*Job) { close(terminalSeen) }

	addAndStartDocument(t, j, "hello")
	spoolPath := j.documentFilename

	// A stand-in backend that just sleeps regardless of argv, so it is
	// still running when Cancel SIGKILLs its process group.
	backendDir := t.TempDir()
	backendPath := backendDir + "/stubborn-backend"
	if err := os.WriteFile(backendPath, []byte("#!/bin/sh\nsleep 30\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	l.PostAndWait(func() {
		err := j.Select(context.Background(), pipeline.Spec{
			SpoolPath:  spoolPath,
			FilterDir:  "/bin",
			FilterCmd:  "cat",
			BackendDir: backendDir,
			Scheme:     "stubborn-backend",
			DeviceURI:  "file:///dev/null",
			JobID:      "1",
			User:       "alice",
			Title:      "t",
		})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
	})
	var firstCancelErr error
	l.PostAndWait(func() {
		firstCancelErr = j.Cancel(context.Background(), "alice")
	})
	if firstCancelErr != nil {
		t.Fatalf("first Cancel: %v", firstCancelErr)
	}

	var secondCancelErr error
	l.PostAndWait(func() {
		secondCancelErr = j.Cancel(context.Background(), "alice")
	})
	if secondCancelErr != ipperr.ErrAlreadyCanceling {
		t.Fatalf("second Cancel = %v, want AlreadyCanceling", secondCancelErr)
	}

	select {
	case <-terminalSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached terminal")
	}

	if j.State() != jobstate.Canceled {
		t.Fatalf("state = %v, want canceled", j.State())
	}
}

func TestJob_AddDocumentRejectsWrongUser(t *testing.T) {
	t.Parallel()

	l := loop.New(1)
	j := newTestJob(t, l)

	f, err := os.CreateTemp(t.TempDir(), "doc")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	err = j.AddDocument("mallory", f)
	if !ipperr.Is(err, ipperr.PermissionDenied) {
		t.Fatalf("err = %v, want PermissionDenied", err)
	}
}

func TestJob_AddDocumentRejectsSecondDocument(t *testing.T) {
	t.Parallel()

	l := loop.New(1)
	j := newTestJob(t, l)

	f1, _ := os.CreateTemp(t.TempDir(), "doc1")
	defer f1.Close()
	f2, _ := os.CreateTemp(t.TempDir(), "doc2")
	defer f2.Close()

	if err := j.AddDocument("alice", f1); err != nil {
		t.Fatalf("first AddDocument: %v", err)
	}
	err := j.AddDocument("alice", f2)
	if !ipperr.Is(err, ipperr.Conflict) {
		t.Fatalf("err = %v, want Conflict", err)
	}
}

func TestJob_StartFailsWithoutDocument(t *testing.T) {
	t.Parallel()

	l := loop.New(1)
	j := newTestJob(t, l)

	err := j.Start(context.Background())
	if !ipperr.Is(err, ipperr.MissingDocument) {
		t.Fatalf("err = %v, want MissingDocument", err)
	}
}

func TestJob_CancelWhilePendingHeldAddsReason(t *testing.T) {
	t.Parallel()

	l := loop.New(1)
	j := newTestJob(t, l)
	j.MarkIncoming()

	terminalSeen := make(chan struct{})
	j.OnTerminal = func(*Job) { close(terminalSeen) }

	if err := j.Cancel(context.Background(), "alice"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if j.State() != jobstate.Canceled {
		t.Fatalf("state = %v, want canceled", j.State())
	}

	select {
	case <-terminalSeen:
	default:
		t.Error("expected OnTerminal to fire for a job canceled from pending-held")
	}

	found, stillIncoming := false, false
	for _, r := range j.StateReasons() {
		if r == ReasonCanceledByUser {
			found = true
		}
		if r == ReasonJobIncoming {
			stillIncoming = true
		}
	}
	if !found {
		t.Errorf("state_reasons = %v, want to contain %s", j.StateReasons(), ReasonCanceledByUser)
	}
	if stillIncoming {
		t.Errorf("state_reasons = %v, want job-incoming cleared on terminal entry", j.StateReasons())
	}
}

// Close must remove a job's spool file even if the job was never run,
// and must tolerate being called more than once (Engine.Shutdown calls
// it unconditionally for every job it still holds).
func TestJob_CloseRemovesSpoolFileAndIsIdempotent(t *testing.T) {
	t.Parallel()

	l := loop.New(1)
	j := newTestJob(t, l)
	addAndStartDocument(t, j, "hello")
	spoolPath := j.documentFilename

	if _, err := os.Stat(spoolPath); err != nil {
		t.Fatalf("expected spool file to exist before Close: %v", err)
	}

	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(spoolPath); !os.IsNotExist(err) {
		t.Errorf("spool file %s still exists after Close", spoolPath)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestJob_CancelOnTerminalJobReturnsAlreadyTerminal(t *testing.T) {
	t.Parallel()

	l := loop.New(1)
	j := newTestJob(t, l)
	j.Cancel(context.Background(), "alice") // pending-held -> canceled

	err := j.Cancel(context.Background(), "alice")
	if !ipperr.Is(err, ipperr.Conflict) {
		t.Fatalf("err = %v, want Conflict (AlreadyTerminal)", err)
	}
}
