package coordinator

import (
	"errors"
	"testing"

	"github.com/loqalabs/loqa-reader/internal/protocol"
)

func intPtr(v int) *int { return &v }

func newTestTracker() *Tracker {
	t := NewTracker()
	t.newID = func() string { return "session-1" }
	return t
}

func TestTrackerIdleSnapshot(t *testing.T) {
	state := NewTracker().Snapshot()
	if state.Status != protocol.StatusIdle || state.Speaking || state.Paused || state.Position != 0 || state.Progress != 0 {
		t.Fatalf("unexpected idle snapshot %#v", state)
	}
}

func TestTrackerBeginRejectsBlankText(t *testing.T) {
	tr := newTestTracker()
	if _, err := tr.Begin("  "); !errors.Is(err, ErrNoText) {
		t.Fatalf("expected ErrNoText, got %v", err)
	}
	if tr.Snapshot().Status != protocol.StatusIdle {
		t.Fatal("blank text must not change state")
	}
}

func TestTrackerSessionLifecycle(t *testing.T) {
	tr := newTestTracker()
	id, err := tr.Begin("Hello world.")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	state := tr.Snapshot()
	if state.Status != protocol.StatusReading || !state.Speaking || state.SessionID != id {
		t.Fatalf("unexpected state after begin %#v", state)
	}

	if !tr.SetQueueLength(id, 4) {
		t.Fatal("queue length not applied")
	}
	tr.ReportProgress(id, intPtr(1))
	if state := tr.Snapshot(); state.Position != 1 || state.Progress != 25 {
		t.Fatalf("unexpected progress %#v", state)
	}

	tr.ReportProgress(id, intPtr(4))
	if !tr.ReportEnded(id) {
		t.Fatal("ended not applied")
	}
	state = tr.Snapshot()
	if state.Status != protocol.StatusDone || state.Speaking || state.Position != 4 || state.Progress != 100 {
		t.Fatalf("unexpected final state %#v", state)
	}
}

func TestTrackerClampsPosition(t *testing.T) {
	tr := newTestTracker()
	id, _ := tr.Begin("text")
	tr.SetQueueLength(id, 3)

	tr.ReportProgress(id, intPtr(10))
	if got := tr.Snapshot().Position; got != 3 {
		t.Fatalf("expected position clamped to 3, got %d", got)
	}
	tr.ReportProgress(id, intPtr(-2))
	if got := tr.Snapshot().Position; got != 0 {
		t.Fatalf("expected negative position clamped to 0, got %d", got)
	}
	tr.ReportProgress(id, intPtr(2))
	tr.ReportProgress(id, nil)
	if got := tr.Snapshot().Position; got != 0 {
		t.Fatalf("expected missing position to count as 0, got %d", got)
	}
}

func TestTrackerRejectsReentrantBegin(t *testing.T) {
	tr := newTestTracker()
	id, _ := tr.Begin("text")
	tr.SetQueueLength(id, 5)
	tr.ReportProgress(id, intPtr(2))

	tr.newID = func() string { return "session-2" }
	if _, err := tr.Begin("other"); !errors.Is(err, ErrAlreadyReading) {
		t.Fatalf("expected ErrAlreadyReading, got %v", err)
	}
	state := tr.Snapshot()
	if state.SessionID != id || state.Position != 2 || state.TotalChunks != 5 {
		t.Fatalf("re-entrant begin changed state %#v", state)
	}
}

func TestTrackerStopIsIdempotentAndIgnoresLateEvents(t *testing.T) {
	tr := newTestTracker()
	id, _ := tr.Begin("text")
	tr.SetQueueLength(id, 5)
	tr.ReportProgress(id, intPtr(1))

	if stopped := tr.Stop(); stopped != id {
		t.Fatalf("expected %q stopped, got %q", id, stopped)
	}
	if stopped := tr.Stop(); stopped != "" {
		t.Fatalf("second stop should report nothing, got %q", stopped)
	}

	if tr.ReportProgress(id, intPtr(2)) || tr.ReportEnded(id) {
		t.Fatal("events after stop must be ignored")
	}
	state := tr.Snapshot()
	if state.Status != protocol.StatusStopped || state.Speaking || state.Paused || state.Position != 1 {
		t.Fatalf("unexpected state after stop %#v", state)
	}
}

func TestTrackerIgnoresStaleSession(t *testing.T) {
	tr := newTestTracker()
	id, _ := tr.Begin("text")
	tr.SetQueueLength(id, 2)

	if tr.ReportProgress("other", intPtr(1)) || tr.ReportFailed("other") || tr.SetQueueLength("other", 9) {
		t.Fatal("stale session events must be ignored")
	}
	if state := tr.Snapshot(); state.Position != 0 || state.TotalChunks != 2 || state.Status != protocol.StatusReading {
		t.Fatalf("stale events changed state %#v", state)
	}
}

func TestTrackerFailureAndReset(t *testing.T) {
	tr := newTestTracker()
	id, _ := tr.Begin("text")
	if !tr.ReportFailed(id) {
		t.Fatal("failure not applied")
	}
	if state := tr.Snapshot(); state.Status != protocol.StatusError || state.Speaking {
		t.Fatalf("unexpected state after failure %#v", state)
	}

	id, _ = tr.Begin("text")
	if !tr.Reset(id) {
		t.Fatal("reset not applied")
	}
	if state := tr.Snapshot(); state.Status != protocol.StatusIdle || state.Speaking {
		t.Fatalf("unexpected state after reset %#v", state)
	}

	tr.Fail()
	if state := tr.Snapshot(); state.Status != protocol.StatusError {
		t.Fatalf("expected Error after Fail, got %#v", state)
	}
}
