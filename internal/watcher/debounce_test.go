package watcher

import (
	"testing"
	"time"
)

func TestDebouncer_CoalescesBurstIntoOneEvent(t *testing.T) {
	d := NewDebouncer(20*time.Millisecond, 16)
	defer d.Close()

	for i := 0; i < 5; i++ {
		if !d.Push(ChangeEvent{Path: "a.txt", Kind: Modified, At: time.Now()}) {
			t.Fatal("Push returned false on unsaturated channel")
		}
	}

	select {
	case e := <-d.Out():
		if e.Path != "a.txt" {
			t.Fatalf("got path %q, want a.txt", e.Path)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timed out waiting for coalesced event")
	}

	select {
	case e := <-d.Out():
		t.Fatalf("unexpected second event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDebouncer_IndependentPathsFlushSeparately(t *testing.T) {
	d := NewDebouncer(10*time.Millisecond, 16)
	defer d.Close()

	d.Push(ChangeEvent{Path: "a.txt", Kind: Created, At: time.Now()})
	d.Push(ChangeEvent{Path: "b.txt", Kind: Created, At: time.Now()})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-d.Out():
			seen[e.Path] = true
		case <-time.After(200 * time.Millisecond):
			t.Fatal("timed out waiting for events")
		}
	}
	if !seen["a.txt"] || !seen["b.txt"] {
		t.Fatalf("expected both paths to flush, got %v", seen)
	}
}

func TestDebouncer_CloseStopsPendingTimers(t *testing.T) {
	d := NewDebouncer(time.Hour, 4)
	d.Push(ChangeEvent{Path: "a.txt", Kind: Modified, At: time.Now()})

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return; pending timer was not stopped")
	}
}

func TestChangeKindString(t *testing.T) {
	cases := map[ChangeKind]string{
		Created:        "created",
		Modified:       "modified",
		Deleted:        "deleted",
		ChangeKind(99): "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("ChangeKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
