package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/stream"
)

func TestStore_CreateListCurrent(t *testing.T) {
	s := newTestStore(t, StoreOpts{})

	a, err := s.Create("first")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, _ := s.Create("second")

	list := s.List()
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Fatalf("List = %+v", list)
	}
	if s.Current() != b.ID {
		t.Errorf("Current = %q, want %q", s.Current(), b.ID)
	}
	if a.ToolCalls == nil {
		t.Error("ToolCalls is nil")
	}
}

func TestStore_SnapshotsAreIsolated(t *testing.T) {
	s := newTestStore(t, StoreOpts{})
	sess, _ := s.BeginRun("", "r1", "hello")

	snap := mustGet(t, s, sess.ID)
	snap.Messages[0].Text = "mutated"
	snap.ToolCalls.Upsert("x", ToolPatch{Status: ToolStarted})

	again := mustGet(t, s, sess.ID)
	if again.Messages[0].Text != "hello" {
		t.Errorf("store saw caller mutation: %q", again.Messages[0].Text)
	}
	if again.ToolCalls.Len() != 0 {
		t.Error("store saw caller ledger mutation")
	}
}

func TestStore_DeleteRules(t *testing.T) {
	s := newTestStore(t, StoreOpts{})
	a, _ := s.Create("a")
	b, _ := s.BeginRun("", "r1", "busy one")

	if err := s.Delete(b.ID); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("Delete(busy) = %v, want ErrSessionBusy", err)
	}
	if err := s.Delete("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Delete(missing) = %v, want ErrSessionNotFound", err)
	}

	mustApply(t, s, "r1", stream.Result{})
	if err := s.Delete(b.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(b.ID); ok {
		t.Error("deleted session still present")
	}
	if s.Current() != a.ID {
		t.Errorf("Current = %q, want %q", s.Current(), a.ID)
	}
}

func TestStore_BeginRunErrors(t *testing.T) {
	s := newTestStore(t, StoreOpts{})
	sess, _ := s.BeginRun("", "r1", "one")

	if _, err := s.BeginRun(sess.ID, "r2", "two"); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("BeginRun(busy) = %v, want ErrSessionBusy", err)
	}
	if _, err := s.BeginRun("", "r1", "dup"); !errors.Is(err, ErrDuplicateRun) {
		t.Errorf("BeginRun(dup run) = %v, want ErrDuplicateRun", err)
	}
	if _, err := s.BeginRun("missing", "r3", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("BeginRun(missing) = %v, want ErrSessionNotFound", err)
	}
}

func TestStore_PersistRoundTrip(t *testing.T) {
	p := NewMemoryPersister()
	s, err := NewStore(StoreOpts{Persister: p, GroupID: "g1"})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	done, _ := s.BeginRun("", "r1", "finished run")
	mustApply(t, s, "r1", stream.Init{SessionID: "P1"}, stream.Result{Text: "ok"})

	live, _ := s.BeginRun("", "r2", "interrupted run")
	mustApply(t, s, "r2",
		stream.ToolCall{CallID: "t1", Name: "Bash", Phase: stream.PhaseStarted},
		stream.Assistant{Text: "this reply is long enough to show"},
	)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.SaveCount() == 0 {
		t.Fatal("nothing was saved")
	}

	s2 := newTestStore(t, StoreOpts{Persister: p, GroupID: "g1"})
	list := s2.List()
	if len(list) != 2 {
		t.Fatalf("len(List) = %d, want 2", len(list))
	}
	if s2.Current() != live.ID {
		t.Errorf("Current = %q, want %q", s2.Current(), live.ID)
	}

	got := mustGet(t, s2, done.ID)
	if got.Provider() != "P1" {
		t.Errorf("provider = %q, want P1", got.Provider())
	}

	restored := mustGet(t, s2, live.ID)
	if restored.Busy || restored.ActiveRunID != "" || restored.StreamingText != "" {
		t.Errorf("restored run state: busy=%v active=%q streaming=%q",
			restored.Busy, restored.ActiveRunID, restored.StreamingText)
	}
	if streamingCount(restored) != 0 {
		t.Error("restored session has a streaming message")
	}
	if restored.ToolCalls.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", restored.ToolCalls.Pending())
	}
	if last, _ := restored.LastMessage(); last.Text != "this reply is long enough to show" {
		t.Errorf("last = %+v", last)
	}

	other := newTestStore(t, StoreOpts{Persister: p, GroupID: "g2"})
	if n := len(other.List()); n != 0 {
		t.Errorf("group g2 has %d sessions, want 0", n)
	}
}

func TestStore_StreamingOnlyChangesAreNotSavedEagerly(t *testing.T) {
	p := NewMemoryPersister()
	s := newTestStore(t, StoreOpts{Persister: p})
	s.BeginRun("", "r1", "go")
	before := p.SaveCount()

	for _, text := range []string{"a", "a b", "a b c"} {
		mustApply(t, s, "r1", stream.Assistant{Text: text})
	}
	if p.SaveCount() != before {
		t.Errorf("saves = %d, want %d", p.SaveCount(), before)
	}

	mustApply(t, s, "r1", stream.Result{})
	if p.SaveCount() != before+1 {
		t.Errorf("saves = %d, want %d", p.SaveCount(), before+1)
	}
}

func TestStore_Prune(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := newTestStore(t, StoreOpts{Now: clock})

	old, _ := s.Create("old")
	oldBusy, _ := s.BeginRun("", "r1", "old but running")

	mu.Lock()
	now = now.Add(48 * time.Hour)
	mu.Unlock()
	fresh, _ := s.Create("fresh")

	removed, err := s.Prune(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(removed) != 1 || removed[0] != old.ID {
		t.Errorf("removed = %v, want [%s]", removed, old.ID)
	}
	for _, id := range []string{oldBusy.ID, fresh.ID} {
		if _, ok := s.Get(id); !ok {
			t.Errorf("session %s pruned", id)
		}
	}
}

func TestStore_OnChange(t *testing.T) {
	s := newTestStore(t, StoreOpts{})

	got := make(chan []Session, 16)
	cancel := s.OnChange(func(list []Session) { got <- list })

	sess, _ := s.Create("watched")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case list := <-got:
			if len(list) == 1 && list[0].ID == sess.ID {
				cancel()
				return
			}
		case <-deadline:
			t.Fatal("no change notification")
		}
	}
}

func TestStore_OnChangeCallbackMayUseStore(t *testing.T) {
	s := newTestStore(t, StoreOpts{})

	seen := make(chan int, 16)
	s.OnChange(func(list []Session) {
		seen <- len(s.List())
	})
	s.Create("a")

	select {
	case n := <-seen:
		if n < 1 {
			t.Errorf("List inside callback = %d sessions", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}
}

func TestStore_Closed(t *testing.T) {
	s, err := NewStore(StoreOpts{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s.Close()
	if _, err := s.Create("x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Create after Close = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestStore_ConcurrentRuns(t *testing.T) {
	s := newTestStore(t, StoreOpts{})

	const runs = 8
	var wg sync.WaitGroup
	ids := make([]string, runs)
	for i := 0; i < runs; i++ {
		sess, err := s.BeginRun("", runID(i), "go")
		if err != nil {
			t.Fatalf("BeginRun: %v", err)
		}
		ids[i] = sess.ID
	}
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Apply(runID(i), stream.Init{SessionID: "P-" + runID(i)})
			for _, text := range []string{"one", "one two", "one two three four five six"} {
				s.Apply(runID(i), stream.Assistant{Text: text})
			}
			s.Apply(runID(i), stream.Result{Text: "done " + runID(i)})
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		got := mustGet(t, s, id)
		if got.Busy {
			t.Errorf("%s still busy", id)
		}
		if got.Provider() != "P-"+runID(i) {
			t.Errorf("%s provider = %q", id, got.Provider())
		}
		if last, _ := got.LastMessage(); last.Text != "done "+runID(i) {
			t.Errorf("%s last = %q", id, last.Text)
		}
	}
}

func runID(i int) string {
	return "run-" + string(rune('a'+i))
}
