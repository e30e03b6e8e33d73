package switchboard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/router"
	"github.com/zulandar/switchboard/internal/session"
)

// mockProcess is a scripted agent process. Output ends when exit or Close
// is called.
type mockProcess struct {
	out  chan Chunk
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	code    int
	signals []os.Signal
	closed  bool
}

func newMockProcess() *mockProcess {
	return &mockProcess{out: make(chan Chunk, 64), done: make(chan struct{})}
}

func (p *mockProcess) stdout(s string) { p.out <- Chunk{Stream: router.Stdout, Data: []byte(s)} }
func (p *mockProcess) stderr(s string) { p.out <- Chunk{Stream: router.Stderr, Data: []byte(s)} }

func (p *mockProcess) exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.out)
		close(p.done)
	})
}

func (p *mockProcess) Output() <-chan Chunk { return p.out }

func (p *mockProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

func (p *mockProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	return nil
}

func (p *mockProcess) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.exit(-1)
	return nil
}

func (p *mockProcess) wasClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *mockProcess) signalled(sig os.Signal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.signals {
		if s == sig {
			return true
		}
	}
	return false
}

// mockSpawner hands out mock processes and records requests.
type mockSpawner struct {
	mu      sync.Mutex
	reqs    []SpawnRequest
	err     error
	onSpawn func(req SpawnRequest) // runs before the process is returned
	spawned chan *mockProcess
}

func newMockSpawner() *mockSpawner {
	return &mockSpawner{spawned: make(chan *mockProcess, 16)}
}

func (s *mockSpawner) Spawn(_ context.Context, req SpawnRequest) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.onSpawn != nil {
		s.onSpawn(req)
	}
	if s.err != nil {
		return nil, s.err
	}
	p := newMockProcess()
	s.spawned <- p
	return p, nil
}

func (s *mockSpawner) requests() []SpawnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SpawnRequest(nil), s.reqs...)
}

func (s *mockSpawner) next(t *testing.T) *mockProcess {
	t.Helper()
	select {
	case p := <-s.spawned:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no process spawned")
		return nil
	}
}

type fixture struct {
	sb      *Switchboard
	store   *session.Store
	spawner *mockSpawner
	router  *router.Router
}

func newFixture(t *testing.T, opts Opts) *fixture {
	t.Helper()
	store, err := session.NewStore(session.StoreOpts{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	sp := newMockSpawner()
	rt := router.New(router.Opts{Out: io.Discard})
	opts.Store = store
	opts.Spawner = sp
	opts.Router = rt
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	sb, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		sb.Close()
		store.Close()
	})
	return &fixture{sb: sb, store: store, spawner: sp, router: rt}
}

func waitRun(t *testing.T, sb *Switchboard, runID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sb.Wait(ctx, runID); err != nil {
		t.Fatalf("run %s did not finish: %v", runID, err)
	}
}

func lastMessage(t *testing.T, store *session.Store, id string) session.Message {
	t.Helper()
	sess, ok := store.Get(id)
	if !ok {
		t.Fatalf("session %s not found", id)
	}
	m, ok := sess.LastMessage()
	if !ok {
		t.Fatalf("session %s has no messages", id)
	}
	return m
}

const (
	initLine   = `{"type":"system","subtype":"init","session_id":"P1","model":"m1"}` + "\n"
	resultLine = `{"type":"result","subtype":"success","result":"Final answer","session_id":"P1","usage":{"input_tokens":10,"output_tokens":4}}` + "\n"
)

func TestNew_Validation(t *testing.T) {
	store, err := session.NewStore(session.StoreOpts{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	if _, err := New(Opts{Spawner: newMockSpawner()}); err == nil {
		t.Error("expected error without store")
	}
	if _, err := New(Opts{Store: store}); err == nil {
		t.Error("expected error without spawner")
	}
	if _, err := New(Opts{Store: store, Spawner: newMockSpawner(), IdleTimeout: -time.Second}); err == nil {
		t.Error("expected error for negative timeout")
	}
}

func TestSend_EndToEnd(t *testing.T) {
	f := newFixture(t, Opts{})

	runID, err := f.sb.Send(context.Background(), "  hi  ", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	proc := f.spawner.next(t)

	sessID, ok := f.router.Lookup(runID)
	if !ok {
		t.Fatal("run not registered with router")
	}
	if runs := f.sb.ActiveRuns(); len(runs) != 1 || runs[0].RunID != runID {
		t.Errorf("ActiveRuns = %+v", runs)
	}

	proc.stdout(initLine)
	// A line split across chunks is reassembled.
	proc.stdout(`{"type":"assistant","text":"I think`)
	proc.stdout(` so"}` + "\n")
	proc.stdout(resultLine)
	waitRun(t, f.sb, runID)
	proc.exit(0)

	sess, ok := f.store.Get(sessID)
	if !ok {
		t.Fatalf("session %s not found", sessID)
	}
	if sess.Busy || sess.ActiveRunID != "" {
		t.Errorf("session still busy: busy=%v active=%q", sess.Busy, sess.ActiveRunID)
	}
	if sess.Provider() != "P1" {
		t.Errorf("provider = %q, want P1", sess.Provider())
	}
	if sess.Messages[0].Role != session.RoleUser || sess.Messages[0].Text != "hi" {
		t.Errorf("first message = %+v", sess.Messages[0])
	}
	last := lastMessage(t, f.store, sessID)
	if last.Role != session.RoleAssistant || last.Text != "Final answer" || last.IsStreaming {
		t.Errorf("last message = %+v", last)
	}
	if _, ok := f.router.Lookup(runID); ok {
		t.Error("finished run still registered")
	}
	if runs := f.sb.ActiveRuns(); len(runs) != 0 {
		t.Errorf("ActiveRuns after finish = %+v", runs)
	}
}

func TestSend_EmptyPrompt(t *testing.T) {
	f := newFixture(t, Opts{})
	if _, err := f.sb.Send(context.Background(), "   ", ""); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("err = %v, want ErrEmptyPrompt", err)
	}
	if n := len(f.store.List()); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
}

func TestSend_SessionBusy(t *testing.T) {
	f := newFixture(t, Opts{})

	runID, err := f.sb.Send(context.Background(), "first", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	proc := f.spawner.next(t)
	sessID, _ := f.router.Lookup(runID)

	if _, err := f.sb.Send(context.Background(), "second", sessID); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("err = %v, want ErrSessionBusy", err)
	}

	proc.stdout(resultLine)
	waitRun(t, f.sb, runID)
	proc.exit(0)

	if _, err := f.sb.Send(context.Background(), "second", sessID); err != nil {
		t.Errorf("Send after finish: %v", err)
	}
	f.spawner.next(t).exit(0)
}

func TestSend_UnknownSession(t *testing.T) {
	f := newFixture(t, Opts{})
	if _, err := f.sb.Send(context.Background(), "hi", "nope"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
	if _, err := f.sb.Send(context.Background(), "hi", ""); err != nil {
		t.Errorf("semaphore not released after failed send: %v", err)
	}
	f.spawner.next(t).exit(0)
}

func TestSend_TooManyRuns(t *testing.T) {
	f := newFixture(t, Opts{MaxConcurrentRuns: 1})

	runID, err := f.sb.Send(context.Background(), "one", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	proc := f.spawner.next(t)

	if _, err := f.sb.Send(context.Background(), "two", ""); !errors.Is(err, ErrTooManyRuns) {
		t.Errorf("err = %v, want ErrTooManyRuns", err)
	}

	proc.stdout(resultLine)
	waitRun(t, f.sb, runID)

	if _, err := f.sb.Send(context.Background(), "three", ""); err != nil {
		t.Errorf("Send after release: %v", err)
	}
	proc.exit(0)
	f.spawner.next(t).exit(0)
}

func TestSend_ResumesProviderSession(t *testing.T) {
	f := newFixture(t, Opts{WorkDir: "/work"})

	runID, err := f.sb.Send(context.Background(), "first", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	proc := f.spawner.next(t)
	sessID, _ := f.router.Lookup(runID)
	proc.stdout(initLine + resultLine)
	waitRun(t, f.sb, runID)
	proc.exit(0)

	if _, err := f.sb.Send(context.Background(), "again", sessID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	f.spawner.next(t).exit(0)

	reqs := f.spawner.requests()
	if len(reqs) != 2 {
		t.Fatalf("spawn requests = %d, want 2", len(reqs))
	}
	if reqs[0].ResumeID != "" {
		t.Errorf("first ResumeID = %q, want empty", reqs[0].ResumeID)
	}
	if reqs[1].ResumeID != "P1" || reqs[1].Prompt != "again" || reqs[1].WorkDir != "/work" {
		t.Errorf("second request = %+v", reqs[1])
	}
}

func TestSend_SpawnFailure(t *testing.T) {
	f := newFixture(t, Opts{MaxConcurrentRuns: 1})
	f.spawner.err = errors.New("no such binary")

	runID, err := f.sb.Send(context.Background(), "hi", "")
	if err == nil {
		t.Fatal("expected spawn error")
	}
	if runID == "" {
		t.Fatal("expected run id for failed spawn")
	}

	sessions := f.store.List()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if sessions[0].Busy {
		t.Error("session still busy after spawn failure")
	}
	last := lastMessage(t, f.store, sessions[0].ID)
	if last.Role != session.RoleError || !strings.Contains(last.Text, "no such binary") {
		t.Errorf("last message = %+v", last)
	}
	if len(f.sb.ActiveRuns()) != 0 {
		t.Error("failed run still active")
	}

	f.spawner.err = nil
	if _, err := f.sb.Send(context.Background(), "retry", sessions[0].ID); err != nil {
		t.Errorf("Send after failure: %v", err)
	}
	f.spawner.next(t).exit(0)
}

func TestRun_IdleTimeout(t *testing.T) {
	f := newFixture(t, Opts{IdleTimeout: 50 * time.Millisecond})

	runID, err := f.sb.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	proc := f.spawner.next(t)
	sessID, _ := f.router.Lookup(runID)
	waitRun(t, f.sb, runID)

	if !proc.signalled(os.Interrupt) {
		t.Error("process was not interrupted")
	}
	if !proc.wasClosed() {
		t.Error("process was not closed")
	}
	last := lastMessage(t, f.store, sessID)
	if last.Role != session.RoleError || !strings.Contains(last.Text, "no output for 50ms") {
		t.Errorf("last message = %+v", last)
	}
	if sess, _ := f.store.Get(sessID); sess.Busy {
		t.Error("session still busy after timeout")
	}
}

func TestRun_OutputResetsIdleTimeout(t *testing.T) {
	f := newFixture(t, Opts{IdleTimeout: 150 * time.Millisecond})

	runID, err := f.sb.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	proc := f.spawner.next(t)

	for i := 0; i < 5; i++ {
		time.Sleep(50 * time.Millisecond)
		proc.stderr("working\n")
	}
	if len(f.sb.ActiveRuns()) != 1 {
		t.Fatal("run expired while producing output")
	}
	proc.stdout(resultLine)
	waitRun(t, f.sb, runID)
	proc.exit(0)
}

func TestRun_AbsoluteTimeout(t *testing.T) {
	f := newFixture(t, Opts{AbsoluteTimeout: 80 * time.Millisecond})

	runID, err := f.sb.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	proc := f.spawner.next(t)
	sessID, _ := f.router.Lookup(runID)
	proc.stdout(initLine)
	waitRun(t, f.sb, runID)

	last := lastMessage(t, f.store, sessID)
	if last.Role != session.RoleError || !strings.Contains(last.Text, "timed out after 80ms") {
		t.Errorf("last message = %+v", last)
	}
	if !proc.wasClosed() {
		t.Error("process was not closed")
	}
}

func TestAbort(t *testing.T) {
	f := newFixture(t, Opts{})

	runID, err := f.sb.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	proc := f.spawner.next(t)
	sessID, _ := f.router.Lookup(runID)

	if err := f.sb.Abort(runID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	waitRun(t, f.sb, runID)

	last := lastMessage(t, f.store, sessID)
	if last.Role != session.RoleSystem || last.Text != "Run aborted." {
		t.Errorf("last message = %+v", last)
	}
	if !proc.signalled(os.Interrupt) || !proc.wasClosed() {
		t.Error("aborted process not interrupted and closed")
	}
	if err := f.sb.Abort(runID); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("second Abort err = %v, want ErrUnknownRun", err)
	}
}

func TestAbort_BeforeProcessAttached(t *testing.T) {
	f := newFixture(t, Opts{MaxConcurrentRuns: 1})
	f.spawner.onSpawn = func(req SpawnRequest) {
		if err := f.sb.Abort(req.RunID); err != nil {
			t.Errorf("Abort: %v", err)
		}
	}

	runID, err := f.sb.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	proc := f.spawner.next(t)
	waitRun(t, f.sb, runID)

	if !proc.wasClosed() {
		t.Error("process started after abort was not closed")
	}
	if runs := f.sb.ActiveRuns(); len(runs) != 0 {
		t.Errorf("ActiveRuns = %+v, want none", runs)
	}

	f.spawner.mu.Lock()
	f.spawner.onSpawn = nil
	f.spawner.mu.Unlock()
	if _, err := f.sb.Send(context.Background(), "again", ""); err != nil {
		t.Errorf("Send after abort: %v", err)
	}
	f.spawner.next(t).exit(0)
}

func TestAbort_WhileTextStillArriving(t *testing.T) {
	f := newFixture(t, Opts{})

	runID, err := f.sb.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	proc := f.spawner.next(t)
	sessID, _ := f.router.Lookup(runID)

	// Plain text after JSON output is suppressed by the decoder while the
	// abort ends the run from this goroutine.
	proc.stdout(initLine)
	for i := 0; i < 50; i++ {
		proc.stdout("plain noise line\n")
	}
	if err := f.sb.Abort(runID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	waitRun(t, f.sb, runID)
	f.sb.Close()

	sess, _ := f.store.Get(sessID)
	for _, m := range sess.Messages {
		if strings.Contains(m.Text, "plain noise") {
			t.Errorf("suppressed text reached the transcript: %+v", m)
		}
	}
	if last := lastMessage(t, f.store, sessID); last.Text != "Run aborted." {
		t.Errorf("last message = %+v", last)
	}
}

func TestOut_SharedAcrossRuns(t *testing.T) {
	var out bytes.Buffer
	f := newFixture(t, Opts{MaxConcurrentRuns: 8, Out: &out})

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		id, err := f.sb.Send(context.Background(), fmt.Sprintf("prompt %d", i), "")
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		f.spawner.next(t)
		ids[i] = id
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			f.sb.Abort(id)
		}(id)
	}
	wg.Wait()
	for _, id := range ids {
		waitRun(t, f.sb, id)
	}
	f.sb.Close()

	if got := strings.Count(out.String(), "finished (aborted)"); got != n {
		t.Errorf("finish lines = %d, want %d\n%s", got, n, out.String())
	}
}

// countingRouter records Unregister calls per run.
type countingRouter struct {
	*router.Router

	mu      sync.Mutex
	calls   map[string]int
	removed map[string]int
}

func (c *countingRouter) Unregister(runID string) bool {
	ok := c.Router.Unregister(runID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[runID]++
	if ok {
		c.removed[runID]++
	}
	return ok
}

func (c *countingRouter) counts(runID string) (calls, removed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[runID], c.removed[runID]
}

func TestResultTwice_UnregistersOnce(t *testing.T) {
	store, err := session.NewStore(session.StoreOpts{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	sp := newMockSpawner()
	rt := &countingRouter{
		Router:  router.New(router.Opts{Out: io.Discard}),
		calls:   make(map[string]int),
		removed: make(map[string]int),
	}
	sb, err := New(Opts{Store: store, Spawner: sp, Router: rt, Out: io.Discard})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sb.Close()

	runID, err := sb.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	proc := sp.next(t)
	sessID, _ := rt.Lookup(runID)

	proc.stdout(initLine + resultLine + resultLine)
	waitRun(t, sb, runID)
	before, _ := store.Get(sessID)

	proc.stdout(resultLine)
	proc.exit(0)
	sb.Close()

	after, _ := store.Get(sessID)
	if !reflect.DeepEqual(before, after) {
		t.Errorf("repeated result changed the session:\nbefore %+v\nafter  %+v", before, after)
	}
	answers := 0
	for _, m := range after.Messages {
		if m.Role == session.RoleAssistant && m.Text == "Final answer" {
			answers++
		}
	}
	if answers != 1 {
		t.Errorf("final answers = %d, want 1", answers)
	}
	if calls, removed := rt.counts(runID); calls != 1 || removed != 1 {
		t.Errorf("Unregister calls = %d (removed %d), want 1 (1)", calls, removed)
	}
}

func TestExit_NonZeroIncludesStderrTail(t *testing.T) {
	f := newFixture(t, Opts{})

	runID, err := f.sb.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	proc := f.spawner.next(t)
	sessID, _ := f.router.Lookup(runID)

	proc.stderr("boom: rate limited\n")
	proc.exit(2)
	waitRun(t, f.sb, runID)

	last := lastMessage(t, f.store, sessID)
	if last.Role != session.RoleError || last.Text != "Agent exited with code 2." {
		t.Errorf("last message = %+v", last)
	}
	if !strings.Contains(string(last.Raw), "rate limited") {
		t.Errorf("Raw = %s, want stderr tail", last.Raw)
	}
}

func TestExit_ZeroWithoutResult(t *testing.T) {
	f := newFixture(t, Opts{})

	runID, err := f.sb.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	proc := f.spawner.next(t)
	sessID, _ := f.router.Lookup(runID)

	// The last line has no trailing newline and is flushed at exit.
	proc.stdout(`{"type":"assistant","text":"partial answer from the agent"}`)
	proc.exit(0)
	waitRun(t, f.sb, runID)

	sess, _ := f.store.Get(sessID)
	if sess.Busy {
		t.Error("session still busy")
	}
	last := lastMessage(t, f.store, sessID)
	if last.Role != session.RoleAssistant || last.Text != "partial answer from the agent" || last.IsStreaming {
		t.Errorf("last message = %+v", last)
	}
}

func TestLateOutputDropped(t *testing.T) {
	f := newFixture(t, Opts{})

	runID, err := f.sb.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	proc := f.spawner.next(t)
	sessID, _ := f.router.Lookup(runID)

	proc.stdout(resultLine)
	waitRun(t, f.sb, runID)
	before, _ := f.store.Get(sessID)

	proc.stdout(`{"type":"assistant","text":"too late to matter"}` + "\n")
	proc.exit(0)
	f.sb.Close()

	after, _ := f.store.Get(sessID)
	if len(after.Messages) != len(before.Messages) {
		t.Errorf("late output changed the transcript: %+v", after.Messages)
	}
	if f.router.Dropped() < 1 {
		t.Errorf("Dropped = %d, want at least 1", f.router.Dropped())
	}
}

func TestDeleteSession_AbortsLiveRun(t *testing.T) {
	f := newFixture(t, Opts{})

	runID, err := f.sb.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	proc := f.spawner.next(t)
	sessID, _ := f.router.Lookup(runID)

	if err := f.sb.DeleteSession(sessID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, ok := f.store.Get(sessID); ok {
		t.Error("session not deleted")
	}
	if !proc.wasClosed() {
		t.Error("live process not closed")
	}
	if err := f.sb.DeleteSession(sessID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestOnSessionsChanged(t *testing.T) {
	f := newFixture(t, Opts{})

	got := make(chan []session.Session, 16)
	cancel := f.sb.OnSessionsChanged(func(list []session.Session) { got <- list })
	defer cancel()

	if _, err := f.sb.Send(context.Background(), "hi", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case list := <-got:
		if len(list) != 1 {
			t.Errorf("notified list = %d sessions, want 1", len(list))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}
	f.spawner.next(t).exit(0)
}

func TestClose_AbortsRuns(t *testing.T) {
	f := newFixture(t, Opts{})

	runID, err := f.sb.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	proc := f.spawner.next(t)
	sessID, _ := f.router.Lookup(runID)

	if err := f.sb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !proc.wasClosed() {
		t.Error("process not closed")
	}
	if sess, _ := f.store.Get(sessID); sess.Busy {
		t.Error("session still busy after Close")
	}
	if _, err := f.sb.Send(context.Background(), "hi", ""); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if err := f.sb.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestRunRecords(t *testing.T) {
	gdb, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("ConnectSQLite: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	defer db.Close(gdb)

	f := newFixture(t, Opts{DB: gdb, GroupID: "team"})

	runID, err := f.sb.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	proc := f.spawner.next(t)
	sessID, _ := f.router.Lookup(runID)

	run, err := db.GetRun(gdb, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != models.RunRunning || run.GroupID != "team" || run.Prompt != "hi" {
		t.Errorf("running record = %+v", run)
	}

	proc.stderr("note\n")
	proc.stdout(initLine + resultLine)
	waitRun(t, f.sb, runID)
	proc.exit(0)
	f.sb.Close()

	run, err = db.GetRun(gdb, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != models.RunResult {
		t.Errorf("Status = %q, want %q", run.Status, models.RunResult)
	}
	if run.SessionID != sessID || run.ProviderSessionID != "P1" || run.Model != "m1" {
		t.Errorf("record = %+v", run)
	}
	if run.InputTokens != 10 || run.OutputTokens != 4 {
		t.Errorf("tokens = %d/%d, want 10/4", run.InputTokens, run.OutputTokens)
	}
	if run.ExitCode == nil || *run.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", run.ExitCode)
	}
	if run.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}

	logs, err := db.RunLogs(gdb, runID)
	if err != nil {
		t.Fatalf("RunLogs: %v", err)
	}
	var stdout, stderr strings.Builder
	for _, l := range logs {
		switch l.Stream {
		case string(router.Stdout):
			stdout.WriteString(l.Content)
		case string(router.Stderr):
			stderr.WriteString(l.Content)
		}
	}
	if stdout.String() != initLine+resultLine {
		t.Errorf("stdout log = %q", stdout.String())
	}
	if stderr.String() != "note\n" {
		t.Errorf("stderr log = %q", stderr.String())
	}
}

func TestRunStatus(t *testing.T) {
	tests := map[session.TerminalReason]string{
		session.ReasonResult:       models.RunResult,
		session.ReasonTimeout:      models.RunTimeout,
		session.ReasonAborted:      models.RunAborted,
		session.ReasonProcessError: models.RunProcessError,
	}
	for reason, want := range tests {
		if got := runStatus(reason); got != want {
			t.Errorf("runStatus(%s) = %q, want %q", reason, got, want)
		}
	}
}
