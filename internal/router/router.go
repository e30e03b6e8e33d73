// Package router delivers process output to the handler of the run that
// produced it. Output for runs that are not registered is dropped.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// ErrDuplicateRun is returned when a run id is registered twice.
var ErrDuplicateRun = errors.New("router: run already registered")

// StreamKind identifies which process stream a chunk came from.
type StreamKind string

const (
	Stdout StreamKind = "stdout"
	Stderr StreamKind = "stderr"
)

// ExitStatus reports how a process ended.
type ExitStatus struct {
	Code int
	Err  error
}

// LogEvent is one chunk of process output, or the exit notification when
// Exit is set.
type LogEvent struct {
	RunID  string
	Stream StreamKind
	Data   []byte
	Exit   *ExitStatus
}

// Handler consumes events for one run.
type Handler interface {
	HandleLog(ctx context.Context, ev LogEvent)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev LogEvent)

// HandleLog calls f.
func (f HandlerFunc) HandleLog(ctx context.Context, ev LogEvent) { f(ctx, ev) }

type entry struct {
	handler   Handler
	sessionID string
}

// Router maps run ids to handlers. All methods are safe for concurrent use.
type Router struct {
	outMu sync.Mutex
	out   io.Writer

	mu   sync.Mutex
	runs map[string]entry

	dropped atomic.Int64
}

// Opts holds parameters for creating a Router.
type Opts struct {
	Out io.Writer // drop notices; defaults to os.Stderr
}

// New creates an empty Router.
func New(opts Opts) *Router {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	return &Router{out: out, runs: make(map[string]entry)}
}

// Register installs handler for runID.
func (r *Router) Register(runID string, h Handler, sessionID string) error {
	if runID == "" {
		return fmt.Errorf("router: register: run id is required")
	}
	if h == nil {
		return fmt.Errorf("router: register %s: handler is required", runID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[runID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, runID)
	}
	r.runs[runID] = entry{handler: h, sessionID: sessionID}
	return nil
}

// Unregister removes runID and reports whether it was registered.
func (r *Router) Unregister(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[runID]; !ok {
		return false
	}
	delete(r.runs, runID)
	return true
}

// Dispatch hands ev to the handler registered for ev.RunID. Events for an
// unknown run are dropped and Dispatch returns false. The handler runs
// outside the router lock, so it may call back into the Router.
func (r *Router) Dispatch(ctx context.Context, ev LogEvent) bool {
	r.mu.Lock()
	e, ok := r.runs[ev.RunID]
	r.mu.Unlock()

	if !ok {
		n := r.dropped.Add(1)
		r.outMu.Lock()
		fmt.Fprintf(r.out, "router: drop %s event for unknown run %s (%d bytes, %d dropped)\n",
			ev.Stream, ev.RunID, len(ev.Data), n)
		r.outMu.Unlock()
		return false
	}
	e.handler.HandleLog(ctx, ev)
	return true
}

// Lookup returns the session id recorded for runID.
func (r *Router) Lookup(runID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[runID]
	return e.sessionID, ok
}

// Len returns the number of registered runs.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// Dropped returns how many events were dropped for unknown runs.
func (r *Router) Dropped() int64 {
	return r.dropped.Load()
}
