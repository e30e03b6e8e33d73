// Package switchboard runs agent subprocesses on behalf of sessions. It
// starts one process per prompt, routes the process output through the
// classifier into the session store, and enforces run deadlines.
package switchboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/router"
	"github.com/zulandar/switchboard/internal/session"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

// DefaultMaxConcurrentRuns caps simultaneous runs when Opts leaves it unset.
const DefaultMaxConcurrentRuns = 4

var (
	ErrSessionBusy = session.ErrSessionBusy
	ErrTooManyRuns = errors.New("switchboard: too many concurrent runs")
	ErrUnknownRun  = errors.New("switchboard: unknown run")
	ErrEmptyPrompt = errors.New("switchboard: prompt is empty")
	ErrClosed      = errors.New("switchboard: closed")
)

// RunRouter delivers process output to registered runs. *router.Router
// implements it.
type RunRouter interface {
	Register(runID string, h router.Handler, sessionID string) error
	Unregister(runID string) bool
	Dispatch(ctx context.Context, ev router.LogEvent) bool
}

// Opts holds parameters for creating a Switchboard.
type Opts struct {
	Store   *session.Store
	Spawner ProcessSpawner
	Router  RunRouter // defaults to a new router.Router
	DB      *gorm.DB  // optional; enables run records and log capture
	GroupID string
	WorkDir string

	MaxConcurrentRuns int
	IdleTimeout       time.Duration // zero disables
	AbsoluteTimeout   time.Duration // zero disables
	FlushInterval     time.Duration // run log flush period, defaults to DefaultFlushInterval

	Out io.Writer // operator log, defaults to os.Stdout
}

// RunInfo describes a live run.
type RunInfo struct {
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// Switchboard starts runs and tracks the live ones.
type Switchboard struct {
	store    *session.Store
	spawner  ProcessSpawner
	router   RunRouter
	db       *gorm.DB
	groupID  string
	workDir  string
	idle     time.Duration
	absolute time.Duration
	flush    time.Duration
	out      io.Writer

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	pumps  sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// New creates a Switchboard.
func New(opts Opts) (*Switchboard, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("switchboard: store is required")
	}
	if opts.Spawner == nil {
		return nil, fmt.Errorf("switchboard: spawner is required")
	}
	if opts.IdleTimeout < 0 || opts.AbsoluteTimeout < 0 {
		return nil, fmt.Errorf("switchboard: timeouts must not be negative")
	}
	var out io.Writer = os.Stdout
	if opts.Out != nil {
		out = opts.Out
	}
	out = &syncWriter{w: out}
	var rt RunRouter = opts.Router
	if rt == nil {
		rt = router.New(router.Opts{Out: out})
	}
	maxRuns := opts.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = DefaultMaxConcurrentRuns
	}
	flush := opts.FlushInterval
	if flush <= 0 {
		flush = DefaultFlushInterval
	}
	groupID := opts.GroupID
	if groupID == "" {
		groupID = session.DefaultGroupID
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Switchboard{
		store:    opts.Store,
		spawner:  opts.Spawner,
		router:   rt,
		db:       opts.DB,
		groupID:  groupID,
		workDir:  opts.WorkDir,
		idle:     opts.IdleTimeout,
		absolute: opts.AbsoluteTimeout,
		flush:    flush,
		out:      out,
		sem:      semaphore.NewWeighted(int64(maxRuns)),
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[string]*run),
	}, nil
}

// Store returns the session store the switchboard writes to.
func (sb *Switchboard) Store() *session.Store {
	return sb.store
}

// Send starts a run for text on sessionID and returns the run id. An empty
// sessionID creates a new session. A session that already has a provider
// session id is resumed.
func (sb *Switchboard) Send(ctx context.Context, text, sessionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyPrompt
	}

	sb.mu.Lock()
	closed := sb.closed
	sb.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	if !sb.sem.TryAcquire(1) {
		return "", ErrTooManyRuns
	}

	runID := uuid.New().String()
	sess, err := sb.store.BeginRun(sessionID, runID, text)
	if err != nil {
		sb.sem.Release(1)
		return "", fmt.Errorf("switchboard: send: %w", err)
	}

	r := newRun(sb, runID, sess.ID, text)
	if err := sb.router.Register(runID, r, sess.ID); err != nil {
		sb.store.Terminate(runID, session.Termination{Reason: session.ReasonProcessError, Text: err.Error()})
		sb.sem.Release(1)
		return "", fmt.Errorf("switchboard: send: %w", err)
	}
	sb.mu.Lock()
	sb.runs[runID] = r
	sb.mu.Unlock()

	if sb.db != nil {
		if err := db.CreateRun(sb.db, &models.Run{
			ID:                runID,
			GroupID:           sb.groupID,
			SessionID:         sess.ID,
			ProviderSessionID: sess.Provider(),
			Prompt:            text,
			StartedAt:         r.startedAt,
		}); err != nil {
			fmt.Fprintf(sb.out, "switchboard: run %s: %v\n", runID, err)
		}
	}

	proc, err := sb.spawner.Spawn(sb.ctx, SpawnRequest{
		RunID:    runID,
		Prompt:   text,
		ResumeID: sess.Provider(),
		WorkDir:  sb.workDir,
	})
	if err != nil {
		r.fail(fmt.Sprintf("Failed to start agent: %v", err))
		return runID, fmt.Errorf("switchboard: spawn: %w", err)
	}

	r.start(proc)
	sb.pumps.Add(1)
	go sb.pump(r, proc)

	fmt.Fprintf(sb.out, "switchboard: run %s started [session=%s resume=%q]\n", runID, sess.ID, sess.Provider())
	return runID, nil
}

// pump forwards process output to the router until the process exits.
func (sb *Switchboard) pump(r *run, proc Process) {
	defer sb.pumps.Done()

	for c := range proc.Output() {
		sb.router.Dispatch(sb.ctx, router.LogEvent{RunID: r.id, Stream: c.Stream, Data: c.Data})
	}
	code, err := proc.Wait()
	exit := &router.ExitStatus{Code: code, Err: err}
	if !sb.router.Dispatch(sb.ctx, router.LogEvent{RunID: r.id, Exit: exit}) {
		// The run ended before the process did.
		r.recordExit(*exit)
	}
	r.logSuppressed()
	r.closeLogs()
}

// Abort interrupts a live run and ends it with a notice.
func (sb *Switchboard) Abort(runID string) error {
	r := sb.lookup(runID)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	r.expire(session.ReasonAborted, "Run aborted.")
	return nil
}

// DeleteSession aborts the session's live run, if any, and deletes it.
func (sb *Switchboard) DeleteSession(sessionID string) error {
	sess, ok := sb.store.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	if sess.ActiveRunID != "" {
		if err := sb.Abort(sess.ActiveRunID); err != nil && !errors.Is(err, ErrUnknownRun) {
			return err
		}
	}
	return sb.store.Delete(sessionID)
}

// OnSessionsChanged registers cb for session list changes.
func (sb *Switchboard) OnSessionsChanged(cb func([]session.Session)) (cancel func()) {
	return sb.store.OnChange(cb)
}

// ActiveRuns lists live runs.
func (sb *Switchboard) ActiveRuns() []RunInfo {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make([]RunInfo, 0, len(sb.runs))
	for _, r := range sb.runs {
		out = append(out, r.info())
	}
	return out
}

// Wait blocks until runID has finished or ctx is done. Unknown runs are
// treated as finished.
func (sb *Switchboard) Wait(ctx context.Context, runID string) error {
	r := sb.lookup(runID)
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close aborts every live run and waits for their processes to exit.
func (sb *Switchboard) Close() error {
	sb.mu.Lock()
	if sb.closed {
		sb.mu.Unlock()
		return nil
	}
	sb.closed = true
	live := make([]*run, 0, len(sb.runs))
	for _, r := range sb.runs {
		live = append(live, r)
	}
	sb.mu.Unlock()

	for _, r := range live {
		r.expire(session.ReasonAborted, "Run aborted: switchboard shutting down.")
	}
	sb.cancel()
	sb.pumps.Wait()
	return nil
}

func (sb *Switchboard) lookup(runID string) *run {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.runs[runID]
}

func (sb *Switchboard) forget(runID string) {
	sb.mu.Lock()
	delete(sb.runs, runID)
	sb.mu.Unlock()
}
