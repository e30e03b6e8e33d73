package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zulandar/switchboard/internal/stream"
)

// DefaultGroupID is the persistence key used when none is configured.
const DefaultGroupID = "default"

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrSessionBusy     = errors.New("session: busy")
	ErrDuplicateRun    = errors.New("session: run already started")
	ErrClosed          = errors.New("session: store closed")
)

// Persister is the durable key-value store behind a Store. Load returns nil
// data and a nil error when the key does not exist.
type Persister interface {
	Load(key string) ([]byte, error)
	Save(key string, data []byte) error
}

// Hint tells Reconcile which local session a provider id most likely
// belongs to.
type Hint struct {
	SessionID string
	RunID     string
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	Persister    Persister        // optional; nil keeps sessions in memory only
	GroupID      string           // persistence key, defaults to DefaultGroupID
	VisibleWords int              // defaults to DefaultVisibleWords
	OverlapCap   int              // defaults to stream.DefaultOverlapCap
	Now          func() time.Time // defaults to time.Now
}

// Store is the authoritative session collection. A single goroutine owns
// all session state and applies every mutation in order; readers get
// immutable snapshots that are swapped in after each mutation.
type Store struct {
	persist Persister
	key     string
	now     func() time.Time

	ops       chan func(*state)
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	snap atomic.Pointer[snapshot]

	subMu    sync.Mutex
	subs     map[int]func([]Session)
	nextSub  int
	notifyCh chan struct{}
}

// state is owned by the store goroutine.
type state struct {
	sessions map[string]*Session
	order    []string
	current  string
	turns    map[string]*turn

	visibleWords int
	overlapCap   int

	touched   map[string]struct{}
	reordered bool
	dirty     bool // unsaved changes
}

// snapshot is an immutable published view of the store.
type snapshot struct {
	order   []string
	byID    map[string]*Session
	current string
}

// persisted is the on-disk layout of a session group.
type persisted struct {
	Current  string     `json:"current"`
	Sessions []*Session `json:"sessions"`
}

// NewStore loads the session group from the persister (if any) and starts
// the store goroutine. Call Close to stop it.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.GroupID == "" {
		opts.GroupID = DefaultGroupID
	}
	if opts.VisibleWords <= 0 {
		opts.VisibleWords = DefaultVisibleWords
	}
	if opts.OverlapCap <= 0 {
		opts.OverlapCap = stream.DefaultOverlapCap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	st := &state{
		sessions:     make(map[string]*Session),
		turns:        make(map[string]*turn),
		visibleWords: opts.VisibleWords,
		overlapCap:   opts.OverlapCap,
		touched:      make(map[string]struct{}),
	}

	s := &Store{
		persist:  opts.Persister,
		key:      opts.GroupID,
		now:      opts.Now,
		ops:      make(chan func(*state)),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		subs:     make(map[int]func([]Session)),
		notifyCh: make(chan struct{}, 1),
	}

	if s.persist != nil {
		data, err := s.persist.Load(s.key)
		if err != nil {
			return nil, fmt.Errorf("session: load %s: %w", s.key, err)
		}
		if err := st.restore(data, opts.Now()); err != nil {
			return nil, fmt.Errorf("session: load %s: %w", s.key, err)
		}
	}
	st.reordered = true
	s.publish(st)

	go s.loop(st)
	go s.notifyLoop()
	return s, nil
}

// Close saves pending changes and stops the store goroutine. Operations
// after Close return ErrClosed.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.do(func(st *state) bool {
			if st.dirty {
				s.save(st)
			}
			return false
		})
		close(s.quit)
		<-s.done
	})
	return err
}

func (s *Store) loop(st *state) {
	defer close(s.done)
	for {
		select {
		case op := <-s.ops:
			op(st)
		case <-s.quit:
			return
		}
	}
}

// do runs fn on the store goroutine and waits for it. When fn reports a
// change the new snapshot is published before do returns.
func (s *Store) do(fn func(st *state) bool) error {
	reply := make(chan struct{})
	op := func(st *state) {
		defer close(reply)
		if fn(st) {
			s.commit(st)
		}
	}
	select {
	case s.ops <- op:
	case <-s.done:
		return ErrClosed
	}
	<-reply
	return nil
}

// commit publishes a new snapshot, persists durable changes and signals
// subscribers.
func (s *Store) commit(st *state) {
	s.publish(st)
	st.dirty = true
	s.signal()
}

// publish swaps in a snapshot, re-cloning only sessions touched since the
// previous one.
func (s *Store) publish(st *state) {
	prev := s.snap.Load()
	next := &snapshot{
		byID:    make(map[string]*Session, len(st.order)),
		current: st.current,
	}
	if prev != nil && !st.reordered {
		next.order = prev.order
	} else {
		next.order = append([]string(nil), st.order...)
	}
	for _, id := range next.order {
		if prev != nil {
			if old, ok := prev.byID[id]; ok {
				if _, touched := st.touched[id]; !touched {
					next.byID[id] = old
					continue
				}
			}
		}
		next.byID[id] = st.sessions[id].Clone()
	}
	s.snap.Store(next)
	clear(st.touched)
	st.reordered = false
}

// save writes the whole group through the persister.
func (s *Store) save(st *state) {
	if s.persist == nil {
		st.dirty = false
		return
	}
	snap := s.snap.Load()
	p := persisted{Current: snap.current, Sessions: make([]*Session, 0, len(snap.order))}
	for _, id := range snap.order {
		p.Sessions = append(p.Sessions, snap.byID[id])
	}
	data, err := json.Marshal(p)
	if err != nil {
		log.Printf("session: marshal group %s: %v", s.key, err)
		return
	}
	if err := s.persist.Save(s.key, data); err != nil {
		log.Printf("session: save group %s: %v", s.key, err)
		return
	}
	st.dirty = false
}

// durable runs fn and saves the group afterwards when fn changed anything.
func (s *Store) durable(fn func(st *state) bool) error {
	return s.do(func(st *state) bool {
		if !fn(st) {
			return false
		}
		s.commit(st)
		s.save(st)
		return false
	})
}

// Create adds a new session and makes it current.
func (s *Store) Create(title string) (Session, error) {
	var created Session
	err := s.durable(func(st *state) bool {
		sess := st.create(title, s.now())
		created = *sess.Clone()
		return true
	})
	return created, err
}

// Get returns a copy of the session with id.
func (s *Store) Get(id string) (Session, bool) {
	snap := s.snap.Load()
	sess, ok := snap.byID[id]
	if !ok {
		return Session{}, false
	}
	return *sess.Clone(), true
}

// List returns copies of all sessions in creation order.
func (s *Store) List() []Session {
	return s.snap.Load().list()
}

// Current returns the id of the current session, or "".
func (s *Store) Current() string {
	return s.snap.Load().current
}

// Delete removes a session. A busy session cannot be deleted.
func (s *Store) Delete(id string) error {
	var opErr error
	err := s.durable(func(st *state) bool {
		sess, ok := st.sessions[id]
		if !ok {
			opErr = fmt.Errorf("%w: %s", ErrSessionNotFound, id)
			return false
		}
		if sess.Busy {
			opErr = fmt.Errorf("%w: %s", ErrSessionBusy, id)
			return false
		}
		st.remove(id)
		return true
	})
	if err != nil {
		return err
	}
	return opErr
}

// Prune deletes idle sessions last updated before cutoff and returns their
// ids.
func (s *Store) Prune(cutoff time.Time) ([]string, error) {
	var removed []string
	err := s.durable(func(st *state) bool {
		for _, id := range append([]string(nil), st.order...) {
			sess := st.sessions[id]
			if sess.Busy || !sess.UpdatedAt.Before(cutoff) {
				continue
			}
			st.remove(id)
			removed = append(removed, id)
		}
		return len(removed) > 0
	})
	return removed, err
}

// BeginRun records the user's prompt on a session, marks it busy and
// starts classifier state for runID. An empty sessionID creates a new
// session first.
func (s *Store) BeginRun(sessionID, runID, prompt string) (Session, error) {
	var started Session
	var opErr error
	err := s.durable(func(st *state) bool {
		if _, dup := st.turns[runID]; dup {
			opErr = fmt.Errorf("%w: %s", ErrDuplicateRun, runID)
			return false
		}
		now := s.now()

		var sess *Session
		if sessionID == "" {
			sess = st.create("", now)
		} else {
			sess = st.sessions[sessionID]
			if sess == nil {
				opErr = fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
				return false
			}
			if sess.Busy {
				opErr = fmt.Errorf("%w: %s (run %s)", ErrSessionBusy, sessionID, sess.ActiveRunID)
				return false
			}
		}

		if sess.Title == "" {
			sess.Title = deriveTitle(prompt)
		}
		if prompt != "" {
			sess.Messages = append(sess.Messages, Message{
				ID:        newMessageID(),
				Role:      RoleUser,
				Text:      prompt,
				Timestamp: now,
			})
		}
		sess.Busy = true
		sess.ActiveRunID = runID
		sess.StreamingText = ""
		sess.UpdatedAt = now
		st.current = sess.ID
		st.touch(sess.ID)

		st.turns[runID] = &turn{
			runID:     runID,
			sessionID: sess.ID,
			startedAt: now,
			text:      stream.NewReassembler(st.overlapCap),
		}
		started = *sess.Clone()
		return true
	})
	if err != nil {
		return Session{}, err
	}
	return started, opErr
}

// Apply classifies events for runID in order. Events for a run that is
// unknown or already terminated are ignored.
func (s *Store) Apply(runID string, evts ...stream.Event) (Effects, error) {
	var eff Effects
	err := s.do(func(st *state) bool {
		t, ok := st.turns[runID]
		if !ok {
			eff.Ignored = len(evts)
			return false
		}
		now := s.now()
		for _, evt := range evts {
			st.classify(t, evt, now, &eff)
		}
		eff.SessionID = t.sessionID
		eff.Model = t.model
		if !eff.Changed {
			return false
		}
		st.touch(t.sessionID)
		if eff.Terminal || eff.ProviderSessionID != "" {
			s.commit(st)
			s.save(st)
			return false
		}
		return true
	})
	return eff, err
}

// Terminate forces runID into its terminal state with a synthesized notice.
// It is a no-op for runs that already ended.
func (s *Store) Terminate(runID string, term Termination) (Effects, error) {
	var eff Effects
	err := s.durable(func(st *state) bool {
		t, ok := st.turns[runID]
		if !ok {
			return false
		}
		eff.Model = t.model
		st.terminate(t, term, s.now(), &eff)
		st.touch(t.sessionID)
		return true
	})
	return eff, err
}

// Reconcile binds providerID to a session and returns the session id. See
// state.reconcile for the order of rules.
func (s *Store) Reconcile(hint Hint, providerID string) (string, error) {
	var id string
	err := s.durable(func(st *state) bool {
		var changed bool
		id, changed = st.reconcile(hint, providerID, s.now())
		return changed
	})
	return id, err
}

// RunSession returns the session a live run is bound to.
func (s *Store) RunSession(runID string) (string, bool) {
	var id string
	var ok bool
	err := s.do(func(st *state) bool {
		if t, found := st.turns[runID]; found {
			id, ok = t.sessionID, true
		}
		return false
	})
	if err != nil {
		return "", false
	}
	return id, ok
}

// OnChange registers fn to be called with the session list after
// mutations. Calls are serialised and may coalesce bursts of changes; the
// last call always reflects the latest state. The returned func
// unregisters fn.
func (s *Store) OnChange(fn func([]Session)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) signal() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

func (s *Store) notifyLoop() {
	for {
		select {
		case <-s.notifyCh:
		case <-s.quit:
			return
		}

		s.subMu.Lock()
		fns := make([]func([]Session), 0, len(s.subs))
		for _, fn := range s.subs {
			fns = append(fns, fn)
		}
		s.subMu.Unlock()
		if len(fns) == 0 {
			continue
		}

		list := s.snap.Load().list()
		for _, fn := range fns {
			fn(list)
		}
	}
}

func (snap *snapshot) list() []Session {
	out := make([]Session, 0, len(snap.order))
	for _, id := range snap.order {
		out = append(out, *snap.byID[id].Clone())
	}
	return out
}

// create adds an empty session and makes it current.
func (st *state) create(title string, now time.Time) *Session {
	sess := &Session{
		ID:        newSessionID(),
		Title:     title,
		ToolCalls: NewLedger(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	st.sessions[sess.ID] = sess
	st.order = append(st.order, sess.ID)
	st.current = sess.ID
	st.reordered = true
	st.touch(sess.ID)
	return sess
}

// remove deletes a session and retargets the current pointer.
func (st *state) remove(id string) {
	delete(st.sessions, id)
	for i, oid := range st.order {
		if oid == id {
			st.order = append(st.order[:i:i], st.order[i+1:]...)
			break
		}
	}
	if st.current == id {
		st.current = ""
		if n := len(st.order); n > 0 {
			st.current = st.order[n-1]
		}
	}
	st.reordered = true
}

func (st *state) touch(id string) {
	st.touched[id] = struct{}{}
}

// restore loads a persisted group. Runs do not survive a restart, so busy
// flags, streaming state and started tool calls are settled.
func (st *state) restore(data []byte, now time.Time) error {
	if len(data) == 0 {
		return nil
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	owners := make(map[string]string)
	for _, sess := range p.Sessions {
		if sess == nil || sess.ID == "" {
			continue
		}
		if _, dup := st.sessions[sess.ID]; dup {
			continue
		}
		if sess.ToolCalls == nil {
			sess.ToolCalls = NewLedger()
		}
		if pid := sess.Provider(); pid != "" {
			if owner, taken := owners[pid]; taken {
				log.Printf("session: restore: provider session %s already bound to %s, unbinding %s", pid, owner, sess.ID)
				sess.ProviderSessionID = nil
			} else {
				owners[pid] = sess.ID
			}
		}
		sess.Busy = false
		sess.ActiveRunID = ""
		sess.StreamingText = ""
		freezeStreaming(sess)
		sess.ToolCalls.CompleteAll(now)

		st.sessions[sess.ID] = sess
		st.order = append(st.order, sess.ID)
	}
	if _, ok := st.sessions[p.Current]; ok {
		st.current = p.Current
	} else if n := len(st.order); n > 0 {
		st.current = st.order[n-1]
	}
	return nil
}
