package session

import (
	"log"
	"slices"
	"time"
)

// reconcile binds provider id pid to exactly one session and returns that
// session's id. Rules apply in order:
//
//  1. A session already holding pid wins. A provisional hinted session is
//     merged into it.
//  2. The hinted session takes pid if it has no provider id yet.
//  3. The session running h.RunID takes pid, replacing any previous value.
//  4. Otherwise a new session is created for pid and made current.
//
// The bool reports whether any state changed.
func (st *state) reconcile(h Hint, pid string, now time.Time) (string, bool) {
	if pid == "" {
		if _, ok := st.sessions[h.SessionID]; ok {
			return h.SessionID, false
		}
		return "", false
	}

	if owner := st.ownerOf(pid); owner != nil {
		hinted := st.sessions[h.SessionID]
		if hinted == nil || hinted == owner || hinted.ProviderSessionID != nil {
			return owner.ID, false
		}
		st.merge(hinted, owner, now)
		log.Printf("session: reconcile: merged %s into %s (provider %s)", hinted.ID, owner.ID, pid)
		return owner.ID, true
	}

	if hinted := st.sessions[h.SessionID]; hinted != nil && hinted.ProviderSessionID == nil {
		st.bind(hinted, pid, now)
		return hinted.ID, true
	}

	if h.RunID != "" {
		for _, id := range st.order {
			sess := st.sessions[id]
			if sess.ActiveRunID != h.RunID {
				continue
			}
			if prev := sess.Provider(); prev != "" {
				log.Printf("session: reconcile: %s provider %s replaced by %s", sess.ID, prev, pid)
			}
			st.bind(sess, pid, now)
			return sess.ID, true
		}
	}

	sess := st.create("", now)
	st.bind(sess, pid, now)
	if t, ok := st.turns[h.RunID]; ok {
		st.retarget(t, sess.ID)
	}
	log.Printf("session: reconcile: created %s for provider %s", sess.ID, pid)
	return sess.ID, true
}

// retarget moves a live run to session id, carrying the busy flag with it.
func (st *state) retarget(t *turn, id string) {
	if t.sessionID == id {
		return
	}
	if old := st.sessions[t.sessionID]; old != nil && old.ActiveRunID == t.runID {
		old.Busy = false
		old.ActiveRunID = ""
		old.StreamingText = ""
		freezeStreaming(old)
		st.touch(old.ID)
	}
	if sess := st.sessions[id]; sess != nil {
		sess.Busy = true
		sess.ActiveRunID = t.runID
		st.touch(id)
	}
	t.sessionID = id
	t.streamID = ""
	t.visible = false
}

func (st *state) ownerOf(pid string) *Session {
	for _, id := range st.order {
		if sess := st.sessions[id]; sess.Provider() == pid {
			return sess
		}
	}
	return nil
}

func (st *state) bind(sess *Session, pid string, now time.Time) {
	sess.setProvider(pid)
	sess.UpdatedAt = now
	st.touch(sess.ID)
}

// merge folds from into into and deletes from. Live runs on from follow
// it.
func (st *state) merge(from, into *Session, now time.Time) {
	msgs := make([]Message, 0, len(into.Messages)+len(from.Messages))
	msgs = append(msgs, into.Messages...)
	msgs = append(msgs, from.Messages...)
	slices.SortStableFunc(msgs, func(a, b Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	into.Messages = msgs
	into.ToolCalls.Merge(from.ToolCalls)

	if into.Title == "" {
		into.Title = from.Title
	}
	if from.Busy && !into.Busy {
		into.Busy = true
		into.ActiveRunID = from.ActiveRunID
		into.StreamingText = from.StreamingText
	}
	keepOneStreaming(into)
	into.UpdatedAt = now

	for _, t := range st.turns {
		if t.sessionID == from.ID {
			t.sessionID = into.ID
		}
	}
	wasCurrent := st.current == from.ID
	st.remove(from.ID)
	if wasCurrent {
		st.current = into.ID
	}
	st.touch(into.ID)
}

// keepOneStreaming freezes all but the newest streaming message.
func keepOneStreaming(sess *Session) {
	seen := false
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if !sess.Messages[i].IsStreaming {
			continue
		}
		if seen {
			sess.Messages[i].IsStreaming = false
		}
		seen = true
	}
}
