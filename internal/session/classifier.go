package session

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zulandar/switchboard/internal/stream"
)

// DefaultVisibleWords is how many words a streaming reply needs before it
// is shown. Once shown it updates on every chunk.
const DefaultVisibleWords = 5

// TerminalReason says why a run ended.
type TerminalReason string

const (
	ReasonResult       TerminalReason = "result"
	ReasonProcessError TerminalReason = "process_error"
	ReasonTimeout      TerminalReason = "timeout"
	ReasonAborted      TerminalReason = "aborted"
)

// Termination describes a run ended from outside the event stream: a
// deadline, an abort, or the process exiting without a terminal event.
type Termination struct {
	Reason TerminalReason
	// Text becomes the notice message. Empty means no notice.
	Text string
	// Final replaces the reassembled reply when non-empty.
	Final string
	Raw   json.RawMessage
}

// Effects reports what classifying a batch of events did.
type Effects struct {
	SessionID         string
	ProviderSessionID string
	Changed           bool
	Terminal          bool
	Reason            TerminalReason
	Usage             stream.Usage
	Model             string
	Ignored           int
}

type runPhase int

const (
	phaseInit runPhase = iota
	phaseStreaming
	phaseTerminal
)

func (p runPhase) String() string {
	switch p {
	case phaseInit:
		return "init"
	case phaseStreaming:
		return "streaming"
	default:
		return "terminal"
	}
}

// turn is the classifier state of one run.
type turn struct {
	runID      string
	sessionID  string
	phase      runPhase
	reconciled bool
	startedAt  time.Time

	text          *stream.Reassembler
	lastMessageID string // provider message id of the last reply chunk
	streamID      string // id of the current streaming message, shown or not
	visible       bool
	anonCalls     int
	model         string
}

// classify applies one event for t. It runs on the store goroutine.
func (st *state) classify(t *turn, evt stream.Event, now time.Time, eff *Effects) {
	if t.phase == phaseTerminal {
		eff.Ignored++
		return
	}

	if pid := evt.ProviderSession(); pid != "" && !t.reconciled {
		if id, _ := st.reconcile(Hint{SessionID: t.sessionID, RunID: t.runID}, pid, now); id != "" {
			st.retarget(t, id)
		}
		t.reconciled = true
		eff.ProviderSessionID = pid
		eff.Changed = true
	}

	sess := st.sessions[t.sessionID]
	if sess == nil {
		// Session deleted while its run was still producing output.
		eff.Ignored++
		return
	}

	switch e := evt.(type) {
	case stream.Init:
		if e.Model != "" {
			t.model = e.Model
		}

	case stream.Assistant:
		if e.Model != "" {
			t.model = e.Model
		}
		if e.Reasoning {
			// Reasoning is not part of the transcript.
			t.phase = phaseStreaming
			return
		}
		t.phase = phaseStreaming
		st.appendReply(sess, t, e, now)
		eff.Changed = true

	case stream.ToolCall:
		t.phase = phaseStreaming
		st.applyToolCall(sess, t, e, now)
		eff.Changed = true

	case stream.Result:
		st.finish(sess, t, ReasonResult, e.Text, nil, now)
		eff.Usage = e.Usage
		eff.Reason = ReasonResult
		eff.Terminal = true
		eff.Changed = true

	case stream.Error:
		notice := &Message{Role: RoleError, Text: e.Message, Raw: e.Raw}
		st.finish(sess, t, ReasonProcessError, "", notice, now)
		eff.Reason = ReasonProcessError
		eff.Terminal = true
		eff.Changed = true

	default:
		eff.Ignored++
	}
}

// appendReply merges reply text into the current segment.
func (st *state) appendReply(sess *Session, t *turn, e stream.Assistant, now time.Time) {
	if e.MessageID != "" {
		if t.lastMessageID != "" && e.MessageID != t.lastMessageID && t.text.String() != "" {
			t.text.PushDelta("\n\n")
		}
		t.lastMessageID = e.MessageID
	}
	if e.Mode == stream.Delta {
		t.text.PushDelta(e.Text)
	} else {
		t.text.Push(e.Text)
	}
	sess.StreamingText = t.text.String()
	st.showStreaming(sess, t, e.Raw, now)
	sess.UpdatedAt = now
}

// showStreaming creates, reveals or updates the streaming message.
func (st *state) showStreaming(sess *Session, t *turn, raw json.RawMessage, now time.Time) {
	text := t.text.String()

	if t.visible {
		if i := sess.indexOf(t.streamID); i >= 0 && sess.Messages[i].IsStreaming {
			sess.Messages[i].Text = text
			sess.Messages[i].Raw = raw
			return
		}
		// Frozen by someone else; continue in a fresh message.
		t.visible = false
		t.streamID = ""
	}

	if t.streamID == "" {
		t.streamID = newMessageID()
	}
	if wordCount(text) < st.visibleWords {
		return
	}

	freezeStreaming(sess)
	sess.Messages = append(sess.Messages, Message{
		ID:          t.streamID,
		Role:        RoleAssistant,
		Text:        text,
		Timestamp:   now,
		IsStreaming: true,
		Raw:         raw,
	})
	t.visible = true
}

// closeSegment freezes the current reply segment so later text starts a new
// message. A segment below the visibility threshold is still kept.
func (st *state) closeSegment(sess *Session, t *turn, now time.Time) {
	text := strings.TrimRight(t.text.String(), "\n")
	i := -1
	if t.visible {
		i = sess.indexOf(t.streamID)
	}
	switch {
	case i >= 0 && sess.Messages[i].IsStreaming:
		sess.Messages[i].Text = text
		sess.Messages[i].IsStreaming = false
	case text != "":
		id := t.streamID
		if id == "" || i >= 0 {
			id = newMessageID()
		}
		sess.Messages = append(sess.Messages, Message{
			ID:        id,
			Role:      RoleAssistant,
			Text:      text,
			Timestamp: now,
		})
	}
	t.text = stream.NewReassembler(st.overlapCap)
	t.streamID = ""
	t.visible = false
	t.lastMessageID = ""
	sess.StreamingText = ""
}

// applyToolCall updates the ledger and adds one tool message per call id.
func (st *state) applyToolCall(sess *Session, t *turn, e stream.ToolCall, now time.Time) {
	callID := e.CallID
	if callID == "" {
		t.anonCalls++
		callID = fmt.Sprintf("%s-call-%d", t.runID, t.anonCalls)
	}

	_, seen := sess.ToolCalls.Get(callID)

	patch := ToolPatch{Name: e.Name, Args: e.Args, IsError: e.IsError, At: now}
	switch e.Phase {
	case stream.PhaseCompleted:
		patch.Status = ToolCompleted
		result := e.Result
		patch.Result = &result
	default:
		patch.Status = ToolStarted
		if e.Result != "" {
			result := e.Result
			patch.Result = &result
		}
	}
	rec, _ := sess.ToolCalls.Upsert(callID, patch)

	if !seen {
		if t.text.String() != "" {
			st.closeSegment(sess, t, now)
		}
		sess.Messages = append(sess.Messages, Message{
			ID:         newMessageID(),
			Role:       RoleTool,
			Text:       toolSummary(rec),
			Timestamp:  now,
			ToolCallID: callID,
			Raw:        e.Raw,
		})
	}
	sess.UpdatedAt = now
}

// finish moves t to TERMINAL: freezes the reply, adds the notice, completes
// started tool calls and clears the busy flag.
func (st *state) finish(sess *Session, t *turn, reason TerminalReason, final string, notice *Message, now time.Time) {
	// A final text equal to an already frozen segment is not repeated.
	if final != "" && !(t.text.String() == "" && lastAssistantText(sess) == final) {
		t.text.Replace(final)
	}
	st.closeSegment(sess, t, now)

	if notice != nil && notice.Text != "" {
		n := *notice
		n.ID = newMessageID()
		n.Timestamp = now
		n.IsStreaming = false
		sess.Messages = append(sess.Messages, n)
	}

	sess.ToolCalls.CompleteAll(now)
	sess.StreamingText = ""
	if sess.ActiveRunID == t.runID || sess.ActiveRunID == "" {
		sess.Busy = false
		sess.ActiveRunID = ""
	}
	sess.UpdatedAt = now

	t.phase = phaseTerminal
	delete(st.turns, t.runID)

	log.Printf("session: run %s finished (%s) [session=%s elapsed=%s]",
		t.runID, reason, sess.ID, now.Sub(t.startedAt).Round(time.Millisecond))
}

// terminate forces t to TERMINAL from outside the event stream.
func (st *state) terminate(t *turn, term Termination, now time.Time, eff *Effects) {
	sess := st.sessions[t.sessionID]
	if sess == nil {
		t.phase = phaseTerminal
		delete(st.turns, t.runID)
		eff.Terminal = true
		eff.Reason = term.Reason
		return
	}

	var notice *Message
	if term.Text != "" {
		role := RoleError
		if term.Reason == ReasonAborted || term.Reason == ReasonResult {
			role = RoleSystem
		}
		notice = &Message{Role: role, Text: term.Text, Raw: term.Raw}
	}
	st.finish(sess, t, term.Reason, term.Final, notice, now)
	eff.SessionID = sess.ID
	eff.Changed = true
	eff.Terminal = true
	eff.Reason = term.Reason
}

// lastAssistantText returns the text of the most recent assistant message
// after the last user message.
func lastAssistantText(sess *Session) string {
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		switch sess.Messages[i].Role {
		case RoleAssistant:
			return sess.Messages[i].Text
		case RoleUser:
			return ""
		}
	}
	return ""
}

// freezeStreaming clears IsStreaming on every message in sess.
func freezeStreaming(sess *Session) {
	for i := range sess.Messages {
		sess.Messages[i].IsStreaming = false
	}
}

// toolSummary renders a one-line description of a tool call.
func toolSummary(rec ToolCallRecord) string {
	name := rec.Name
	if name == "" {
		name = "tool"
	}
	if len(rec.Args) == 0 {
		return name
	}
	var args map[string]any
	if err := json.Unmarshal(rec.Args, &args); err != nil {
		return name
	}
	for _, key := range []string{"command", "file_path", "path", "pattern", "url", "query", "description"} {
		if v, ok := args[key].(string); ok && v != "" {
			return name + " " + truncate(v, 80)
		}
	}
	return name
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
