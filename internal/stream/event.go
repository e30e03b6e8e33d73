package stream

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Kind names an event variant.
type Kind string

// Event kinds. The set is closed: Parse never produces anything else.
const (
	KindInit      Kind = "init"
	KindAssistant Kind = "assistant"
	KindToolCall  Kind = "tool_call"
	KindResult    Kind = "result"
	KindError     Kind = "error"
	KindUnknown   Kind = "unknown"
)

// Event is one classified agent event. Concrete types are Init, Assistant,
// ToolCall, Result, Error and Unknown.
type Event interface {
	Kind() Kind
	// ProviderSession returns the agent-assigned session id carried by the
	// event, or "".
	ProviderSession() string
	isEvent()
}

// TextMode says how assistant text combines with what came before.
type TextMode int

const (
	// Cumulative text may resend a growing prefix and is overlap-merged.
	Cumulative TextMode = iota
	// Delta text is appended verbatim.
	Delta
)

// ToolPhase is the lifecycle phase an event reports for a tool call.
type ToolPhase string

const (
	PhaseStarted   ToolPhase = "started"
	PhaseCompleted ToolPhase = "completed"
)

// Usage is token accounting reported on a result.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Init announces the provider session.
type Init struct {
	SessionID string
	Model     string
	CWD       string
	Raw       json.RawMessage
}

// Assistant carries reply text or reasoning.
type Assistant struct {
	SessionID string
	MessageID string // provider message id, when the agent reports one
	Model     string
	Text      string
	Mode      TextMode
	Reasoning bool
	Raw       json.RawMessage
}

// ToolCall reports a tool call starting or completing.
type ToolCall struct {
	SessionID string
	CallID    string
	Name      string
	Args      json.RawMessage
	Result    string
	IsError   bool
	Phase     ToolPhase
	Raw       json.RawMessage
}

// Result is the successful terminal event of a run.
type Result struct {
	SessionID  string
	Text       string
	Usage      Usage
	DurationMs int64
	Raw        json.RawMessage
}

// Error is a failed terminal event of a run.
type Error struct {
	SessionID string
	Message   string
	Raw       json.RawMessage
}

// Unknown is any shape Parse does not recognise.
type Unknown struct {
	SessionID string
	Type      string
	Raw       json.RawMessage
}

func (Init) Kind() Kind      { return KindInit }
func (Assistant) Kind() Kind { return KindAssistant }
func (ToolCall) Kind() Kind  { return KindToolCall }
func (Result) Kind() Kind    { return KindResult }
func (Error) Kind() Kind     { return KindError }
func (Unknown) Kind() Kind   { return KindUnknown }

func (e Init) ProviderSession() string      { return e.SessionID }
func (e Assistant) ProviderSession() string { return e.SessionID }
func (e ToolCall) ProviderSession() string  { return e.SessionID }
func (e Result) ProviderSession() string    { return e.SessionID }
func (e Error) ProviderSession() string     { return e.SessionID }
func (e Unknown) ProviderSession() string   { return e.SessionID }

func (Init) isEvent()      {}
func (Assistant) isEvent() {}
func (ToolCall) isEvent()  {}
func (Result) isEvent()    {}
func (Error) isEvent()     {}
func (Unknown) isEvent()   {}

// IsTerminal reports whether e ends a run.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case Result, Error:
		return true
	}
	return false
}

// envelope holds every top-level field Parse looks at. It is filled field
// by field so one oddly typed field never hides the rest of the line.
type envelope struct {
	Type         string
	Subtype      string
	SessionID    string
	SessionIDAlt string
	Model        string
	CWD          string
	Role         string
	Text         string
	Content      json.RawMessage
	Message      json.RawMessage
	Result       json.RawMessage
	IsError      bool
	Error        json.RawMessage
	Usage        *Usage
	DurationMs   int64
	Delta        json.RawMessage
	Event        json.RawMessage
	CallID       string
	Name         string
	Args         json.RawMessage
	ToolCall     json.RawMessage
}

// decodeEnvelope reads a JSON object into an envelope. Only a value that is
// not an object is an error; fields of the wrong type are left zero.
func decodeEnvelope(raw []byte) (envelope, error) {
	var f map[string]json.RawMessage
	if err := json.Unmarshal(raw, &f); err != nil {
		return envelope{}, err
	}
	return envelope{
		Type:         stringField(f["type"]),
		Subtype:      stringField(f["subtype"]),
		SessionID:    stringField(f["session_id"]),
		SessionIDAlt: stringField(f["sessionId"]),
		Model:        stringField(f["model"]),
		CWD:          stringField(f["cwd"]),
		Role:         stringField(f["role"]),
		Text:         stringField(f["text"]),
		Content:      f["content"],
		Message:      f["message"],
		Result:       f["result"],
		IsError:      isTrue(f["is_error"]),
		Error:        f["error"],
		Usage:        usageField(f["usage"]),
		DurationMs:   intField(f["duration_ms"]),
		Delta:        f["delta"],
		Event:        f["event"],
		CallID:       stringField(f["call_id"]),
		Name:         stringField(f["name"]),
		Args:         f["args"],
		ToolCall:     f["tool_call"],
	}, nil
}

func (e envelope) sessionID() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	return e.SessionIDAlt
}

// messageBody is the "message" object of assistant and user events.
type messageBody struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentBlock is one element of a message content array.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// Parse classifies one decoded line into events. Text lines become delta
// assistant text; JSON shapes are matched by their "type" field and anything
// unrecognised becomes Unknown. A single line may carry several events (an
// assistant message with text and tool calls).
func Parse(line LogLine) []Event {
	if line.Kind != LineJSON {
		raw, _ := json.Marshal(line.Text)
		return []Event{Assistant{Text: line.Text + "\n", Mode: Delta, Raw: raw}}
	}

	raw := line.JSON
	if len(bytes.TrimSpace(raw)) > 0 && bytes.TrimSpace(raw)[0] != '{' {
		return []Event{Unknown{Raw: raw}}
	}

	env, err := decodeEnvelope(raw)
	if err != nil {
		return []Event{Unknown{Raw: raw}}
	}
	return parseEnvelope(env, raw)
}

func parseEnvelope(env envelope, raw json.RawMessage) []Event {
	sid := env.sessionID()

	switch env.Type {
	case "init":
		return []Event{Init{SessionID: sid, Model: env.Model, CWD: env.CWD, Raw: raw}}

	case "system":
		if env.Subtype == "init" {
			return []Event{Init{SessionID: sid, Model: env.Model, CWD: env.CWD, Raw: raw}}
		}

	case "assistant":
		if len(env.Message) > 0 {
			return parseMessage(sid, env.Message, raw)
		}
		if env.Text != "" {
			return []Event{Assistant{SessionID: sid, Model: env.Model, Text: env.Text, Raw: raw}}
		}
		if text := flattenContent(env.Content); text != "" {
			return []Event{Assistant{SessionID: sid, Model: env.Model, Text: text, Raw: raw}}
		}

	case "text":
		if env.Text != "" {
			return []Event{Assistant{SessionID: sid, Text: env.Text, Raw: raw}}
		}

	case "thinking", "reasoning":
		if env.Text != "" {
			return []Event{Assistant{SessionID: sid, Text: env.Text, Reasoning: true, Raw: raw}}
		}

	case "message":
		if env.Role == "assistant" {
			text := flattenContent(env.Content)
			if text == "" {
				text = env.Text
			}
			if text != "" {
				mode := Cumulative
				if isTrue(env.Delta) {
					mode = Delta
				}
				return []Event{Assistant{SessionID: sid, Text: text, Mode: mode, Raw: raw}}
			}
		}

	case "content_block_delta":
		if evt, ok := parseDelta(sid, env.Delta, raw); ok {
			return []Event{evt}
		}

	case "stream_event":
		if inner, err := decodeEnvelope(env.Event); len(env.Event) > 0 && err == nil {
			if inner.SessionID == "" && inner.SessionIDAlt == "" {
				inner.SessionID = sid
			}
			evts := parseEnvelope(inner, raw)
			if len(evts) == 1 {
				if u, ok := evts[0].(Unknown); ok && u.Type == "" {
					u.Type = "stream_event"
					evts[0] = u
				}
			}
			return evts
		}

	case "user":
		if len(env.Message) > 0 {
			if evts := parseToolResults(sid, env.Message, raw); len(evts) > 0 {
				return evts
			}
		}

	case "tool_call":
		return []Event{parseToolCall(sid, env, raw)}

	case "tool_result":
		return []Event{ToolCall{
			SessionID: sid,
			CallID:    env.CallID,
			Name:      env.Name,
			Result:    rawString(env.Result),
			IsError:   env.IsError,
			Phase:     PhaseCompleted,
			Raw:       raw,
		}}

	case "result":
		text := rawString(env.Result)
		if env.IsError || strings.HasPrefix(env.Subtype, "error") {
			msg := text
			if msg == "" {
				msg = errorMessage(env.Error)
			}
			if msg == "" {
				msg = env.Subtype
			}
			return []Event{Error{SessionID: sid, Message: msg, Raw: raw}}
		}
		res := Result{SessionID: sid, Text: text, DurationMs: env.DurationMs, Raw: raw}
		if env.Usage != nil {
			res.Usage = *env.Usage
		}
		return []Event{res}

	case "error":
		msg := errorMessage(env.Error)
		if msg == "" {
			msg = rawString(env.Message)
		}
		if msg == "" {
			msg = "agent reported an error"
		}
		return []Event{Error{SessionID: sid, Message: msg, Raw: raw}}
	}

	return []Event{Unknown{SessionID: sid, Type: env.Type, Raw: raw}}
}

// parseMessage expands an assistant "message" object into text, reasoning
// and tool-call events.
func parseMessage(sid string, body json.RawMessage, raw json.RawMessage) []Event {
	var msg messageBody
	if err := json.Unmarshal(body, &msg); err != nil {
		if text := rawString(body); text != "" {
			return []Event{Assistant{SessionID: sid, Text: text, Raw: raw}}
		}
		return []Event{Unknown{SessionID: sid, Type: "assistant", Raw: raw}}
	}

	blocks, text := decodeContent(msg.Content)
	if text != "" {
		return []Event{Assistant{SessionID: sid, MessageID: msg.ID, Model: msg.Model, Text: text, Raw: raw}}
	}

	var evts []Event
	var reply strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case "text":
			reply.WriteString(b.Text)
		case "thinking", "redacted_thinking":
			if b.Thinking != "" {
				evts = append(evts, Assistant{SessionID: sid, MessageID: msg.ID, Model: msg.Model, Text: b.Thinking, Reasoning: true, Raw: raw})
			}
		case "tool_use", "server_tool_use":
			evts = append(evts, ToolCall{
				SessionID: sid,
				CallID:    b.ID,
				Name:      b.Name,
				Args:      b.Input,
				Phase:     PhaseStarted,
				Raw:       raw,
			})
		}
	}
	if reply.Len() > 0 {
		// Reply text goes first so the streaming message exists before any
		// tool message the same line produces.
		evts = append([]Event{Assistant{SessionID: sid, MessageID: msg.ID, Model: msg.Model, Text: reply.String(), Raw: raw}}, evts...)
	}
	if len(evts) == 0 {
		return []Event{Unknown{SessionID: sid, Type: "assistant", Raw: raw}}
	}
	return evts
}

// parseToolResults turns tool_result blocks of a user message into
// completed tool-call events.
func parseToolResults(sid string, body json.RawMessage, raw json.RawMessage) []Event {
	var msg messageBody
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil
	}
	blocks, _ := decodeContent(msg.Content)
	var evts []Event
	for _, b := range blocks {
		if b.Type != "tool_result" {
			continue
		}
		evts = append(evts, ToolCall{
			SessionID: sid,
			CallID:    b.ToolUseID,
			Result:    flattenContent(b.Content),
			IsError:   b.IsError,
			Phase:     PhaseCompleted,
			Raw:       raw,
		})
	}
	return evts
}

// parseToolCall handles flat tool_call events. The call may be described by
// name/args fields or by a single-key "tool_call" object such as
// {"shellToolCall":{"args":{...},"result":{...}}}.
func parseToolCall(sid string, env envelope, raw json.RawMessage) Event {
	evt := ToolCall{
		SessionID: sid,
		CallID:    env.CallID,
		Name:      env.Name,
		Args:      env.Args,
		Result:    rawString(env.Result),
		IsError:   env.IsError,
		Phase:     PhaseStarted,
		Raw:       raw,
	}
	if env.Subtype == string(PhaseCompleted) || env.Subtype == "finished" || env.Subtype == "done" {
		evt.Phase = PhaseCompleted
	}

	var wrapped map[string]struct {
		Args   json.RawMessage `json:"args"`
		Result json.RawMessage `json:"result"`
	}
	if len(env.ToolCall) > 0 && json.Unmarshal(env.ToolCall, &wrapped) == nil {
		for key, inner := range wrapped {
			if evt.Name == "" {
				evt.Name = strings.TrimSuffix(key, "ToolCall")
			}
			if len(evt.Args) == 0 {
				evt.Args = inner.Args
			}
			if evt.Result == "" && len(inner.Result) > 0 {
				evt.Result = rawString(inner.Result)
			}
			break
		}
	}
	return evt
}

// parseDelta handles content_block_delta payloads.
func parseDelta(sid string, delta json.RawMessage, raw json.RawMessage) (Event, bool) {
	var d struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	}
	if len(delta) == 0 || json.Unmarshal(delta, &d) != nil {
		return nil, false
	}
	switch {
	case d.Text != "":
		return Assistant{SessionID: sid, Text: d.Text, Mode: Delta, Raw: raw}, true
	case d.Thinking != "":
		return Assistant{SessionID: sid, Text: d.Thinking, Mode: Delta, Reasoning: true, Raw: raw}, true
	}
	return nil, false
}

// decodeContent accepts either a string or an array of content blocks. A
// string is returned as text.
func decodeContent(content json.RawMessage) ([]contentBlock, string) {
	if len(content) == 0 {
		return nil, ""
	}
	var s string
	if json.Unmarshal(content, &s) == nil {
		return nil, s
	}
	var blocks []contentBlock
	if json.Unmarshal(content, &blocks) == nil {
		return blocks, ""
	}
	return nil, ""
}

// flattenContent joins the text of a string or content-block array.
func flattenContent(content json.RawMessage) string {
	blocks, text := decodeContent(content)
	if text != "" {
		return text
	}
	var parts []string
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// rawString renders a JSON value as text: strings are unquoted, null is
// empty, anything else is returned compact.
func rawString(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		return s
	}
	var buf bytes.Buffer
	if json.Compact(&buf, v) == nil {
		return buf.String()
	}
	return string(v)
}

// errorMessage reads an "error" field that is either a string or an object
// with a message.
func errorMessage(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(v, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return rawString(v)
}

func isTrue(v json.RawMessage) bool {
	var b bool
	return json.Unmarshal(v, &b) == nil && b
}

func stringField(v json.RawMessage) string {
	var s string
	if json.Unmarshal(v, &s) != nil {
		return ""
	}
	return s
}

// intField reads an integer or float, truncating any fraction.
func intField(v json.RawMessage) int64 {
	var n float64
	if json.Unmarshal(v, &n) != nil {
		return 0
	}
	return int64(n)
}

// usageField reads token counts, tolerating float values and extra fields.
// A missing or non-object usage is nil.
func usageField(v json.RawMessage) *Usage {
	var f map[string]json.RawMessage
	if len(v) == 0 || json.Unmarshal(v, &f) != nil || f == nil {
		return nil
	}
	return &Usage{
		InputTokens:  int(intField(f["input_tokens"])),
		OutputTokens: int(intField(f["output_tokens"])),
	}
}
