// Package session owns conversation state: sessions, their messages and
// tool-call ledgers, the per-run event classifier, and the store that
// serialises every mutation and reconciles provider session ids.
package session

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
	RoleError     Role = "error"
)

// Message is one turn or notice in a conversation. Only a message with
// IsStreaming set is ever modified.
type Message struct {
	ID          string          `json:"id"`
	Role        Role            `json:"role"`
	Text        string          `json:"text"`
	Timestamp   time.Time       `json:"timestamp"`
	IsStreaming bool            `json:"is_streaming,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Session is a logical conversation with an agent.
type Session struct {
	ID string `json:"id"`
	// ProviderSessionID is assigned by the agent on its first reply. No two
	// sessions hold the same non-nil value.
	ProviderSessionID *string   `json:"provider_session_id"`
	Title             string    `json:"title"`
	Messages          []Message `json:"messages"`
	Busy              bool      `json:"busy"`
	ToolCalls         *Ledger   `json:"tool_calls"`
	StreamingText     string    `json:"streaming_text,omitempty"`
	ActiveRunID       string    `json:"active_run_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Provider returns the provider session id or "".
func (s *Session) Provider() string {
	if s.ProviderSessionID == nil {
		return ""
	}
	return *s.ProviderSessionID
}

// StreamingMessage returns the message currently streaming, if any.
func (s *Session) StreamingMessage() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].IsStreaming {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// LastMessage returns the final message in the transcript.
func (s *Session) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	if s.ProviderSessionID != nil {
		pid := *s.ProviderSessionID
		c.ProviderSessionID = &pid
	}
	c.Messages = make([]Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	c.ToolCalls = s.ToolCalls.Clone()
	return &c
}

func (s *Session) setProvider(pid string) {
	s.ProviderSessionID = &pid
}

// indexOf returns the index of the message with id, searching from the end.
func (s *Session) indexOf(id string) int {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func newSessionID() string {
	return uuid.New().String()
}

func newMessageID() string {
	return ulid.Make().String()
}

// titleMaxLen caps derived session titles.
const titleMaxLen = 60

// deriveTitle builds a title from the first line of a user prompt.
func deriveTitle(prompt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) <= titleMaxLen {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:titleMaxLen])) + "..."
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
