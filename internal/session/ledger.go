package session

import (
	"encoding/json"
	"time"
)

// ToolStatus is the lifecycle state of a tool call. It only moves forward.
type ToolStatus string

const (
	ToolStarted   ToolStatus = "started"
	ToolCompleted ToolStatus = "completed"
)

// ToolCallRecord tracks one tool invocation.
type ToolCallRecord struct {
	CallID      string          `json:"call_id"`
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args,omitempty"`
	Result      string          `json:"result,omitempty"`
	IsError     bool            `json:"is_error,omitempty"`
	Status      ToolStatus      `json:"status"`
	StartedAt   *time.Time      `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`
}

// ToolPatch is a partial update to a ToolCallRecord. Zero fields are left
// untouched.
type ToolPatch struct {
	Name    string
	Args    json.RawMessage
	Result  *string
	IsError bool
	Status  ToolStatus
	At      time.Time
}

// Ledger maps call ids to records for one session. It tolerates duplicate
// and out-of-order updates. The zero value is ready to use; a Ledger is
// only mutated by the store goroutine.
type Ledger struct {
	records map[string]*ToolCallRecord
	order   []string
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{records: make(map[string]*ToolCallRecord)}
}

// Upsert merges patch into the record for callID, creating it if needed.
// A completed record never returns to started. An empty callID is rejected.
func (l *Ledger) Upsert(callID string, p ToolPatch) (ToolCallRecord, bool) {
	if callID == "" {
		return ToolCallRecord{}, false
	}
	if l.records == nil {
		l.records = make(map[string]*ToolCallRecord)
	}

	rec, ok := l.records[callID]
	if !ok {
		rec = &ToolCallRecord{CallID: callID, Status: ToolStarted}
		l.records[callID] = rec
		l.order = append(l.order, callID)
	}

	if p.Name != "" {
		rec.Name = p.Name
	}
	if len(p.Args) > 0 {
		rec.Args = p.Args
	}
	if p.Result != nil {
		rec.Result = *p.Result
	}
	if p.IsError {
		rec.IsError = true
	}

	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	switch p.Status {
	case ToolCompleted:
		rec.Status = ToolCompleted
		rec.CompletedAt = &at
	case ToolStarted:
		if rec.Status != ToolCompleted && rec.StartedAt == nil {
			rec.StartedAt = &at
		}
	}
	return *rec, true
}

// Get returns a copy of the record for callID.
func (l *Ledger) Get(callID string) (ToolCallRecord, bool) {
	if l == nil {
		return ToolCallRecord{}, false
	}
	rec, ok := l.records[callID]
	if !ok {
		return ToolCallRecord{}, false
	}
	return *rec, true
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	if l == nil {
		return 0
	}
	return len(l.order)
}

// List returns copies of all records in first-seen order.
func (l *Ledger) List() []ToolCallRecord {
	if l == nil {
		return nil
	}
	out := make([]ToolCallRecord, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.records[id])
	}
	return out
}

// Pending returns the number of records still started.
func (l *Ledger) Pending() int {
	n := 0
	for _, rec := range l.List() {
		if rec.Status == ToolStarted {
			n++
		}
	}
	return n
}

// CompleteAll marks every started record completed and returns how many
// changed.
func (l *Ledger) CompleteAll(at time.Time) int {
	if l == nil {
		return 0
	}
	n := 0
	for _, id := range l.order {
		rec := l.records[id]
		if rec.Status == ToolCompleted {
			continue
		}
		rec.Status = ToolCompleted
		completed := at
		rec.CompletedAt = &completed
		n++
	}
	return n
}

// Merge upserts every record of other into l.
func (l *Ledger) Merge(other *Ledger) {
	for _, rec := range other.List() {
		base := ToolPatch{Name: rec.Name, Args: rec.Args, IsError: rec.IsError}
		if rec.Result != "" {
			result := rec.Result
			base.Result = &result
		}

		p := base
		if rec.StartedAt != nil {
			p.Status, p.At = ToolStarted, *rec.StartedAt
		}
		l.Upsert(rec.CallID, p)

		if rec.Status == ToolCompleted {
			p = base
			p.Status = ToolCompleted
			if rec.CompletedAt != nil {
				p.At = *rec.CompletedAt
			}
			l.Upsert(rec.CallID, p)
		}
	}
}

// Clone returns a deep copy. Cloning a nil Ledger yields an empty one.
func (l *Ledger) Clone() *Ledger {
	c := NewLedger()
	if l == nil {
		return c
	}
	for _, id := range l.order {
		rec := *l.records[id]
		if rec.StartedAt != nil {
			t := *rec.StartedAt
			rec.StartedAt = &t
		}
		if rec.CompletedAt != nil {
			t := *rec.CompletedAt
			rec.CompletedAt = &t
		}
		c.records[id] = &rec
		c.order = append(c.order, id)
	}
	return c
}

// MarshalJSON encodes the ledger as an ordered list.
func (l *Ledger) MarshalJSON() ([]byte, error) {
	list := l.List()
	if list == nil {
		list = []ToolCallRecord{}
	}
	return json.Marshal(list)
}

// UnmarshalJSON decodes an ordered list of records.
func (l *Ledger) UnmarshalJSON(data []byte) error {
	var list []ToolCallRecord
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	l.records = make(map[string]*ToolCallRecord, len(list))
	l.order = l.order[:0]
	for i := range list {
		rec := list[i]
		if rec.CallID == "" {
			continue
		}
		if _, dup := l.records[rec.CallID]; dup {
			continue
		}
		l.records[rec.CallID] = &rec
		l.order = append(l.order, rec.CallID)
	}
	return nil
}
