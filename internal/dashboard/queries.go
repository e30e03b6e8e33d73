package dashboard

import (
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/session"
	"gorm.io/gorm"
)

// SessionRow holds session summary data for display.
type SessionRow struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Provider     string    `json:"provider_session_id,omitempty"`
	Busy         bool      `json:"busy"`
	ActiveRunID  string    `json:"active_run_id,omitempty"`
	Messages     int       `json:"messages"`
	OpenTools    int       `json:"open_tool_calls"`
	LastMessage  string    `json:"last_message,omitempty"`
	Runs         int64     `json:"runs"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	UpdatedAt    time.Time `json:"updated_at"`
	Current      bool      `json:"current"`
}

// SessionList summarizes sessions in list order. Token usage is filled in
// when a database is available.
func SessionList(gdb *gorm.DB, sessions []session.Session, current string) []SessionRow {
	rows := make([]SessionRow, len(sessions))
	ids := make([]string, len(sessions))
	for i := range sessions {
		s := &sessions[i]
		ids[i] = s.ID
		row := SessionRow{
			ID:          s.ID,
			Title:       s.Title,
			Provider:    s.Provider(),
			Busy:        s.Busy,
			ActiveRunID: s.ActiveRunID,
			Messages:    len(s.Messages),
			UpdatedAt:   s.UpdatedAt,
			Current:     s.ID == current,
		}
		if s.ToolCalls != nil {
			row.OpenTools = s.ToolCalls.Pending()
		}
		if m, ok := s.LastMessage(); ok {
			row.LastMessage = truncate(m.Text, 120)
		}
		rows[i] = row
	}

	if gdb == nil {
		return rows
	}
	usage, err := db.SessionUsageMap(gdb, ids)
	if err != nil {
		return rows
	}
	for i := range rows {
		u := usage[rows[i].ID]
		rows[i].Runs = u.Runs
		rows[i].InputTokens = u.InputTokens
		rows[i].OutputTokens = u.OutputTokens
	}
	return rows
}

// RunRow holds run record data for display.
type RunRow struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	Provider     string     `json:"provider_session_id,omitempty"`
	Prompt       string     `json:"prompt"`
	Status       string     `json:"status"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Model        string     `json:"model,omitempty"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Duration     string     `json:"duration,omitempty"`
}

func toRunRow(r models.Run) RunRow {
	row := RunRow{
		ID:           r.ID,
		SessionID:    r.SessionID,
		Provider:     r.ProviderSessionID,
		Prompt:       truncate(r.Prompt, 120),
		Status:       r.Status,
		ExitCode:     r.ExitCode,
		Model:        r.Model,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		Error:        r.Error,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
	}
	if r.FinishedAt != nil {
		row.Duration = formatDuration(r.FinishedAt.Sub(r.StartedAt))
	}
	return row
}

// RunList returns run records matching f, newest first.
func RunList(gdb *gorm.DB, f db.RunFilter) ([]RunRow, error) {
	if gdb == nil {
		return []RunRow{}, nil
	}
	runs, err := db.ListRuns(gdb, f)
	if err != nil {
		return nil, err
	}
	rows := make([]RunRow, len(runs))
	for i, r := range runs {
		rows[i] = toRunRow(r)
	}
	return rows, nil
}

// LogRow holds one captured output chunk.
type LogRow struct {
	Stream    string    `json:"stream"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// RunDetail holds a run record with its captured output.
type RunDetail struct {
	RunRow
	Prompt string   `json:"prompt"`
	Logs   []LogRow `json:"logs"`
}

// GetRunDetail returns a run record and its logs.
func GetRunDetail(gdb *gorm.DB, id string) (*RunDetail, error) {
	if gdb == nil {
		return nil, fmt.Errorf("no database connection")
	}
	run, err := db.GetRun(gdb, id)
	if err != nil {
		return nil, err
	}
	logs, err := db.RunLogs(gdb, id)
	if err != nil {
		return nil, err
	}

	detail := &RunDetail{RunRow: toRunRow(*run), Prompt: run.Prompt, Logs: make([]LogRow, len(logs))}
	for i, l := range logs {
		detail.Logs[i] = LogRow{Stream: l.Stream, Content: l.Content, CreatedAt: l.CreatedAt}
	}
	return detail, nil
}

// formatDuration formats a duration as a human-readable string like "2h 15m".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h >= 24 {
		days := h / 24
		h = h % 24
		return fmt.Sprintf("%dd %dh", days, h)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
