package models

import "time"

// Run status values. A run starts "running" and ends in one of the
// terminal statuses.
const (
	RunRunning      = "running"
	RunResult       = "result"
	RunProcessError = "process_error"
	RunTimeout      = "timeout"
	RunAborted      = "aborted"
)

// Run records one agent subprocess invocation.
type Run struct {
	ID                string `gorm:"primaryKey;size:64"`
	GroupID           string `gorm:"size:128;index"`
	SessionID         string `gorm:"size:64;index"`
	ProviderSessionID string `gorm:"size:128;index"`
	Prompt            string `gorm:"type:text"`
	Status            string `gorm:"size:16;default:running;index"`
	ExitCode          *int
	InputTokens       int
	OutputTokens      int
	Model             string    `gorm:"size:64"`
	Error             string    `gorm:"type:text"`
	StartedAt         time.Time `gorm:"index"`
	FinishedAt        *time.Time
}

// RunLog captures raw subprocess output for debugging.
type RunLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	RunID     string `gorm:"size:64;index"`
	Stream    string `gorm:"size:8"` // stdout or stderr
	Content   string `gorm:"type:mediumtext"`
	CreatedAt time.Time
}
