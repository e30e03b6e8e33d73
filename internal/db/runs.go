package db

import (
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// RunOutcome is the terminal summary written to a run record.
type RunOutcome struct {
	Status            string
	ExitCode          *int
	ProviderSessionID string
	InputTokens       int
	OutputTokens      int
	Model             string
	Error             string
	FinishedAt        time.Time
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	GroupID   string
	SessionID string
	Status    string
	Limit     int
}

// TokenSummary holds aggregated token usage.
type TokenSummary struct {
	Runs         int64
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	Model        string
}

// CreateRun inserts a new run record in the running state.
func CreateRun(db *gorm.DB, run *models.Run) error {
	if run.ID == "" {
		return fmt.Errorf("db: create run: id is required")
	}
	if run.Status == "" {
		run.Status = models.RunRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if err := db.Create(run).Error; err != nil {
		return fmt.Errorf("db: create run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun writes the terminal outcome of a run.
func FinishRun(db *gorm.DB, runID string, out RunOutcome) error {
	finished := out.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	updates := map[string]interface{}{
		"status":        out.Status,
		"input_tokens":  out.InputTokens,
		"output_tokens": out.OutputTokens,
		"error":         out.Error,
		"finished_at":   finished,
	}
	if out.ExitCode != nil {
		updates["exit_code"] = *out.ExitCode
	}
	if out.Model != "" {
		updates["model"] = out.Model
	}
	if out.ProviderSessionID != "" {
		updates["provider_session_id"] = out.ProviderSessionID
	}
	result := db.Model(&models.Run{}).Where("id = ?", runID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("db: finish run %s: %w", runID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("db: finish run %s: not found", runID)
	}
	return nil
}

// RetargetRun moves a run to another session, used when reconciliation
// merges or rebinds the session the run started on.
func RetargetRun(db *gorm.DB, runID, sessionID string) error {
	err := db.Model(&models.Run{}).Where("id = ?", runID).Update("session_id", sessionID).Error
	if err != nil {
		return fmt.Errorf("db: retarget run %s: %w", runID, err)
	}
	return nil
}

// GetRun loads a run by id.
func GetRun(db *gorm.DB, runID string) (*models.Run, error) {
	var run models.Run
	if err := db.Where("id = ?", runID).First(&run).Error; err != nil {
		return nil, fmt.Errorf("db: get run %s: %w", runID, err)
	}
	return &run, nil
}

// ListRuns returns runs matching f, newest first.
func ListRuns(db *gorm.DB, f RunFilter) ([]models.Run, error) {
	q := db.Model(&models.Run{})
	if f.GroupID != "" {
		q = q.Where("group_id = ?", f.GroupID)
	}
	if f.SessionID != "" {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var runs []models.Run
	if err := q.Order("started_at DESC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("db: list runs: %w", err)
	}
	return runs, nil
}

// SessionUsage returns aggregated token usage for one session.
func SessionUsage(db *gorm.DB, sessionID string) (TokenSummary, error) {
	var summary TokenSummary

	err := db.Model(&models.Run{}).
		Select("COUNT(*) as runs, COALESCE(SUM(input_tokens),0) as input_tokens, COALESCE(SUM(output_tokens),0) as output_tokens, COALESCE(SUM(input_tokens + output_tokens),0) as total_tokens").
		Where("session_id = ?", sessionID).
		Scan(&summary).Error
	if err != nil {
		return summary, fmt.Errorf("db: session usage for %s: %w", sessionID, err)
	}

	// Most recent model.
	var run models.Run
	err = db.Where("session_id = ? AND model != ?", sessionID, "").
		Order("started_at DESC").
		First(&run).Error
	if err == nil {
		summary.Model = run.Model
	}

	return summary, nil
}

// SessionUsageMap returns token summaries for several sessions in a single
// query.
func SessionUsageMap(db *gorm.DB, sessionIDs []string) (map[string]TokenSummary, error) {
	result := make(map[string]TokenSummary)
	if len(sessionIDs) == 0 {
		return result, nil
	}

	type row struct {
		SessionID    string `gorm:"column:session_id"`
		Runs         int64  `gorm:"column:runs"`
		InputTokens  int64  `gorm:"column:input_tokens"`
		OutputTokens int64  `gorm:"column:output_tokens"`
	}

	var rows []row
	err := db.Model(&models.Run{}).
		Select("session_id, COUNT(*) as runs, COALESCE(SUM(input_tokens),0) as input_tokens, COALESCE(SUM(output_tokens),0) as output_tokens").
		Where("session_id IN ?", sessionIDs).
		Group("session_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("db: batch session usage: %w", err)
	}

	for _, r := range rows {
		result[r.SessionID] = TokenSummary{
			Runs:         r.Runs,
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			TotalTokens:  r.InputTokens + r.OutputTokens,
		}
	}
	return result, nil
}

// AppendRunLog stores a chunk of raw run output.
func AppendRunLog(db *gorm.DB, runID, stream, content string) error {
	entry := models.RunLog{
		RunID:     runID,
		Stream:    stream,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := db.Create(&entry).Error; err != nil {
		return fmt.Errorf("db: append run log %s: %w", runID, err)
	}
	return nil
}

// RunLogs returns the captured output of a run in write order.
func RunLogs(db *gorm.DB, runID string) ([]models.RunLog, error) {
	var logs []models.RunLog
	if err := db.Where("run_id = ?", runID).Order("id ASC").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("db: run logs %s: %w", runID, err)
	}
	return logs, nil
}

// PruneRuns deletes finished runs that ended before cutoff, along with
// their logs, and returns how many runs were removed.
func PruneRuns(db *gorm.DB, cutoff time.Time) (int64, error) {
	var removed int64
	err := db.Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&models.Run{}).
			Where("status != ? AND finished_at < ?", models.RunRunning, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("run_id IN ?", ids).Delete(&models.RunLog{}).Error; err != nil {
			return err
		}
		result := tx.Where("id IN ?", ids).Delete(&models.Run{})
		if result.Error != nil {
			return result.Error
		}
		removed = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("db: prune runs: %w", err)
	}
	return removed, nil
}

// AbandonRunning marks runs left in the running state by a previous
// process as aborted. Runs do not survive a restart.
func AbandonRunning(db *gorm.DB, groupID string) (int64, error) {
	result := db.Model(&models.Run{}).
		Where("group_id = ? AND status = ?", groupID, models.RunRunning).
		Updates(map[string]interface{}{
			"status":      models.RunAborted,
			"error":       "abandoned at startup",
			"finished_at": time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("db: abandon running runs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
