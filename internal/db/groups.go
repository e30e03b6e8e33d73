package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GroupStore persists session groups in the session_groups table. It
// satisfies session.Persister.
type GroupStore struct {
	db *gorm.DB
}

// NewGroupStore wraps db.
func NewGroupStore(db *gorm.DB) *GroupStore {
	return &GroupStore{db: db}
}

// Load returns the saved data for key, or nil when the group does not
// exist yet.
func (g *GroupStore) Load(key string) ([]byte, error) {
	var row models.SessionGroup
	err := g.db.Where("group_id = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db: load group %s: %w", key, err)
	}
	return row.Data, nil
}

// Save upserts data under key.
func (g *GroupStore) Save(key string, data []byte) error {
	row := models.SessionGroup{
		GroupID:   key,
		Data:      data,
		Sessions:  countSessions(data),
		UpdatedAt: time.Now(),
	}
	result := g.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "sessions", "updated_at"}),
	}).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("db: save group %s: %w", key, result.Error)
	}
	return nil
}

// Groups lists stored groups, most recently updated first. Data is not
// loaded.
func (g *GroupStore) Groups() ([]models.SessionGroup, error) {
	var rows []models.SessionGroup
	err := g.db.Select("group_id", "sessions", "updated_at").
		Order("updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("db: list groups: %w", err)
	}
	return rows, nil
}

// countSessions reads the session count from a saved group without
// decoding the sessions themselves.
func countSessions(data []byte) int {
	var head struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return 0
	}
	return len(head.Sessions)
}
