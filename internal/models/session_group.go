package models

import "time"

// SessionGroup stores the serialised session collection of one
// conversation group. The session store saves the whole collection under
// its group id.
type SessionGroup struct {
	GroupID   string `gorm:"primaryKey;size:128"`
	Data      []byte `gorm:"type:longblob;not null"`
	Sessions  int    // number of sessions in Data
	UpdatedAt time.Time
}
