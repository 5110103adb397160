package core

import (
	"time"
)

// ContinuationStatus represents the state of a pending continuation.
type ContinuationStatus string

const (
	ContinuationPending ContinuationStatus = "pending"
	ContinuationClaimed ContinuationStatus = "claimed" // Picked up by a dispatcher, slice running
)

// Continuation is a scheduled future invocation of a handler for a job.
// At most one row exists per (JobName, Handler).
type Continuation struct {
	ID          string             `gorm:"primaryKey;size:36"`
	JobName     string             `gorm:"uniqueIndex:idx_continuation_pair;size:255;not null"`
	Handler     string             `gorm:"uniqueIndex:idx_continuation_pair;size:255;not null"`
	Status      ContinuationStatus `gorm:"index;size:20;default:'pending'"`
	RunAt       time.Time          `gorm:"index;not null"`
	Attempt     int                `gorm:"default:0"`
	LockedBy    string             `gorm:"size:255"`
	LockedUntil *time.Time         `gorm:"index"`
	CreatedAt   time.Time          `gorm:"autoCreateTime"`
	UpdatedAt   time.Time          `gorm:"autoUpdateTime"`
}

// KVEntry is one row of the durable key-value store.
type KVEntry struct {
	Key       string    `gorm:"primaryKey;column:kv_key;size:255"`
	Value     []byte    `gorm:"type:bytes"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName pins the table name so it does not depend on pluralization rules.
func (KVEntry) TableName() string {
	return "kv_entries"
}
