package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/simple-durable-replication/pkg/core"
)

// GormStorage implements core.KV, core.Swapper and core.Deferrer using GORM.
type GormStorage struct {
	db    *gorm.DB
	clock clockwork.Clock
}

// GormOption configures a GormStorage.
type GormOption interface {
	applyGorm(*GormStorage)
}

type gormOptionFunc func(*GormStorage)

func (f gormOptionFunc) applyGorm(s *GormStorage) { f(s) }

// WithClock sets the clock that run times, claims and lock expiry are
// computed from. Defaults to the real clock.
func WithClock(c clockwork.Clock) GormOption {
	return gormOptionFunc(func(s *GormStorage) {
		if c != nil {
			s.clock = c
		}
	})
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB, opts ...GormOption) *GormStorage {
	s := &GormStorage{db: db, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt.applyGorm(s)
	}
	return s
}

// DB returns the underlying *gorm.DB.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the storage is backed by SQLite.
// SQLite has no row-level locking, so claims rely on its database-wide write lock.
func (s *GormStorage) IsSQLite() bool {
	if s.db == nil || s.db.Dialector == nil {
		return false
	}
	return s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.KVEntry{}, &core.Continuation{})
}

// ──────────────────────────────────────────────────────────────────────────────
// Key-value store
// ──────────────────────────────────────────────────────────────────────────────

// Get returns the value stored under key.
func (s *GormStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry core.KVEntry
	err := s.db.WithContext(ctx).First(&entry, "kv_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *GormStorage) Set(ctx context.Context, key string, value []byte) error {
	entry := core.KVEntry{Key: key, Value: value}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kv_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&entry).Error
}

// Delete removes key. Deleting a missing key is not an error.
func (s *GormStorage) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).
		Where("kv_key = ?", key).
		Delete(&core.KVEntry{}).Error
}

// Swap replaces the value under key only if it still equals old.
// A nil old value inserts the key only if it does not exist.
func (s *GormStorage) Swap(ctx context.Context, key string, old, new []byte) (bool, error) {
	if old == nil {
		entry := core.KVEntry{Key: key, Value: new}
		result := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&entry)
		if result.Error != nil {
			return false, result.Error
		}
		return result.RowsAffected == 1, nil
	}

	result := s.db.WithContext(ctx).
		Model(&core.KVEntry{}).
		Where("kv_key = ? AND value = ?", key, old).
		Updates(map[string]any{
			"value":      new,
			"updated_at": s.clock.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Continuations
// ──────────────────────────────────────────────────────────────────────────────

// ScheduleAfter registers a continuation for the (handler, jobName) pair.
// The table holds one row per pair, so an existing row is replaced.
func (s *GormStorage) ScheduleAfter(ctx context.Context, handler, jobName string, delay time.Duration) error {
	now := s.clock.Now()
	c := core.Continuation{
		ID:      uuid.New().String(),
		JobName: jobName,
		Handler: handler,
		Status:  core.ContinuationPending,
		RunAt:   now.Add(delay),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "job_name"}, {Name: "handler"}},
			DoUpdates: clause.Assignments(map[string]any{
				"id":           c.ID,
				"status":       core.ContinuationPending,
				"run_at":       c.RunAt,
				"attempt":      0,
				"locked_by":    "",
				"locked_until": nil,
				"updated_at":   now,
			}),
		}).
		Create(&c).Error
}

// CancelScheduled removes the continuation for the pair, claimed or not.
func (s *GormStorage) CancelScheduled(ctx context.Context, handler, jobName string) (int, error) {
	result := s.db.WithContext(ctx).
		Where("job_name = ? AND handler = ?", jobName, handler).
		Delete(&core.Continuation{})
	return int(result.RowsAffected), result.Error
}

// Pending returns the number of continuations registered for the pair.
func (s *GormStorage) Pending(ctx context.Context, handler, jobName string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.Continuation{}).
		Where("job_name = ? AND handler = ?", jobName, handler).
		Count(&count).Error
	return int(count), err
}

// Continuations lists the continuations registered for a job.
func (s *GormStorage) Continuations(ctx context.Context, jobName string) ([]*core.Continuation, error) {
	var list []*core.Continuation
	err := s.db.WithContext(ctx).
		Where("job_name = ?", jobName).
		Order("run_at ASC").
		Find(&list).Error
	return list, err
}

// ClaimDue fetches and locks the next due continuation for one of handlers.
// It returns nil, nil when nothing is due.
func (s *GormStorage) ClaimDue(ctx context.Context, workerID string, handlers []string, lockFor time.Duration) (*core.Continuation, error) {
	var c core.Continuation
	now := s.clock.Now()
	lockUntil := now.Add(lockFor)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("handler IN ?", handlers).
			Where("status = ?", core.ContinuationPending).
			Where("run_at <= ?", now).
			Order("run_at ASC")
		if !s.IsSQLite() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		result := q.First(&c)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return result.Error
		}

		c.Status = core.ContinuationClaimed
		c.LockedBy = workerID
		c.LockedUntil = &lockUntil
		c.Attempt++

		return tx.Save(&c).Error
	})

	if err != nil {
		return nil, err
	}
	if c.ID == "" {
		return nil, nil
	}
	return &c, nil
}

// Finish removes a claimed continuation once its handler has returned.
// A continuation the handler replaced or cancelled is left alone.
func (s *GormStorage) Finish(ctx context.Context, id, workerID string) error {
	return s.db.WithContext(ctx).
		Where("id = ? AND locked_by = ? AND status = ?", id, workerID, core.ContinuationClaimed).
		Delete(&core.Continuation{}).Error
}

// Release puts a claimed continuation back to pending, to run again at retryAt.
// Validates that the worker owns the claim.
func (s *GormStorage) Release(ctx context.Context, id, workerID string, retryAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&core.Continuation{}).
		Where("id = ? AND locked_by = ? AND status = ?", id, workerID, core.ContinuationClaimed).
		Updates(map[string]any{
			"status":       core.ContinuationPending,
			"run_at":       retryAt,
			"locked_by":    "",
			"locked_until": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrContinuationNotOwned
	}
	return nil
}

// ReleaseStaleLocks returns claims whose lock expired to pending, so a
// continuation whose dispatcher died is picked up again.
func (s *GormStorage) ReleaseStaleLocks(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Continuation{}).
		Where("status = ?", core.ContinuationClaimed).
		Where("locked_until < ?", s.clock.Now()).
		Updates(map[string]any{
			"status":       core.ContinuationPending,
			"locked_by":    "",
			"locked_until": nil,
		})
	return result.RowsAffected, result.Error
}
