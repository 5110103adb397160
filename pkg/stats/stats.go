// Package stats aggregates slice events into per-job, per-minute counters
// persisted with GORM.
package stats

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Bucket holds one job's counters for one minute.
type Bucket struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	JobName        string    `gorm:"uniqueIndex:idx_replication_stats_job_ts;size:255;not null" json:"job"`
	Timestamp      time.Time `gorm:"uniqueIndex:idx_replication_stats_job_ts;not null" json:"timestamp"`
	Slices         int64     `gorm:"default:0" json:"slices"`
	Yields         int64     `gorm:"default:0" json:"yields"`
	SliceFailures  int64     `gorm:"default:0" json:"slice_failures"`
	Completions    int64     `gorm:"default:0" json:"completions"`
	UnitsSucceeded int64     `gorm:"default:0" json:"units_succeeded"`
	UnitsFailed    int64     `gorm:"default:0" json:"units_failed"`
	UnitsSkipped   int64     `gorm:"default:0" json:"units_skipped"`
}

// TableName pins the table name.
func (Bucket) TableName() string {
	return "replication_stats"
}

// Delta is an increment to a Bucket's counters.
type Delta struct {
	Slices         int64 `json:"slices"`
	Yields         int64 `json:"yields"`
	SliceFailures  int64 `json:"slice_failures"`
	Completions    int64 `json:"completions"`
	UnitsSucceeded int64 `json:"units_succeeded"`
	UnitsFailed    int64 `json:"units_failed"`
	UnitsSkipped   int64 `json:"units_skipped"`
}

// Zero reports whether the delta changes nothing.
func (d Delta) Zero() bool {
	return d == Delta{}
}

func (d *Delta) add(o Delta) {
	d.Slices += o.Slices
	d.Yields += o.Yields
	d.SliceFailures += o.SliceFailures
	d.Completions += o.Completions
	d.UnitsSucceeded += o.UnitsSucceeded
	d.UnitsFailed += o.UnitsFailed
	d.UnitsSkipped += o.UnitsSkipped
}

// Storage persists buckets.
type Storage interface {
	Migrate(ctx context.Context) error
	Add(ctx context.Context, jobName string, ts time.Time, d Delta) error
	// History returns buckets in time order. Empty jobName means every job;
	// zero since or until leaves that side open.
	History(ctx context.Context, jobName string, since, until time.Time) ([]Bucket, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// GormStorage implements Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a GORM-backed stats storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// Migrate creates the stats table.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Bucket{})
}

// Add increments the bucket of jobName for the minute containing ts.
func (s *GormStorage) Add(ctx context.Context, jobName string, ts time.Time, d Delta) error {
	ts = ts.UTC().Truncate(time.Minute)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Bucket
		result := tx.Where("job_name = ? AND timestamp = ?", jobName, ts).Limit(1).Find(&existing)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return tx.Create(&Bucket{
				JobName:        jobName,
				Timestamp:      ts,
				Slices:         d.Slices,
				Yields:         d.Yields,
				SliceFailures:  d.SliceFailures,
				Completions:    d.Completions,
				UnitsSucceeded: d.UnitsSucceeded,
				UnitsFailed:    d.UnitsFailed,
				UnitsSkipped:   d.UnitsSkipped,
			}).Error
		}

		return tx.Model(&existing).Updates(map[string]any{
			"slices":          gorm.Expr("slices + ?", d.Slices),
			"yields":          gorm.Expr("yields + ?", d.Yields),
			"slice_failures":  gorm.Expr("slice_failures + ?", d.SliceFailures),
			"completions":     gorm.Expr("completions + ?", d.Completions),
			"units_succeeded": gorm.Expr("units_succeeded + ?", d.UnitsSucceeded),
			"units_failed":    gorm.Expr("units_failed + ?", d.UnitsFailed),
			"units_skipped":   gorm.Expr("units_skipped + ?", d.UnitsSkipped),
		}).Error
	})
}

// History returns buckets ordered by time.
func (s *GormStorage) History(ctx context.Context, jobName string, since, until time.Time) ([]Bucket, error) {
	var buckets []Bucket
	q := s.db.WithContext(ctx).Order("timestamp ASC")

	if jobName != "" {
		q = q.Where("job_name = ?", jobName)
	}
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since.UTC())
	}
	if !until.IsZero() {
		q = q.Where("timestamp <= ?", until.UTC())
	}

	return buckets, q.Find(&buckets).Error
}

// Prune deletes buckets older than before.
func (s *GormStorage) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("timestamp < ?", before.UTC()).Delete(&Bucket{})
	return result.RowsAffected, result.Error
}

// Sum folds buckets into per-job totals.
func Sum(buckets []Bucket) map[string]Delta {
	totals := make(map[string]Delta)
	for _, b := range buckets {
		t := totals[b.JobName]
		t.add(Delta{
			Slices:         b.Slices,
			Yields:         b.Yields,
			SliceFailures:  b.SliceFailures,
			Completions:    b.Completions,
			UnitsSucceeded: b.UnitsSucceeded,
			UnitsFailed:    b.UnitsFailed,
			UnitsSkipped:   b.UnitsSkipped,
		})
		totals[b.JobName] = t
	}
	return totals
}
