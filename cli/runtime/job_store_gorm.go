package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cyph3rasi/kyber/core/cron"
)

// jobRow stores a job as a JSON document with its sort and filter keys
// lifted into columns.
type jobRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	Enabled     bool   `gorm:"index"`
	CreatedAtMs int64  `gorm:"index"`
	Data        []byte `gorm:"type:jsonb;not null"`
}

func (jobRow) TableName() string { return "kyber_cron_jobs" }

type runRow struct {
	ID            uint      `gorm:"primaryKey"`
	JobID         string    `gorm:"index;size:64"`
	Timestamp     time.Time `gorm:"index"`
	Status        string    `gorm:"size:16"`
	Duration      string    `gorm:"size:32"`
	TaskRef       string    `gorm:"size:32"`
	Error         string
	DeliveryError string
}

func (runRow) TableName() string { return "kyber_cron_runs" }

func toRow(j cron.Job) (jobRow, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return jobRow{}, fmt.Errorf("encoding job %s: %w", j.ID, err)
	}
	return jobRow{ID: j.ID, Enabled: j.Enabled, CreatedAtMs: j.CreatedAtMs, Data: data}, nil
}

func (r jobRow) job() (cron.Job, error) {
	var j cron.Job
	if err := json.Unmarshal(r.Data, &j); err != nil {
		return cron.Job{}, fmt.Errorf("decoding job %s: %w", r.ID, err)
	}
	return j, nil
}

func toRunRow(e cron.HistoryEntry) runRow {
	return runRow{
		JobID:         e.JobID,
		Timestamp:     e.Timestamp,
		Status:        e.Status,
		Duration:      e.Duration,
		TaskRef:       e.TaskRef,
		Error:         e.Error,
		DeliveryError: e.DeliveryError,
	}
}

func (r runRow) entry() cron.HistoryEntry {
	return cron.HistoryEntry{
		Timestamp:     r.Timestamp.UTC(),
		JobID:         r.JobID,
		Status:        r.Status,
		Duration:      r.Duration,
		TaskRef:       r.TaskRef,
		Error:         r.Error,
		DeliveryError: r.DeliveryError,
	}
}

// OpenPostgres connects to dsn and migrates the job tables.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := db.AutoMigrate(&jobRow{}, &runRow{}); err != nil {
		return nil, fmt.Errorf("migrating job tables: %w", err)
	}
	return db, nil
}

// GormJobStore implements cron.JobStore on a SQL database. Update locks the
// row for the duration of fn, so several daemons may share one database.
type GormJobStore struct {
	db         *gorm.DB
	maxHistory int
}

// NewGormJobStore creates a store on an opened, migrated database.
func NewGormJobStore(db *gorm.DB, maxHistory int) *GormJobStore {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &GormJobStore{db: db, maxHistory: maxHistory}
}

func (s *GormJobStore) List(ctx context.Context) ([]cron.Job, error) {
	var rows []jobRow
	if err := s.db.WithContext(ctx).Order("created_at_ms, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	jobs := make([]cron.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.job()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *GormJobStore) Get(ctx context.Context, id string) (*cron.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	j, err := row.job()
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *GormJobStore) Put(ctx context.Context, job cron.Job) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}
	return nil
}

func (s *GormJobStore) Update(ctx context.Context, id string, fn func(*cron.Job) error) (*cron.Job, error) {
	var out cron.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return cron.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("locking job %s: %w", id, err)
		}
		job, err := row.job()
		if err != nil {
			return err
		}
		if err := fn(&job); err != nil {
			return err
		}
		updated, err := toRow(job)
		if err != nil {
			return err
		}
		if err := tx.Save(&updated).Error; err != nil {
			return fmt.Errorf("saving job %s: %w", id, err)
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *GormJobStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&jobRow{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	return nil
}

// RecordRun inserts a history entry and trims the table to maxHistory rows.
func (s *GormJobStore) RecordRun(ctx context.Context, entry cron.HistoryEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := toRunRow(entry)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("recording run of %s: %w", entry.JobID, err)
		}
		trim := tx.Where("id NOT IN (?)",
			tx.Model(&runRow{}).Select("id").Order("id DESC").Limit(s.maxHistory))
		if err := trim.Delete(&runRow{}).Error; err != nil {
			return fmt.Errorf("trimming run history: %w", err)
		}
		return nil
	})
}

// History returns up to limit entries, oldest first.
func (s *GormJobStore) History(ctx context.Context, jobID string, limit int) ([]cron.HistoryEntry, error) {
	q := s.db.WithContext(ctx).Model(&runRow{}).Order("id DESC")
	if jobID != "" {
		q = q.Where("job_id = ?", jobID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []runRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading run history: %w", err)
	}
	out := make([]cron.HistoryEntry, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.entry()
	}
	return out, nil
}
