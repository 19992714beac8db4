// Package store persists run history, resume tokens, and schedules in a
// local SQLite database. Both the agent and the receiver embed it; neither
// needs an external database server to keep state across restarts.
package store

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	apperrors "github.com/takemura/backhaul/internal/errors"
)

// Store wraps the database handle and exposes typed repositories.
type Store struct {
	db *gorm.DB
}

// Open creates or opens the SQLite database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, apperrors.New(apperrors.TypeValidation, "state database path is required", "")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to create state directory", "")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to open state database", "Check the path is writable.")
	}

	if err := db.AutoMigrate(&BackupLog{}, &TokenRecord{}, &Schedule{}); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeInternal, "failed to migrate state schema", "")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateBackupLog records a new run.
func (s *Store) CreateBackupLog(l *BackupLog) error {
	return s.db.Create(l).Error
}

// UpdateBackupLog saves the current state of a run record.
func (s *Store) UpdateBackupLog(l *BackupLog) error {
	return s.db.Save(l).Error
}

// GetBackupLog loads a run by its run ID.
func (s *Store) GetBackupLog(runID string) (*BackupLog, error) {
	var l BackupLog
	if err := s.db.Where("run_id = ?", runID).First(&l).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

// ListBackupLogs returns the most recent runs, newest first.
func (s *Store) ListBackupLogs(limit int) ([]BackupLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []BackupLog
	err := s.db.Order("started_at DESC").Limit(limit).Find(&logs).Error
	return logs, err
}

// LatestResumable returns the most recent failed or cancelled run that still
// has a resume token, if any.
func (s *Store) LatestResumable() (*BackupLog, error) {
	var l BackupLog
	err := s.db.
		Where("resume_token <> '' AND status IN ?", []string{"Failed", "Cancelled"}).
		Order("started_at DESC").
		First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// SaveSchedule inserts or updates a schedule by name.
func (s *Store) SaveSchedule(sc *Schedule) error {
	var existing Schedule
	err := s.db.Where("name = ?", sc.Name).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(sc).Error
	}
	if err != nil {
		return err
	}
	sc.ID = existing.ID
	return s.db.Save(sc).Error
}

// ListSchedules returns all schedules; pass activeOnly to filter.
func (s *Store) ListSchedules(activeOnly bool) ([]Schedule, error) {
	q := s.db.Order("name")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var out []Schedule
	err := q.Find(&out).Error
	return out, err
}

// DeleteSchedule removes a schedule by name.
func (s *Store) DeleteSchedule(name string) error {
	return s.db.Where("name = ?", name).Delete(&Schedule{}).Error
}

// PruneBackupLogs deletes run records older than the retention window and
// returns how many were removed.
func (s *Store) PruneBackupLogs(before time.Time) (int64, error) {
	res := s.db.Where("started_at < ? AND status IN ?", before,
		[]string{"Completed", "Failed", "Cancelled"}).Delete(&BackupLog{})
	return res.RowsAffected, res.Error
}
