package store

import "time"

// BackupLog is the durable record of one orchestrator run. Status and phase
// are stored as strings so history survives enum changes.
type BackupLog struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"uniqueIndex;size:64"`
	ConfigName string `gorm:"index;size:128"`

	Status  string `gorm:"index;size:24"`
	Phase   string `gorm:"size:24"`
	Message string

	ResumeToken string `gorm:"size:64"`
	ArchivePath string
	RemotePath  string
	RemoteSize  int64
	BytesSent   int64
	ArchiveSize int64
	Checksum    string `gorm:"size:64"`

	StartedAt  time.Time `gorm:"index"`
	FinishedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TokenRecord is the persisted form of a transfer resume token. The
// completed chunk set is stored as JSON; it is only ever read back whole.
type TokenRecord struct {
	ID           uint   `gorm:"primaryKey"`
	TokenID      string `gorm:"uniqueIndex;size:64"`
	TransferID   string `gorm:"index;size:64"`
	FileName     string
	FileSize     int64
	FileChecksum string `gorm:"size:64"`
	SpoolDir     string
	Completed    string `gorm:"type:text"`
	Done         bool
	LastActivity time.Time `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Schedule is a named cron entry that triggers backup runs.
type Schedule struct {
	ID       uint   `gorm:"primaryKey"`
	Name     string `gorm:"uniqueIndex;size:128"`
	CronExpr string `gorm:"size:64"`
	Active   bool   `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
