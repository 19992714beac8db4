package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/takemura/backhaul/internal/transfer"
)

// TokenStore returns a transfer.TokenStore backed by this database, so
// interrupted transfers survive a receiver restart.
func (s *Store) TokenStore() transfer.TokenStore {
	return &sqlTokenStore{db: s.db}
}

type sqlTokenStore struct {
	db *gorm.DB
}

func (ts *sqlTokenStore) SaveToken(ctx context.Context, token *transfer.ResumeToken) error {
	completed, err := json.Marshal(token.Completed)
	if err != nil {
		return err
	}
	rec := TokenRecord{
		TokenID:      token.ID,
		TransferID:   token.TransferID,
		FileName:     token.FileName,
		FileSize:     token.FileSize,
		FileChecksum: token.FileChecksum,
		SpoolDir:     token.SpoolDir,
		Completed:    string(completed),
		Done:         token.Done,
		LastActivity: token.LastActivity,
	}

	var existing TokenRecord
	err = ts.db.WithContext(ctx).Where("token_id = ?", token.ID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ts.db.WithContext(ctx).Create(&rec).Error
	}
	if err != nil {
		return err
	}
	rec.ID = existing.ID
	rec.CreatedAt = existing.CreatedAt
	return ts.db.WithContext(ctx).Save(&rec).Error
}

func (ts *sqlTokenStore) LoadToken(ctx context.Context, id string) (*transfer.ResumeToken, error) {
	var rec TokenRecord
	err := ts.db.WithContext(ctx).Where("token_id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, transfer.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}

	completed := make(map[int]string)
	if rec.Completed != "" {
		if err := json.Unmarshal([]byte(rec.Completed), &completed); err != nil {
			return nil, err
		}
	}
	return &transfer.ResumeToken{
		ID:           rec.TokenID,
		TransferID:   rec.TransferID,
		FileName:     rec.FileName,
		FileSize:     rec.FileSize,
		FileChecksum: rec.FileChecksum,
		SpoolDir:     rec.SpoolDir,
		Completed:    completed,
		Done:         rec.Done,
		LastActivity: rec.LastActivity,
	}, nil
}

func (ts *sqlTokenStore) DeleteToken(ctx context.Context, id string) error {
	return ts.db.WithContext(ctx).Where("token_id = ?", id).Delete(&TokenRecord{}).Error
}

func (ts *sqlTokenStore) DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error) {
	res := ts.db.WithContext(ctx).Where("last_activity < ?", before).Delete(&TokenRecord{})
	return int(res.RowsAffected), res.Error
}
