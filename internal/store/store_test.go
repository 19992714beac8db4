package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takemura/backhaul/internal/transfer"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "backhaul.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBackupLogLifecycle(t *testing.T) {
	s := openTestStore(t)

	l := &BackupLog{
		RunID:      "run-1",
		ConfigName: "nightly",
		Status:     "Queued",
		StartedAt:  time.Now(),
	}
	require.NoError(t, s.CreateBackupLog(l))

	l.Status = "Transferring"
	l.Phase = "Transferring"
	l.BytesSent = 1 << 20
	require.NoError(t, s.UpdateBackupLog(l))

	got, err := s.GetBackupLog("run-1")
	require.NoError(t, err)
	assert.Equal(t, "Transferring", got.Status)
	assert.Equal(t, int64(1<<20), got.BytesSent)

	_, err = s.GetBackupLog("missing")
	assert.Error(t, err)
}

func TestLatestResumable(t *testing.T) {
	s := openTestStore(t)

	none, err := s.LatestResumable()
	require.NoError(t, err)
	assert.Nil(t, none)

	base := time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateBackupLog(&BackupLog{
		RunID: "ok", Status: "Completed", StartedAt: base,
	}))
	require.NoError(t, s.CreateBackupLog(&BackupLog{
		RunID: "older", Status: "Failed", ResumeToken: "tok-a", StartedAt: base.Add(time.Minute),
	}))
	require.NoError(t, s.CreateBackupLog(&BackupLog{
		RunID: "newer", Status: "Cancelled", ResumeToken: "tok-b", StartedAt: base.Add(2 * time.Minute),
	}))

	got, err := s.LatestResumable()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "newer", got.RunID)
	assert.Equal(t, "tok-b", got.ResumeToken)
}

func TestScheduleUpsert(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveSchedule(&Schedule{Name: "nightly", CronExpr: "0 2 * * *", Active: true}))
	require.NoError(t, s.SaveSchedule(&Schedule{Name: "weekly", CronExpr: "0 4 * * 0", Active: false}))

	// Same name updates in place.
	require.NoError(t, s.SaveSchedule(&Schedule{Name: "nightly", CronExpr: "30 2 * * *", Active: true}))

	all, err := s.ListSchedules(false)
	require.NoError(t, err)
	require.Len(t, all, 2)

	active, err := s.ListSchedules(true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "30 2 * * *", active[0].CronExpr)

	require.NoError(t, s.DeleteSchedule("weekly"))
	all, err = s.ListSchedules(false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTokenStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ts := s.TokenStore()
	ctx := context.Background()

	token := &transfer.ResumeToken{
		ID:           "tok-1",
		TransferID:   "xfer-1",
		FileName:     "db01.tar.zst",
		FileSize:     1 << 30,
		FileChecksum: "abc123",
		SpoolDir:     "/var/spool/backhaul/xfer-1",
		Completed:    map[int]string{0: "s0", 3: "s3", 7: "s7"},
		LastActivity: time.Now(),
	}
	require.NoError(t, ts.SaveToken(ctx, token))

	got, err := ts.LoadToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, token.FileChecksum, got.FileChecksum)
	assert.Equal(t, token.Completed, got.Completed)
	assert.Equal(t, []int{0, 3, 7}, got.CompletedIndices())

	// Saving again replaces the completed set, not append.
	token.Completed[9] = "s9"
	token.TransferID = "xfer-2"
	require.NoError(t, ts.SaveToken(ctx, token))
	got, err = ts.LoadToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "xfer-2", got.TransferID)
	assert.Len(t, got.Completed, 4)

	_, err = ts.LoadToken(ctx, "nope")
	assert.ErrorIs(t, err, transfer.ErrTokenNotFound)

	require.NoError(t, ts.DeleteToken(ctx, "tok-1"))
	_, err = ts.LoadToken(ctx, "tok-1")
	assert.Error(t, err)
}

func TestDeleteExpiredTokens(t *testing.T) {
	s := openTestStore(t)
	ts := s.TokenStore()
	ctx := context.Background()

	old := &transfer.ResumeToken{ID: "old", Completed: map[int]string{}, LastActivity: time.Now().Add(-100 * time.Hour)}
	fresh := &transfer.ResumeToken{ID: "fresh", Completed: map[int]string{}, LastActivity: time.Now()}
	require.NoError(t, ts.SaveToken(ctx, old))
	require.NoError(t, ts.SaveToken(ctx, fresh))

	n, err := ts.DeleteExpiredTokens(ctx, time.Now().Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = ts.LoadToken(ctx, "old")
	assert.Error(t, err)
	_, err = ts.LoadToken(ctx, "fresh")
	assert.NoError(t, err)
}
