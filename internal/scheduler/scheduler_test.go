package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takemura/backhaul/internal/logger"
	"github.com/takemura/backhaul/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestValidateSpec(t *testing.T) {
	assert.NoError(t, ValidateSpec("0 2 * * *"))
	assert.NoError(t, ValidateSpec("@daily"))
	assert.NoError(t, ValidateSpec("12h")) // bare duration becomes @every
	assert.Error(t, ValidateSpec("every other tuesday"))
	assert.Error(t, ValidateSpec("99 99 * * *"))
}

func TestAddRemovePersists(t *testing.T) {
	st := testStore(t)
	s := New(st, func(ctx context.Context, name string) {}, logger.Discard())

	require.NoError(t, s.Add(context.Background(), "nightly", "0 2 * * *", true))
	require.NoError(t, s.Add(context.Background(), "weekly", "@weekly", false))
	assert.Error(t, s.Add(context.Background(), "", "@daily", true))
	assert.Error(t, s.Add(context.Background(), "bad", "not cron", true))

	saved, err := st.ListSchedules(false)
	require.NoError(t, err)
	assert.Len(t, saved, 2)

	require.NoError(t, s.Remove("weekly"))
	saved, err = st.ListSchedules(false)
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestStartLoadsActiveSchedules(t *testing.T) {
	st := testStore(t)
	require.NoError(t, st.SaveSchedule(&store.Schedule{Name: "nightly", CronExpr: "0 2 * * *", Active: true}))
	require.NoError(t, st.SaveSchedule(&store.Schedule{Name: "paused", CronExpr: "0 3 * * *", Active: false}))

	s := New(st, func(ctx context.Context, name string) {}, logger.Discard())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "nightly", entries[0].Name)
	assert.False(t, entries[0].NextRun.IsZero())
}

func TestFiresRun(t *testing.T) {
	st := testStore(t)
	var fired atomic.Int32
	s := New(st, func(ctx context.Context, name string) {
		if name == "fast" {
			fired.Add(1)
		}
	}, logger.Discard())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.NoError(t, s.Add(context.Background(), "fast", "1s", true))

	deadline := time.After(5 * time.Second)
	for fired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("schedule never fired")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
