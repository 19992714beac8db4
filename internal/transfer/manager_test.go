package transfer

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takemura/backhaul/internal/checksum"
	apperrors "github.com/takemura/backhaul/internal/errors"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	base := t.TempDir()
	m, err := NewManager(ManagerOptions{
		SpoolDir:  filepath.Join(base, "spool"),
		TargetDir: filepath.Join(base, "backups"),
	})
	require.NoError(t, err)
	return m
}

func makeFile(t *testing.T, size int) ([]byte, FileMetadata) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.New(rand.NewSource(42)).Read(data)
	require.NoError(t, err)

	chunkSize := int64(1 << 20)
	meta := FileMetadata{
		Name:       "dump.tar.zst",
		Size:       int64(size),
		Checksum:   checksum.SHA256Bytes(data),
		ChunkSize:  chunkSize,
		ChunkCount: CountChunks(int64(size), chunkSize),
	}
	return data, meta
}

func chunkAt(data []byte, meta FileMetadata, index int) ChunkData {
	start := int64(index) * meta.ChunkSize
	end := start + meta.SizeOfChunk(index)
	payload := data[start:end]
	return ChunkData{Index: index, Payload: payload, Checksum: checksum.SHA256Bytes(payload)}
}

func TestManager_ReassemblesAnyDeliveryOrder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	data, meta := makeFile(t, 10<<20) // 10 MiB, 1 MiB chunks -> 10 chunks
	require.Equal(t, 10, meta.ChunkCount)

	id, err := m.Init(ctx, meta)
	require.NoError(t, err)

	order := []int{0, 2, 1, 3, 4, 5, 6, 7, 8, 9}
	for _, idx := range order {
		status, err := m.Receive(ctx, id, chunkAt(data, meta, idx))
		require.NoError(t, err)
		assert.Equal(t, ChunkAccepted, status, "index %d", idx)
	}

	res, err := m.Finalize(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, meta.Checksum, res.Checksum)
	assert.Equal(t, meta.Size, res.Size)

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "reassembled bytes must equal original")
}

func TestManager_ShuffledPermutation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	data, meta := makeFile(t, 5<<20+12345) // uneven final chunk
	id, err := m.Init(ctx, meta)
	require.NoError(t, err)

	perm := rand.New(rand.NewSource(7)).Perm(meta.ChunkCount)
	for _, idx := range perm {
		status, err := m.Receive(ctx, id, chunkAt(data, meta, idx))
		require.NoError(t, err)
		require.Equal(t, ChunkAccepted, status)
	}

	res, err := m.Finalize(ctx, id, "")
	require.NoError(t, err)
	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestManager_DuplicateDeliveryIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	data, meta := makeFile(t, 3<<20)
	id, err := m.Init(ctx, meta)
	require.NoError(t, err)

	c := chunkAt(data, meta, 1)
	status, err := m.Receive(ctx, id, c)
	require.NoError(t, err)
	require.Equal(t, ChunkAccepted, status)

	// Same index again, even with different payload bytes: storage unchanged.
	mutated := chunkAt(data, meta, 1)
	mutated.Payload = bytes.Repeat([]byte{0xFF}, len(mutated.Payload))
	mutated.Checksum = checksum.SHA256Bytes(mutated.Payload)
	status, err = m.Receive(ctx, id, mutated)
	require.NoError(t, err)
	assert.Equal(t, ChunkDuplicate, status)

	stored, err := os.ReadFile(filepath.Join(m.spoolDir, id, fmt.Sprintf(chunkFilePattern, 1)))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(c.Payload, stored), "first accepted payload must survive")
}

func TestManager_ChecksumMismatchNeverCompletes(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	data, meta := makeFile(t, 2<<20)
	id, err := m.Init(ctx, meta)
	require.NoError(t, err)

	good := chunkAt(data, meta, 0)
	status, err := m.Receive(ctx, id, good)
	require.NoError(t, err)
	require.Equal(t, ChunkAccepted, status)

	bad := chunkAt(data, meta, 1)
	bad.Checksum = checksum.SHA256Bytes([]byte("not the payload"))
	status, err = m.Receive(ctx, id, bad)
	require.NoError(t, err)
	assert.Equal(t, ChunkChecksumMismatch, status)

	_, err = m.Finalize(ctx, id, "")
	require.Error(t, err)
	var inc *apperrors.IncompleteTransferError
	require.ErrorAs(t, err, &inc)
	assert.Equal(t, []int{1}, inc.Missing)

	// The corrupted index can still be delivered afterwards.
	status, err = m.Receive(ctx, id, chunkAt(data, meta, 1))
	require.NoError(t, err)
	assert.Equal(t, ChunkAccepted, status)

	_, err = m.Finalize(ctx, id, "")
	assert.NoError(t, err)
}

func TestManager_UnknownTransfer(t *testing.T) {
	m := newTestManager(t)

	status, err := m.Receive(context.Background(), "nope", ChunkData{Index: 0, Payload: []byte("x"), Checksum: checksum.SHA256Bytes([]byte("x"))})
	require.NoError(t, err)
	assert.Equal(t, ChunkUnknownTransfer, status)

	_, err = m.Finalize(context.Background(), "nope", "")
	assert.True(t, apperrors.Is(err, apperrors.TypeValidation))
}

func TestManager_IndexOutOfRangeRejected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	data, meta := makeFile(t, 2<<20)
	id, err := m.Init(ctx, meta)
	require.NoError(t, err)

	c := chunkAt(data, meta, 0)
	c.Index = meta.ChunkCount
	_, err = m.Receive(ctx, id, c)
	assert.True(t, apperrors.Is(err, apperrors.TypeValidation))
}

func TestManager_ResumeSendsOnlyMissingIndices(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	data, meta := makeFile(t, 8<<20)
	id, err := m.Init(ctx, meta)
	require.NoError(t, err)

	delivered := []int{0, 1, 2, 5, 7}
	for _, idx := range delivered {
		status, err := m.Receive(ctx, id, chunkAt(data, meta, idx))
		require.NoError(t, err)
		require.Equal(t, ChunkAccepted, status)
	}

	tokenID, err := m.CreateResumeToken(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, tokenID)

	// Simulate a receiver restart: the in-memory session is gone, only the
	// token and the spool survive.
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	newID, completed, err := m.Restore(ctx, tokenID, meta)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)
	assert.Equal(t, delivered, completed)

	for _, idx := range []int{3, 4, 6} {
		status, err := m.Receive(ctx, newID, chunkAt(data, meta, idx))
		require.NoError(t, err)
		require.Equal(t, ChunkAccepted, status, "missing index %d must be accepted", idx)
	}

	res, err := m.Finalize(ctx, newID, "")
	require.NoError(t, err)
	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	// Token is gone once finalize succeeds.
	_, err = m.ResumeInfo(ctx, tokenID)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestManager_RestoreAfterSpoolLoss(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	data, meta := makeFile(t, 3<<20)
	id, err := m.Init(ctx, meta)
	require.NoError(t, err)

	status, err := m.Receive(ctx, id, chunkAt(data, meta, 0))
	require.NoError(t, err)
	require.Equal(t, ChunkAccepted, status)

	tokenID, err := m.CreateResumeToken(ctx, id)
	require.NoError(t, err)

	token, err := m.ResumeInfo(ctx, tokenID)
	require.NoError(t, err)

	// A restart that also wiped the spool volume: session and chunk files
	// are both gone, only the token survives.
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	require.NoError(t, os.RemoveAll(token.SpoolDir))

	newID, completed, err := m.Restore(ctx, tokenID, meta)
	require.NoError(t, err)
	assert.Empty(t, completed, "chunks lost with the spool must be resent")

	// Every chunk, including the previously accepted one, goes through.
	for idx := 0; idx < meta.ChunkCount; idx++ {
		status, err := m.Receive(ctx, newID, chunkAt(data, meta, idx))
		require.NoError(t, err)
		require.Equal(t, ChunkAccepted, status, "index %d after spool loss", idx)
	}

	res, err := m.Finalize(ctx, newID, "")
	require.NoError(t, err)
	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestManager_RestoreRejectsMismatchedFile(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	data, meta := makeFile(t, 2<<20)
	id, err := m.Init(ctx, meta)
	require.NoError(t, err)
	_, err = m.Receive(ctx, id, chunkAt(data, meta, 0))
	require.NoError(t, err)

	tokenID, err := m.CreateResumeToken(ctx, id)
	require.NoError(t, err)

	other := meta
	other.Checksum = checksum.SHA256Bytes([]byte("different content"))
	_, _, err = m.Restore(ctx, tokenID, other)
	assert.True(t, apperrors.Is(err, apperrors.TypeValidation))
}

func TestManager_RemovedSpooledChunkFailsRefinalize(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	data, meta := makeFile(t, 10<<20)
	id, err := m.Init(ctx, meta)
	require.NoError(t, err)

	for i := 0; i < meta.ChunkCount; i++ {
		_, err := m.Receive(ctx, id, chunkAt(data, meta, i))
		require.NoError(t, err)
	}

	tokenID, err := m.CreateResumeToken(ctx, id)
	require.NoError(t, err)

	// Drop delivered chunk 5 from storage, then rebuild the session from the
	// token. Finalize must fail with an incomplete transfer for index 5.
	require.NoError(t, os.Remove(filepath.Join(m.spoolDir, id, fmt.Sprintf(chunkFilePattern, 5))))
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	newID, completed, err := m.Restore(ctx, tokenID, meta)
	require.NoError(t, err)
	assert.NotContains(t, completed, 5)

	_, err = m.Finalize(ctx, newID, "")
	var inc *apperrors.IncompleteTransferError
	require.ErrorAs(t, err, &inc)
	assert.Equal(t, []int{5}, inc.Missing)
}

func TestManager_CompletedSetOnlyGrows(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	data, meta := makeFile(t, 4<<20)
	id, err := m.Init(ctx, meta)
	require.NoError(t, err)

	var seen int
	for i := 0; i < meta.ChunkCount; i++ {
		_, err := m.Receive(ctx, id, chunkAt(data, meta, i))
		require.NoError(t, err)

		tokenID, err := m.CreateResumeToken(ctx, id)
		require.NoError(t, err)
		token, err := m.ResumeInfo(ctx, tokenID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(token.Completed), seen)
		seen = len(token.Completed)
	}
	assert.Equal(t, meta.ChunkCount, seen)
}

func TestManager_SweepExpired(t *testing.T) {
	base := t.TempDir()
	m, err := NewManager(ManagerOptions{
		SpoolDir:    filepath.Join(base, "spool"),
		TargetDir:   filepath.Join(base, "backups"),
		MaxTokenAge: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx := context.Background()

	data, meta := makeFile(t, 2<<20)
	id, err := m.Init(ctx, meta)
	require.NoError(t, err)
	_, err = m.Receive(ctx, id, chunkAt(data, meta, 0))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	removed, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, 1)
	assert.Equal(t, 0, m.ActiveSessions())
}

func TestManager_ConcurrentDuplicateDelivery(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	data, meta := makeFile(t, 4<<20)
	id, err := m.Init(ctx, meta)
	require.NoError(t, err)

	c := chunkAt(data, meta, 2)
	results := make(chan ChunkStatus, 8)
	for i := 0; i < 8; i++ {
		go func() {
			status, err := m.Receive(ctx, id, c)
			if err != nil {
				results <- ""
				return
			}
			results <- status
		}()
	}

	accepted, duplicate := 0, 0
	for i := 0; i < 8; i++ {
		switch <-results {
		case ChunkAccepted:
			accepted++
		case ChunkDuplicate:
			duplicate++
		default:
			t.Fatal("unexpected receive outcome")
		}
	}
	assert.Equal(t, 1, accepted, "exactly one concurrent delivery wins")
	assert.Equal(t, 7, duplicate)
}
