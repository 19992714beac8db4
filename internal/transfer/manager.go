package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/takemura/backhaul/internal/checksum"
	apperrors "github.com/takemura/backhaul/internal/errors"
	"github.com/takemura/backhaul/internal/logger"
)

const chunkFilePattern = "chunk-%06d"

// Manager owns the transfer-session state machine: it registers sessions,
// accepts chunks in any order, reassembles the final file and keeps resume
// tokens. Chunk payloads are spooled to disk, never buffered in memory.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session

	spoolDir    string
	targetDir   string
	tokens      TokenStore
	maxTokenAge time.Duration
	log         *logger.Logger
}

type session struct {
	mu           sync.Mutex
	id           string
	meta         FileMetadata
	dir          string
	accepted     map[int]string // index -> chunk checksum
	finalized    bool
	lastActivity time.Time
	tokenID      string
}

type ManagerOptions struct {
	SpoolDir    string
	TargetDir   string
	Tokens      TokenStore
	MaxTokenAge time.Duration
	Logger      *logger.Logger
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.SpoolDir == "" {
		return nil, apperrors.New(apperrors.TypeValidation, "spool directory is required", "")
	}
	if err := os.MkdirAll(opts.SpoolDir, 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to create spool directory", "Check permissions on the spool path.")
	}
	if opts.TargetDir != "" {
		if err := os.MkdirAll(opts.TargetDir, 0o755); err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to create target directory", "Check permissions on the target path.")
		}
	}
	if opts.Tokens == nil {
		opts.Tokens = NewMemoryTokenStore()
	}
	if opts.MaxTokenAge <= 0 {
		opts.MaxTokenAge = 72 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}

	return &Manager{
		sessions:    make(map[string]*session),
		spoolDir:    opts.SpoolDir,
		targetDir:   opts.TargetDir,
		tokens:      opts.Tokens,
		maxTokenAge: opts.MaxTokenAge,
		log:         opts.Logger,
	}, nil
}

// Init allocates a fresh transfer session. No resume token exists yet.
func (m *Manager) Init(ctx context.Context, meta FileMetadata) (string, error) {
	if err := meta.Validate(); err != nil {
		return "", err
	}

	id := uuid.New().String()
	dir := filepath.Join(m.spoolDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to create session spool", "")
	}

	s := &session{
		id:           id,
		meta:         meta,
		dir:          dir,
		accepted:     make(map[int]string),
		lastActivity: time.Now(),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.log.Info("transfer session initialized",
		"transfer_id", id, "file", meta.Name, "size", meta.Size, "chunks", meta.ChunkCount)
	return id, nil
}

// Receive validates and stores one chunk. Re-delivery of an accepted index is
// an idempotent no-op; a checksum failure leaves the index unrecorded so only
// that chunk is retried.
func (m *Manager) Receive(ctx context.Context, transferID string, chunk ChunkData) (ChunkStatus, error) {
	s := m.lookup(transferID)
	if s == nil {
		return ChunkUnknownTransfer, nil
	}

	if chunk.Index < 0 || chunk.Index >= s.meta.ChunkCount {
		return "", apperrors.New(apperrors.TypeValidation,
			fmt.Sprintf("chunk index %d out of range [0,%d)", chunk.Index, s.meta.ChunkCount), "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return ChunkDuplicate, nil
	}
	if _, ok := s.accepted[chunk.Index]; ok {
		return ChunkDuplicate, nil
	}

	if checksum.SHA256Bytes(chunk.Payload) != chunk.Checksum {
		m.log.Warn("chunk checksum mismatch", "transfer_id", transferID, "index", chunk.Index)
		return ChunkChecksumMismatch, nil
	}

	if err := writeChunkFile(filepath.Join(s.dir, fmt.Sprintf(chunkFilePattern, chunk.Index)), chunk.Payload); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to spool chunk", "Check free space on the spool volume.")
	}

	s.accepted[chunk.Index] = chunk.Checksum
	s.lastActivity = time.Now()

	// The token is created on the first accepted chunk and tracks the
	// completed set from then on, so an interruption at any point resumes.
	if err := m.persistTokenLocked(ctx, s); err != nil {
		m.log.Warn("failed to persist resume token", "transfer_id", transferID, "error", err)
	}

	return ChunkAccepted, nil
}

// Finalize reassembles the file strictly by chunk index. Every index in
// [0, ChunkCount) must have been accepted; otherwise it fails with an
// IncompleteTransferError and the session stays resumable.
func (m *Manager) Finalize(ctx context.Context, transferID, targetPath string) (FinalizeResponse, error) {
	s := m.lookup(transferID)
	if s == nil {
		return FinalizeResponse{}, apperrors.ErrUnknownTransfer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []int
	for i := 0; i < s.meta.ChunkCount; i++ {
		if _, ok := s.accepted[i]; !ok {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return FinalizeResponse{}, apperrors.Wrap(
			&apperrors.IncompleteTransferError{TransferID: transferID, Missing: missing},
			apperrors.TypeIncomplete, "transfer incomplete", "Resume the transfer to deliver the missing chunks.")
	}

	if targetPath == "" {
		if m.targetDir == "" {
			return FinalizeResponse{}, apperrors.New(apperrors.TypeValidation, "no target path configured", "")
		}
		targetPath = filepath.Join(m.targetDir, filepath.Base(s.meta.Name))
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return FinalizeResponse{}, apperrors.Wrap(err, apperrors.TypeResource, "failed to create target directory", "")
	}

	// Assemble into a temp file and rename so a failed finalize never
	// clobbers a previously stored backup.
	tmpPath := targetPath + ".partial"
	sum, size, err := m.assemble(s, tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return FinalizeResponse{}, err
	}

	if sum != s.meta.Checksum {
		os.Remove(tmpPath)
		return FinalizeResponse{}, apperrors.Wrap(apperrors.ErrChecksumMismatch, apperrors.TypeIntegrity,
			"reassembled file checksum mismatch", "One or more spooled chunks are corrupt; resume the transfer.")
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return FinalizeResponse{}, apperrors.Wrap(err, apperrors.TypeResource, "failed to move file into place", "")
	}

	s.finalized = true
	s.lastActivity = time.Now()

	if s.tokenID != "" {
		if err := m.tokens.DeleteToken(ctx, s.tokenID); err != nil {
			m.log.Warn("failed to delete resume token after finalize", "token", s.tokenID, "error", err)
		}
	}
	os.RemoveAll(s.dir)

	m.mu.Lock()
	delete(m.sessions, transferID)
	m.mu.Unlock()

	m.log.Info("transfer finalized", "transfer_id", transferID, "path", targetPath, "size", size)
	return FinalizeResponse{Path: targetPath, Size: size, Checksum: sum}, nil
}

func (m *Manager) assemble(s *session, tmpPath string) (string, int64, error) {
	out, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, apperrors.Wrap(err, apperrors.TypeResource, "failed to create output file", "")
	}
	defer out.Close()

	var size int64
	for i := 0; i < s.meta.ChunkCount; i++ {
		in, err := os.Open(filepath.Join(s.dir, fmt.Sprintf(chunkFilePattern, i)))
		if err != nil {
			return "", 0, apperrors.Wrap(
				&apperrors.IncompleteTransferError{TransferID: s.id, Missing: []int{i}},
				apperrors.TypeIncomplete, "spooled chunk missing", "Resume the transfer to redeliver it.")
		}
		n, err := io.Copy(out, in)
		in.Close()
		if err != nil {
			return "", 0, apperrors.Wrap(err, apperrors.TypeResource, "failed to append chunk", "")
		}
		size += n
	}

	if err := out.Sync(); err != nil {
		return "", 0, apperrors.Wrap(err, apperrors.TypeResource, "failed to sync output file", "")
	}
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return "", 0, err
	}
	sum, err := checksum.SHA256Reader(out)
	if err != nil {
		return "", 0, err
	}
	return sum, size, nil
}

// CreateResumeToken returns the session's durable token, creating one if no
// chunk has been accepted yet.
func (m *Manager) CreateResumeToken(ctx context.Context, transferID string) (string, error) {
	s := m.lookup(transferID)
	if s == nil {
		return "", apperrors.ErrUnknownTransfer
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := m.persistTokenLocked(ctx, s); err != nil {
		return "", err
	}
	return s.tokenID, nil
}

// ResumeInfo returns the durable state behind a token.
func (m *Manager) ResumeInfo(ctx context.Context, tokenID string) (*ResumeToken, error) {
	return m.tokens.LoadToken(ctx, tokenID)
}

// Restore associates a (possibly new) transfer session with a token's
// completed set so the client only resends missing indices. Spooled chunks
// that disappeared since the interruption are dropped from the set.
func (m *Manager) Restore(ctx context.Context, tokenID string, meta FileMetadata) (string, []int, error) {
	if err := meta.Validate(); err != nil {
		return "", nil, err
	}

	token, err := m.tokens.LoadToken(ctx, tokenID)
	if err != nil {
		return "", nil, err
	}
	if !token.Matches(meta) {
		return "", nil, apperrors.New(apperrors.TypeValidation, "resume token does not match file",
			"The file changed since the interrupted transfer; start a fresh one.")
	}

	// Reuse the live session when the receiver never restarted.
	if s := m.lookup(token.TransferID); s != nil {
		s.mu.Lock()
		completed := make([]int, 0, len(s.accepted))
		for idx := range s.accepted {
			completed = append(completed, idx)
		}
		s.lastActivity = time.Now()
		s.mu.Unlock()
		sort.Ints(completed)
		return token.TransferID, completed, nil
	}

	// The spool volume may have been wiped along with the restart; chunks
	// whose files are gone drop out of the completed set and are resent.
	if err := os.MkdirAll(token.SpoolDir, 0o755); err != nil {
		return "", nil, apperrors.Wrap(err, apperrors.TypeResource,
			"failed to recreate spool directory", "Check permissions on the spool volume.")
	}

	id := uuid.New().String()
	s := &session{
		id:           id,
		meta:         meta,
		dir:          token.SpoolDir,
		accepted:     make(map[int]string, len(token.Completed)),
		lastActivity: time.Now(),
		tokenID:      token.ID,
	}
	for idx, sum := range token.Completed {
		if _, err := os.Stat(filepath.Join(token.SpoolDir, fmt.Sprintf(chunkFilePattern, idx))); err != nil {
			continue
		}
		s.accepted[idx] = sum
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	token.TransferID = id
	token.LastActivity = time.Now()
	if err := m.tokens.SaveToken(ctx, token); err != nil {
		m.log.Warn("failed to update resume token", "token", token.ID, "error", err)
	}

	completed := make([]int, 0, len(s.accepted))
	for idx := range s.accepted {
		completed = append(completed, idx)
	}
	sort.Ints(completed)

	m.log.Info("transfer session restored",
		"transfer_id", id, "token", tokenID, "completed", len(completed), "total", meta.ChunkCount)
	return id, completed, nil
}

// CleanupToken removes a token and its spooled chunks after finalize or
// explicit abandonment.
func (m *Manager) CleanupToken(ctx context.Context, tokenID string) error {
	token, err := m.tokens.LoadToken(ctx, tokenID)
	if err != nil {
		return err
	}

	if s := m.lookup(token.TransferID); s != nil {
		m.mu.Lock()
		delete(m.sessions, token.TransferID)
		m.mu.Unlock()
	}
	if token.SpoolDir != "" {
		os.RemoveAll(token.SpoolDir)
	}
	return m.tokens.DeleteToken(ctx, tokenID)
}

// SweepExpired drops sessions and tokens that have been idle past the max
// token age, reclaiming their spool space.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.maxTokenAge)

	m.mu.Lock()
	var stale []*session
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := s.lastActivity.Before(cutoff)
		s.mu.Unlock()
		if idle {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		os.RemoveAll(s.dir)
		if s.tokenID != "" {
			if err := m.tokens.DeleteToken(ctx, s.tokenID); err != nil {
				m.log.Warn("failed to delete expired token", "token", s.tokenID, "error", err)
			}
		}
	}

	removed, err := m.tokens.DeleteExpiredTokens(ctx, cutoff)
	if err != nil {
		return len(stale), err
	}
	return len(stale) + removed, nil
}

// ActiveSessions reports how many transfers are currently registered.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) lookup(transferID string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[transferID]
}

// persistTokenLocked snapshots the session's completed set into its token.
// Caller holds s.mu.
func (m *Manager) persistTokenLocked(ctx context.Context, s *session) error {
	if s.tokenID == "" {
		s.tokenID = uuid.New().String()
	}

	completed := make(map[int]string, len(s.accepted))
	for k, v := range s.accepted {
		completed[k] = v
	}
	return m.tokens.SaveToken(ctx, &ResumeToken{
		ID:           s.tokenID,
		TransferID:   s.id,
		FileName:     s.meta.Name,
		FileSize:     s.meta.Size,
		FileChecksum: s.meta.Checksum,
		SpoolDir:     s.dir,
		Completed:    completed,
		LastActivity: s.lastActivity,
	})
}

// writeChunkFile writes the payload atomically so a crashed write never
// leaves a half-written chunk that later passes reassembly.
func writeChunkFile(path string, payload []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
