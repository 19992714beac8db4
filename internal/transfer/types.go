// Package transfer implements the chunked, resumable file-transfer protocol:
// the server-side chunk manager with resume-token bookkeeping and the client
// that splits a file into chunks and drives uploads.
package transfer

import (
	"fmt"
	"sort"
	"time"

	apperrors "github.com/takemura/backhaul/internal/errors"
)

// FileMetadata describes the file a transfer session carries.
// Size always equals ChunkSize*(ChunkCount-1) + the final partial chunk.
type FileMetadata struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum"` // SHA-256 of the whole file
	ChunkSize  int64  `json:"chunk_size"`
	ChunkCount int    `json:"chunk_count"`
}

func (m FileMetadata) Validate() error {
	if m.Name == "" {
		return apperrors.New(apperrors.TypeValidation, "file name is required", "")
	}
	if m.Size <= 0 {
		return apperrors.New(apperrors.TypeValidation, "file size must be positive", "")
	}
	if m.ChunkSize <= 0 {
		return apperrors.New(apperrors.TypeValidation, "chunk size must be positive", "")
	}
	if m.Checksum == "" {
		return apperrors.New(apperrors.TypeValidation, "file checksum is required", "")
	}
	if want := CountChunks(m.Size, m.ChunkSize); m.ChunkCount != want {
		return apperrors.New(apperrors.TypeValidation,
			fmt.Sprintf("chunk count %d does not match size/chunk-size (want %d)", m.ChunkCount, want), "")
	}
	return nil
}

// SizeOfChunk returns the payload length of the chunk at index.
func (m FileMetadata) SizeOfChunk(index int) int64 {
	if index == m.ChunkCount-1 {
		if rem := m.Size % m.ChunkSize; rem != 0 {
			return rem
		}
	}
	return m.ChunkSize
}

// CountChunks returns how many chunks of chunkSize cover size bytes.
func CountChunks(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// ChunkData is one transfer unit. Index is in [0, ChunkCount).
type ChunkData struct {
	Index    int
	Payload  []byte
	Checksum string // SHA-256 of Payload
}

// ChunkStatus is the tagged outcome of delivering one chunk.
type ChunkStatus string

const (
	ChunkAccepted         ChunkStatus = "accepted"
	ChunkDuplicate        ChunkStatus = "duplicate"
	ChunkChecksumMismatch ChunkStatus = "checksum_mismatch"
	ChunkUnknownTransfer  ChunkStatus = "unknown_transfer"
)

// ChunkingStrategy scales chunk size with file size, trading per-chunk
// overhead against per-chunk memory.
type ChunkingStrategy struct {
	MinChunkSize int64
	MaxChunkSize int64
	TargetChunks int
}

func DefaultStrategy() ChunkingStrategy {
	return ChunkingStrategy{
		MinChunkSize: 1 << 20,  // 1 MiB
		MaxChunkSize: 64 << 20, // 64 MiB
		TargetChunks: 64,
	}
}

// ChunkSize picks the chunk size for a file of the given size.
func (s ChunkingStrategy) ChunkSize(fileSize int64) int64 {
	min := s.MinChunkSize
	if min <= 0 {
		min = 1 << 20
	}
	max := s.MaxChunkSize
	if max < min {
		max = 64 << 20
	}
	target := int64(s.TargetChunks)
	if target <= 0 {
		target = 64
	}

	size := fileSize / target
	if size < min {
		return min
	}
	if size > max {
		return max
	}
	return size
}

// Wire messages exchanged between client and receiver.

type InitRequest struct {
	Metadata FileMetadata `json:"metadata"`
}

type InitResponse struct {
	TransferID string `json:"transfer_id"`
}

type ChunkResponse struct {
	Status ChunkStatus `json:"status"`
}

type FinalizeRequest struct {
	TargetPath string `json:"target_path,omitempty"`
}

type FinalizeResponse struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

type ResumeRequest struct {
	Token    string       `json:"token"`
	Metadata FileMetadata `json:"metadata"`
}

type ResumeResponse struct {
	TransferID string `json:"transfer_id"`
	Completed  []int  `json:"completed"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Missing []int  `json:"missing,omitempty"`
}

// ResumeToken is the durable record that lets an interrupted transfer
// continue from the last confirmed chunk. The completed set only grows.
type ResumeToken struct {
	ID           string
	TransferID   string
	FileName     string
	FileSize     int64
	FileChecksum string
	SpoolDir     string
	Completed    map[int]string // index -> chunk checksum
	LastActivity time.Time
	Done         bool
}

// Matches reports whether the token belongs to the same file identity.
func (t *ResumeToken) Matches(meta FileMetadata) bool {
	return t.FileName == meta.Name &&
		t.FileSize == meta.Size &&
		t.FileChecksum == meta.Checksum
}

// CompletedIndices returns the sorted completed set.
func (t *ResumeToken) CompletedIndices() []int {
	out := make([]int, 0, len(t.Completed))
	for idx := range t.Completed {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
