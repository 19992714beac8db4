package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/takemura/backhaul/internal/checksum"
	apperrors "github.com/takemura/backhaul/internal/errors"
	"github.com/takemura/backhaul/internal/logger"
	"github.com/takemura/backhaul/internal/retry"
)

// TransferConfig carries the per-attempt parameters of one upload.
type TransferConfig struct {
	Endpoint   string // receiver host:port
	UseTLS     bool
	AuthToken  string
	TargetName string // file name on the receiver; defaults to the local base name
	TargetPath string // optional explicit path on the receiver

	Strategy            ChunkingStrategy
	MaxConcurrentChunks int
	Retry               retry.Policy
	RequestTimeout      time.Duration

	OnProgress func(TransferProgress)
}

// TransferResult reports the outcome of a transfer attempt. On failure
// ResumeToken, when non-empty, lets a later attempt continue where this one
// stopped.
type TransferResult struct {
	Success        bool
	TransferID     string
	RemotePath     string
	RemoteSize     int64
	RemoteChecksum string
	BytesSent      int64
	Duration       time.Duration
	ResumeToken    string
	Err            error
}

// Client splits a file into chunks and drives uploads to a receiver,
// retrying transient failures and reporting progress per completed chunk.
type Client struct {
	http *http.Client
	log  *logger.Logger
}

func NewClient(log *logger.Logger) *Client {
	if log == nil {
		log = logger.Discard()
	}
	return &Client{
		http: &http.Client{},
		log:  log,
	}
}

// Transfer uploads filePath to the receiver from scratch.
func (c *Client) Transfer(ctx context.Context, filePath string, cfg TransferConfig) TransferResult {
	start := time.Now()

	meta, err := c.validate(filePath, &cfg)
	if err != nil {
		return TransferResult{Err: err, Duration: time.Since(start)}
	}

	var initResp InitResponse
	err = cfg.Retry.Do(ctx, "initialize transfer", meta.Name, func(ctx context.Context) error {
		return c.postJSON(ctx, cfg, "/api/v1/transfers", InitRequest{Metadata: meta}, &initResp)
	})
	if err != nil {
		return TransferResult{Err: err, Duration: time.Since(start)}
	}

	missing := make([]int, meta.ChunkCount)
	for i := range missing {
		missing[i] = i
	}
	return c.run(ctx, filePath, meta, initResp.TransferID, missing, cfg, start)
}

// Resume fetches the resume info behind token and sends exactly the
// complement of the completed indices.
func (c *Client) Resume(ctx context.Context, token, filePath string, cfg TransferConfig) TransferResult {
	start := time.Now()

	meta, err := c.validate(filePath, &cfg)
	if err != nil {
		return TransferResult{Err: err, Duration: time.Since(start)}
	}

	var resumeResp ResumeResponse
	err = cfg.Retry.Do(ctx, "resume handshake", token, func(ctx context.Context) error {
		return c.postJSON(ctx, cfg, "/api/v1/transfers/resume", ResumeRequest{Token: token, Metadata: meta}, &resumeResp)
	})
	if err != nil {
		return TransferResult{Err: err, ResumeToken: token, Duration: time.Since(start)}
	}

	completed := make(map[int]bool, len(resumeResp.Completed))
	for _, idx := range resumeResp.Completed {
		completed[idx] = true
	}
	var missing []int
	for i := 0; i < meta.ChunkCount; i++ {
		if !completed[i] {
			missing = append(missing, i)
		}
	}

	c.log.Info("resuming transfer",
		"transfer_id", resumeResp.TransferID, "completed", len(resumeResp.Completed), "missing", len(missing))
	return c.run(ctx, filePath, meta, resumeResp.TransferID, missing, cfg, start)
}

// validate checks local file and endpoint syntax before any network attempt.
// Invalid input fails immediately without consuming a retry.
func (c *Client) validate(filePath string, cfg *TransferConfig) (FileMetadata, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return FileMetadata{}, apperrors.Wrap(err, apperrors.TypeValidation, "backup file not found", "Check the path passed to the transfer.")
	}
	if info.IsDir() {
		return FileMetadata{}, apperrors.New(apperrors.TypeValidation, "backup path is a directory", "")
	}

	host, portStr, err := net.SplitHostPort(cfg.Endpoint)
	if err != nil {
		return FileMetadata{}, apperrors.Wrap(err, apperrors.TypeValidation, "invalid endpoint", "Use host:port.")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return FileMetadata{}, apperrors.New(apperrors.TypeValidation,
			fmt.Sprintf("invalid port %q", portStr), "Port must be in [1,65535].")
	}
	if net.ParseIP(host) == nil {
		if _, err := net.LookupHost(host); err != nil {
			return FileMetadata{}, apperrors.Wrap(err, apperrors.TypeValidation, "endpoint host does not resolve", "")
		}
	}

	if cfg.MaxConcurrentChunks <= 0 {
		cfg.MaxConcurrentChunks = 4
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.TargetName == "" {
		cfg.TargetName = filepath.Base(filePath)
	}

	sum, size, err := checksum.SHA256File(filePath)
	if err != nil {
		return FileMetadata{}, apperrors.Wrap(err, apperrors.TypeResource, "failed to hash backup file", "")
	}
	chunkSize := cfg.Strategy.ChunkSize(size)

	return FileMetadata{
		Name:       cfg.TargetName,
		Size:       size,
		Checksum:   sum,
		ChunkSize:  chunkSize,
		ChunkCount: CountChunks(size, chunkSize),
	}, nil
}

// run sends the given chunk indices with bounded concurrency, then finalizes.
func (c *Client) run(ctx context.Context, filePath string, meta FileMetadata, transferID string, missing []int, cfg TransferConfig, start time.Time) TransferResult {
	f, err := os.Open(filePath)
	if err != nil {
		return TransferResult{TransferID: transferID, Err: apperrors.Wrap(err, apperrors.TypeResource, "failed to open backup file", ""), Duration: time.Since(start)}
	}
	defer f.Close()

	alreadySent := meta.Size
	for _, idx := range missing {
		alreadySent -= meta.SizeOfChunk(idx)
	}
	tracker := newRateTracker(meta.Size, alreadySent)

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	indices := make(chan int)
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var sendErr error

	fail := func(err error) {
		errMu.Lock()
		if sendErr == nil {
			sendErr = err
		}
		errMu.Unlock()
		cancel()
	}

	for w := 0; w < cfg.MaxConcurrentChunks; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each worker reuses one buffer sized to the largest chunk.
			buf := make([]byte, meta.ChunkSize)
			for idx := range indices {
				// An in-flight send completes; no new sends start once
				// cancellation is observed.
				if sendCtx.Err() != nil {
					return
				}
				if err := c.sendChunk(sendCtx, f, meta, transferID, idx, buf, cfg); err != nil {
					fail(err)
					return
				}
				p := tracker.completed(transferID, idx, meta.SizeOfChunk(idx))
				if cfg.OnProgress != nil {
					cfg.OnProgress(p)
				}
			}
		}()
	}

dispatch:
	for _, idx := range missing {
		select {
		case indices <- idx:
		case <-sendCtx.Done():
			break dispatch
		}
	}
	close(indices)
	wg.Wait()

	if sendErr == nil && ctx.Err() != nil {
		sendErr = ctx.Err()
	}
	if sendErr != nil {
		token := c.fetchResumeToken(cfg, transferID)
		c.log.Warn("transfer aborted", "transfer_id", transferID, "resume_token", token, "error", sendErr)
		return TransferResult{
			TransferID:  transferID,
			BytesSent:   tracker.bytesSent(),
			Duration:    time.Since(start),
			ResumeToken: token,
			Err:         sendErr,
		}
	}

	var finResp FinalizeResponse
	err = cfg.Retry.Do(ctx, "finalize transfer", transferID, func(ctx context.Context) error {
		return c.postJSON(ctx, cfg, "/api/v1/transfers/"+transferID+"/finalize", FinalizeRequest{TargetPath: cfg.TargetPath}, &finResp)
	})
	if err != nil {
		token := c.fetchResumeToken(cfg, transferID)
		return TransferResult{
			TransferID:  transferID,
			BytesSent:   tracker.bytesSent(),
			Duration:    time.Since(start),
			ResumeToken: token,
			Err:         err,
		}
	}

	return TransferResult{
		Success:        true,
		TransferID:     transferID,
		RemotePath:     finResp.Path,
		RemoteSize:     finResp.Size,
		RemoteChecksum: finResp.Checksum,
		BytesSent:      tracker.bytesSent(),
		Duration:       time.Since(start),
	}
}

func (c *Client) sendChunk(ctx context.Context, f *os.File, meta FileMetadata, transferID string, index int, buf []byte, cfg TransferConfig) error {
	size := meta.SizeOfChunk(index)
	payload := buf[:size]
	if _, err := f.ReadAt(payload, int64(index)*meta.ChunkSize); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, fmt.Sprintf("failed to read chunk %d", index), "")
	}
	sum := checksum.SHA256Bytes(payload)

	return cfg.Retry.Do(ctx, fmt.Sprintf("send chunk %d", index), transferID, func(ctx context.Context) error {
		url := fmt.Sprintf("%s/api/v1/transfers/%s/chunks/%d", c.baseURL(cfg), transferID, index)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("X-Backhaul-Checksum", sum)
		c.authorize(req, cfg)

		resp, err := c.http.Do(req)
		if err != nil {
			return apperrors.Wrap(err, apperrors.TypeConnection, fmt.Sprintf("chunk %d send failed", index), "")
		}
		defer resp.Body.Close()

		var cr ChunkResponse
		if err := decodeResponse(resp, &cr); err != nil {
			return err
		}
		switch cr.Status {
		case ChunkAccepted, ChunkDuplicate:
			return nil
		case ChunkChecksumMismatch:
			return apperrors.Wrap(apperrors.ErrChecksumMismatch, apperrors.TypeConnection,
				fmt.Sprintf("chunk %d corrupted in transit", index), "")
		case ChunkUnknownTransfer:
			return apperrors.ErrUnknownTransfer
		default:
			return apperrors.New(apperrors.TypeInternal, fmt.Sprintf("unexpected chunk status %q", cr.Status), "")
		}
	})
}

// fetchResumeToken asks the receiver for a durable token after an aborted
// transfer. Best effort: returns "" when the receiver is unreachable too.
func (c *Client) fetchResumeToken(cfg TransferConfig, transferID string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var tr TokenResponse
	if err := c.postJSON(ctx, cfg, "/api/v1/transfers/"+transferID+"/token", struct{}{}, &tr); err != nil {
		return ""
	}
	return tr.Token
}

func (c *Client) baseURL(cfg TransferConfig) string {
	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	return scheme + "://" + cfg.Endpoint
}

func (c *Client) authorize(req *http.Request, cfg TransferConfig) {
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
}

func (c *Client) postJSON(ctx context.Context, cfg TransferConfig, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL(cfg)+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, cfg)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeConnection, "request failed", "")
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

// decodeResponse maps receiver status codes onto the error taxonomy: 5xx is
// transient, auth failures and validation errors are not.
func decodeResponse(resp *http.Response, out any) error {
	switch {
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.New(apperrors.TypeConnection,
			fmt.Sprintf("receiver error %d: %s", resp.StatusCode, bytes.TrimSpace(body)), "")
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return apperrors.New(apperrors.TypeAuth, "receiver rejected the transfer session", "Check the configured auth token.")
	case resp.StatusCode == http.StatusConflict:
		var er ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		return apperrors.Wrap(&apperrors.IncompleteTransferError{Missing: er.Missing},
			apperrors.TypeIncomplete, er.Error, "")
	case resp.StatusCode >= 400:
		var er ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		return apperrors.New(apperrors.TypeValidation, er.Error, "")
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.TypeInternal, "malformed receiver response", "")
	}
	return nil
}
