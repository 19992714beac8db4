// Package receiver is the server side of the transfer protocol: a long-lived
// HTTP listener that authenticates inbound sessions and feeds bytes into the
// chunk manager.
package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/takemura/backhaul/internal/archive"
	"github.com/takemura/backhaul/internal/checksum"
	apperrors "github.com/takemura/backhaul/internal/errors"
	"github.com/takemura/backhaul/internal/logger"
	"github.com/takemura/backhaul/internal/manifest"
	"github.com/takemura/backhaul/internal/metrics"
	"github.com/takemura/backhaul/internal/transfer"
)

// Authenticator validates an inbound transfer session before any bytes reach
// the chunk manager.
type Authenticator interface {
	Authorize(r *http.Request) error
}

// StaticTokenAuth authorizes requests carrying one of a fixed set of bearer
// tokens. An empty set means the receiver is open; useful only for tests.
type StaticTokenAuth struct {
	tokens map[string]struct{}
}

func NewStaticTokenAuth(tokens []string) *StaticTokenAuth {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return &StaticTokenAuth{tokens: set}
}

func (a *StaticTokenAuth) Authorize(r *http.Request) error {
	if len(a.tokens) == 0 {
		return nil
	}
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) {
		if _, ok := a.tokens[header[len(prefix):]]; ok {
			return nil
		}
	}
	return apperrors.New(apperrors.TypeAuth, "invalid transfer token", "")
}

type Options struct {
	Addr          string
	Manager       *transfer.Manager
	Auth          Authenticator
	Archiver      archive.Archiver
	MaxChunkBytes int64
	Logger        *logger.Logger
}

// Receiver accepts chunk uploads and hands them to the chunk manager. A
// connection-level failure never corrupts chunks already accepted; the
// client's resume token always recovers.
type Receiver struct {
	opts Options
	srv  *http.Server
	ln   net.Listener
	log  *logger.Logger
}

func New(opts Options) (*Receiver, error) {
	if opts.Manager == nil {
		return nil, apperrors.New(apperrors.TypeValidation, "receiver requires a chunk manager", "")
	}
	if opts.Auth == nil {
		opts.Auth = NewStaticTokenAuth(nil)
	}
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = 128 << 20
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}

	r := &Receiver{opts: opts, log: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/transfers", r.authed(r.handleInit))
	mux.HandleFunc("POST /api/v1/transfers/resume", r.authed(r.handleResume))
	mux.HandleFunc("PUT /api/v1/transfers/{id}/chunks/{index}", r.authed(r.handleChunk))
	mux.HandleFunc("POST /api/v1/transfers/{id}/finalize", r.authed(r.handleFinalize))
	mux.HandleFunc("POST /api/v1/transfers/{id}/token", r.authed(r.handleToken))
	mux.HandleFunc("DELETE /api/v1/tokens/{token}", r.authed(r.handleCleanupToken))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	r.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return r, nil
}

// Start binds the listener and serves in the background. It returns once the
// listener is accepting connections.
func (r *Receiver) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.opts.Addr)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to bind receiver address", "Is another receiver already running?")
	}
	r.ln = ln

	go func() {
		if err := r.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("receiver stopped unexpectedly", "error", err)
		}
	}()

	r.log.Info("receiver listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (r *Receiver) Addr() string {
	if r.ln == nil {
		return r.opts.Addr
	}
	return r.ln.Addr().String()
}

// Stop refuses new connections and lets in-flight receives finish within
// ctx's deadline.
func (r *Receiver) Stop(ctx context.Context) error {
	r.log.Info("receiver shutting down")
	return r.srv.Shutdown(ctx)
}

func (r *Receiver) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := r.opts.Auth.Authorize(req); err != nil {
			metrics.AuthRejections.Inc()
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next(w, req)
	}
}

func (r *Receiver) handleInit(w http.ResponseWriter, req *http.Request) {
	var in transfer.InitRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed init request: %w", err))
		return
	}

	id, err := r.opts.Manager.Init(req.Context(), in.Metadata)
	if err != nil {
		writeAppError(w, err)
		return
	}
	metrics.ActiveSessions.Set(float64(r.opts.Manager.ActiveSessions()))
	writeJSON(w, http.StatusOK, transfer.InitResponse{TransferID: id})
}

func (r *Receiver) handleChunk(w http.ResponseWriter, req *http.Request) {
	transferID := req.PathValue("id")
	index, err := strconv.Atoi(req.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid chunk index"))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(req.Body, r.opts.MaxChunkBytes+1))
	if err != nil {
		// The connection died mid-upload; nothing was recorded for this
		// index, so the client's retry or resume covers it.
		r.log.Warn("chunk upload interrupted", "transfer_id", transferID, "index", index, "error", err)
		writeError(w, http.StatusBadRequest, fmt.Errorf("chunk body read failed"))
		return
	}
	if int64(len(payload)) > r.opts.MaxChunkBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("chunk exceeds %s", humanize.IBytes(uint64(r.opts.MaxChunkBytes))))
		return
	}

	status, err := r.opts.Manager.Receive(req.Context(), transferID, transfer.ChunkData{
		Index:    index,
		Payload:  payload,
		Checksum: req.Header.Get("X-Backhaul-Checksum"),
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	metrics.ChunksReceived.WithLabelValues(string(status)).Inc()
	if status == transfer.ChunkAccepted {
		metrics.BytesReceived.Add(float64(len(payload)))
	}
	writeJSON(w, http.StatusOK, transfer.ChunkResponse{Status: status})
}

func (r *Receiver) handleFinalize(w http.ResponseWriter, req *http.Request) {
	transferID := req.PathValue("id")

	var in transfer.FinalizeRequest
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("malformed finalize request: %w", err))
			return
		}
	}

	res, err := r.opts.Manager.Finalize(req.Context(), transferID, in.TargetPath)
	if err != nil {
		var inc *apperrors.IncompleteTransferError
		if errors.As(err, &inc) {
			metrics.TransfersFinalized.WithLabelValues("incomplete").Inc()
			writeJSON(w, http.StatusConflict, transfer.ErrorResponse{Error: err.Error(), Missing: inc.Missing})
			return
		}
		metrics.TransfersFinalized.WithLabelValues("error").Inc()
		writeAppError(w, err)
		return
	}

	metrics.TransfersFinalized.WithLabelValues("ok").Inc()
	metrics.ActiveSessions.Set(float64(r.opts.Manager.ActiveSessions()))
	r.log.Info("backup received", "path", res.Path, "size", humanize.IBytes(uint64(res.Size)))

	var archivedTo string
	if r.opts.Archiver != nil {
		if loc, err := r.archive(req.Context(), res.Path); err != nil {
			r.log.Warn("archive step failed", "path", res.Path, "error", err)
		} else {
			archivedTo = loc
			r.log.Info("backup archived", "location", loc)
		}
	}

	md5sum, err := checksum.MD5File(res.Path)
	if err != nil {
		r.log.Warn("md5 digest failed", "path", res.Path, "error", err)
	}
	if err := manifest.Write(res.Path, &manifest.Manifest{
		TransferID: transferID,
		FileName:   filepath.Base(res.Path),
		Size:       res.Size,
		Checksum:   res.Checksum,
		MD5:        md5sum,
		ReceivedAt: time.Now().UTC(),
		ArchivedTo: archivedTo,
	}); err != nil {
		r.log.Warn("manifest write failed", "path", res.Path, "error", err)
	}

	writeJSON(w, http.StatusOK, res)
}

func (r *Receiver) archive(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return r.opts.Archiver.Store(ctx, filepath.Base(path), f)
}

func (r *Receiver) handleToken(w http.ResponseWriter, req *http.Request) {
	token, err := r.opts.Manager.CreateResumeToken(req.Context(), req.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transfer.TokenResponse{Token: token})
}

func (r *Receiver) handleResume(w http.ResponseWriter, req *http.Request) {
	var in transfer.ResumeRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed resume request: %w", err))
		return
	}

	transferID, completed, err := r.opts.Manager.Restore(req.Context(), in.Token, in.Metadata)
	if err != nil {
		writeAppError(w, err)
		return
	}
	metrics.ActiveSessions.Set(float64(r.opts.Manager.ActiveSessions()))
	writeJSON(w, http.StatusOK, transfer.ResumeResponse{TransferID: transferID, Completed: completed})
}

func (r *Receiver) handleCleanupToken(w http.ResponseWriter, req *http.Request) {
	if err := r.opts.Manager.CleanupToken(req.Context(), req.PathValue("token")); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, transfer.ErrorResponse{Error: err.Error()})
}

// writeAppError maps the error taxonomy onto HTTP statuses: validation 400,
// auth 401, integrity 422, resource/internal 500.
func writeAppError(w http.ResponseWriter, err error) {
	switch apperrors.TypeOf(err) {
	case apperrors.TypeValidation:
		writeError(w, http.StatusBadRequest, err)
	case apperrors.TypeAuth:
		writeError(w, http.StatusUnauthorized, err)
	case apperrors.TypeIntegrity:
		writeError(w, http.StatusUnprocessableEntity, err)
	case apperrors.TypeIncomplete:
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
