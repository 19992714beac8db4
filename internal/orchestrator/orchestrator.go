// Package orchestrator runs one backup end to end: stop MySQL, compress the
// data directory, optionally encrypt it, ship it to the receiver, verify
// what landed, and restart MySQL. The phase order is fixed; every run ends
// in Completed, Failed, or Cancelled with a recorded reason, and the source
// database is never left stopped when a later phase fails.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/takemura/backhaul/internal/checksum"
	"github.com/takemura/backhaul/internal/compress"
	"github.com/takemura/backhaul/internal/crypto"
	apperrors "github.com/takemura/backhaul/internal/errors"
	"github.com/takemura/backhaul/internal/logger"
	"github.com/takemura/backhaul/internal/mysqlctl"
	"github.com/takemura/backhaul/internal/store"
	"github.com/takemura/backhaul/internal/transfer"
)

// Status is the lifecycle state of a backup run.
type Status string

const (
	StatusQueued        Status = "Queued"
	StatusStoppingMySQL Status = "StoppingMySQL"
	StatusCompressing   Status = "Compressing"
	StatusEncrypting    Status = "Encrypting"
	StatusTransferring  Status = "Transferring"
	StatusVerifying     Status = "Verifying"
	StatusStartingMySQL Status = "StartingMySQL"
	StatusCompleted     Status = "Completed"
	StatusFailed        Status = "Failed"
	StatusCancelled     Status = "Cancelled"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Progress is emitted on every phase transition and on every completed
// chunk. Overall never decreases within a run.
type Progress struct {
	RunID     string
	Status    Status
	Overall   float64
	Operation string
	Rate      float64
	ETA       time.Duration
}

// Result is the outcome of one run.
type Result struct {
	RunID       string
	Status      Status
	RemotePath  string
	RemoteSize  int64
	BytesSent   int64
	ArchivePath string
	ResumeToken string
	Duration    time.Duration
	Err         error
}

// TransferClient is the slice of the transfer client the orchestrator
// drives. *transfer.Client satisfies it.
type TransferClient interface {
	Transfer(ctx context.Context, filePath string, cfg transfer.TransferConfig) transfer.TransferResult
	Resume(ctx context.Context, token, filePath string, cfg transfer.TransferConfig) transfer.TransferResult
}

// Compressor produces the archive for a run. *compress.DirCompressor
// satisfies it.
type Compressor interface {
	CompressDirectory(ctx context.Context, srcDir, outPath string) (compress.Result, error)
}

// Options wire the orchestrator to its collaborators.
type Options struct {
	Store             *store.Store
	MySQL             mysqlctl.Controller
	Client            TransferClient
	Compressor        Compressor
	MaxConcurrentRuns int
	Logger            *logger.Logger

	// encryptFile is swapped in tests; defaults to crypto.EncryptFile.
	encryptFile func(src, dst string, k *crypto.Keyring) error
}

// Orchestrator executes backup runs. Independent runs proceed concurrently
// up to MaxConcurrentRuns; the run slot is held from StoppingMySQL through
// the terminal state.
type Orchestrator struct {
	opts Options
	sem  chan struct{}
	log  *logger.Logger
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, apperrors.New(apperrors.TypeValidation, "orchestrator requires a state store", "")
	}
	if opts.MySQL == nil {
		return nil, apperrors.New(apperrors.TypeValidation, "orchestrator requires a MySQL controller", "")
	}
	if opts.Client == nil {
		return nil, apperrors.New(apperrors.TypeValidation, "orchestrator requires a transfer client", "")
	}
	if opts.Compressor == nil {
		opts.Compressor = &compress.DirCompressor{Algorithm: compress.Zstd}
	}
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = 1
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.encryptFile == nil {
		opts.encryptFile = crypto.EncryptFile
	}
	return &Orchestrator{
		opts: opts,
		sem:  make(chan struct{}, opts.MaxConcurrentRuns),
		log:  opts.Logger,
	}, nil
}

// run tracks the mutable state of one execution. mu guards log and overall:
// during Transferring the transfer client fires progress callbacks from each
// of its chunk workers concurrently.
type run struct {
	id         string
	cfg        Config
	onProgress func(Progress)
	started    time.Time

	mu      sync.Mutex
	log     *store.BackupLog
	overall float64

	archivePath string
	stopped     bool // MySQL was stopped and not yet restarted
}

// Run executes one backup. Validation happens before any external state is
// touched; an invalid configuration produces no BackupLog row.
func (o *Orchestrator) Run(ctx context.Context, cfg Config, onProgress func(Progress)) Result {
	if errs := cfg.Validate(); len(errs) > 0 {
		return Result{
			Status: StatusFailed,
			Err: apperrors.New(apperrors.TypeValidation,
				fmt.Sprintf("invalid backup configuration: %v", errors.Join(errs...)), ""),
		}
	}

	// Wait for a run slot; runs beyond the concurrency bound queue here.
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{Status: StatusCancelled, Err: ctx.Err()}
	}
	defer func() { <-o.sem }()

	r := &run{
		id:         uuid.New().String(),
		cfg:        cfg,
		onProgress: onProgress,
		started:    time.Now(),
	}
	r.log = &store.BackupLog{
		RunID:      r.id,
		ConfigName: cfg.Name,
		Status:     string(StatusQueued),
		StartedAt:  r.started,
	}
	if err := o.opts.Store.CreateBackupLog(r.log); err != nil {
		return Result{RunID: r.id, Status: StatusFailed,
			Err: apperrors.Wrap(err, apperrors.TypeResource, "failed to record backup run", "")}
	}
	o.emit(r, StatusQueued, 0, "queued")

	res := o.execute(ctx, r)
	o.finish(r, &res)
	return res
}

// ResumeRun continues the Transferring phase of an earlier interrupted run
// using its resume token. MySQL is not touched: the compensation restart of
// the failed run already brought it back, and the archive on disk is the
// source of the remaining bytes.
func (o *Orchestrator) ResumeRun(ctx context.Context, cfg Config, token, archivePath string, onProgress func(Progress)) Result {
	if errs := cfg.Validate(); len(errs) > 0 {
		return Result{
			Status: StatusFailed,
			Err: apperrors.New(apperrors.TypeValidation,
				fmt.Sprintf("invalid backup configuration: %v", errors.Join(errs...)), ""),
		}
	}
	if token == "" || archivePath == "" {
		return Result{Status: StatusFailed,
			Err: apperrors.New(apperrors.TypeValidation, "resume requires a token and the staged archive path", "")}
	}

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{Status: StatusCancelled, Err: ctx.Err()}
	}
	defer func() { <-o.sem }()

	r := &run{
		id:          uuid.New().String(),
		cfg:         cfg,
		onProgress:  onProgress,
		started:     time.Now(),
		archivePath: archivePath,
	}
	r.log = &store.BackupLog{
		RunID:      r.id,
		ConfigName: cfg.Name,
		Status:     string(StatusQueued),
		StartedAt:  r.started,
	}
	if err := o.opts.Store.CreateBackupLog(r.log); err != nil {
		return Result{RunID: r.id, Status: StatusFailed,
			Err: apperrors.Wrap(err, apperrors.TypeResource, "failed to record backup run", "")}
	}

	res := o.transferAndVerify(ctx, r, token)
	o.finish(r, &res)
	return res
}

func (o *Orchestrator) execute(ctx context.Context, r *run) Result {
	// StoppingMySQL. A failure here aborts without compensation: the
	// service was never confirmed down, so restarting could mask a real
	// service-manager problem.
	if res, abort := o.phase(ctx, r, StatusStoppingMySQL, 0.05, "stopping MySQL service"); abort {
		return res
	}
	if err := o.opts.MySQL.StopInstance(ctx, r.cfg.Service); err != nil {
		return o.fail(r, err)
	}
	r.stopped = true

	// Compressing.
	if res, abort := o.phase(ctx, r, StatusCompressing, 0.10, "compressing data directory"); abort {
		return res
	}
	archive, err := o.compressPhase(ctx, r)
	if err != nil {
		return o.fail(r, err)
	}
	r.archivePath = archive

	// Encrypting, only when configured.
	if r.cfg.Encrypt() {
		if res, abort := o.phase(ctx, r, StatusEncrypting, 0.45, "encrypting archive"); abort {
			return res
		}
		encrypted, err := o.encryptPhase(r)
		if err != nil {
			return o.fail(r, err)
		}
		r.archivePath = encrypted
	}

	return o.transferAndVerify(ctx, r, "")
}

// transferAndVerify covers Transferring through Completed; shared by fresh
// runs and resumes.
func (o *Orchestrator) transferAndVerify(ctx context.Context, r *run, resumeToken string) Result {
	if res, abort := o.phase(ctx, r, StatusTransferring, 0.55, "transferring archive"); abort {
		return res
	}

	tcfg := r.cfg.transferConfig(func(p transfer.TransferProgress) {
		frac := 0.0
		if p.TotalBytes > 0 {
			frac = float64(p.BytesSent) / float64(p.TotalBytes)
		}
		r.mu.Lock()
		r.log.BytesSent = p.BytesSent
		r.mu.Unlock()
		o.emitWith(r, Progress{
			Status:    StatusTransferring,
			Overall:   0.55 + 0.35*frac,
			Operation: fmt.Sprintf("transferring chunk %d", p.ChunkIndex),
			Rate:      p.Rate,
			ETA:       p.ETA,
		})
	})

	var tres transfer.TransferResult
	if resumeToken != "" {
		tres = o.opts.Client.Resume(ctx, resumeToken, r.archivePath, tcfg)
	} else {
		tres = o.opts.Client.Transfer(ctx, r.archivePath, tcfg)
	}
	r.log.BytesSent = tres.BytesSent
	if tres.Err != nil {
		// The token is what makes the interruption recoverable; persist it
		// before anything else.
		r.log.ResumeToken = tres.ResumeToken
		if ctx.Err() != nil {
			return o.cancel(r, tres.Err)
		}
		return o.fail(r, tres.Err)
	}

	// Verifying: the receiver already checked the whole-file hash at
	// finalize; confirm its answer matches the bytes we have on disk.
	if res, abort := o.phase(ctx, r, StatusVerifying, 0.92, "verifying remote file"); abort {
		return res
	}
	localSum, localSize, err := checksum.SHA256File(r.archivePath)
	if err != nil {
		return o.fail(r, apperrors.Wrap(err, apperrors.TypeResource, "failed to re-read archive for verification", ""))
	}
	if tres.RemoteSize != localSize || (tres.RemoteChecksum != "" && tres.RemoteChecksum != localSum) {
		return o.fail(r, apperrors.New(apperrors.TypeIntegrity,
			fmt.Sprintf("remote file does not match archive: size %d vs %d", tres.RemoteSize, localSize),
			"The stored backup is suspect; re-run the backup."))
	}
	r.log.RemotePath = tres.RemotePath
	r.log.RemoteSize = tres.RemoteSize
	r.log.Checksum = localSum

	// StartingMySQL.
	if res, abort := o.phase(ctx, r, StatusStartingMySQL, 0.96, "restarting MySQL service"); abort {
		return res
	}
	if err := o.opts.MySQL.StartInstance(ctx, r.cfg.Service); err != nil {
		return o.fail(r, err)
	}
	r.stopped = false
	if err := o.opts.MySQL.VerifyAvailability(ctx, r.cfg.Connection, r.cfg.VerifyTimeout); err != nil {
		return o.fail(r, err)
	}

	o.emit(r, StatusCompleted, 1.0, "backup completed")
	return Result{
		RunID:       r.id,
		Status:      StatusCompleted,
		RemotePath:  tres.RemotePath,
		RemoteSize:  tres.RemoteSize,
		BytesSent:   tres.BytesSent,
		ArchivePath: r.archivePath,
		Duration:    time.Since(r.started),
	}
}

func (o *Orchestrator) compressPhase(ctx context.Context, r *run) (string, error) {
	outPath := filepath.Join(r.cfg.WorkDir, r.cfg.archiveName())
	res, err := o.opts.Compressor.CompressDirectory(ctx, r.cfg.DataDir, outPath)
	if err != nil {
		return "", err
	}
	r.log.ArchiveSize = res.BytesWritten
	o.log.Info("data directory compressed",
		"files", res.Files, "read", res.BytesRead, "written", res.BytesWritten)
	return res.Path, nil
}

func (o *Orchestrator) encryptPhase(r *run) (string, error) {
	keys, err := crypto.NewKeyring(r.cfg.EncryptPassphrase, r.cfg.EncryptKeyFile)
	if err != nil {
		return "", err
	}
	encrypted := r.archivePath + ".enc"
	if err := o.opts.encryptFile(r.archivePath, encrypted, keys); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeSecurity, "failed to encrypt archive", "")
	}
	return encrypted, nil
}

// phase transitions the run, persists the log row, and checks cancellation
// before the next external call. A true second return means the run ended.
func (o *Orchestrator) phase(ctx context.Context, r *run, s Status, overall float64, operation string) (Result, bool) {
	if err := ctx.Err(); err != nil {
		return o.cancel(r, err), true
	}
	o.emit(r, s, overall, operation)
	return Result{}, false
}

func (o *Orchestrator) emit(r *run, s Status, overall float64, operation string) {
	o.emitWith(r, Progress{Status: s, Overall: overall, Operation: operation})
}

func (o *Orchestrator) emitWith(r *run, p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Overall < r.overall {
		p.Overall = r.overall
	}
	r.overall = p.Overall
	p.RunID = r.id

	r.log.Status = string(p.Status)
	r.log.Phase = string(p.Status)
	r.log.Message = p.Operation
	if err := o.opts.Store.UpdateBackupLog(r.log); err != nil {
		o.log.Warn("failed to persist run state", "run_id", r.id, "error", err)
	}

	if r.onProgress != nil {
		r.onProgress(p)
	}
}

// fail marks the run Failed after running the compensation restart.
func (o *Orchestrator) fail(r *run, cause error) Result {
	o.compensate(r)
	o.log.Error("backup run failed", "run_id", r.id, "error", cause)
	return Result{
		RunID:       r.id,
		Status:      StatusFailed,
		ArchivePath: r.archivePath,
		ResumeToken: r.log.ResumeToken,
		BytesSent:   r.log.BytesSent,
		Duration:    time.Since(r.started),
		Err:         cause,
	}
}

func (o *Orchestrator) cancel(r *run, cause error) Result {
	o.compensate(r)
	o.log.Warn("backup run cancelled", "run_id", r.id)
	return Result{
		RunID:       r.id,
		Status:      StatusCancelled,
		ArchivePath: r.archivePath,
		ResumeToken: r.log.ResumeToken,
		BytesSent:   r.log.BytesSent,
		Duration:    time.Since(r.started),
		Err:         cause,
	}
}

// compensate restarts MySQL exactly once if the run stopped it. Its failure
// is logged, never surfaced in place of the original error. The fresh
// context bounds the attempt even when the run's context is already dead.
func (o *Orchestrator) compensate(r *run) {
	if !r.stopped {
		return
	}
	r.stopped = false

	ctx, cancelFn := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelFn()
	if err := o.opts.MySQL.StartInstance(ctx, r.cfg.Service); err != nil {
		o.log.Error("compensation restart of MySQL failed; manual intervention required",
			"run_id", r.id, "service", r.cfg.Service, "error", err)
		return
	}
	o.log.Info("MySQL restarted after failed run", "run_id", r.id)
}

// finish writes the terminal log row. Terminal rows are never mutated again.
func (o *Orchestrator) finish(r *run, res *Result) {
	res.RunID = r.id

	r.log.Status = string(res.Status)
	if res.Err != nil {
		r.log.Message = res.Err.Error()
	}
	r.log.ResumeToken = res.ResumeToken
	r.log.ArchivePath = res.ArchivePath
	r.log.RemotePath = res.RemotePath
	r.log.RemoteSize = res.RemoteSize
	now := time.Now()
	r.log.FinishedAt = &now
	if err := o.opts.Store.UpdateBackupLog(r.log); err != nil {
		o.log.Error("failed to record terminal run state", "run_id", r.id, "error", err)
	}
}
