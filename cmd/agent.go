package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/takemura/backhaul/internal/compress"
	"github.com/takemura/backhaul/internal/config"
	"github.com/takemura/backhaul/internal/logger"
	"github.com/takemura/backhaul/internal/mysqlctl"
	"github.com/takemura/backhaul/internal/notify"
	"github.com/takemura/backhaul/internal/orchestrator"
	"github.com/takemura/backhaul/internal/retry"
	"github.com/takemura/backhaul/internal/store"
	"github.com/takemura/backhaul/internal/transfer"
)

// agent bundles everything a backup-side command needs. Close releases the
// state store.
type agent struct {
	store    *store.Store
	orch     *orchestrator.Orchestrator
	notifier notify.Notifier
	cfg      *config.Config
	log      *logger.Logger
}

func newAgent(l *logger.Logger) (*agent, error) {
	cfg := config.Get()

	st, err := store.Open(cfg.StateDB)
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Store:             st,
		MySQL:             mysqlctl.NewSystemdController(l),
		Client:            transfer.NewClient(l),
		MaxConcurrentRuns: cfg.Agent.MaxConcurrentRuns,
		Logger:            l,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &agent{
		store:    st,
		orch:     orch,
		notifier: notifierFromConfig(cfg, l),
		cfg:      cfg,
		log:      l,
	}, nil
}

func (a *agent) Close() error {
	return a.store.Close()
}

// runConfig resolves a named backup target from configuration into the
// orchestrator's form, folding in agent-level connection settings.
func (a *agent) runConfig(name string) (orchestrator.Config, error) {
	for _, b := range a.cfg.Agent.Backups {
		if b.Name != name {
			continue
		}
		algo, err := compress.ParseAlgorithm(b.Compression)
		if err != nil {
			return orchestrator.Config{}, err
		}
		return orchestrator.Config{
			Name:    b.Name,
			DataDir: b.DataDir,
			Service: b.Service,
			Connection: mysqlctl.Connection{
				Host:     b.Host,
				Port:     b.Port,
				User:     b.User,
				Password: b.Password,
				Database: b.Database,
			},
			Endpoint:            a.cfg.Agent.Endpoint,
			UseTLS:              a.cfg.Agent.UseTLS,
			AuthToken:           a.cfg.Agent.AuthToken,
			Compression:         algo,
			EncryptPassphrase:   b.EncryptionPassphrase,
			EncryptKeyFile:      b.EncryptionKeyFile,
			WorkDir:             a.cfg.Agent.WorkDir,
			Strategy:            a.chunkingStrategy(),
			MaxConcurrentChunks: a.cfg.Agent.MaxConcurrentChunks,
			Retry:               a.retryPolicy(),
			VerifyTimeout:       parseDuration(a.cfg.Agent.VerifyTimeout, 30*time.Second),
			Active:              b.IsActive(),
		}, nil
	}
	return orchestrator.Config{}, fmt.Errorf("no backup named %q in configuration", name)
}

func (a *agent) chunkingStrategy() transfer.ChunkingStrategy {
	s := transfer.DefaultStrategy()
	c := a.cfg.Agent.Chunking
	if c.MinChunkMB > 0 {
		s.MinChunkSize = int64(c.MinChunkMB) << 20
	}
	if c.MaxChunkMB > 0 {
		s.MaxChunkSize = int64(c.MaxChunkMB) << 20
	}
	if c.TargetChunks > 0 {
		s.TargetChunks = c.TargetChunks
	}
	return s
}

func (a *agent) retryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	r := a.cfg.Agent.Retry
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	p.BaseDelay = parseDuration(r.BaseDelay, p.BaseDelay)
	p.MaxDelay = parseDuration(r.MaxDelay, p.MaxDelay)
	p.Timeout = parseDuration(r.Timeout, p.Timeout)
	p.Jitter = r.Jitter
	p.Logger = a.log
	return p
}

// parseDuration falls back instead of failing: these values were already
// defaulted by the config layer, so a bad override is not fatal.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// notifyResult reports a terminal run to the configured notification
// targets. Missing targets make this a no-op.
func (a *agent) notifyResult(ctx context.Context, name string, res orchestrator.Result) {
	if a.notifier == nil {
		return
	}
	ev := notify.Event{
		RunID:      res.RunID,
		ConfigName: name,
		Status:     string(res.Status),
		RemotePath: res.RemotePath,
		Size:       res.RemoteSize,
		BytesSent:  res.BytesSent,
		Duration:   res.Duration,
		Resumable:  res.ResumeToken != "",
		Err:        res.Err,
	}
	if err := a.notifier.Notify(ctx, ev); err != nil {
		a.log.Warn("notification delivery failed", "run_id", res.RunID, "error", err)
	}
}

func notifierFromConfig(cfg *config.Config, l *logger.Logger) notify.Notifier {
	var nc notify.Config
	nc.Slack.WebhookURL = cfg.Notifications.Slack.WebhookURL
	nc.Slack.Template = cfg.Notifications.Slack.Template
	for _, w := range cfg.Notifications.Webhooks {
		nc.Webhooks = append(nc.Webhooks, notify.WebhookConfig{
			URL:      w.URL,
			Method:   w.Method,
			Template: w.Template,
			Headers:  w.Headers,
		})
	}
	return notify.Build(nc, l)
}

// runBar renders one backup run as an mpb bar scaled to 1000 units, with
// the current phase appended. Safe to feed from the orchestrator's
// progress callback goroutine.
type runBar struct {
	bar *mpb.Bar

	mu        sync.Mutex
	operation string
}

func newRunBar(p *mpb.Progress, name string) *runBar {
	if p == nil {
		return nil
	}
	rb := &runBar{}
	rb.bar = p.AddBar(1000,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1}),
			decor.Percentage(),
		),
		mpb.AppendDecorators(
			decor.Any(func(decor.Statistics) string {
				rb.mu.Lock()
				defer rb.mu.Unlock()
				return " " + rb.operation
			}),
		),
	)
	return rb
}

func (rb *runBar) Update(p orchestrator.Progress) {
	if rb == nil {
		return
	}
	rb.mu.Lock()
	rb.operation = p.Operation
	rb.mu.Unlock()
	rb.bar.SetCurrent(int64(p.Overall * 1000))
}

func (rb *runBar) Done() {
	if rb == nil {
		return
	}
	rb.bar.SetCurrent(1000)
}

// reportResult logs a terminal run the same way for backup and resume.
func reportResult(l *logger.Logger, res orchestrator.Result) {
	switch res.Status {
	case orchestrator.StatusCompleted:
		l.Info("backup completed",
			"run_id", res.RunID,
			"remote_path", res.RemotePath,
			"size", humanize.IBytes(uint64(res.RemoteSize)),
			"duration", res.Duration.Truncate(time.Millisecond).String(),
		)
	case orchestrator.StatusCancelled:
		l.Warn("backup cancelled",
			"run_id", res.RunID,
			"sent", humanize.IBytes(uint64(res.BytesSent)),
			"resumable", res.ResumeToken != "",
		)
	default:
		l.Error("backup failed",
			"run_id", res.RunID,
			"error", res.Err,
			"resumable", res.ResumeToken != "",
		)
	}
	if res.ResumeToken != "" {
		l.Info("run can be resumed", "hint", "backhaul resume "+res.RunID)
	}
}
