// Package notify delivers backup run outcomes to Slack and generic webhooks.
// Delivery is best-effort: a failed notification never fails the run.
package notify

import (
	"context"
	"time"

	"github.com/takemura/backhaul/internal/logger"
)

// Event summarizes a finished backup run.
type Event struct {
	RunID      string
	ConfigName string
	Status     string // Completed, Failed, Cancelled
	RemotePath string
	Size       int64
	BytesSent  int64
	Duration   time.Duration
	Resumable  bool
	Err        error
}

// Succeeded reports whether the run ended Completed.
func (e Event) Succeeded() bool { return e.Status == "Completed" }

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Multi fans an event out to several notifiers, logging failures and always
// returning nil.
type Multi struct {
	Notifiers []Notifier
	Log       *logger.Logger
}

func (m *Multi) Notify(ctx context.Context, ev Event) error {
	for _, n := range m.Notifiers {
		if err := n.Notify(ctx, ev); err != nil && m.Log != nil {
			m.Log.Warn("notification delivery failed", "run_id", ev.RunID, "error", err)
		}
	}
	return nil
}

// Config selects and configures notification targets.
type Config struct {
	Slack struct {
		WebhookURL string
		Template   string
	}
	Webhooks []WebhookConfig
}

type WebhookConfig struct {
	URL      string
	Method   string
	Template string
	Headers  map[string]string
}

// Build assembles a notifier from config; nil when nothing is configured.
func Build(cfg Config, log *logger.Logger) Notifier {
	var notifiers []Notifier
	if cfg.Slack.WebhookURL != "" {
		notifiers = append(notifiers, NewSlack(cfg.Slack.WebhookURL, cfg.Slack.Template))
	}
	for _, w := range cfg.Webhooks {
		if w.URL != "" {
			notifiers = append(notifiers, NewWebhook(w))
		}
	}

	switch len(notifiers) {
	case 0:
		return nil
	case 1:
		return notifiers[0]
	default:
		return &Multi{Notifiers: notifiers, Log: log}
	}
}
