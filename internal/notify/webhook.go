package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Webhook posts run outcomes to an arbitrary HTTP endpoint. Without a
// template the event itself is sent as JSON.
type Webhook struct {
	cfg WebhookConfig
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	return &Webhook{cfg: cfg}
}

type webhookPayload struct {
	RunID      string `json:"run_id"`
	ConfigName string `json:"config_name"`
	Status     string `json:"status"`
	RemotePath string `json:"remote_path,omitempty"`
	Size       int64  `json:"size,omitempty"`
	BytesSent  int64  `json:"bytes_sent,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Resumable  bool   `json:"resumable"`
	Error      string `json:"error,omitempty"`
}

func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	if w.cfg.URL == "" {
		return nil
	}

	var body []byte
	var err error
	if w.cfg.Template != "" {
		body, err = renderTemplate("webhook", w.cfg.Template, ev)
		if err != nil {
			return fmt.Errorf("failed to render webhook template: %w", err)
		}
	} else {
		p := webhookPayload{
			RunID:      ev.RunID,
			ConfigName: ev.ConfigName,
			Status:     ev.Status,
			RemotePath: ev.RemotePath,
			Size:       ev.Size,
			BytesSent:  ev.BytesSent,
			DurationMS: ev.Duration.Milliseconds(),
			Resumable:  ev.Resumable,
		}
		if ev.Err != nil {
			p.Error = ev.Err.Error()
		}
		body, err = json.Marshal(p)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, w.cfg.Method, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
