package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takemura/backhaul/internal/logger"
)

func successEvent() Event {
	return Event{
		RunID:      "run-1",
		ConfigName: "nightly",
		Status:     "Completed",
		RemotePath: "/srv/backups/nightly.tar.zst",
		Size:       5 << 30,
		Duration:   90 * time.Second,
	}
}

func TestSlack_DefaultPayload(t *testing.T) {
	var got slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
	}))
	defer srv.Close()

	require.NoError(t, NewSlack(srv.URL, "").Notify(context.Background(), successEvent()))
	require.Len(t, got.Attachments, 1)
	assert.Contains(t, got.Attachments[0].Title, "nightly")
	assert.Equal(t, "#36a64f", got.Attachments[0].Color)

	failed := successEvent()
	failed.Status = "Failed"
	failed.Err = errors.New("chunk 3 exhausted retries")
	failed.Resumable = true
	require.NoError(t, NewSlack(srv.URL, "").Notify(context.Background(), failed))
	assert.Equal(t, "#ff0000", got.Attachments[0].Color)
	assert.Contains(t, got.Attachments[0].Text, "resume")
}

func TestSlack_Template(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	}))
	defer srv.Close()

	n := NewSlack(srv.URL, `{"text":"{{.ConfigName}} took {{.FormattedDuration}}"}`)
	require.NoError(t, n.Notify(context.Background(), successEvent()))
	assert.Equal(t, `{"text":"nightly took 1m30s"}`, body)
}

func TestSlack_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewSlack(srv.URL, "").Notify(context.Background(), successEvent())
	require.Error(t, err)
}

func TestWebhook_JSONPayload(t *testing.T) {
	var got webhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
	}))
	defer srv.Close()

	n := NewWebhook(WebhookConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer hook-token"},
	})
	ev := successEvent()
	ev.Err = errors.New("boom")
	require.NoError(t, n.Notify(context.Background(), ev))

	assert.Equal(t, "Bearer hook-token", auth)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, int64(90_000), got.DurationMS)
	assert.Equal(t, "boom", got.Error)
}

func TestBuild(t *testing.T) {
	assert.Nil(t, Build(Config{}, logger.Discard()))

	var cfg Config
	cfg.Slack.WebhookURL = "https://hooks.slack.example/x"
	n := Build(cfg, logger.Discard())
	_, ok := n.(*Slack)
	assert.True(t, ok)

	cfg.Webhooks = []WebhookConfig{{URL: "https://ops.example/hook"}}
	n = Build(cfg, logger.Discard())
	multi, ok := n.(*Multi)
	require.True(t, ok)
	assert.Len(t, multi.Notifiers, 2)
}

func TestMulti_SwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := &Multi{
		Notifiers: []Notifier{NewSlack(srv.URL, ""), NewWebhook(WebhookConfig{URL: srv.URL})},
		Log:       logger.Discard(),
	}
	assert.NoError(t, m.Notify(context.Background(), successEvent()))
}
