package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"
)

// Slack posts run outcomes to an incoming-webhook URL. A custom template, if
// set, replaces the default attachment payload entirely.
type Slack struct {
	WebhookURL string
	Template   string
}

func NewSlack(url, tmpl string) *Slack {
	return &Slack{WebhookURL: url, Template: tmpl}
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackPayload struct {
	Attachments []slackAttachment `json:"attachments"`
}

func (s *Slack) Notify(ctx context.Context, ev Event) error {
	if s.WebhookURL == "" {
		return nil
	}

	var body []byte
	var err error
	if s.Template != "" {
		body, err = renderTemplate("slack", s.Template, ev)
		if err != nil {
			return fmt.Errorf("failed to render slack template: %w", err)
		}
	} else {
		body, err = json.Marshal(slackPayload{Attachments: []slackAttachment{s.attachment(ev)}})
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %s", resp.Status)
	}
	return nil
}

func (s *Slack) attachment(ev Event) slackAttachment {
	color, title := "#36a64f", fmt.Sprintf("Backup %s completed", ev.ConfigName)
	switch ev.Status {
	case "Failed":
		color, title = "#ff0000", fmt.Sprintf("Backup %s failed", ev.ConfigName)
	case "Cancelled":
		color, title = "#ffaa00", fmt.Sprintf("Backup %s cancelled", ev.ConfigName)
	}

	att := slackAttachment{
		Color:  color,
		Title:  title,
		Footer: "backhaul",
		Ts:     time.Now().Unix(),
		Fields: []slackField{
			{Title: "Run", Value: ev.RunID, Short: true},
			{Title: "Duration", Value: ev.Duration.Truncate(time.Second).String(), Short: true},
		},
	}
	if ev.RemotePath != "" {
		att.Fields = append(att.Fields, slackField{Title: "Stored at", Value: ev.RemotePath})
	}
	if ev.Size > 0 {
		att.Fields = append(att.Fields, slackField{Title: "Size", Value: humanize.IBytes(uint64(ev.Size)), Short: true})
	}
	if ev.Err != nil {
		att.Text = fmt.Sprintf("*Error:* %v", ev.Err)
		if ev.Resumable {
			att.Text += "\nA resume token was saved; run `backhaul resume` to continue."
		}
	}
	return att
}

func renderTemplate(name, tmpl string, ev Event) ([]byte, error) {
	t, err := template.New(name).Parse(tmpl)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	data := struct {
		Event
		FormattedDuration string
		FormattedSize     string
	}{
		Event:             ev,
		FormattedDuration: ev.Duration.Truncate(time.Second).String(),
		FormattedSize:     humanize.IBytes(uint64(ev.Size)),
	}
	if err := t.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
