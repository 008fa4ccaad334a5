package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Webhook is one configured HTTP endpoint.
type Webhook struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Template string `yaml:"template,omitempty"`
}

// Payload is the JSON body posted when a webhook has no template.
type Payload struct {
	Event     string   `json:"event"`
	Message   string   `json:"message"`
	Channels  []string `json:"channels,omitempty"`
	Users     []string `json:"users,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// DefaultTemplate renders a Slack-compatible incoming webhook message.
const DefaultTemplate = "{{MESSAGE}}\n• Users: {{USERS}}\n• At: {{TIMESTAMP}}"

// WebhookSender posts notifications to webhooks.
type WebhookSender struct {
	hooks  []Webhook
	client *http.Client
	logger *slog.Logger
}

// NewWebhookSender validates the hooks and builds an SSRF-safe client.
// Invalid URLs are logged and skipped. allowPrivate lifts the address
// checks for deployments whose receivers live on a private network.
func NewWebhookSender(hooks []Webhook, allowPrivate bool, logger *slog.Logger) *WebhookSender {
	client := &http.Client{Timeout: 5 * time.Second}
	var valid []Webhook
	for _, h := range hooks {
		if !allowPrivate {
			if err := ValidateURL(h.URL); err != nil {
				logger.Warn("skipping invalid webhook URL", "name", h.Name, "url", h.URL, "error", err)
				continue
			}
		}
		valid = append(valid, h)
	}
	if !allowPrivate {
		client.Transport = &http.Transport{DialContext: safeDial}
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= 2 {
				return errors.New("too many redirects")
			}
			if err := ValidateURL(req.URL.String()); err != nil {
				return fmt.Errorf("redirect to blocked URL: %w", err)
			}
			return nil
		}
	}
	return &WebhookSender{hooks: valid, client: client, logger: logger}
}

// Len returns the number of usable hooks.
func (w *WebhookSender) Len() int { return len(w.hooks) }

// Send posts p to the hook with the given name, or to every hook when name
// is empty. Errors from individual hooks are joined.
func (w *WebhookSender) Send(ctx context.Context, name string, p Payload) error {
	var errs []error
	matched := false
	for _, h := range w.hooks {
		if name != "" && h.Name != name {
			continue
		}
		matched = true
		if err := w.post(ctx, h, p); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", h.Name, err))
		}
	}
	if !matched && name != "" {
		return fmt.Errorf("no webhook named %q", name)
	}
	return errors.Join(errs...)
}

func (w *WebhookSender) post(ctx context.Context, h Webhook, p Payload) error {
	var body []byte
	if h.Template != "" {
		body = []byte(RenderTemplate(h.Template, p))
	} else {
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}
		body = b
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// RenderTemplate fills {{MESSAGE}}, {{EVENT}}, {{CHANNELS}}, {{USERS}} and
// {{TIMESTAMP}}, then wraps the text as {"text": ...}.
func RenderTemplate(tmpl string, p Payload) string {
	r := strings.NewReplacer(
		"{{MESSAGE}}", p.Message,
		"{{EVENT}}", p.Event,
		"{{CHANNELS}}", strings.Join(p.Channels, ", "),
		"{{USERS}}", strings.Join(p.Users, ", "),
		"{{TIMESTAMP}}", p.Timestamp,
	)
	out, _ := json.Marshal(map[string]string{"text": r.Replace(tmpl)})
	return string(out)
}
