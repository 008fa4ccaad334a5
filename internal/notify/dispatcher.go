// Package notify delivers governance notifications. Channel strings on a
// rule select the transport:
//
//	slack:<channel>   post to a Slack channel (name or id)
//	webhook           post to every configured webhook
//	webhook:<name>    post to one named webhook
//	log               write the message to the service log
//
// Users prefixed with "slack:" receive a direct message; other user
// entries travel in the webhook payload only.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Dispatcher fans a notification out to its channels. Delivery runs in the
// background; failures are logged and never reach the caller.
type Dispatcher struct {
	slack    *SlackSender
	webhooks *WebhookSender
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. slack and webhooks may be nil.
func NewDispatcher(slack *SlackSender, webhooks *WebhookSender, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		slack:    slack,
		webhooks: webhooks,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Notify implements the engine's Notifier.
func (d *Dispatcher) Notify(ctx context.Context, channels, users []string, message string) {
	if len(channels) == 0 && len(users) == 0 {
		return
	}
	payload := Payload{
		Event:     "agent_action",
		Message:   message,
		Channels:  channels,
		Users:     users,
		Timestamp: d.now().UTC().Format(time.RFC3339),
	}
	// Delivery outlives the audit that triggered it.
	base := context.WithoutCancel(ctx)

	for _, ch := range channels {
		kind, target, _ := strings.Cut(strings.TrimSpace(ch), ":")
		switch kind {
		case "slack":
			d.toSlack(base, target, message)
		case "webhook":
			d.toWebhook(base, target, payload)
		case "log":
			d.logger.Info("notification", "message", message, "users", users)
		default:
			d.logger.Warn("unknown notify channel", "channel", ch, "message", message)
		}
	}
	for _, u := range users {
		if id, ok := strings.CutPrefix(u, "slack:"); ok {
			d.toSlack(base, id, message)
		}
	}
}

func (d *Dispatcher) toSlack(ctx context.Context, channel, message string) {
	if d.slack == nil {
		d.logger.Warn("slack not configured, dropping notification", "channel", channel, "message", message)
		return
	}
	d.async(ctx, func(ctx context.Context) error {
		return d.slack.Post(ctx, channel, message)
	}, "slack", channel)
}

func (d *Dispatcher) toWebhook(ctx context.Context, name string, p Payload) {
	if d.webhooks == nil || d.webhooks.Len() == 0 {
		d.logger.Warn("no webhooks configured, dropping notification", "message", p.Message)
		return
	}
	d.async(ctx, func(ctx context.Context) error {
		return d.webhooks.Send(ctx, name, p)
	}, "webhook", name)
}

func (d *Dispatcher) async(ctx context.Context, fn func(context.Context) error, transport, target string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			d.logger.Warn("notification delivery failed", "transport", transport, "target", target, "error", err)
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
