// Package chat delivers assistant messages to rooms.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/goclaw/recall/pkg/logger"
	"github.com/goclaw/recall/pkg/version"
)

// ErrPostFailed wraps delivery failures.
var ErrPostFailed = errors.New("chat: post failed")

// IdempotencyKeyHeader carries the delivery key on webhook requests. Every
// retry of one Post sends the same key so the receiver can drop repeats.
const IdempotencyKeyHeader = "Idempotency-Key"

type idempotencyKey struct{}

// WithIdempotencyKey attaches the key a Poster should deliver under.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKeyFrom returns the key set by WithIdempotencyKey.
func IdempotencyKeyFrom(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKey{}).(string)
	return key, ok && key != ""
}

// Poster sends a message into a room.
type Poster interface {
	Post(ctx context.Context, room, text string) error
}

// PosterFunc adapts a function to Poster.
type PosterFunc func(ctx context.Context, room, text string) error

func (f PosterFunc) Post(ctx context.Context, room, text string) error { return f(ctx, room, text) }

// WebhookConfig configures a WebhookPoster.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	// MaxTries bounds delivery attempts, including the first.
	MaxTries uint
	Client   *http.Client
}

// WebhookPoster posts {"room","text"} as JSON to a URL. 5xx responses and
// transport errors are retried with exponential backoff; 4xx are not.
type WebhookPoster struct {
	url      string
	timeout  time.Duration
	maxTries uint
	client   *http.Client
	log      logger.Logger
}

// NewWebhookPoster creates a webhook poster.
func NewWebhookPoster(cfg WebhookConfig, log logger.Logger) (*WebhookPoster, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("chat: webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &WebhookPoster{
		url:      cfg.URL,
		timeout:  cfg.Timeout,
		maxTries: cfg.MaxTries,
		client:   cfg.Client,
		log:      log.With("component", "chat_webhook"),
	}, nil
}

type webhookPayload struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

// Post delivers text to room. Without a key from WithIdempotencyKey a fresh
// one is generated per call.
func (p *WebhookPoster) Post(ctx context.Context, room, text string) error {
	body, err := json.Marshal(webhookPayload{Room: room, Text: text})
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPostFailed, err)
	}
	key, ok := IdempotencyKeyFrom(ctx)
	if !ok {
		key = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.send(ctx, key, body)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(p.maxTries),
	)
	if err != nil {
		p.log.WarnContext(ctx, "webhook delivery failed", "room", room, "key", key, "error", err)
		return fmt.Errorf("%w: %v", ErrPostFailed, err)
	}
	return nil
}

func (p *WebhookPoster) send(ctx context.Context, key string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set(IdempotencyKeyHeader, key)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
	return nil
}

// LogPoster only logs messages. It is used when no webhook is configured.
type LogPoster struct {
	log logger.Logger
}

// NewLogPoster creates a LogPoster.
func NewLogPoster(log logger.Logger) *LogPoster {
	if log == nil {
		log = logger.Nop()
	}
	return &LogPoster{log: log.With("component", "chat_log")}
}

func (p *LogPoster) Post(ctx context.Context, room, text string) error {
	key, _ := IdempotencyKeyFrom(ctx)
	p.log.InfoContext(ctx, "assistant message", "room", room, "key", key, "text", text)
	return nil
}
