// Package notify delivers outbox messages and emails to external channels.
// Outbox destinations are "scheme:target" references, for example
// "chat:https://hooks.example.com/T0/B0" or "email:owner@example.com".
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/ratelimit"
	"meeting-jobcore/internal/retry"
	"meeting-jobcore/internal/telemetry"
)

// ErrRateLimited is a transient failure raised before calling the channel.
var ErrRateLimited = errors.New("delivery rate limited")

// Limiter gates deliveries per destination.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// ChatDeliverer posts the message payload as JSON to an incoming-webhook URL.
type ChatDeliverer struct {
	client  *http.Client
	limiter Limiter
	logger  zerolog.Logger
}

// NewChatDeliverer builds a deliverer. limiter may be nil.
func NewChatDeliverer(client *http.Client, limiter Limiter, logger zerolog.Logger) *ChatDeliverer {
	if client == nil {
		client = http.DefaultClient
	}
	return &ChatDeliverer{client: client, limiter: limiter, logger: logger.With().Str("component", "chat").Logger()}
}

func (c *ChatDeliverer) Deliver(ctx context.Context, msg models.OutboxMessage) error {
	_, target, err := splitDestination(msg.DestinationReference)
	if err != nil {
		return err
	}
	if c.limiter != nil {
		d, err := c.limiter.Allow(ctx, target)
		if err != nil {
			// A broken limiter should not block notifications.
			c.logger.Warn().Err(err).Msg("rate limiter unavailable; delivering anyway")
		} else if !d.Allowed {
			telemetry.RateLimitRejects.WithLabelValues("chat").Inc()
			return fmt.Errorf("%w: retry in %s", ErrRateLimited, d.RetryAfter)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(msg.Payload))
	if err != nil {
		return retry.MarkPermanent(fmt.Errorf("build chat request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.AuditRecordID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post chat webhook: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	return ClassifyStatus(resp.StatusCode, strings.TrimSpace(string(body)))
}

// ClassifyStatus maps an HTTP response status to nil, a transient error, or
// a permanent one. Missing or unauthorized destinations are permanent;
// rate limits, server errors and anything unrecognized are transient.
func ClassifyStatus(code int, detail string) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("channel responded %d: %s", code, detail)
	switch code {
	case http.StatusNotFound, http.StatusGone, http.StatusUnauthorized, http.StatusForbidden:
		return retry.MarkPermanent(err)
	default:
		return err
	}
}

func splitDestination(ref string) (scheme, target string, err error) {
	scheme, target, ok := strings.Cut(ref, ":")
	if !ok || scheme == "" || target == "" {
		return "", "", retry.MarkPermanent(fmt.Errorf("malformed destination %q", ref))
	}
	return scheme, target, nil
}
