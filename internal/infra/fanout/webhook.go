// File: internal/infra/fanout/webhook.go
package fanout

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"intent-code-pipeline/internal/config"
	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/repository"
	"intent-code-pipeline/internal/infra/metrics"
)

// SignatureHeader carries the HMAC-SHA256 of the delivered body, computed
// with the shared webhook secret.
const SignatureHeader = "X-Pipeline-Signature"

// WebhookDispatcher delivers events to registered endpoints with
// at-least-once semantics: retry with backoff on non-2xx, bounded by a
// maximum retry count, after which the event is recorded as undelivered.
//
// One worker drains the queue sequentially, preserving per-session order
// across deliveries. With no secret configured, delivery is disabled
// entirely rather than sent unsigned.
type WebhookDispatcher struct {
	repo    repository.WebhookRepository
	client  *http.Client
	secret  string
	retries int
	backoff time.Duration
	queue   chan *model.Event
	log     *zerolog.Logger
}

func NewWebhookDispatcher(repo repository.WebhookRepository, cfg *config.FanoutConfig, logger *zerolog.Logger) *WebhookDispatcher {
	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDispatcher{
		repo:    repo,
		client:  &http.Client{Timeout: timeout},
		secret:  cfg.WebhookSecret,
		retries: cfg.WebhookMaxRetries,
		backoff: cfg.WebhookBackoff,
		queue:   make(chan *model.Event, 256),
		log:     logger,
	}
}

// Enqueue hands an event to the delivery worker. A saturated queue drops
// the event for webhooks only; the durable log still holds it.
func (d *WebhookDispatcher) Enqueue(e *model.Event) {
	if d.secret == "" {
		return
	}
	select {
	case d.queue <- e:
	default:
		d.log.Warn().Str("session_id", e.SessionID).Msg("webhook queue full, delivery skipped")
		metrics.IncWebhookDelivery("dropped")
	}
}

// Start runs the delivery worker until ctx is done.
func (d *WebhookDispatcher) Start(ctx context.Context) {
	if d.secret == "" {
		d.log.Info().Msg("webhook delivery disabled: no secret configured")
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-d.queue:
				d.dispatch(ctx, e)
			}
		}
	}()
}

func (d *WebhookDispatcher) dispatch(ctx context.Context, e *model.Event) {
	subs, err := d.repo.ListActive(ctx, nil)
	if err != nil {
		d.log.Error().Err(err).Msg("webhook subscription listing failed")
		return
	}
	for _, sub := range subs {
		if !sub.Wants(string(e.Type)) {
			continue
		}
		if seq, ok := sub.Cursors[e.SessionID]; ok && e.Sequence <= seq {
			continue // already delivered
		}
		d.deliver(ctx, sub, e)
	}
}

func (d *WebhookDispatcher) deliver(ctx context.Context, sub *repository.WebhookSubscription, e *model.Event) {
	body, err := json.Marshal(e)
	if err != nil {
		d.log.Error().Err(err).Msg("webhook body marshal failed")
		return
	}

	mac := hmac.New(sha256.New, []byte(d.secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	var lastErr string
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			delay := d.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
		if err != nil {
			lastErr = err.Error()
			break
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(SignatureHeader, sig)

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err.Error()
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			metrics.IncWebhookDelivery("delivered")
			if err := d.repo.UpdateCursor(ctx, sub.ID, e.SessionID, e.Sequence); err != nil {
				d.log.Error().Err(err).Str("subscription", sub.ID).Msg("cursor update failed")
			}
			return
		}
		lastErr = resp.Status
	}

	// Retry budget exhausted: record which event went undelivered, do not
	// retry forever.
	metrics.IncWebhookDelivery("undelivered")
	sub.LastError = lastErr
	sub.LastUndelivered = &repository.UndeliveredEvent{
		EventID:   e.ID,
		SessionID: e.SessionID,
		Sequence:  e.Sequence,
		Error:     lastErr,
		At:        time.Now(),
	}
	if err := d.repo.Save(ctx, nil, sub); err != nil {
		d.log.Error().Err(err).Str("subscription", sub.ID).Msg("undelivered record failed")
	}
	d.log.Warn().Str("subscription", sub.ID).Str("session_id", e.SessionID).
		Int64("sequence", e.Sequence).Str("last_error", lastErr).Msg("webhook delivery exhausted retries")
}
