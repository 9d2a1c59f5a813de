// File: internal/infra/fanout/publisher.go
package fanout

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/adapter"
	"intent-code-pipeline/internal/domain/ports/repository"
	"intent-code-pipeline/internal/infra/metrics"
)

var _ adapter.EventPublisher = (*Publisher)(nil)

// Publisher appends events to the per-session log, then fans them out to
// live subscribers and the webhook dispatcher. Append assigns the
// session-local sequence, so per-session ordering is total.
type Publisher struct {
	events   repository.EventRepository
	hub      *Hub
	webhooks *WebhookDispatcher
	log      *zerolog.Logger
}

func NewPublisher(events repository.EventRepository, hub *Hub, webhooks *WebhookDispatcher, logger *zerolog.Logger) *Publisher {
	return &Publisher{events: events, hub: hub, webhooks: webhooks, log: logger}
}

func (p *Publisher) Publish(ctx context.Context, sessionID string, eventType model.EventType, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	now := time.Now()
	e := &model.Event{
		ID:        ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		SessionID: sessionID,
		Type:      eventType,
		Payload:   body,
		Timestamp: now,
	}
	if err := p.events.Append(ctx, nil, e); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	metrics.IncEventPublished(string(eventType))

	if p.hub != nil {
		p.hub.Broadcast(e)
	}
	if p.webhooks != nil {
		p.webhooks.Enqueue(e)
	}
	return nil
}
