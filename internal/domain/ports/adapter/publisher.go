package adapter

import (
	"context"

	"intent-code-pipeline/internal/domain/model"
)

// EventPublisher fans a session event out to live subscribers and webhook
// endpoints. Publish assigns the event's per-session sequence.
type EventPublisher interface {
	Publish(ctx context.Context, sessionID string, eventType model.EventType, payload any) error
}
