package repository

import (
	"context"
	"time"

	"intent-code-pipeline/internal/domain/model"
)

// EventRepository is the per-session append-only event log. Append assigns
// the next sequence number for the session atomically.
type EventRepository interface {
	Append(ctx context.Context, tx Tx, e *model.Event) error
	// ListAfter returns events for a session with sequence > afterSeq,
	// ordered by sequence ascending.
	ListAfter(ctx context.Context, tx Tx, sessionID string, afterSeq int64, limit int) ([]*model.Event, error)
	// Prune keeps at most keep recent events per session.
	Prune(ctx context.Context, sessionID string, keep int) (int64, error)
}

// WebhookSubscription is a registered webhook endpoint with its event filter
// and delivery cursor.
type WebhookSubscription struct {
	ID         string
	URL        string
	EventTypes []string
	// Cursors records the last successfully delivered sequence per session.
	Cursors   map[string]int64
	LastError string
	// LastUndelivered identifies the most recent event whose delivery
	// exhausted its retries.
	LastUndelivered *UndeliveredEvent
	Active          bool
}

// UndeliveredEvent pins a failed delivery to the exact event, so an
// operator can replay or reconcile it.
type UndeliveredEvent struct {
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	Sequence  int64     `json:"sequence"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// Wants reports whether the subscription's filter admits the event type.
// An empty filter admits everything.
func (s *WebhookSubscription) Wants(eventType string) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, t := range s.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// WebhookRepository persists webhook registrations.
type WebhookRepository interface {
	Save(ctx context.Context, tx Tx, sub *WebhookSubscription) error
	Delete(ctx context.Context, tx Tx, id string) error
	ListActive(ctx context.Context, tx Tx) ([]*WebhookSubscription, error)
	// UpdateCursor advances the per-session delivery cursor after a
	// successful delivery.
	UpdateCursor(ctx context.Context, id, sessionID string, seq int64) error
}
