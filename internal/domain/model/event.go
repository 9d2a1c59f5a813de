package model

import "time"

// EventType names what happened to a session.
type EventType string

const (
	EventSessionCreated  EventType = "session.created"
	EventPhaseStarted    EventType = "session.phase_started"
	EventPhaseCompleted  EventType = "session.phase_completed"
	EventSessionFailed   EventType = "session.failed"
	EventSessionComplete EventType = "session.completed"
	EventJobRetried      EventType = "job.retried"
)

// Event is one record in a session's append-only log. Sequence is
// monotonically increasing per session starting at 1; ordering across
// sessions is unspecified.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sequence  int64     `json:"sequence"`
	Type      EventType `json:"event_type"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}
