// File: internal/infra/fanout/hub.go
package fanout

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/repository"
	"intent-code-pipeline/internal/infra/metrics"
)

// subscriber is one live push channel. Events arriving while the replay
// runs are parked in queued and flushed afterwards, so delivery stays
// gap-free and in order across the reconnect boundary. ch is nil until the
// replay has sized it to the backlog.
type subscriber struct {
	ch        chan *model.Event
	mu        sync.Mutex
	replaying bool
	queued    []*model.Event
	lastSeq   int64
	closed    bool
}

// deliver hands one live event to the subscriber. A full buffer means the
// consumer cannot keep up; the policy is disconnect-slow-consumer, never
// silent gaps.
func (s *subscriber) deliver(e *model.Event) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if s.replaying {
		s.queued = append(s.queued, e)
		return true
	}
	if e.Sequence <= s.lastSeq {
		return true
	}
	select {
	case s.ch <- e:
		s.lastSeq = e.Sequence
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		if s.ch != nil {
			close(s.ch)
		}
	}
}

// Hub fans live events out to per-session subscribers over bounded
// channels.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{} // session id -> subscribers
	events repository.EventRepository
	buffer int
	log    *zerolog.Logger
}

func NewHub(events repository.EventRepository, buffer int, logger *zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		events: events,
		buffer: buffer,
		log:    logger,
	}
}

// Subscribe opens a live channel for one session, replaying persisted
// events with sequence > afterSeq first. The returned cancel function
// must be called on disconnect.
func (h *Hub) Subscribe(ctx context.Context, sessionID string, afterSeq int64) (<-chan *model.Event, func(), error) {
	sub := &subscriber{
		replaying: true,
		lastSeq:   afterSeq,
	}

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.mu.Unlock()
	metrics.SubscriberConnected()

	cancel := func() {
		if h.remove(sessionID, sub) {
			metrics.SubscriberDisconnected()
		}
	}

	// Replay the whole persisted backlog, paging past the buffer size.
	// Registration happened first, so events published meanwhile are
	// queued, not lost.
	var backlog []*model.Event
	after := afterSeq
	for {
		page, err := h.events.ListAfter(ctx, nil, sessionID, after, h.buffer)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		backlog = append(backlog, page...)
		if len(page) < h.buffer {
			break
		}
		after = page[len(page)-1].Sequence
	}

	// The channel is sized to hold the full backlog plus live headroom, so
	// the replay never blocks on a consumer that has not started reading.
	// Queued events are flushed under the same lock that clears replaying;
	// Broadcast cannot slip a later event in between.
	sub.mu.Lock()
	sub.ch = make(chan *model.Event, len(backlog)+h.buffer)
	for _, e := range backlog {
		if e.Sequence <= sub.lastSeq {
			continue
		}
		sub.ch <- e
		sub.lastSeq = e.Sequence
	}
	overflowed := false
	for _, e := range sub.queued {
		if e.Sequence <= sub.lastSeq {
			continue
		}
		select {
		case sub.ch <- e:
			sub.lastSeq = e.Sequence
		default:
			overflowed = true
		}
		if overflowed {
			break
		}
	}
	sub.queued = nil
	sub.replaying = false
	sub.mu.Unlock()

	if overflowed {
		h.dropSlow(sessionID, sub)
	}
	return sub.ch, cancel, nil
}

// Broadcast pushes a published event to every subscriber of its session.
func (h *Hub) Broadcast(e *model.Event) {
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs[e.SessionID]))
	for sub := range h.subs[e.SessionID] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		if !sub.deliver(e) {
			h.dropSlow(e.SessionID, sub)
		}
	}
}

func (h *Hub) dropSlow(sessionID string, sub *subscriber) {
	h.log.Warn().Str("session_id", sessionID).Msg("disconnecting slow subscriber")
	if h.remove(sessionID, sub) {
		metrics.IncSubscriberDropped()
		metrics.SubscriberDisconnected()
	}
}

// remove reports whether the subscriber was still registered.
func (h *Hub) remove(sessionID string, sub *subscriber) bool {
	h.mu.Lock()
	removed := false
	if set, ok := h.subs[sessionID]; ok {
		if _, member := set[sub]; member {
			delete(set, sub)
			removed = true
		}
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
	h.mu.Unlock()
	sub.close()
	return removed
}

// SubscriberCount reports live subscribers for one session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}
