// File: internal/infra/fanout/websocket.go
package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"intent-code-pipeline/internal/infra/logging"
)

// StreamHandler upgrades the per-session event stream. The client opens
// the stream with its last-seen sequence in the `after` query parameter;
// everything newer is replayed before live events flow.
type StreamHandler struct {
	hub *Hub
	log *zerolog.Logger
}

func NewStreamHandler(hub *Hub, logger *zerolog.Logger) *StreamHandler {
	return &StreamHandler{hub: hub, log: logger}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := logging.With(logging.WithSessionID(ctx, sessionID), h.log)

	events, unsubscribe, err := h.hub.Subscribe(ctx, sessionID, afterSeq)
	if err != nil {
		log.Error().Err(err).Msg("subscribe failed")
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer unsubscribe()
	log.Info().Int64("after", afterSeq).Msg("stream opened")

	// Drain client frames so pings are answered and closure is noticed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				// Dropped as a slow consumer.
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				log.Error().Err(err).Msg("event marshal failed")
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				log.Debug().Err(err).Msg("stream write failed")
				return
			}
		}
	}
}
