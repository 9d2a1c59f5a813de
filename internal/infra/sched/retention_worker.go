package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"intent-code-pipeline/internal/domain/ports/repository"
	"intent-code-pipeline/internal/infra/metrics"
)

// CachePruner drops expired entries from a durable cache tier.
type CachePruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}

// RetentionWorker periodically trims session event logs to the configured
// replay window and clears expired rows from the durable cache tier.
type RetentionWorker struct {
	interval time.Duration
	keep     int
	sessions repository.SessionRepository
	events   repository.EventRepository
	cache    CachePruner // may be nil when the sqlite tier is disabled
	log      *zerolog.Logger
}

func NewRetentionWorker(
	interval time.Duration,
	keep int,
	sessions repository.SessionRepository,
	events repository.EventRepository,
	cache CachePruner,
	logger *zerolog.Logger,
) *RetentionWorker {
	rl := logger.With().Str("component", "RetentionWorker").Logger()
	return &RetentionWorker{
		interval: interval,
		keep:     keep,
		sessions: sessions,
		events:   events,
		cache:    cache,
		log:      &rl,
	}
}

func (w *RetentionWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Int("keep", w.keep).Msg("Starting retention worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping retention worker")
			return ctx.Err()
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *RetentionWorker) sweep(ctx context.Context) {
	sessions, err := w.sessions.List(ctx, nil, 1000)
	if err != nil {
		w.log.Error().Err(err).Msg("retention sweep: list sessions")
		return
	}
	var pruned int64
	for _, sess := range sessions {
		// active sessions keep their full replay window; trim only once
		// no live stream can still need the backlog
		if !sess.Phase.Terminal() {
			continue
		}
		n, err := w.events.Prune(ctx, sess.ID, w.keep)
		if err != nil {
			w.log.Error().Err(err).Str("session_id", sess.ID).Msg("retention sweep: prune events")
			continue
		}
		pruned += n
	}
	if pruned > 0 {
		metrics.AddEventsPruned(pruned)
		w.log.Info().Int64("count", pruned).Msg("event log trimmed")
	}

	if w.cache != nil {
		n, err := w.cache.PruneExpired(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("retention sweep: prune cache")
			return
		}
		if n > 0 {
			w.log.Info().Int64("count", n).Msg("expired cache entries removed")
		}
	}
}
