package cache

import (
	"context"

	"github.com/rs/zerolog"

	"intent-code-pipeline/internal/domain/model"
	"intent-code-pipeline/internal/domain/ports/adapter"
	"intent-code-pipeline/internal/infra/metrics"
)

// Tier is one cache level. Get returns (record, found, error); an error
// means the tier itself is unhealthy, not that the key was absent.
type Tier interface {
	Name() string
	Get(ctx context.Context, fingerprint string) (*model.CallRecord, bool, error)
	Put(ctx context.Context, fingerprint string, rec *model.CallRecord) error
}

var _ adapter.ResultCache = (*MultiTier)(nil)

// MultiTier consults tiers fastest-first and backfills faster tiers on a
// hit from a slower one. A failing tier degrades to the remaining ones.
type MultiTier struct {
	tiers []Tier
	log   *zerolog.Logger
}

func NewMultiTier(logger *zerolog.Logger, tiers ...Tier) *MultiTier {
	return &MultiTier{tiers: tiers, log: logger}
}

func (c *MultiTier) Get(ctx context.Context, fingerprint string) (*model.CallRecord, bool, error) {
	for i, tier := range c.tiers {
		rec, found, err := tier.Get(ctx, fingerprint)
		if err != nil {
			c.log.Warn().Err(err).Str("tier", tier.Name()).Msg("cache tier get failed")
			continue
		}
		if !found {
			metrics.IncCacheRequest(tier.Name(), "miss")
			continue
		}
		metrics.IncCacheRequest(tier.Name(), "hit")
		c.backfill(ctx, fingerprint, rec, i)
		return rec, true, nil
	}
	return nil, false, nil
}

func (c *MultiTier) Put(ctx context.Context, fingerprint string, rec *model.CallRecord) error {
	for _, tier := range c.tiers {
		if err := tier.Put(ctx, fingerprint, rec); err != nil {
			c.log.Warn().Err(err).Str("tier", tier.Name()).Msg("cache tier put failed")
		}
	}
	return nil
}

func (c *MultiTier) backfill(ctx context.Context, fingerprint string, rec *model.CallRecord, hitIdx int) {
	for _, tier := range c.tiers[:hitIdx] {
		if err := tier.Put(ctx, fingerprint, rec); err != nil {
			c.log.Warn().Err(err).Str("tier", tier.Name()).Msg("cache backfill failed")
		}
	}
}
