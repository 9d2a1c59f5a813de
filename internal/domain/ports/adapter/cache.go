package adapter

import (
	"context"

	"intent-code-pipeline/internal/domain/model"
)

// ResultCache memoizes provider call results keyed by request fingerprint.
// Implementations are best-effort: a miss and an unavailable backend look
// the same to callers.
type ResultCache interface {
	Get(ctx context.Context, fingerprint string) (*model.CallRecord, bool, error)
	Put(ctx context.Context, fingerprint string, rec *model.CallRecord) error
}
