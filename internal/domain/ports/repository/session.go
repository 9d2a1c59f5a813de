package repository

import (
	"context"

	"intent-code-pipeline/internal/domain/model"
)

// SessionRepository persists pipeline sessions. Updates are guarded by the
// caller-supplied expected revision; a mismatch returns
// domain.ErrStaleRevision so concurrent transitions cannot interleave.
type SessionRepository interface {
	Save(ctx context.Context, tx Tx, s *model.Session) error
	// UpdateRevision persists s only when the stored revision equals
	// expectedRevision, then bumps it to s.Revision.
	UpdateRevision(ctx context.Context, tx Tx, s *model.Session, expectedRevision int64) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Session, error)
	List(ctx context.Context, tx Tx, limit int) ([]*model.Session, error)
}
