package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

// TransactionManager executes a function within a database transaction,
// passing the transaction handle via `tx`. Keeps use-case interfaces clean
// (no driver types leaking out) while letting repositories run
// SELECT ... FOR UPDATE inside a claim.
//
// The concrete type of `tx` is infra-defined (pgx.Tx for Postgres).
// Repositories accept a nil tx for the non-transactional path.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
