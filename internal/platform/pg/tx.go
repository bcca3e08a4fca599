package pg

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// txKey is the context key under which an active transaction is stored.
type txKey struct{}

// Querier unifies query execution over the pool and a transaction, so
// repositories work with one interface regardless of transactional scope.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// TxRunner runs callbacks inside a transaction with guaranteed commit/rollback.
// The job runner uses it to write a job with its steps and log rows atomically.
type TxRunner struct {
	Pool *pgxpool.Pool
}

// NewTxRunner creates a TxRunner over the given pool.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{Pool: pool}
}

// WithinTx executes fn inside a transaction. The transaction is committed when
// fn returns nil and rolled back otherwise. Inside fn the transaction is
// reachable through the context (see GetQuerier).
func (r *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return pgx.BeginFunc(ctx, r.Pool, func(tx pgx.Tx) error {
		ctx = context.WithValue(ctx, txKey{}, tx)
		return fn(ctx)
	})
}

// Tx extracts an active transaction from the context, if any.
func Tx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// GetQuerier returns the active transaction from the context when present,
// falling back to the pool.
func (r *TxRunner) GetQuerier(ctx context.Context) Querier {
	if tx, ok := Tx(ctx); ok {
		return tx
	}
	return r.Pool
}
