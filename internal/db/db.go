// Package db defines the minimal querying surface shared by the event log
// and snapshot stores, so each can accept either a *pgxpool.Pool or a
// pgx.Tx without depending on the concrete type.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx is an open transaction: a DBTX with the commit/rollback lifecycle.
// Satisfied by pgx.Tx.
type Tx interface {
	DBTX
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts a Tx. Stores type-assert their DBTX to Beginner to
// run a batch atomically; a DBTX that is already a transaction doesn't
// implement it, since pgx has no nested transactions.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// poolDBTX adapts *pgxpool.Pool to DBTX and Beginner.
type poolDBTX struct {
	pool *pgxpool.Pool
}

// WrapPool adapts pool so it satisfies DBTX while also exposing Beginner,
// letting callers that hold only a DBTX type-assert their way into a real
// transaction when the underlying value is a pool.
func WrapPool(pool *pgxpool.Pool) DBTX {
	return poolDBTX{pool: pool}
}

func (p poolDBTX) Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error) {
	return p.pool.Exec(ctx, sql, args...)
}

func (p poolDBTX) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}

func (p poolDBTX) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

func (p poolDBTX) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}
