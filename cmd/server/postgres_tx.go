package main

import (
	"context"
	"database/sql"
	"time"

	dErrors "verifid/pkg/domain-errors"
	txctx "verifid/pkg/platform/tx"
)

const defaultTxTimeout = 5 * time.Second

// postgresTx couples a session write and its audit append into one atomic
// commit. The open transaction rides the context so both stores pick it up
// without knowing about each other.
type postgresTx struct {
	db      *sql.DB
	timeout time.Duration
}

func newPostgresTx(db *sql.DB) *postgresTx {
	return &postgresTx{db: db}
}

func (t *postgresTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txctx.WithTx(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit()
}
