package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-builder/pkg/retry"
)

// WithTx runs fn inside a transaction on the tenant scope's connection.
// Repositories called with the context passed to fn join the transaction.
// A transaction already present in ctx is reused and fn runs inside it.
func WithTx(ctx context.Context, opts pgx.TxOptions, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return fn(ctx)
	}

	scope, ok := GetTenantScope(ctx)
	if !ok || scope.Conn == nil {
		return ErrNoTenantScope
	}

	tx, err := scope.Conn.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(context.WithValue(ctx, txKey, tx)); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// WithSerializableTx runs fn in a SERIALIZABLE transaction bounded by timeout.
// Serialization failures and deadlocks re-run fn from the start, so fn must
// do nothing but database work.
func WithSerializableTx(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.Serializable}
	return retry.DoIfRetryable(ctx, retry.SerializableTxConfig(), func() error {
		txCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return WithTx(txCtx, opts, fn)
	})
}
