package kv

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type txKey struct{}

// WithTransaction returns a context carrying tx. Storage layers that accept
// a context perform their reads and writes inside tx instead of opening
// their own transaction.
func WithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func TransactionFrom(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(txKey{}).(Transaction)
	return tx, ok && tx != nil
}

type TxFunc func(ctx context.Context, tx Transaction) error

// Transact runs fn inside one fresh transaction and commits it. The context
// passed to fn carries the transaction. There are no retries.
func Transact(ctx context.Context, db Database, fn TxFunc) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Cancel()

	if err := fn(WithTransaction(ctx, tx), tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Retry runs fn through Transact until it succeeds, fails with an error that
// IsRetryable rejects, or b gives up.
func Retry(ctx context.Context, db Database, b backoff.BackOff, fn TxFunc) error {
	op := func() error {
		err := Transact(ctx, db, fn)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// NewBackoff is the default retry schedule for transaction retries.
func NewBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = time.Second
	eb.MaxElapsedTime = 30 * time.Second
	return eb
}

// ClearRange clears r in tx, as one mutation when the transaction supports
// it and key by key otherwise.
func ClearRange(ctx context.Context, tx Transaction, r Range) error {
	if rc, ok := tx.(RangeClearer); ok {
		return rc.ClearRange(r)
	}

	kvs, err := tx.GetRange(ctx, r, 0)
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		if err := tx.Clear(kv.Key); err != nil {
			return err
		}
	}
	return nil
}
