package kv

import "errors"

var (
	// ErrTransactionConflict: another transaction committed a write into a
	// range this transaction read. Retry with a fresh transaction.
	ErrTransactionConflict = errors.New("kv: transaction conflict")

	// ErrTransactionTooOld: the transaction outlived the duration budget.
	ErrTransactionTooOld = errors.New("kv: transaction too old")

	// ErrTransactionTooLarge: the mutation size exceeded the byte budget.
	// Retrying the same work will fail again; shrink the batch.
	ErrTransactionTooLarge = errors.New("kv: transaction too large")

	ErrStoreUnavailable = errors.New("kv: store unavailable")

	// ErrTransactionDone is returned by operations on a committed or
	// cancelled transaction.
	ErrTransactionDone = errors.New("kv: transaction already finished")
)

// IsRetryable reports whether err can be cured by running the same work in
// a fresh transaction.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionConflict) ||
		errors.Is(err, ErrTransactionTooOld) ||
		errors.Is(err, ErrStoreUnavailable)
}
