// Package kv defines the transactional, ordered key-value store contract the
// index storage is built on, plus small helpers shared by every backend.
package kv

import (
	"bytes"
	"context"
	"time"
)

// Database opens transactions against an ordered key-value store.
type Database interface {
	Begin(ctx context.Context) (Transaction, error)
	Limits() Limits
	Close() error
}

// Transaction is a serializable unit of work. Reads observe the transaction's
// own writes. A Transaction is not safe for concurrent use.
type Transaction interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	GetRange(ctx context.Context, r Range, limit int) ([]KeyValue, error)
	Set(key, value []byte) error
	Clear(key []byte) error
	Commit(ctx context.Context) error
	Cancel()

	// Size is the approximate number of mutation bytes issued so far.
	Size() int
	Started() time.Time
}

// RangeClearer is implemented by transactions that can clear a key range
// as a single mutation.
type RangeClearer interface {
	ClearRange(r Range) error
}

// AtomicAdder is implemented by transactions that support a conflict-free
// fetch-and-add on a little-endian uint64 counter. The add is linearized at
// call time across all transactions and is not undone if the issuing
// transaction aborts. A missing counter reads as zero.
type AtomicAdder interface {
	Add(ctx context.Context, key []byte, delta uint64) (uint64, error)
}

// Limits is the store's per-transaction budget.
type Limits struct {
	MaxTransactionBytes    int
	MaxTransactionDuration time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxTransactionBytes:    10 << 20,
		MaxTransactionDuration: 5 * time.Second,
	}
}

type KeyValue struct {
	Key   []byte
	Value []byte
}

// Range is the half-open key interval [Begin, End).
type Range struct {
	Begin []byte
	End   []byte
}

func (r Range) Contains(key []byte) bool {
	return bytes.Compare(key, r.Begin) >= 0 && bytes.Compare(key, r.End) < 0
}

func (r Range) Overlaps(o Range) bool {
	return bytes.Compare(r.Begin, o.End) < 0 && bytes.Compare(o.Begin, r.End) < 0
}

// PrefixRange returns the range of every key starting with prefix.
func PrefixRange(prefix []byte) Range {
	begin := append([]byte{}, prefix...)
	return Range{Begin: begin, End: strinc(prefix)}
}

// KeyRange returns the range holding exactly key.
func KeyRange(key []byte) Range {
	begin := append([]byte{}, key...)
	end := append(append([]byte{}, key...), 0x00)
	return Range{Begin: begin, End: end}
}

// strinc returns the first key greater than every key prefixed by p.
func strinc(p []byte) []byte {
	out := append([]byte{}, p...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return []byte{0xff, 0xff}
}
