// Package ident hands out unique integer identifiers from a counter kept in
// the key-value store.
//
// With an atomic-add capable store a single counter is advanced by
// fetch-and-add, which never conflicts and yields contiguous ranges.
// Otherwise the keyspace is split into counter shards updated by
// read-modify-write; shard s of n hands out v*n+s, so identifiers stay
// unique across shards but are not contiguous, and two transactions that
// pick the same shard resolve through a commit conflict.
//
// A keyspace must stay on one strategy for its whole life.
package ident

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/spaolacci/murmur3"

	"github.com/sekai02/kvindex/internal/keys"
	"github.com/sekai02/kvindex/internal/kv"
	"github.com/sekai02/kvindex/internal/metrics"
)

const DefaultShards = 16

var ErrInvalidCount = errors.New("ident: negative allocation count")

type Allocator struct {
	prefix keys.Tuple
	shards int
	ticket atomic.Uint64
	logger *slog.Logger
}

type Option func(*Allocator)

// WithShards forces the sharded strategy with n counters.
func WithShards(n int) Option {
	return func(a *Allocator) { a.shards = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

func New(prefix keys.Tuple, opts ...Option) *Allocator {
	a := &Allocator{
		prefix: keys.Tuple(prefix.Bytes()),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithGroup("ident")
	return a
}

// Allocate returns count unique identifiers reserved inside tx. A failed
// commit of tx means the caller must allocate again; identifiers from an
// aborted transaction are never handed out twice but are not reused either.
func (a *Allocator) Allocate(ctx context.Context, tx kv.Transaction, count int) ([]uint64, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}
	if count == 0 {
		return []uint64{}, nil
	}

	if adder, ok := tx.(kv.AtomicAdder); ok && a.shards <= 1 {
		return a.allocateAtomic(ctx, adder, count)
	}
	return a.allocateSharded(ctx, tx, count)
}

// MutationBound bounds the mutation bytes one Allocate call adds to tx. The
// atomic strategy adds none; a nil tx gives the sharded bound.
func (a *Allocator) MutationBound(tx kv.Transaction) int {
	if _, ok := tx.(kv.AtomicAdder); ok && a.shards <= 1 {
		return 0
	}
	return len(keys.ShardCounterKey(a.prefix, math.MaxUint32)) + len(encodeCounter(0))
}

// AllocateStandalone allocates in a transaction of its own and commits it.
func (a *Allocator) AllocateStandalone(ctx context.Context, db kv.Database, count int) ([]uint64, error) {
	var ids []uint64
	err := kv.Transact(ctx, db, func(ctx context.Context, tx kv.Transaction) error {
		var err error
		ids, err = a.Allocate(ctx, tx, count)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (a *Allocator) allocateAtomic(ctx context.Context, adder kv.AtomicAdder, count int) ([]uint64, error) {
	first, err := adder.Add(ctx, keys.CounterKey(a.prefix), uint64(count))
	if err != nil {
		return nil, fmt.Errorf("advance counter: %w", err)
	}

	ids := make([]uint64, count)
	for i := range ids {
		ids[i] = first + uint64(i)
	}
	metrics.IDsAllocated.WithLabelValues("atomic").Add(float64(count))
	return ids, nil
}

func (a *Allocator) allocateSharded(ctx context.Context, tx kv.Transaction, count int) ([]uint64, error) {
	n := a.shards
	if n <= 1 {
		n = DefaultShards
	}
	shard := a.shardFor(ctx, n)
	key := keys.ShardCounterKey(a.prefix, shard)

	raw, _, err := tx.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read counter shard %d: %w", shard, err)
	}
	next := decodeCounter(raw)
	if err := tx.Set(key, encodeCounter(next+uint64(count))); err != nil {
		return nil, fmt.Errorf("advance counter shard %d: %w", shard, err)
	}

	ids := make([]uint64, count)
	for i := range ids {
		ids[i] = (next+uint64(i))*uint64(n) + uint64(shard)
	}
	a.logger.Debug("sharded allocation", "shard", shard, "count", count, "first", ids[0])
	metrics.IDsAllocated.WithLabelValues("sharded").Add(float64(count))
	return ids, nil
}

func (a *Allocator) shardFor(ctx context.Context, n int) uint32 {
	if caller, ok := CallerFrom(ctx); ok {
		return murmur3.Sum32([]byte(caller)) % uint32(n)
	}
	return uint32(a.ticket.Add(1) % uint64(n))
}

type callerKey struct{}

// WithCaller tags ctx with a caller identity. The sharded strategy keeps a
// caller on one shard, so distinct callers rarely contend.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func CallerFrom(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(callerKey{}).(string)
	return caller, ok && caller != ""
}

func decodeCounter(b []byte) uint64 {
	if len(b) < 8 {
		padded := make([]byte, 8)
		copy(padded, b)
		b = padded
	}
	return binary.LittleEndian.Uint64(b)
}

func encodeCounter(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}
