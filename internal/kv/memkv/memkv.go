// Package memkv is an in-memory, multi-version implementation of kv.Database
// with optimistic serializable transactions.
package memkv

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/sekai02/kvindex/internal/kv"
)

const degree = 32

type version struct {
	at      uint64
	value   []byte
	deleted bool
}

type entry struct {
	key      []byte
	versions []version
}

func (e *entry) Less(than btree.Item) bool {
	return bytes.Compare(e.key, than.(*entry).key) < 0
}

func (e *entry) valueAt(v uint64) ([]byte, bool) {
	for i := len(e.versions) - 1; i >= 0; i-- {
		if e.versions[i].at <= v {
			if e.versions[i].deleted {
				return nil, false
			}
			return e.versions[i].value, true
		}
	}
	return nil, false
}

// append adds a version and drops the ones no reader at or after horizon
// can observe.
func (e *entry) append(ver version, horizon uint64) {
	e.versions = append(e.versions, ver)
	keep := 0
	for i := len(e.versions) - 1; i >= 0; i-- {
		if e.versions[i].at <= horizon {
			keep = i
			break
		}
	}
	if keep > 0 {
		e.versions = append([]version{}, e.versions[keep:]...)
	}
}

type commitRecord struct {
	version uint64
	writes  []kv.Range
}

type DB struct {
	mu      sync.RWMutex
	data    *btree.BTree
	version uint64
	log     []commitRecord
	active  map[*txn]uint64
	closed  bool

	limits kv.Limits
	now    func() time.Time
	hook   func(kv.Transaction) error
}

var _ kv.Database = (*DB)(nil)

type Option func(*DB)

func WithLimits(l kv.Limits) Option {
	return func(db *DB) { db.limits = l }
}

func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// WithCommitHook installs fn to run at the start of every commit that has
// mutations. A non-nil error fails the commit with that error.
func WithCommitHook(fn func(kv.Transaction) error) Option {
	return func(db *DB) { db.hook = fn }
}

func Open(opts ...Option) *DB {
	db := &DB{
		data:   btree.New(degree),
		active: make(map[*txn]uint64),
		limits: kv.DefaultLimits(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

func (db *DB) Limits() kv.Limits {
	return db.limits
}

func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.closed = true
	db.active = make(map[*txn]uint64)
	return nil
}

func (db *DB) Begin(ctx context.Context) (kv.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, kv.ErrStoreUnavailable
	}

	t := &txn{
		db:          db,
		readVersion: db.version,
		started:     db.now(),
		writes:      btree.New(degree),
	}
	db.active[t] = t.readVersion
	return t, nil
}

// horizon is the oldest read version any live transaction may use.
// Callers hold db.mu.
func (db *DB) horizon() uint64 {
	h := db.version
	for _, v := range db.active {
		if v < h {
			h = v
		}
	}
	return h
}

func (db *DB) put(key []byte, ver version, horizon uint64) {
	probe := &entry{key: key}
	if item := db.data.Get(probe); item != nil {
		item.(*entry).append(ver, horizon)
		return
	}
	db.data.ReplaceOrInsert(&entry{key: append([]byte{}, key...), versions: []version{ver}})
}

func (db *DB) pruneLog(horizon uint64) {
	keep := 0
	for keep < len(db.log) && db.log[keep].version <= horizon {
		keep++
	}
	if keep > 0 {
		db.log = append([]commitRecord{}, db.log[keep:]...)
	}
}

func (db *DB) snapshotRange(r kv.Range, at uint64, fn func(key, value []byte) bool) {
	db.data.AscendRange(&entry{key: r.Begin}, &entry{key: r.End}, func(i btree.Item) bool {
		e := i.(*entry)
		if v, ok := e.valueAt(at); ok {
			return fn(e.key, v)
		}
		return true
	})
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
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
