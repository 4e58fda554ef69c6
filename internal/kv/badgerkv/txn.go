package badgerkv

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/sekai02/kvindex/internal/kv"
)

type txn struct {
	db      *DB
	tx      *badger.Txn
	started time.Time
	size    int
	done    bool
}

var (
	_ kv.Transaction = (*txn)(nil)
	_ kv.AtomicAdder = (*txn)(nil)
)

func (t *txn) Started() time.Time {
	return t.started
}

func (t *txn) Size() int {
	return t.size
}

func (t *txn) check(ctx context.Context) error {
	if t.done {
		return kv.ErrTransactionDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if time.Since(t.started) > t.db.limits.MaxTransactionDuration {
		return kv.ErrTransactionTooOld
	}
	return nil
}

func (t *txn) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := t.check(ctx); err != nil {
		return nil, false, err
	}

	item, err := t.tx.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, translate(t.db, err)
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, translate(t.db, err)
	}
	return value, true, nil
}

func (t *txn) GetRange(ctx context.Context, r kv.Range, limit int) ([]kv.KeyValue, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}

	it := t.tx.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []kv.KeyValue
	for it.Seek(r.Begin); it.Valid(); it.Next() {
		item := it.Item()
		if bytes.Compare(item.Key(), r.End) >= 0 {
			break
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return nil, translate(t.db, err)
		}
		out = append(out, kv.KeyValue{Key: item.KeyCopy(nil), Value: value})
	}
	return out, nil
}

func (t *txn) Set(key, value []byte) error {
	if t.done {
		return kv.ErrTransactionDone
	}
	// Badger keeps references until commit.
	k := append([]byte{}, key...)
	v := append([]byte{}, value...)
	if err := t.tx.Set(k, v); err != nil {
		return translate(t.db, err)
	}
	t.size += len(k) + len(v)
	return nil
}

func (t *txn) Clear(key []byte) error {
	if t.done {
		return kv.ErrTransactionDone
	}
	k := append([]byte{}, key...)
	if err := t.tx.Delete(k); err != nil {
		return translate(t.db, err)
	}
	t.size += len(k)
	return nil
}

// Add reserves delta consecutive values from the counter's sequence and
// returns the first. Sequences live outside the transaction.
func (t *txn) Add(ctx context.Context, key []byte, delta uint64) (uint64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	if delta == 0 {
		return 0, errZeroDelta
	}

	s, err := t.db.sequence(key)
	if err != nil {
		return 0, err
	}

	// Every caller of this counter goes through s.mu, so the delta values
	// taken here are consecutive. Next is O(1) within a lease, making a
	// large delta cost O(delta).
	s.mu.Lock()
	defer s.mu.Unlock()

	first, err := s.seq.Next()
	if err != nil {
		return 0, translate(t.db, err)
	}
	for i := uint64(1); i < delta; i++ {
		if _, err := s.seq.Next(); err != nil {
			return 0, translate(t.db, err)
		}
	}
	return first, nil
}

func (t *txn) Commit(ctx context.Context) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	defer t.Cancel()

	if err := t.tx.Commit(); err != nil {
		return translate(t.db, err)
	}
	return nil
}

func (t *txn) Cancel() {
	if t.done {
		return
	}
	t.done = true
	t.tx.Discard()
}
