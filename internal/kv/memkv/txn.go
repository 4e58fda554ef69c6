package memkv

import (
	"bytes"
	"context"
	"time"

	"github.com/google/btree"

	"github.com/sekai02/kvindex/internal/kv"
)

type pending struct {
	key     []byte
	value   []byte
	deleted bool
}

func (p *pending) Less(than btree.Item) bool {
	return bytes.Compare(p.key, than.(*pending).key) < 0
}

type txn struct {
	db          *DB
	readVersion uint64
	started     time.Time
	writes      *btree.BTree
	clears      []kv.Range
	reads       []kv.Range
	size        int
	done        bool
}

var (
	_ kv.Transaction  = (*txn)(nil)
	_ kv.RangeClearer = (*txn)(nil)
	_ kv.AtomicAdder  = (*txn)(nil)
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
	if t.db.now().Sub(t.started) > t.db.limits.MaxTransactionDuration {
		return kv.ErrTransactionTooOld
	}
	return nil
}

func (t *txn) cleared(key []byte) bool {
	for _, r := range t.clears {
		if r.Contains(key) {
			return true
		}
	}
	return false
}

func (t *txn) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if err := t.check(ctx); err != nil {
		return nil, false, err
	}

	if item := t.writes.Get(&pending{key: key}); item != nil {
		p := item.(*pending)
		if p.deleted {
			return nil, false, nil
		}
		return append([]byte{}, p.value...), true, nil
	}
	if t.cleared(key) {
		return nil, false, nil
	}

	t.reads = append(t.reads, kv.KeyRange(key))

	t.db.mu.RLock()
	defer t.db.mu.RUnlock()

	if t.db.closed {
		return nil, false, kv.ErrStoreUnavailable
	}
	item := t.db.data.Get(&entry{key: key})
	if item == nil {
		return nil, false, nil
	}
	v, ok := item.(*entry).valueAt(t.readVersion)
	if !ok {
		return nil, false, nil
	}
	return append([]byte{}, v...), true, nil
}

func (t *txn) GetRange(ctx context.Context, r kv.Range, limit int) ([]kv.KeyValue, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}

	var snapshot []kv.KeyValue
	t.db.mu.RLock()
	if t.db.closed {
		t.db.mu.RUnlock()
		return nil, kv.ErrStoreUnavailable
	}
	t.db.snapshotRange(r, t.readVersion, func(key, value []byte) bool {
		if !t.cleared(key) {
			snapshot = append(snapshot, kv.KeyValue{
				Key:   append([]byte{}, key...),
				Value: append([]byte{}, value...),
			})
		}
		return true
	})
	t.db.mu.RUnlock()

	var local []*pending
	t.writes.AscendRange(&pending{key: r.Begin}, &pending{key: r.End}, func(i btree.Item) bool {
		local = append(local, i.(*pending))
		return true
	})

	out := make([]kv.KeyValue, 0, len(snapshot)+len(local))
	i, j := 0, 0
	for i < len(snapshot) || j < len(local) {
		if limit > 0 && len(out) >= limit {
			break
		}
		switch {
		case j >= len(local):
			out = append(out, snapshot[i])
			i++
		case i >= len(snapshot) || bytes.Compare(local[j].key, snapshot[i].Key) < 0:
			if !local[j].deleted {
				out = append(out, kv.KeyValue{
					Key:   append([]byte{}, local[j].key...),
					Value: append([]byte{}, local[j].value...),
				})
			}
			j++
		case bytes.Equal(local[j].key, snapshot[i].Key):
			if !local[j].deleted {
				out = append(out, kv.KeyValue{
					Key:   snapshot[i].Key,
					Value: append([]byte{}, local[j].value...),
				})
			}
			i++
			j++
		default:
			out = append(out, snapshot[i])
			i++
		}
	}

	read := kv.Range{Begin: append([]byte{}, r.Begin...), End: append([]byte{}, r.End...)}
	if limit > 0 && len(out) >= limit {
		read.End = kv.KeyRange(out[len(out)-1].Key).End
	}
	t.reads = append(t.reads, read)
	return out, nil
}

func (t *txn) Set(key, value []byte) error {
	if t.done {
		return kv.ErrTransactionDone
	}
	t.writes.ReplaceOrInsert(&pending{
		key:   append([]byte{}, key...),
		value: append([]byte{}, value...),
	})
	t.size += len(key) + len(value)
	return nil
}

func (t *txn) Clear(key []byte) error {
	if t.done {
		return kv.ErrTransactionDone
	}
	t.writes.ReplaceOrInsert(&pending{key: append([]byte{}, key...), deleted: true})
	t.size += len(key)
	return nil
}

func (t *txn) ClearRange(r kv.Range) error {
	if t.done {
		return kv.ErrTransactionDone
	}

	var drop []btree.Item
	t.writes.AscendRange(&pending{key: r.Begin}, &pending{key: r.End}, func(i btree.Item) bool {
		drop = append(drop, i)
		return true
	})
	for _, item := range drop {
		t.writes.Delete(item)
	}

	t.clears = append(t.clears, kv.Range{
		Begin: append([]byte{}, r.Begin...),
		End:   append([]byte{}, r.End...),
	})
	t.size += len(r.Begin) + len(r.End)
	return nil
}

// Add advances the counter at key immediately. It records no read, so it
// never conflicts, and an abort does not roll it back.
func (t *txn) Add(ctx context.Context, key []byte, delta uint64) (uint64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}

	db := t.db
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return 0, kv.ErrStoreUnavailable
	}

	var prior uint64
	if item := db.data.Get(&entry{key: key}); item != nil {
		if v, ok := item.(*entry).valueAt(db.version); ok {
			prior = decodeCounter(v)
		}
	}

	horizon := db.horizon()
	db.version++
	db.put(key, version{at: db.version, value: encodeCounter(prior + delta)}, horizon)
	db.log = append(db.log, commitRecord{version: db.version, writes: []kv.Range{kv.KeyRange(key)}})
	return prior, nil
}

func (t *txn) Commit(ctx context.Context) error {
	if err := t.check(ctx); err != nil {
		return err
	}

	db := t.db
	db.mu.Lock()
	defer db.mu.Unlock()
	defer t.finish()

	if db.closed {
		return kv.ErrStoreUnavailable
	}
	if t.writes.Len() == 0 && len(t.clears) == 0 {
		return nil
	}
	if t.size > db.limits.MaxTransactionBytes {
		return kv.ErrTransactionTooLarge
	}
	if db.hook != nil {
		if err := db.hook(t); err != nil {
			return err
		}
	}

	for _, rec := range db.log {
		if rec.version <= t.readVersion {
			continue
		}
		for _, w := range rec.writes {
			for _, r := range t.reads {
				if w.Overlaps(r) {
					return kv.ErrTransactionConflict
				}
			}
		}
	}

	delete(db.active, t)
	horizon := db.horizon()
	db.version++
	at := db.version

	writes := make([]kv.Range, 0, len(t.clears)+t.writes.Len())
	for _, r := range t.clears {
		var victims [][]byte
		db.data.AscendRange(&entry{key: r.Begin}, &entry{key: r.End}, func(i btree.Item) bool {
			e := i.(*entry)
			if _, ok := e.valueAt(at); ok {
				victims = append(victims, e.key)
			}
			return true
		})
		for _, key := range victims {
			db.put(key, version{at: at, deleted: true}, horizon)
		}
		writes = append(writes, r)
	}
	t.writes.Ascend(func(i btree.Item) bool {
		p := i.(*pending)
		db.put(p.key, version{at: at, value: p.value, deleted: p.deleted}, horizon)
		writes = append(writes, kv.KeyRange(p.key))
		return true
	})

	db.log = append(db.log, commitRecord{version: at, writes: writes})
	db.pruneLog(db.horizon())
	return nil
}

func (t *txn) Cancel() {
	if t.done {
		return
	}
	t.db.mu.Lock()
	t.finish()
	t.db.mu.Unlock()
}

// finish marks the transaction done. Callers hold db.mu.
func (t *txn) finish() {
	t.done = true
	delete(t.db.active, t)
}
