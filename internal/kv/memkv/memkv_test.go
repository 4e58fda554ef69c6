package memkv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sekai02/kvindex/internal/kv"
)

func set(t *testing.T, db *DB, key, value string) {
	t.Helper()
	err := kv.Transact(context.Background(), db, func(ctx context.Context, tx kv.Transaction) error {
		return tx.Set([]byte(key), []byte(value))
	})
	require.NoError(t, err)
}

func TestSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	db := Open()
	set(t, db, "a", "1")

	reader, err := db.Begin(ctx)
	require.NoError(t, err)
	defer reader.Cancel()

	set(t, db, "a", "2")
	set(t, db, "b", "3")

	v, ok, err := reader.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v))

	_, ok, err = reader.Get(ctx, []byte("b"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadYourWrites(t *testing.T) {
	ctx := context.Background()
	db := Open()
	set(t, db, "a", "old")
	set(t, db, "c", "gone")

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	defer tx.Cancel()

	require.NoError(t, tx.Set([]byte("a"), []byte("new")))
	require.NoError(t, tx.Set([]byte("b"), []byte("added")))
	require.NoError(t, tx.Clear([]byte("c")))

	kvs, err := tx.GetRange(ctx, kv.Range{Begin: []byte("a"), End: []byte("z")}, 0)
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, "new", string(kvs[0].Value))
	require.Equal(t, "added", string(kvs[1].Value))
}

func TestWriteIntoReadRangeConflicts(t *testing.T) {
	ctx := context.Background()
	db := Open()

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.GetRange(ctx, kv.PrefixRange([]byte("dir/")), 0)
	require.NoError(t, err)
	require.NoError(t, tx.Set([]byte("dir/x"), []byte("1")))

	set(t, db, "dir/y", "phantom")
	require.ErrorIs(t, tx.Commit(ctx), kv.ErrTransactionConflict)
}

func TestBlindWritesDoNotConflict(t *testing.T) {
	ctx := context.Background()
	db := Open()

	t1, err := db.Begin(ctx)
	require.NoError(t, err)
	t2, err := db.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, t1.Set([]byte("k"), []byte("1")))
	require.NoError(t, t2.Set([]byte("k"), []byte("2")))
	require.NoError(t, t2.Commit(ctx))
	require.NoError(t, t1.Commit(ctx))
}

func TestLimitedRangeReadOnlyConflictsOnReadPart(t *testing.T) {
	ctx := context.Background()
	db := Open()
	set(t, db, "a", "1")
	set(t, db, "b", "2")

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	kvs, err := tx.GetRange(ctx, kv.Range{Begin: []byte("a"), End: []byte("z")}, 1)
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	require.NoError(t, tx.Set([]byte("out"), []byte("x")))

	set(t, db, "q", "beyond the limit")
	require.NoError(t, tx.Commit(ctx))
}

func TestClearRange(t *testing.T) {
	ctx := context.Background()
	db := Open()
	set(t, db, "p/1", "x")
	set(t, db, "p/2", "y")
	set(t, db, "q", "z")

	err := kv.Transact(ctx, db, func(ctx context.Context, tx kv.Transaction) error {
		require.NoError(t, tx.Set([]byte("p/3"), []byte("pending")))
		if err := kv.ClearRange(ctx, tx, kv.PrefixRange([]byte("p/"))); err != nil {
			return err
		}
		kvs, err := tx.GetRange(ctx, kv.PrefixRange([]byte("p/")), 0)
		require.NoError(t, err)
		require.Empty(t, kvs)
		return tx.Set([]byte("p/4"), []byte("after"))
	})
	require.NoError(t, err)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	defer tx.Cancel()
	kvs, err := tx.GetRange(ctx, kv.Range{Begin: []byte(""), End: []byte{0xff}}, 0)
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, "p/4", string(kvs[0].Key))
	require.Equal(t, "q", string(kvs[1].Key))
}

func TestAtomicAddIsImmediate(t *testing.T) {
	ctx := context.Background()
	db := Open()
	key := []byte("counter")

	t1, err := db.Begin(ctx)
	require.NoError(t, err)
	t2, err := db.Begin(ctx)
	require.NoError(t, err)

	first, err := t1.(kv.AtomicAdder).Add(ctx, key, 3)
	require.NoError(t, err)
	second, err := t2.(kv.AtomicAdder).Add(ctx, key, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(0), first)
	require.Equal(t, uint64(3), second)

	t1.Cancel()
	third, err := t2.(kv.AtomicAdder).Add(ctx, key, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(5), third)
	require.NoError(t, t2.Commit(ctx))
}

func TestTooLarge(t *testing.T) {
	ctx := context.Background()
	db := Open(WithLimits(kv.Limits{MaxTransactionBytes: 16, MaxTransactionDuration: time.Second}))

	err := kv.Transact(ctx, db, func(ctx context.Context, tx kv.Transaction) error {
		return tx.Set([]byte("key"), make([]byte, 32))
	})
	require.ErrorIs(t, err, kv.ErrTransactionTooLarge)
	require.False(t, kv.IsRetryable(err))
}

func TestTooOld(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	db := Open(WithClock(func() time.Time { return now }))

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Set([]byte("k"), []byte("v")))

	now = now.Add(2 * kv.DefaultLimits().MaxTransactionDuration)
	_, _, err = tx.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, kv.ErrTransactionTooOld)
	require.ErrorIs(t, tx.Commit(ctx), kv.ErrTransactionTooOld)
}

func TestTooOldTransactionCannotAdd(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	db := Open(WithClock(func() time.Time { return now }))
	key := []byte("counter")

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.(kv.AtomicAdder).Add(ctx, key, 1)
	require.NoError(t, err)

	now = now.Add(2 * kv.DefaultLimits().MaxTransactionDuration)
	_, err = tx.(kv.AtomicAdder).Add(ctx, key, 1)
	require.ErrorIs(t, err, kv.ErrTransactionTooOld)

	fresh, err := db.Begin(ctx)
	require.NoError(t, err)
	next, err := fresh.(kv.AtomicAdder).Add(ctx, key, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), next)
}

func TestCommitHook(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("injected")
	fail := true
	db := Open(WithCommitHook(func(kv.Transaction) error {
		if fail {
			return boom
		}
		return nil
	}))

	require.ErrorIs(t, kv.Transact(ctx, db, func(ctx context.Context, tx kv.Transaction) error {
		return tx.Set([]byte("k"), []byte("v"))
	}), boom)

	fail = false
	set(t, db, "k", "v")
}

func TestFinishedTransaction(t *testing.T) {
	ctx := context.Background()
	db := Open()
	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	tx.Cancel()
	tx.Cancel()

	require.ErrorIs(t, tx.Set([]byte("k"), nil), kv.ErrTransactionDone)
	_, _, err = tx.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, kv.ErrTransactionDone)
}

func TestClosedStore(t *testing.T) {
	db := Open()
	require.NoError(t, db.Close())
	_, err := db.Begin(context.Background())
	require.ErrorIs(t, err, kv.ErrStoreUnavailable)
}

func TestOldVersionsAreCollected(t *testing.T) {
	db := Open()
	for i := 0; i < 50; i++ {
		set(t, db, "k", string(rune('a'+i%26)))
	}

	db.mu.RLock()
	defer db.mu.RUnlock()
	e := db.data.Get(&entry{key: []byte("k")}).(*entry)
	require.LessOrEqual(t, len(e.versions), 2)
	require.LessOrEqual(t, len(db.log), 1)
}
