package badgerkv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sekai02/kvindex/internal/kv"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Options{InMemory: true, SequenceBandwidth: 16})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGetSetRange(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	err := kv.Transact(ctx, db, func(ctx context.Context, tx kv.Transaction) error {
		for _, k := range []string{"p/1", "p/2", "p/3", "q"} {
			if err := tx.Set([]byte(k), []byte("v"+k)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	defer tx.Cancel()

	v, ok, err := tx.Get(ctx, []byte("p/2"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "vp/2", string(v))

	_, ok, err = tx.Get(ctx, []byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)

	kvs, err := tx.GetRange(ctx, kv.PrefixRange([]byte("p/")), 0)
	require.NoError(t, err)
	require.Len(t, kvs, 3)

	kvs, err = tx.GetRange(ctx, kv.PrefixRange([]byte("p/")), 2)
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, "p/2", string(kvs[1].Key))
}

func TestConflictIsTranslated(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	_, _, err = tx.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.NoError(t, tx.Set([]byte("other"), []byte("x")))

	require.NoError(t, kv.Transact(ctx, db, func(ctx context.Context, tx kv.Transaction) error {
		return tx.Set([]byte("k"), []byte("v"))
	}))

	err = tx.Commit(ctx)
	require.ErrorIs(t, err, kv.ErrTransactionConflict)
	require.True(t, kv.IsRetryable(err))
}

func TestClearRangeFallsBackToKeys(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	require.NoError(t, kv.Transact(ctx, db, func(ctx context.Context, tx kv.Transaction) error {
		require.NoError(t, tx.Set([]byte("p/1"), []byte("x")))
		return tx.Set([]byte("p/2"), []byte("y"))
	}))
	require.NoError(t, kv.Transact(ctx, db, func(ctx context.Context, tx kv.Transaction) error {
		_, isClearer := tx.(kv.RangeClearer)
		require.False(t, isClearer)
		return kv.ClearRange(ctx, tx, kv.PrefixRange([]byte("p/")))
	}))

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	defer tx.Cancel()
	kvs, err := tx.GetRange(ctx, kv.PrefixRange([]byte("p/")), 0)
	require.NoError(t, err)
	require.Empty(t, kvs)
}

func TestAddAcrossLeases(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	key := []byte("seq")

	var next uint64
	for i := 0; i < 10; i++ {
		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		first, err := tx.(kv.AtomicAdder).Add(ctx, key, 5)
		require.NoError(t, err)
		require.Equal(t, next, first)
		next += 5
		tx.Cancel()
	}

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	defer tx.Cancel()
	_, err = tx.(kv.AtomicAdder).Add(ctx, key, 0)
	require.Error(t, err)
}

func TestClosedStore(t *testing.T) {
	db, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.Begin(context.Background())
	require.ErrorIs(t, err, kv.ErrStoreUnavailable)
}

func TestLimitsFollowBatchSize(t *testing.T) {
	db := openTest(t)
	require.Positive(t, db.Limits().MaxTransactionBytes)
	require.Equal(t, kv.DefaultLimits().MaxTransactionDuration, db.Limits().MaxTransactionDuration)
}
