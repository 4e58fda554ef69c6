package kv_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/sekai02/kvindex/internal/kv"
	"github.com/sekai02/kvindex/internal/kv/memkv"
)

func TestPrefixRange(t *testing.T) {
	r := kv.PrefixRange([]byte("ab"))
	require.True(t, r.Contains([]byte("ab")))
	require.True(t, r.Contains([]byte("ab\xff\xff")))
	require.False(t, r.Contains([]byte("ac")))
	require.False(t, r.Contains([]byte("aa")))

	r = kv.PrefixRange([]byte{0x01, 0xff})
	require.Equal(t, []byte{0x02}, r.End)
}

func TestRangeOverlaps(t *testing.T) {
	a := kv.Range{Begin: []byte("a"), End: []byte("c")}
	require.True(t, a.Overlaps(kv.Range{Begin: []byte("b"), End: []byte("d")}))
	require.False(t, a.Overlaps(kv.Range{Begin: []byte("c"), End: []byte("d")}))
	require.True(t, a.Overlaps(kv.KeyRange([]byte("a"))))
}

func TestTransactionTravelsInContext(t *testing.T) {
	ctx := context.Background()
	_, ok := kv.TransactionFrom(ctx)
	require.False(t, ok)

	db := memkv.Open()
	err := kv.Transact(ctx, db, func(ctx context.Context, tx kv.Transaction) error {
		got, ok := kv.TransactionFrom(ctx)
		require.True(t, ok)
		require.Same(t, tx, got)
		return nil
	})
	require.NoError(t, err)
}

func TestRetryRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	db := memkv.Open(memkv.WithCommitHook(func(kv.Transaction) error {
		attempts++
		if attempts < 3 {
			return kv.ErrTransactionConflict
		}
		return nil
	}))

	err := kv.Retry(ctx, db, backoff.NewConstantBackOff(time.Millisecond), func(ctx context.Context, tx kv.Transaction) error {
		return tx.Set([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryStopsOnPermanentErrors(t *testing.T) {
	ctx := context.Background()
	db := memkv.Open()
	calls := 0
	boom := errors.New("boom")

	err := kv.Retry(ctx, db, backoff.NewConstantBackOff(time.Millisecond), func(ctx context.Context, tx kv.Transaction) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}
