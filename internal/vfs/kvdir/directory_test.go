package kvdir

import (
	"context"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sekai02/kvindex/internal/kv"
	"github.com/sekai02/kvindex/internal/kv/badgerkv"
	"github.com/sekai02/kvindex/internal/kv/memkv"
	"github.com/sekai02/kvindex/internal/vfs"
	"github.com/sekai02/kvindex/internal/vfs/vfstest"
)

func backends(t *testing.T) map[string]kv.Database {
	t.Helper()

	bdb, err := badgerkv.Open(badgerkv.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { bdb.Close() })

	return map[string]kv.Database{
		"memkv":  memkv.Open(),
		"badger": bdb,
	}
}

func openDir(t *testing.T, db kv.Database, pageSize int) *Directory {
	t.Helper()
	d, err := Open(db, Config{Path: "test/index", PageSize: pageSize})
	require.NoError(t, err)
	return d
}

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func writeFile(t *testing.T, ctx context.Context, d vfs.Directory, name string, data []byte, chunk int) {
	t.Helper()
	out, err := d.CreateOutput(ctx, name)
	require.NoError(t, err)
	for len(data) > 0 {
		n := min(chunk, len(data))
		_, err := out.Write(ctx, data[:n])
		require.NoError(t, err)
		data = data[n:]
	}
	require.NoError(t, out.Close(ctx))
}

func pageCount(t *testing.T, d *Directory, name string) int {
	t.Helper()
	var n int
	err := kv.Transact(context.Background(), d.db, func(ctx context.Context, tx kv.Transaction) error {
		pages, err := tx.GetRange(ctx, d.layout.PageRange(name), 0)
		n = len(pages)
		return err
	})
	require.NoError(t, err)
	return n
}

func TestConformance(t *testing.T) {
	vfstest.Run(t, func(t *testing.T) vfs.Directory {
		return openDir(t, memkv.Open(), 128)
	})
	t.Run("badger", func(t *testing.T) {
		vfstest.Run(t, func(t *testing.T) vfs.Directory {
			return openDir(t, backends(t)["badger"], 128)
		})
	})
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	sizes := []int{0, 1, 999, 1000, 1001, 2500, 10000, 12345}

	for backend, db := range backends(t) {
		d := openDir(t, db, 1000)
		for i, size := range sizes {
			data := randomBytes(size, int64(i))
			name := backend + "_" + string(rune('a'+i))
			writeFile(t, ctx, d, name, data, 333)

			length, err := d.FileLength(ctx, name)
			require.NoError(t, err, backend)
			require.EqualValues(t, size, length, backend)

			in, err := d.OpenInput(ctx, name)
			require.NoError(t, err)
			got, err := in.ReadAt(ctx, 0, size)
			require.NoError(t, err, backend)
			require.Equal(t, data, got, "%s size %d", backend, size)
			require.NoError(t, in.Close())
		}
	}
}

func TestReadAtAcrossPageBoundaries(t *testing.T) {
	ctx := context.Background()
	d := openDir(t, memkv.Open(), 100)
	data := randomBytes(1050, 7)
	writeFile(t, ctx, d, "f", data, 1050)

	in, err := d.OpenInput(ctx, "f")
	require.NoError(t, err)

	cases := []struct{ off, n int }{
		{0, 100}, {99, 2}, {100, 100}, {150, 300}, {1000, 50}, {1049, 1}, {0, 1050}, {512, 0},
	}
	for _, c := range cases {
		got, err := in.ReadAt(ctx, int64(c.off), c.n)
		require.NoError(t, err)
		require.Equal(t, data[c.off:c.off+c.n], got, "off %d n %d", c.off, c.n)
	}

	_, err = in.ReadAt(ctx, 1000, 51)
	require.ErrorIs(t, err, io.EOF)
	_, err = in.ReadAt(ctx, -1, 1)
	require.Error(t, err)
}

func TestSegmentsFileLifecycle(t *testing.T) {
	ctx := context.Background()
	for backend, db := range backends(t) {
		d := openDir(t, db, 1000)
		writeFile(t, ctx, d, "segments_1", randomBytes(10000, 1), 4096)

		require.Equal(t, 10, pageCount(t, d, "segments_1"), backend)
		names, err := d.ListAll(ctx)
		require.NoError(t, err)
		require.Contains(t, names, "segments_1")

		require.NoError(t, d.DeleteFile(ctx, "segments_1"))
		names, err = d.ListAll(ctx)
		require.NoError(t, err)
		require.NotContains(t, names, "segments_1", backend)
		require.Zero(t, pageCount(t, d, "segments_1"), backend)

		_, err = d.FileLength(ctx, "segments_1")
		require.ErrorIs(t, err, vfs.ErrFileNotFound)

		// Deleting again is a no-op.
		require.NoError(t, d.DeleteFile(ctx, "segments_1"))
	}
}

func TestCreateExistingFails(t *testing.T) {
	ctx := context.Background()
	d := openDir(t, memkv.Open(), 1000)
	writeFile(t, ctx, d, "a", []byte("x"), 1)

	_, err := d.CreateOutput(ctx, "a")
	require.ErrorIs(t, err, vfs.ErrFileAlreadyExists)

	var fe *vfs.FileError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "a", fe.Name)
}

func TestMissingFile(t *testing.T) {
	ctx := context.Background()
	d := openDir(t, memkv.Open(), 1000)

	_, err := d.OpenInput(ctx, "nope")
	require.ErrorIs(t, err, vfs.ErrFileNotFound)
	_, err = d.FileLength(ctx, "nope")
	require.ErrorIs(t, err, vfs.ErrFileNotFound)
	require.ErrorIs(t, d.RenameFile(ctx, "nope", "other"), vfs.ErrFileNotFound)
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	for backend, db := range backends(t) {
		d := openDir(t, db, 100)
		data := randomBytes(450, 3)
		writeFile(t, ctx, d, "pending_segments_2", data, 450)
		writeFile(t, ctx, d, "taken", []byte("t"), 1)

		require.ErrorIs(t, d.RenameFile(ctx, "pending_segments_2", "taken"), vfs.ErrFileAlreadyExists)
		require.NoError(t, d.RenameFile(ctx, "pending_segments_2", "segments_2"), backend)

		names, err := d.ListAll(ctx)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"segments_2", "taken"}, names, backend)
		require.Zero(t, pageCount(t, d, "pending_segments_2"))

		in, err := d.OpenInput(ctx, "segments_2")
		require.NoError(t, err)
		got, err := in.ReadAt(ctx, 0, len(data))
		require.NoError(t, err)
		require.Equal(t, data, got, backend)
	}
}

func TestSyncWritesPartialPage(t *testing.T) {
	ctx := context.Background()
	d := openDir(t, memkv.Open(), 1000)
	data := randomBytes(2100, 9)

	out, err := d.CreateOutput(ctx, "f")
	require.NoError(t, err)

	_, err = out.Write(ctx, data[:1500])
	require.NoError(t, err)
	require.EqualValues(t, 1500, out.Length())

	length, err := d.FileLength(ctx, "f")
	require.NoError(t, err)
	require.EqualValues(t, 1000, length)

	require.NoError(t, out.Sync(ctx))
	length, err = d.FileLength(ctx, "f")
	require.NoError(t, err)
	require.EqualValues(t, 1500, length)

	_, err = out.Write(ctx, data[1500:])
	require.NoError(t, err)
	require.NoError(t, out.Close(ctx))
	require.NoError(t, out.Close(ctx))

	_, err = out.Write(ctx, []byte("late"))
	require.ErrorIs(t, err, vfs.ErrClosed)

	require.Equal(t, 3, pageCount(t, d, "f"))
	in, err := d.OpenInput(ctx, "f")
	require.NoError(t, err)
	require.EqualValues(t, 2100, in.Length())
	got, err := in.ReadAt(ctx, 0, 2100)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestUncommittedFileIsInvisible(t *testing.T) {
	ctx := context.Background()
	for backend, db := range backends(t) {
		d := openDir(t, db, 1000)

		tx, err := db.Begin(ctx)
		require.NoError(t, err)
		txCtx := kv.WithTransaction(ctx, tx)
		writeFile(t, txCtx, d, "_0.cfs", randomBytes(2500, 2), 2500)

		names, err := d.ListAll(txCtx)
		require.NoError(t, err)
		require.Equal(t, []string{"_0.cfs"}, names, backend)

		names, err = d.ListAll(ctx)
		require.NoError(t, err)
		require.Empty(t, names, backend)

		require.NoError(t, tx.Commit(ctx))
		names, err = d.ListAll(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"_0.cfs"}, names, backend)
	}
}

func TestStandaloneWriteCommitsPerBatchWidth(t *testing.T) {
	ctx := context.Background()
	limits := kv.Limits{MaxTransactionBytes: 10_000, MaxTransactionDuration: 5 * time.Second}
	commits := 0
	db := memkv.Open(memkv.WithLimits(limits), memkv.WithCommitHook(func(kv.Transaction) error {
		commits++
		return nil
	}))
	d, err := Open(db, Config{Path: "test/index", PageSize: 100, PagesPerTransaction: 10})
	require.NoError(t, err)

	// Five times what one transaction can hold.
	data := randomBytes(50_000, 9)
	out, err := d.CreateOutput(ctx, "_0.fdt")
	require.NoError(t, err)
	n, err := out.Write(ctx, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, out.Close(ctx))
	require.GreaterOrEqual(t, commits, 50)

	in, err := d.OpenInput(ctx, "_0.fdt")
	require.NoError(t, err)
	got, err := in.ReadAt(ctx, 0, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)

	// A caller's transaction is never split.
	err = kv.Transact(ctx, db, func(ctx context.Context, tx kv.Transaction) error {
		writeFile(t, ctx, d, "_1.fdt", data, len(data))
		return nil
	})
	require.ErrorIs(t, err, kv.ErrTransactionTooLarge)
	_, err = d.FileLength(ctx, "_1.fdt")
	require.ErrorIs(t, err, vfs.ErrFileNotFound)
}

func TestAbortedTransactionLeavesNothing(t *testing.T) {
	ctx := context.Background()
	db := memkv.Open()
	d := openDir(t, db, 100)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	writeFile(t, kv.WithTransaction(ctx, tx), d, "f", randomBytes(500, 4), 500)
	tx.Cancel()

	names, err := d.ListAll(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
	require.Zero(t, pageCount(t, d, "f"))
}

func TestDeleteDirectory(t *testing.T) {
	ctx := context.Background()
	for backend, db := range backends(t) {
		d := openDir(t, db, 100)
		other, err := Open(db, Config{Path: "test/other", PageSize: 100})
		require.NoError(t, err)

		for _, name := range []string{"_0.fdt", "_0.fdx", "segments_1"} {
			writeFile(t, ctx, d, name, randomBytes(250, 5), 250)
		}
		writeFile(t, ctx, other, "keep", []byte("k"), 1)

		require.NoError(t, d.DeleteDirectory(ctx), backend)
		names, err := d.ListAll(ctx)
		require.NoError(t, err)
		require.Empty(t, names, backend)
		require.Zero(t, pageCount(t, d, "_0.fdt"))

		names, err = other.ListAll(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"keep"}, names, backend)
	}
}

func TestCreationSequenceIncreases(t *testing.T) {
	ctx := context.Background()
	d := openDir(t, memkv.Open(), 1000)
	writeFile(t, ctx, d, "first", nil, 1)
	writeFile(t, ctx, d, "second", nil, 1)

	a, err := d.Stat(ctx, "first")
	require.NoError(t, err)
	b, err := d.Stat(ctx, "second")
	require.NoError(t, err)
	require.Less(t, a.Sequence, b.Sequence)
	require.Equal(t, 1000, a.PageSize)
}

func TestMissingPageIsCorruption(t *testing.T) {
	ctx := context.Background()
	d := openDir(t, memkv.Open(), 100)
	writeFile(t, ctx, d, "f", randomBytes(300, 6), 300)

	err := kv.Transact(ctx, d.db, func(ctx context.Context, tx kv.Transaction) error {
		return tx.Clear(d.layout.PageKey("f", 1))
	})
	require.NoError(t, err)

	in, err := d.OpenInput(ctx, "f")
	require.NoError(t, err)
	_, err = in.ReadAt(ctx, 50, 200)
	require.ErrorIs(t, err, ErrCorruptFile)

	got, err := in.ReadAt(ctx, 200, 100)
	require.NoError(t, err)
	require.Len(t, got, 100)
}

func TestConfigGuard(t *testing.T) {
	db := memkv.Open(memkv.WithLimits(kv.Limits{MaxTransactionBytes: 10000, MaxTransactionDuration: kv.DefaultLimits().MaxTransactionDuration}))

	_, err := Open(db, Config{PageSize: 1001, PagesPerTransaction: 1})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = Open(db, Config{PageSize: 1000, PagesPerTransaction: 11})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = Open(db, Config{PageSize: -1, PagesPerTransaction: 1})
	require.ErrorIs(t, err, ErrInvalidConfig)

	d, err := Open(db, Config{PageSize: 1000, PagesPerTransaction: 10})
	require.NoError(t, err)
	_, err = d.CreateOutput(context.Background(), "big", vfs.WithPageSize(2000))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClosedDirectory(t *testing.T) {
	d := openDir(t, memkv.Open(), 1000)
	require.NoError(t, d.Close())

	_, err := d.ListAll(context.Background())
	require.ErrorIs(t, err, vfs.ErrClosed)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	db := memkv.Open()
	d := openDir(t, db, 1000)
	require.NoError(t, db.Close())

	_, err := d.ListAll(context.Background())
	require.ErrorIs(t, err, kv.ErrStoreUnavailable)
}
