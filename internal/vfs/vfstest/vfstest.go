// Package vfstest holds the behaviour every vfs.Directory backend shares.
package vfstest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sekai02/kvindex/internal/vfs"
)

// Run exercises a fresh directory from newDir for each case.
func Run(t *testing.T, newDir func(t *testing.T) vfs.Directory) {
	ctx := context.Background()

	t.Run("WriteRead", func(t *testing.T) {
		d := newDir(t)
		data := bytes.Repeat([]byte("segment-data-"), 777)
		write(t, d, "_1.fdt", data)

		length, err := d.FileLength(ctx, "_1.fdt")
		require.NoError(t, err)
		require.EqualValues(t, len(data), length)

		in, err := d.OpenInput(ctx, "_1.fdt")
		require.NoError(t, err)
		defer in.Close()
		got, err := in.ReadAt(ctx, 0, len(data))
		require.NoError(t, err)
		require.Equal(t, data, got)

		got, err = in.ReadAt(ctx, 13, 26)
		require.NoError(t, err)
		require.Equal(t, data[13:39], got)

		_, err = in.ReadAt(ctx, int64(len(data)), 1)
		require.True(t, errors.Is(err, io.EOF))
	})

	t.Run("ListAll", func(t *testing.T) {
		d := newDir(t)
		names, err := d.ListAll(ctx)
		require.NoError(t, err)
		require.Empty(t, names)

		write(t, d, "b", []byte("2"))
		write(t, d, "a", []byte("1"))
		names, err = d.ListAll(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, names)
	})

	t.Run("CreateExisting", func(t *testing.T) {
		d := newDir(t)
		write(t, d, "a", nil)
		_, err := d.CreateOutput(ctx, "a")
		require.ErrorIs(t, err, vfs.ErrFileAlreadyExists)
	})

	t.Run("Missing", func(t *testing.T) {
		d := newDir(t)
		_, err := d.OpenInput(ctx, "missing")
		require.ErrorIs(t, err, vfs.ErrFileNotFound)
		_, err = d.FileLength(ctx, "missing")
		require.ErrorIs(t, err, vfs.ErrFileNotFound)
		require.ErrorIs(t, d.RenameFile(ctx, "missing", "x"), vfs.ErrFileNotFound)
		require.NoError(t, d.DeleteFile(ctx, "missing"))
	})

	t.Run("Rename", func(t *testing.T) {
		d := newDir(t)
		write(t, d, "pending", []byte("payload"))
		write(t, d, "taken", nil)

		require.ErrorIs(t, d.RenameFile(ctx, "pending", "taken"), vfs.ErrFileAlreadyExists)
		require.NoError(t, d.RenameFile(ctx, "pending", "final"))

		names, err := d.ListAll(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"final", "taken"}, names)

		in, err := d.OpenInput(ctx, "final")
		require.NoError(t, err)
		defer in.Close()
		got, err := in.ReadAt(ctx, 0, int(in.Length()))
		require.NoError(t, err)
		require.Equal(t, []byte("payload"), got)
	})

	t.Run("Delete", func(t *testing.T) {
		d := newDir(t)
		write(t, d, "a", []byte("x"))
		require.NoError(t, d.DeleteFile(ctx, "a"))
		require.NoError(t, d.DeleteFile(ctx, "a"))

		names, err := d.ListAll(ctx)
		require.NoError(t, err)
		require.Empty(t, names)
	})

	t.Run("LengthCountsUnsynced", func(t *testing.T) {
		d := newDir(t)
		out, err := d.CreateOutput(ctx, "a")
		require.NoError(t, err)
		_, err = out.Write(ctx, []byte("hello"))
		require.NoError(t, err)
		require.EqualValues(t, 5, out.Length())
		require.NoError(t, out.Close(ctx))

		length, err := d.FileLength(ctx, "a")
		require.NoError(t, err)
		require.EqualValues(t, 5, length)
	})

	t.Run("DeleteDirectory", func(t *testing.T) {
		d := newDir(t)
		write(t, d, "a", []byte("x"))
		write(t, d, "b", []byte("y"))
		require.NoError(t, d.DeleteDirectory(ctx))

		names, err := d.ListAll(ctx)
		require.NoError(t, err)
		require.Empty(t, names)
	})
}

func write(t *testing.T, d vfs.Directory, name string, data []byte) {
	t.Helper()
	ctx := context.Background()
	out, err := d.CreateOutput(ctx, name)
	require.NoError(t, err)
	_, err = out.Write(ctx, data)
	require.NoError(t, err)
	require.NoError(t, out.Close(ctx))
}
