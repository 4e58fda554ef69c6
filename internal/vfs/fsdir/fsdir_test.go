package fsdir

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sekai02/kvindex/internal/vfs"
	"github.com/sekai02/kvindex/internal/vfs/vfstest"
)

func TestConformance(t *testing.T) {
	vfstest.Run(t, func(t *testing.T) vfs.Directory {
		d, err := Open(filepath.Join(t.TempDir(), "index"))
		require.NoError(t, err)
		return d
	})
}

func TestRejectsPathNames(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "..", "a/b", "../escape"} {
		_, err := d.CreateOutput(context.Background(), name)
		require.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestListAllSkipsSubdirectories(t *testing.T) {
	root := t.TempDir()
	d, err := Open(root)
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(root, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "segments_1"), []byte("x"), 0o644))

	names, err := d.ListAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"segments_1"}, names)
}
