package keys

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathSkipsEmptySegments(t *testing.T) {
	require.Equal(t, Path("a/b"), Path("/a//b/"))
	require.NotEqual(t, Path("a/b"), Path("ab"))
}

func TestMetaKeyRoundTrip(t *testing.T) {
	d := NewDirectory(Path("indexes/books"))

	for _, name := range []string{"segments_1", "_0.fdt", "", "with\x00nul", "\xff\xfe"} {
		got, err := d.FileName(d.MetaKey(name))
		require.NoError(t, err)
		require.Equal(t, name, got)
		require.True(t, d.MetaRange().Contains(d.MetaKey(name)))
	}
}

func TestPageKeysSortByIndex(t *testing.T) {
	d := NewDirectory(Path("idx"))

	prev := d.PageKey("f", 0)
	for _, p := range []uint32{1, 2, 255, 256, 1 << 16, 1<<32 - 1} {
		k := d.PageKey("f", p)
		require.Equal(t, -1, bytes.Compare(prev, k), "page %d", p)
		prev = k

		name, idx, err := d.PageIndex(k)
		require.NoError(t, err)
		require.Equal(t, "f", name)
		require.Equal(t, p, idx)
	}
}

func TestPageRangeDoesNotCoverSiblingNames(t *testing.T) {
	d := NewDirectory(Path("idx"))

	r := d.PageRange("a")
	require.True(t, r.Contains(d.PageKey("a", 7)))
	require.False(t, r.Contains(d.PageKey("ab", 0)))
	require.False(t, r.Contains(d.PageKey("a\x00", 0)))
	require.False(t, d.MetaRange().Contains(d.PageKey("a", 0)))
}

func TestPageSpanIsInclusive(t *testing.T) {
	d := NewDirectory(Path("idx"))

	span := d.PageSpan("f", 2, 4)
	require.False(t, span.Contains(d.PageKey("f", 1)))
	require.True(t, span.Contains(d.PageKey("f", 2)))
	require.True(t, span.Contains(d.PageKey("f", 4)))
	require.False(t, span.Contains(d.PageKey("f", 5)))
}

func TestSharedPrefixIsNotClobbered(t *testing.T) {
	prefix := make(Tuple, 0, 64)
	prefix = prefix.AppendString("root")

	a := prefix.AppendString("a")
	b := prefix.AppendString("b")
	require.NotEqual(t, a, b)
	require.Equal(t, Path("root/a"), a)
}

func TestDecodeRejectsForeignKeys(t *testing.T) {
	d := NewDirectory(Path("idx"))
	other := NewDirectory(Path("other"))

	_, err := d.FileName(other.MetaKey("x"))
	require.ErrorIs(t, err, ErrMalformedKey)

	_, err = d.FileName(d.PageKey("x", 0))
	require.ErrorIs(t, err, ErrMalformedKey)

	_, _, err = d.PageIndex(d.MetaKey("x"))
	require.ErrorIs(t, err, ErrMalformedKey)
}

func TestDocumentKeys(t *testing.T) {
	prefix := NewDirectory(Path("idx")).Documents()

	for _, id := range []uint64{0, 1, 1 << 40} {
		key := DocumentKey(prefix, id)
		require.True(t, DocumentRange(prefix).Contains(key))
		got, err := DocumentID(prefix, key)
		require.NoError(t, err)
		require.Equal(t, id, got)
	}
	require.Equal(t, -1, bytes.Compare(DocumentKey(prefix, 9), DocumentKey(prefix, 10)))
}
