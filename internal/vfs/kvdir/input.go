package kvdir

import (
	"context"
	"fmt"
	"io"

	"github.com/sekai02/kvindex/internal/kv"
	"github.com/sekai02/kvindex/internal/metrics"
	"github.com/sekai02/kvindex/internal/vfs"
)

type input struct {
	dir      *Directory
	name     string
	length   int64
	pageSize int
	closed   bool
}

func (in *input) Name() string  { return in.name }
func (in *input) Length() int64 { return in.length }

func (in *input) Close() error {
	in.closed = true
	return nil
}

// ReadAt returns exactly n bytes starting at off, fetched with one range read
// over the pages that cover them. Reads past the length seen at open fail
// with io.EOF.
func (in *input) ReadAt(ctx context.Context, off int64, n int) ([]byte, error) {
	if in.closed {
		return nil, &vfs.FileError{Op: "read", Name: in.name, Err: vfs.ErrClosed}
	}
	if off < 0 || n < 0 {
		return nil, fmt.Errorf("read %q: invalid offset %d length %d", in.name, off, n)
	}
	if off+int64(n) > in.length {
		return nil, fmt.Errorf("read %q at %d+%d beyond length %d: %w", in.name, off, n, in.length, io.EOF)
	}
	if n == 0 {
		return []byte{}, nil
	}

	ps := int64(in.pageSize)
	end := off + int64(n)
	first := uint32(off / ps)
	last := uint32((end - 1) / ps)

	out := make([]byte, n)
	err := in.dir.run(ctx, true, func(ctx context.Context, tx kv.Transaction) error {
		pages, err := tx.GetRange(ctx, in.dir.layout.PageSpan(in.name, first, last), 0)
		if err != nil {
			return err
		}
		metrics.PagesRead.Add(float64(len(pages)))

		pos, expect := 0, first
		for _, p := range pages {
			_, idx, err := in.dir.layout.PageIndex(p.Key)
			if err != nil {
				return err
			}
			if idx != expect {
				return fmt.Errorf("%w: %q is missing page %d", ErrCorruptFile, in.name, expect)
			}

			start := int64(idx) * ps
			from := max(off-start, 0)
			to := min(end-start, ps)
			if to > int64(len(p.Value)) {
				return fmt.Errorf("%w: %q page %d holds %d bytes, need %d", ErrCorruptFile, in.name, idx, len(p.Value), to)
			}
			pos += copy(out[pos:], p.Value[from:to])
			expect++
		}
		if expect != last+1 || pos != n {
			return fmt.Errorf("%w: %q is missing page %d", ErrCorruptFile, in.name, expect)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
