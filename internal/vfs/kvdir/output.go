package kvdir

import (
	"context"
	"fmt"
	"math"

	"github.com/sekai02/kvindex/internal/kv"
	"github.com/sekai02/kvindex/internal/metrics"
	"github.com/sekai02/kvindex/internal/vfs"
)

// output buffers the partial tail page in memory. A page is written, together
// with the file's new length, as soon as it fills; Sync also writes the
// partial tail at its final index, where later writes overwrite it.
type output struct {
	dir  *Directory
	name string
	meta fileMeta

	page   uint32
	buf    []byte
	synced int

	err    error
	closed bool
}

func (o *output) Name() string { return o.name }

func (o *output) Length() int64 {
	return int64(o.page)*int64(o.meta.PageSize) + int64(len(o.buf))
}

func (o *output) Write(ctx context.Context, p []byte) (int, error) {
	if o.closed {
		return 0, &vfs.FileError{Op: "write", Name: o.name, Err: vfs.ErrClosed}
	}
	if o.err != nil {
		return 0, o.err
	}
	if len(p) == 0 {
		return 0, nil
	}

	ps := int(o.meta.PageSize)
	if len(o.buf)+len(p) < ps {
		o.buf = append(o.buf, p...)
		return len(p), nil
	}

	pending := make([]byte, 0, len(o.buf)+len(p))
	pending = append(pending, o.buf...)
	pending = append(pending, p...)

	// In a caller's transaction every page goes in at once. Standalone
	// writes commit once per PagesPerTransaction pages of the directory's
	// page size.
	full := len(pending) / ps
	width := full
	if _, ok := kv.TransactionFrom(ctx); !ok {
		width = max(1, o.dir.cfg.PageSize*o.dir.cfg.PagesPerTransaction/ps)
	}

	prior := len(o.buf)
	for done := 0; done < full; {
		n := min(width, full-done)
		chunk := pending[done*ps : (done+n)*ps]

		page, meta := o.page, o.meta
		err := o.dir.run(ctx, false, func(ctx context.Context, tx kv.Transaction) error {
			page, meta = o.page, o.meta
			for i := 0; i < n; i++ {
				if page == math.MaxUint32 {
					return fmt.Errorf("write %q: file exceeds %d pages", o.name, uint64(math.MaxUint32))
				}
				if err := tx.Set(o.dir.layout.PageKey(o.name, page), chunk[i*ps:(i+1)*ps]); err != nil {
					return err
				}
				page++
			}
			meta.Length = uint64(page) * uint64(ps)
			return o.dir.writeMeta(tx, o.name, meta)
		})
		if err != nil {
			o.err = err
			return max(done*ps-prior, 0), err
		}

		metrics.PagesWritten.Add(float64(n))
		o.page, o.meta = page, meta
		done += n
	}

	o.buf = append(o.buf[:0], pending[full*ps:]...)
	o.synced = 0
	return len(p), nil
}

func (o *output) Sync(ctx context.Context) error {
	if o.closed {
		return nil
	}
	if o.err != nil {
		return o.err
	}
	if len(o.buf) == 0 || len(o.buf) == o.synced {
		return nil
	}

	meta := o.meta
	meta.Length = uint64(o.Length())
	err := o.dir.run(ctx, false, func(ctx context.Context, tx kv.Transaction) error {
		if err := tx.Set(o.dir.layout.PageKey(o.name, o.page), o.buf); err != nil {
			return err
		}
		return o.dir.writeMeta(tx, o.name, meta)
	})
	if err != nil {
		o.err = err
		return err
	}

	metrics.PagesWritten.Inc()
	o.meta = meta
	o.synced = len(o.buf)
	return nil
}

// Close syncs buffered bytes. Closing twice is a no-op.
func (o *output) Close(ctx context.Context) error {
	if o.closed {
		return nil
	}
	err := o.Sync(ctx)
	o.closed = true
	return err
}

// WriteCost is the number of mutation bytes a Write of n bytes adds to its
// transaction when buffered bytes already sit in the tail page.
func (d *Directory) WriteCost(name string, pageSize, buffered, n int) int {
	pages := (buffered + n) / pageSize
	if pages == 0 {
		return 0
	}
	return pages*(pageSize+d.pageKeySize(name)) + d.metaCost(name)
}

// SyncCost bounds the mutation bytes a Sync or Close adds with buffered
// bytes in the tail page.
func (d *Directory) SyncCost(name string, buffered int) int {
	return buffered + d.pageKeySize(name) + d.metaCost(name)
}

// CreateCost bounds the mutation bytes of CreateOutput.
func (d *Directory) CreateCost(name string) int {
	return d.metaCost(name) + d.seq.MutationBound(nil)
}

func (d *Directory) pageKeySize(name string) int {
	return len(d.layout.PageKey(name, math.MaxUint32))
}

func (d *Directory) metaCost(name string) int {
	return len(d.layout.MetaKey(name)) + maxMetaSize
}
