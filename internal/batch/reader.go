package batch

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sekai02/kvindex/internal/keys"
	"github.com/sekai02/kvindex/internal/kv"
	"github.com/sekai02/kvindex/internal/vfs/kvdir"
)

// Reader looks up committed documents written by any Writer on the same
// directory.
type Reader struct {
	dir  *kvdir.Directory
	docs keys.Tuple
}

func NewReader(dir *kvdir.Directory) *Reader {
	return &Reader{dir: dir, docs: dir.Layout().Documents()}
}

func (r *Reader) view(ctx context.Context, fn kv.TxFunc) error {
	if tx, ok := kv.TransactionFrom(ctx); ok {
		return fn(ctx, tx)
	}
	tx, err := r.dir.DB().Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Cancel()
	return fn(kv.WithTransaction(ctx, tx), tx)
}

// Document returns the encoded fields stored under id.
func (r *Reader) Document(ctx context.Context, id uint64) ([]byte, error) {
	var fields []byte
	err := r.view(ctx, func(ctx context.Context, tx kv.Transaction) error {
		raw, ok, err := tx.Get(ctx, keys.DocumentKey(r.docs, id))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d", ErrDocumentNotFound, id)
		}
		var loc location
		if err := msgpack.Unmarshal(raw, &loc); err != nil {
			return fmt.Errorf("%w: location of %d: %v", kvdir.ErrCorruptFile, id, err)
		}

		in, err := r.dir.OpenInput(ctx, loc.Segment)
		if err != nil {
			return err
		}
		defer in.Close()
		rec, err := in.ReadAt(ctx, loc.Offset, loc.Length)
		if err != nil {
			return err
		}
		fields, err = decodeRecord(rec, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return fields, nil
}

// IDs lists every committed document id in ascending order.
func (r *Reader) IDs(ctx context.Context) ([]uint64, error) {
	var ids []uint64
	err := r.view(ctx, func(ctx context.Context, tx kv.Transaction) error {
		kvs, err := tx.GetRange(ctx, keys.DocumentRange(r.docs), 0)
		if err != nil {
			return err
		}
		ids = make([]uint64, 0, len(kvs))
		for _, e := range kvs {
			id, err := keys.DocumentID(r.docs, e.Key)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func decodeRecord(rec []byte, want uint64) ([]byte, error) {
	id, n := binary.Uvarint(rec)
	if n <= 0 || id != want {
		return nil, fmt.Errorf("%w: record for %d has id %d", kvdir.ErrCorruptFile, want, id)
	}
	size, m := binary.Uvarint(rec[n:])
	if m <= 0 || uint64(len(rec)-n-m) != size {
		return nil, fmt.Errorf("%w: record for %d has bad length", kvdir.ErrCorruptFile, want)
	}
	return rec[n+m:], nil
}
