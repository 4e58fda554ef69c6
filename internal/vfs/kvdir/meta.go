package kvdir

import (
	"context"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sekai02/kvindex/internal/kv"
)

// fileMeta is the value under a file's meta key. Length counts the bytes
// stored in the file's pages and is rewritten by every page write that
// extends the file.
type fileMeta struct {
	Length   uint64 `msgpack:"length"`
	PageSize uint32 `msgpack:"page_size"`
	Sequence uint64 `msgpack:"seq"`
}

// maxMetaSize bounds the encoded size of any fileMeta.
var maxMetaSize = func() int {
	raw, err := msgpack.Marshal(&fileMeta{
		Length:   math.MaxUint64,
		PageSize: math.MaxUint32,
		Sequence: math.MaxUint64,
	})
	if err != nil {
		panic(err)
	}
	return len(raw)
}()

func (d *Directory) readMeta(ctx context.Context, tx kv.Transaction, name string) (fileMeta, bool, error) {
	raw, ok, err := tx.Get(ctx, d.layout.MetaKey(name))
	if err != nil || !ok {
		return fileMeta{}, false, err
	}
	var m fileMeta
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return fileMeta{}, false, fmt.Errorf("%w: meta of %q: %v", ErrCorruptFile, name, err)
	}
	return m, true, nil
}

func (d *Directory) writeMeta(tx kv.Transaction, name string, m fileMeta) error {
	raw, err := msgpack.Marshal(&m)
	if err != nil {
		return fmt.Errorf("encode meta of %q: %w", name, err)
	}
	return tx.Set(d.layout.MetaKey(name), raw)
}
