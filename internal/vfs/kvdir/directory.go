// Package kvdir stores files as fixed-size pages in a transactional
// key-value store.
//
// A file is a meta key holding its length plus one key per page. Every
// operation joins the transaction carried by its context (see
// kv.WithTransaction) and never commits it; without one, the operation runs
// in a transaction of its own. Store errors are returned unchanged and never
// retried here, since only the owner of the transaction boundary knows
// whether a retry is safe.
package kvdir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/sekai02/kvindex/internal/ident"
	"github.com/sekai02/kvindex/internal/keys"
	"github.com/sekai02/kvindex/internal/kv"
	"github.com/sekai02/kvindex/internal/vfs"
)

const (
	DefaultPageSize            = 64 << 10
	DefaultPagesPerTransaction = 100

	// A single page may use at most this share of the transaction budget.
	maxPageShare = 10
)

var (
	ErrInvalidConfig = errors.New("kvdir: invalid configuration")
	ErrCorruptFile   = errors.New("kvdir: corrupt file")
)

type Config struct {
	// Path is the slash separated keyspace path of the directory.
	Path                string
	PageSize            int
	PagesPerTransaction int
}

func (c Config) withDefaults() Config {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PagesPerTransaction == 0 {
		c.PagesPerTransaction = DefaultPagesPerTransaction
	}
	return c
}

// Validate rejects a page size that leaves no margin under the store's
// transaction budget, and a batch width the budget cannot hold.
func (c Config) Validate(l kv.Limits) error {
	if err := validatePageSize(c.PageSize, l); err != nil {
		return err
	}
	if c.PagesPerTransaction <= 0 {
		return fmt.Errorf("%w: pages per transaction %d", ErrInvalidConfig, c.PagesPerTransaction)
	}
	if c.PageSize*c.PagesPerTransaction > l.MaxTransactionBytes {
		return fmt.Errorf("%w: %d pages of %d bytes exceed the %d byte transaction budget",
			ErrInvalidConfig, c.PagesPerTransaction, c.PageSize, l.MaxTransactionBytes)
	}
	return nil
}

func validatePageSize(pageSize int, l kv.Limits) error {
	if pageSize <= 0 {
		return fmt.Errorf("%w: page size %d", ErrInvalidConfig, pageSize)
	}
	if pageSize > l.MaxTransactionBytes/maxPageShare {
		return fmt.Errorf("%w: page size %d is more than 1/%d of the %d byte transaction budget",
			ErrInvalidConfig, pageSize, maxPageShare, l.MaxTransactionBytes)
	}
	return nil
}

type Directory struct {
	db     kv.Database
	cfg    Config
	layout keys.Directory
	seq    *ident.Allocator
	logger *slog.Logger
	closed atomic.Bool
}

var _ vfs.Directory = (*Directory)(nil)

type Option func(*Directory)

func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) { d.logger = l }
}

func Open(db kv.Database, cfg Config, opts ...Option) (*Directory, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(db.Limits()); err != nil {
		return nil, err
	}

	d := &Directory{
		db:     db,
		cfg:    cfg,
		layout: keys.NewDirectory(keys.Path(cfg.Path)),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("directory", cfg.Path)
	d.seq = ident.New(d.layout.Sequence(), ident.WithLogger(d.logger))
	return d, nil
}

func (d *Directory) Config() Config {
	return d.cfg
}

func (d *Directory) Layout() keys.Directory {
	return d.layout
}

func (d *Directory) DB() kv.Database {
	return d.db
}

func (d *Directory) Close() error {
	d.closed.Store(true)
	return nil
}

// run executes fn in the context's transaction, or in a fresh one that is
// committed afterwards (cancelled when readOnly).
func (d *Directory) run(ctx context.Context, readOnly bool, fn kv.TxFunc) error {
	if d.closed.Load() {
		return vfs.ErrClosed
	}
	if tx, ok := kv.TransactionFrom(ctx); ok {
		return fn(ctx, tx)
	}

	tx, err := d.db.Begin(ctx)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, kv.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", kv.ErrStoreUnavailable, err)
		}
		return err
	}
	defer tx.Cancel()

	ctx = kv.WithTransaction(ctx, tx)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if readOnly {
		return nil
	}
	return tx.Commit(ctx)
}

func (d *Directory) ListAll(ctx context.Context) ([]string, error) {
	var names []string
	err := d.run(ctx, true, func(ctx context.Context, tx kv.Transaction) error {
		var err error
		names, err = d.listAll(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (d *Directory) listAll(ctx context.Context, tx kv.Transaction) ([]string, error) {
	kvs, err := tx.GetRange(ctx, d.layout.MetaRange(), 0)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(kvs))
	for _, e := range kvs {
		name, err := d.layout.FileName(e.Key)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func (d *Directory) FileLength(ctx context.Context, name string) (int64, error) {
	info, err := d.stat(ctx, "length", name)
	if err != nil {
		return 0, err
	}
	return info.Length, nil
}

func (d *Directory) Stat(ctx context.Context, name string) (vfs.FileInfo, error) {
	return d.stat(ctx, "stat", name)
}

func (d *Directory) stat(ctx context.Context, op, name string) (vfs.FileInfo, error) {
	var info vfs.FileInfo
	err := d.run(ctx, true, func(ctx context.Context, tx kv.Transaction) error {
		m, ok, err := d.readMeta(ctx, tx, name)
		if err != nil {
			return err
		}
		if !ok {
			return vfs.NotFound(op, name)
		}
		info = vfs.FileInfo{
			Name:     name,
			Length:   int64(m.Length),
			PageSize: int(m.PageSize),
			Sequence: m.Sequence,
		}
		return nil
	})
	return info, err
}

func (d *Directory) CreateOutput(ctx context.Context, name string, opts ...vfs.OutputOption) (vfs.Output, error) {
	o := vfs.ApplyOutputOptions(vfs.OutputOptions{PageSize: d.cfg.PageSize}, opts...)
	if err := validatePageSize(o.PageSize, d.db.Limits()); err != nil {
		return nil, err
	}

	var meta fileMeta
	err := d.run(ctx, false, func(ctx context.Context, tx kv.Transaction) error {
		_, exists, err := d.readMeta(ctx, tx, name)
		if err != nil {
			return err
		}
		if exists {
			return vfs.AlreadyExists("create", name)
		}

		seq, err := d.seq.Allocate(ctx, tx, 1)
		if err != nil {
			return err
		}
		meta = fileMeta{PageSize: uint32(o.PageSize), Sequence: seq[0]}
		return d.writeMeta(tx, name, meta)
	})
	if err != nil {
		return nil, err
	}

	d.logger.Debug("created file", "name", name, "page_size", o.PageSize, "seq", meta.Sequence)
	return &output{dir: d, name: name, meta: meta}, nil
}

func (d *Directory) OpenInput(ctx context.Context, name string) (vfs.Input, error) {
	info, err := d.stat(ctx, "open", name)
	if err != nil {
		return nil, err
	}
	return &input{dir: d, name: name, length: info.Length, pageSize: info.PageSize}, nil
}

// DeleteFile removes name and its pages. Deleting a missing file is not an
// error.
func (d *Directory) DeleteFile(ctx context.Context, name string) error {
	return d.run(ctx, false, func(ctx context.Context, tx kv.Transaction) error {
		return d.deleteFile(ctx, tx, name)
	})
}

func (d *Directory) deleteFile(ctx context.Context, tx kv.Transaction, name string) error {
	if err := tx.Clear(d.layout.MetaKey(name)); err != nil {
		return err
	}
	if err := kv.ClearRange(ctx, tx, d.layout.PageRange(name)); err != nil {
		return err
	}
	d.logger.Debug("deleted file", "name", name)
	return nil
}

// RenameFile moves the meta record and re-prefixes every page inside one
// transaction, so no reader observes a half-renamed file.
func (d *Directory) RenameFile(ctx context.Context, from, to string) error {
	return d.run(ctx, false, func(ctx context.Context, tx kv.Transaction) error {
		m, ok, err := d.readMeta(ctx, tx, from)
		if err != nil {
			return err
		}
		if !ok {
			return vfs.NotFound("rename", from)
		}
		_, exists, err := d.readMeta(ctx, tx, to)
		if err != nil {
			return err
		}
		if exists {
			return vfs.AlreadyExists("rename", to)
		}

		pages, err := tx.GetRange(ctx, d.layout.PageRange(from), 0)
		if err != nil {
			return err
		}
		for _, p := range pages {
			_, idx, err := d.layout.PageIndex(p.Key)
			if err != nil {
				return err
			}
			if err := tx.Set(d.layout.PageKey(to, idx), p.Value); err != nil {
				return err
			}
		}
		if err := d.writeMeta(tx, to, m); err != nil {
			return err
		}
		if err := d.deleteFile(ctx, tx, from); err != nil {
			return err
		}

		d.logger.Debug("renamed file", "from", from, "to", to, "pages", len(pages))
		return nil
	})
}

// DeleteDirectory clears the whole keyspace in one mutation when the store
// can clear ranges, and removes every file and document entry otherwise.
// The fallback keeps counter keys, which atomic-add backends lease outside
// transactions.
func (d *Directory) DeleteDirectory(ctx context.Context) error {
	return d.run(ctx, false, func(ctx context.Context, tx kv.Transaction) error {
		if rc, ok := tx.(kv.RangeClearer); ok {
			return rc.ClearRange(d.layout.Range())
		}

		names, err := d.listAll(ctx, tx)
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := d.deleteFile(ctx, tx, name); err != nil {
				return err
			}
		}
		return kv.ClearRange(ctx, tx, keys.DocumentRange(d.layout.Documents()))
	})
}
