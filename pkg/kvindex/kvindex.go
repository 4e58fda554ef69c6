// Package kvindex opens a search index directory, its id allocator and
// batch writers from one configuration.
package kvindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sekai02/kvindex/internal/batch"
	"github.com/sekai02/kvindex/internal/config"
	"github.com/sekai02/kvindex/internal/ident"
	"github.com/sekai02/kvindex/internal/keys"
	"github.com/sekai02/kvindex/internal/kv"
	"github.com/sekai02/kvindex/internal/kv/badgerkv"
	"github.com/sekai02/kvindex/internal/kv/memkv"
	"github.com/sekai02/kvindex/internal/vfs"
	"github.com/sekai02/kvindex/internal/vfs/fsdir"
	"github.com/sekai02/kvindex/internal/vfs/kvdir"
)

// ErrNotKV is returned for operations that need the key-value directory.
var ErrNotKV = errors.New("kvindex: directory is not key-value backed")

type Index struct {
	cfg    config.Config
	db     kv.Database
	dir    vfs.Directory
	kvdir  *kvdir.Directory
	ids    *ident.Allocator
	logger *slog.Logger
}

type Option func(*Index)

func WithLogger(l *slog.Logger) Option {
	return func(ix *Index) { ix.logger = l }
}

func Open(cfg config.Config, opts ...Option) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ix := &Index{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(ix)
	}

	db, err := openStore(cfg.Store, ix.logger)
	if err != nil {
		return nil, err
	}
	ix.db = db

	layout := keys.NewDirectory(keys.Path(cfg.Directory.Path))
	switch cfg.Directory.Kind {
	case config.DirectoryKV:
		d, err := kvdir.Open(db, kvdir.Config{
			Path:                cfg.Directory.Path,
			PageSize:            cfg.Directory.PageSize,
			PagesPerTransaction: cfg.Directory.PagesPerTransaction,
		}, kvdir.WithLogger(ix.logger))
		if err != nil {
			db.Close()
			return nil, err
		}
		ix.dir, ix.kvdir = d, d
		layout = d.Layout()
	case config.DirectoryFS:
		d, err := fsdir.Open(cfg.Directory.Root, fsdir.WithLogger(ix.logger))
		if err != nil {
			db.Close()
			return nil, err
		}
		ix.dir = d
	}

	ix.ids = ident.New(layout.Identifiers(),
		ident.WithShards(cfg.Allocator.Shards),
		ident.WithLogger(ix.logger))

	ix.logger.Info("opened index",
		"store", cfg.Store.Kind,
		"directory", cfg.Directory.Kind,
		"path", cfg.Directory.Path)
	return ix, nil
}

func openStore(cfg config.Store, logger *slog.Logger) (kv.Database, error) {
	switch cfg.Kind {
	case config.StoreBadger:
		return badgerkv.Open(badgerkv.Options{
			Path:                   cfg.Path,
			InMemory:               cfg.InMemory,
			Logger:                 logger,
			MaxTransactionDuration: cfg.MaxTransactionDuration,
			SequenceBandwidth:      cfg.SequenceBandwidth,
		})
	default:
		limits := kv.DefaultLimits()
		if cfg.MaxTransactionBytes > 0 {
			limits.MaxTransactionBytes = cfg.MaxTransactionBytes
		}
		if cfg.MaxTransactionDuration > 0 {
			limits.MaxTransactionDuration = cfg.MaxTransactionDuration
		}
		return memkv.Open(memkv.WithLimits(limits)), nil
	}
}

func (ix *Index) Config() config.Config    { return ix.cfg }
func (ix *Index) DB() kv.Database          { return ix.db }
func (ix *Index) Directory() vfs.Directory { return ix.dir }

// Allocate reserves count document ids in a committed transaction of its
// own, retrying conflicts.
func (ix *Index) Allocate(ctx context.Context, count int) ([]uint64, error) {
	var ids []uint64
	err := ix.Transact(ctx, func(ctx context.Context, tx kv.Transaction) error {
		var err error
		ids, err = ix.ids.Allocate(ctx, tx, count)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Transact runs fn in a fresh transaction, retrying retryable failures with
// the default backoff. Directory calls made with the context passed to fn
// join the transaction.
func (ix *Index) Transact(ctx context.Context, fn kv.TxFunc) error {
	return kv.Retry(ctx, ix.db, kv.NewBackoff(), fn)
}

func (ix *Index) NewWriter(opts ...batch.Option) (*batch.Writer, error) {
	if ix.kvdir == nil {
		return nil, ErrNotKV
	}
	w := ix.cfg.Writer
	defaults := []batch.Option{batch.WithLogger(ix.logger)}
	if w.MaxBatchBytes > 0 {
		defaults = append(defaults, batch.WithMaxBatchBytes(w.MaxBatchBytes))
	}
	if w.MaxBatchDuration > 0 {
		defaults = append(defaults, batch.WithMaxBatchDuration(w.MaxBatchDuration))
	}
	return batch.NewWriter(ix.kvdir, ix.ids, append(defaults, opts...)...)
}

func (ix *Index) Reader() (*batch.Reader, error) {
	if ix.kvdir == nil {
		return nil, ErrNotKV
	}
	return batch.NewReader(ix.kvdir), nil
}

func (ix *Index) Close() error {
	var errs []error
	if err := ix.dir.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close directory: %w", err))
	}
	if err := ix.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
