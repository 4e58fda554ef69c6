// Package badgerkv implements kv.Database on top of Badger.
//
// Badger transactions are optimistic and serializable on the keys they read,
// so they map directly onto kv.Transaction. Badger has no transactional range
// clear, so transactions do not implement kv.RangeClearer. Atomic adds are
// served by leased badger.Sequence counters.
package badgerkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/sekai02/kvindex/internal/kv"
)

const DefaultSequenceBandwidth = 1000

var errZeroDelta = errors.New("badgerkv: atomic add needs a positive delta")

type Options struct {
	Path     string
	InMemory bool
	Logger   *slog.Logger

	// MaxTransactionDuration bounds transaction lifetime. Badger does not
	// enforce one itself. Zero means kv.DefaultLimits.
	MaxTransactionDuration time.Duration

	SequenceBandwidth uint64
}

type DB struct {
	db     *badger.DB
	logger *slog.Logger
	limits kv.Limits

	bandwidth uint64
	seqMu     sync.Mutex
	seqs      map[string]*sequence
}

type sequence struct {
	mu  sync.Mutex
	seq *badger.Sequence
}

var _ kv.Database = (*DB)(nil)

func Open(opts Options) (*DB, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	path := opts.Path
	if opts.InMemory {
		path = ""
	}
	bopts := badger.DefaultOptions(path).
		WithInMemory(opts.InMemory).
		WithLogger(newLogger(logger.WithGroup("badger"))).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	limits := kv.DefaultLimits()
	limits.MaxTransactionBytes = int(db.MaxBatchSize())
	if opts.MaxTransactionDuration > 0 {
		limits.MaxTransactionDuration = opts.MaxTransactionDuration
	}

	bandwidth := opts.SequenceBandwidth
	if bandwidth == 0 {
		bandwidth = DefaultSequenceBandwidth
	}

	return &DB{
		db:        db,
		logger:    logger.WithGroup("badgerkv"),
		limits:    limits,
		bandwidth: bandwidth,
		seqs:      make(map[string]*sequence),
	}, nil
}

func (d *DB) Limits() kv.Limits {
	return d.limits
}

func (d *DB) Begin(ctx context.Context) (kv.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.db.IsClosed() {
		return nil, kv.ErrStoreUnavailable
	}
	return &txn{
		db:      d,
		tx:      d.db.NewTransaction(true),
		started: time.Now(),
	}, nil
}

func (d *DB) Close() error {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()

	for key, s := range d.seqs {
		if err := s.seq.Release(); err != nil {
			d.logger.Error("release sequence", "key", fmt.Sprintf("%x", key), "error", err)
		}
	}
	d.seqs = make(map[string]*sequence)

	if err := d.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

func (d *DB) sequence(key []byte) (*sequence, error) {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()

	if s, ok := d.seqs[string(key)]; ok {
		return s, nil
	}
	if d.db.IsClosed() {
		return nil, kv.ErrStoreUnavailable
	}
	seq, err := d.db.GetSequence(append([]byte{}, key...), d.bandwidth)
	if err != nil {
		return nil, translate(d, err)
	}
	s := &sequence{seq: seq}
	d.seqs[string(key)] = s
	return s, nil
}

// translate maps badger errors onto the kv taxonomy.
func translate(d *DB, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %v", kv.ErrTransactionConflict, err)
	case errors.Is(err, badger.ErrTxnTooBig):
		return fmt.Errorf("%w: %v", kv.ErrTransactionTooLarge, err)
	case d.db.IsClosed():
		return fmt.Errorf("%w: %v", kv.ErrStoreUnavailable, err)
	default:
		return err
	}
}
