// Package batch turns a stream of encoded documents into size and duration
// bounded transactions against a kvdir directory.
//
// Each batch appends its documents to one fresh segment file and records a
// location entry per document id, all inside the batch transaction. A batch
// that fails to commit leaves nothing behind; its documents come back in an
// *AbortedError for resubmission.
package batch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sekai02/kvindex/internal/ident"
	"github.com/sekai02/kvindex/internal/keys"
	"github.com/sekai02/kvindex/internal/kv"
	"github.com/sekai02/kvindex/internal/metrics"
	"github.com/sekai02/kvindex/internal/vfs"
	"github.com/sekai02/kvindex/internal/vfs/kvdir"
)

const (
	SegmentExt = ".fdt"

	// Worst case uvarint framing of one record.
	maxFraming = 2 * binary.MaxVarintLen64
)

// longestSegment is the longest segment file name, used to bound key sizes.
var longestSegment = segmentName(math.MaxUint64)

var (
	ErrDocumentTooLarge = errors.New("batch: document exceeds the batch byte budget")
	ErrDuplicateID      = errors.New("batch: document id already used")
	ErrDocumentNotFound = errors.New("batch: document not found")
	ErrWriterClosed     = errors.New("batch: writer closed")
)

type State int

const (
	Empty State = iota
	Accumulating
	Committing
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Accumulating:
		return "accumulating"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Document is one encoded document. Explicit marks an id supplied by the
// caller; other ids are allocated per attempt.
type Document struct {
	ID       uint64
	Explicit bool
	Fields   []byte
}

// AbortedError reports a batch whose transaction did not commit. None of
// Documents is visible; pass them to Resubmit.
type AbortedError struct {
	Documents []Document
	Err       error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("batch of %d documents aborted: %v", len(e.Documents), e.Err)
}

func (e *AbortedError) Unwrap() error { return e.Err }

type location struct {
	Segment string `msgpack:"segment"`
	Offset  int64  `msgpack:"offset"`
	Length  int    `msgpack:"length"`
}

var maxLocationSize = func() int {
	raw, err := msgpack.Marshal(&location{
		Segment: longestSegment,
		Offset:  math.MaxInt64,
		Length:  math.MaxInt,
	})
	if err != nil {
		panic(err)
	}
	return len(raw)
}()

type Writer struct {
	dir      *kvdir.Directory
	db       kv.Database
	ids      *ident.Allocator
	segments *ident.Allocator
	docs     keys.Tuple

	maxBytes int
	maxAge   time.Duration
	now      func() time.Time
	logger   *slog.Logger

	// Mutation bytes of opening a batch, and of one location entry.
	pageSize  int
	openCost  int
	entryCost int

	mu       sync.Mutex
	state    State
	closed   bool
	tx       kv.Transaction
	out      vfs.Output
	segment  string
	started  time.Time
	bytes    int
	pending  []Document
	batchIDs *roaring64.Bitmap
}

type Option func(*Writer)

// WithMaxBatchBytes caps the mutation bytes of one batch.
func WithMaxBatchBytes(n int) Option {
	return func(w *Writer) { w.maxBytes = n }
}

// WithMaxBatchDuration caps the age of a batch before it is committed.
func WithMaxBatchDuration(d time.Duration) Option {
	return func(w *Writer) { w.maxAge = d }
}

func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// NewWriter writes batches into dir, taking document ids from ids. The
// default budgets keep a batch under 90% of the store's byte limit, and
// under the directory's pages-per-transaction width. Batches commit after
// 80% of the store's duration limit.
func NewWriter(dir *kvdir.Directory, ids *ident.Allocator, opts ...Option) (*Writer, error) {
	cfg := dir.Config()
	limits := dir.DB().Limits()
	docs := dir.Layout().Documents()

	w := &Writer{
		dir:      dir,
		db:       dir.DB(),
		ids:      ids,
		segments: ident.New(docs.AppendString("segments")),
		docs:     docs,
		maxBytes: min(cfg.PageSize*cfg.PagesPerTransaction, limits.MaxTransactionBytes/10*9),
		maxAge:   limits.MaxTransactionDuration / 10 * 8,
		now:      time.Now,
		logger:   slog.Default(),
		batchIDs: roaring64.New(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.maxBytes <= 0 || w.maxAge <= 0 {
		return nil, fmt.Errorf("%w: batch budget %d bytes, %s", kvdir.ErrInvalidConfig, w.maxBytes, w.maxAge)
	}

	w.pageSize = cfg.PageSize
	w.openCost = dir.CreateCost(longestSegment) + w.segments.MutationBound(nil)
	w.entryCost = len(keys.DocumentKey(docs, math.MaxUint64)) + maxLocationSize
	if w.firstCost(0) > w.maxBytes {
		return nil, fmt.Errorf("%w: batch budget of %d bytes cannot hold one document",
			kvdir.ErrInvalidConfig, w.maxBytes)
	}
	w.logger = w.logger.With("writer", uuid.NewString())
	return w, nil
}

func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Pending is the number of documents in the open batch.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// AddDocument allocates an id inside the batch transaction and appends the
// document. A full or old batch is committed first.
func (w *Writer) AddDocument(ctx context.Context, fields []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.add(ctx, Document{Fields: fields})
}

// AddDocumentWithID appends a document under a caller supplied id.
func (w *Writer) AddDocumentWithID(ctx context.Context, id uint64, fields []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.add(ctx, Document{ID: id, Explicit: true, Fields: fields})
	return err
}

// Resubmit re-adds documents from an aborted batch. Allocated ids are
// allocated afresh.
func (w *Writer) Resubmit(ctx context.Context, docs []Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i, doc := range docs {
		if !doc.Explicit {
			doc.ID = 0
		}
		if _, err := w.add(ctx, doc); err != nil {
			var ab *AbortedError
			if errors.As(err, &ab) {
				ab.Documents = append(ab.Documents, docs[i+1:]...)
			}
			return err
		}
	}
	return nil
}

func (w *Writer) add(ctx context.Context, doc Document) (uint64, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	rec := len(doc.Fields) + maxFraming
	if w.firstCost(rec) > w.maxBytes {
		return 0, fmt.Errorf("%w: %d bytes, budget %d", ErrDocumentTooLarge, len(doc.Fields), w.maxBytes)
	}
	if w.tx != nil && w.state == Empty && w.now().Sub(w.started) >= w.maxAge {
		w.tx.Cancel()
		w.reset(Empty)
	}

	// The id is reserved first so that its allocation counts against the
	// batch before the fit check.
	for {
		if w.tx == nil {
			if err := w.begin(ctx); err != nil {
				return 0, err
			}
		}
		id, err := w.reserve(kv.WithTransaction(ctx, w.tx), doc)
		if err != nil {
			return 0, err
		}
		if w.state != Accumulating || !w.full(rec) {
			doc.ID = id
			break
		}
		if err := w.commit(ctx); err != nil {
			return 0, withDocument(err, doc)
		}
	}

	if err := w.append(kv.WithTransaction(ctx, w.tx), doc); err != nil {
		return 0, w.abort(err, doc)
	}

	w.batchIDs.Add(doc.ID)
	w.pending = append(w.pending, doc)
	w.bytes = w.tx.Size()
	w.state = Accumulating
	return doc.ID, nil
}

// reserve returns the id doc is stored under in the open batch. Explicit
// and allocated ids share one keyspace, so allocated ids already held by a
// document are skipped.
func (w *Writer) reserve(ctx context.Context, doc Document) (uint64, error) {
	if doc.Explicit {
		dup, err := w.exists(ctx, doc.ID)
		if err != nil {
			return 0, w.abort(err, doc)
		}
		if dup {
			return 0, fmt.Errorf("%w: %d", ErrDuplicateID, doc.ID)
		}
		return doc.ID, nil
	}

	for {
		ids, err := w.ids.Allocate(ctx, w.tx, 1)
		if err != nil {
			return 0, w.abort(err, doc)
		}
		taken, err := w.exists(ctx, ids[0])
		if err != nil {
			return 0, w.abort(err, doc)
		}
		if !taken {
			return ids[0], nil
		}
		w.logger.Debug("skipped allocated id held by another document", "id", ids[0])
	}
}

// recordCost bounds the mutation bytes of appending a record of rec bytes
// with buffered bytes in the segment's tail page, including the tail page
// written when the batch commits.
func (w *Writer) recordCost(buffered, rec int) int {
	return w.dir.WriteCost(longestSegment, w.pageSize, buffered, rec) +
		w.dir.SyncCost(longestSegment, (buffered+rec)%w.pageSize) +
		w.entryCost
}

// firstCost bounds a batch holding only a record of rec bytes, plus the id
// allocation of the document that rolls it over.
func (w *Writer) firstCost(rec int) int {
	return w.openCost + 2*w.ids.MutationBound(nil) + w.recordCost(0, rec)
}

// full reports whether appending a record of rec bytes could leave the batch
// over the byte budget once the next document's id is allocated and the
// batch commits, or whether the batch is too old.
func (w *Writer) full(rec int) bool {
	buffered := int(w.out.Length() % int64(w.pageSize))
	next := w.tx.Size() + w.recordCost(buffered, rec) + w.ids.MutationBound(w.tx)
	return next > w.maxBytes || w.now().Sub(w.started) >= w.maxAge
}

func (w *Writer) exists(ctx context.Context, id uint64) (bool, error) {
	if w.batchIDs.Contains(id) {
		return true, nil
	}
	_, ok, err := w.tx.Get(ctx, keys.DocumentKey(w.docs, id))
	return ok, err
}

// append writes the framed record and its location entry.
func (w *Writer) append(ctx context.Context, doc Document) error {
	rec := binary.AppendUvarint(nil, doc.ID)
	rec = binary.AppendUvarint(rec, uint64(len(doc.Fields)))
	rec = append(rec, doc.Fields...)

	loc := location{Segment: w.segment, Offset: w.out.Length(), Length: len(rec)}
	if _, err := w.out.Write(ctx, rec); err != nil {
		return err
	}

	raw, err := msgpack.Marshal(&loc)
	if err != nil {
		return fmt.Errorf("encode location of %d: %w", doc.ID, err)
	}
	return w.tx.Set(keys.DocumentKey(w.docs, doc.ID), raw)
}

func (w *Writer) begin(ctx context.Context) error {
	tx, err := w.db.Begin(ctx)
	if err != nil {
		return err
	}
	txCtx := kv.WithTransaction(ctx, tx)

	seq, err := w.segments.Allocate(txCtx, tx, 1)
	if err != nil {
		tx.Cancel()
		return err
	}
	name := segmentName(seq[0])
	out, err := w.dir.CreateOutput(txCtx, name)
	if err != nil {
		tx.Cancel()
		return err
	}

	w.tx, w.out, w.segment = tx, out, name
	w.started = w.now()
	w.bytes = 0
	w.pending = nil
	w.batchIDs.Clear()
	w.state = Empty
	return nil
}

// Commit commits the open batch. It is a no-op without one.
func (w *Writer) Commit(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.commit(ctx)
}

func (w *Writer) commit(ctx context.Context) error {
	if w.state != Accumulating {
		return nil
	}
	w.state = Committing

	if err := w.out.Close(kv.WithTransaction(ctx, w.tx)); err != nil {
		return w.abort(err)
	}
	if err := w.tx.Commit(ctx); err != nil {
		return w.abort(err)
	}

	metrics.BatchCommits.WithLabelValues("committed").Inc()
	metrics.BatchDocuments.Observe(float64(len(w.pending)))
	metrics.BatchBytes.Observe(float64(w.bytes))
	w.logger.Debug("committed batch",
		"segment", w.segment,
		"documents", len(w.pending),
		"bytes", w.bytes,
		"elapsed", w.now().Sub(w.started))

	w.reset(Committed)
	return nil
}

// abort cancels the open batch and reports its documents, plus extra, as an
// *AbortedError wrapping err.
func (w *Writer) abort(err error, extra ...Document) error {
	docs := append(w.pending, extra...)
	if w.tx != nil {
		w.tx.Cancel()
	}

	metrics.BatchCommits.WithLabelValues("aborted").Inc()
	w.logger.Warn("aborted batch", "segment", w.segment, "documents", len(docs), "error", err)

	w.reset(Aborted)
	return &AbortedError{Documents: docs, Err: err}
}

func (w *Writer) reset(state State) {
	w.tx, w.out, w.segment = nil, nil, ""
	w.pending = nil
	w.bytes = 0
	w.batchIDs.Clear()
	w.state = state
}

func segmentName(seq uint64) string {
	return "_" + strconv.FormatUint(seq, 36) + SegmentExt
}

func withDocument(err error, doc Document) error {
	var ab *AbortedError
	if errors.As(err, &ab) {
		ab.Documents = append(ab.Documents, doc)
	}
	return err
}

// Abort drops the open batch without committing it.
func (w *Writer) Abort() []Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Accumulating && w.tx == nil {
		return nil
	}
	docs := w.pending
	if w.tx != nil {
		w.tx.Cancel()
	}
	w.reset(Aborted)
	return docs
}

// Close commits the open batch and refuses further documents.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	err := w.commit(ctx)
	if w.tx != nil {
		w.tx.Cancel()
		w.reset(w.state)
	}
	w.closed = true
	return err
}
