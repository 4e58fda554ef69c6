package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/sekai02/kvindex/internal/batch"
	"github.com/sekai02/kvindex/internal/kv"
	"github.com/sekai02/kvindex/internal/vfs"
	"github.com/sekai02/kvindex/pkg/kvindex"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the index over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "override server.addr"},
		},
		Action: func(c *cli.Context) error {
			ix, logger, err := openIndex(c)
			if err != nil {
				return err
			}
			defer ix.Close()

			cfg := ix.Config().Server
			if addr := c.String("addr"); addr != "" {
				cfg.Addr = addr
			}

			s := &server{ix: ix, logger: logger}
			mux := http.NewServeMux()
			mux.HandleFunc("/v1/files", s.handleFiles)
			mux.HandleFunc("/v1/files/", s.handleFileOps)
			mux.HandleFunc("/v1/ids", s.handleIDs)
			mux.HandleFunc("/v1/documents", s.handleDocuments)
			mux.HandleFunc("/v1/documents/", s.handleDocument)
			mux.Handle(cfg.MetricsPath, promhttp.Handler())

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{Addr: cfg.Addr, Handler: mux}
			errc := make(chan error, 1)
			go func() {
				logger.Info("starting server", "addr", cfg.Addr)
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down gracefully")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return s.close(shutdownCtx)
		},
	}
}

type server struct {
	ix     *kvindex.Index
	logger *slog.Logger

	// One shared writer batches documents posted by concurrent requests.
	mu     sync.Mutex
	writer *batch.Writer
}

func (s *server) close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	return s.writer.Close(ctx)
}

func (s *server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, vfs.ErrFileNotFound), errors.Is(err, batch.ErrDocumentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, vfs.ErrFileAlreadyExists), errors.Is(err, batch.ErrDuplicateID):
		status = http.StatusConflict
	case errors.Is(err, batch.ErrDocumentTooLarge), errors.Is(err, kv.ErrTransactionTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, kvindex.ErrNotKV):
		status = http.StatusNotImplemented
	case kv.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names, err := s.ix.Directory().ListAll(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"files": names})
}

func (s *server) handleFileOps(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/files/")
	parts := strings.Split(path, "/")
	if parts[0] == "" || len(parts) > 2 {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	name := parts[0]

	if len(parts) == 2 {
		switch parts[1] {
		case "rename":
			s.handleRename(w, r, name)
		case "stat":
			s.handleStat(w, r, name)
		default:
			http.Error(w, "unknown operation", http.StatusBadRequest)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleRead(w, r, name)
	case http.MethodPut:
		s.handleWrite(w, r, name)
	case http.MethodDelete:
		if err := s.ix.Directory().DeleteFile(r.Context(), name); err != nil {
			s.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handleRead(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()
	in, err := s.ix.Directory().OpenInput(ctx, name)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer in.Close()

	off := int64(0)
	length := in.Length()
	if v := r.URL.Query().Get("off"); v != "" {
		off, err = strconv.ParseInt(v, 10, 64)
		if err != nil || off < 0 || off > in.Length() {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		length = in.Length() - off
	}
	if v := r.URL.Query().Get("len"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid length", http.StatusBadRequest)
			return
		}
		length = min(n, in.Length()-off)
	}

	data, err := in.ReadAt(ctx, off, int(length))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *server) handleWrite(w http.ResponseWriter, r *http.Request, name string) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pageSize := 0
	if v := r.URL.Query().Get("page_size"); v != "" {
		if pageSize, err = strconv.Atoi(v); err != nil {
			http.Error(w, "invalid page size", http.StatusBadRequest)
			return
		}
	}

	err = s.ix.Transact(r.Context(), func(ctx context.Context, tx kv.Transaction) error {
		return putFile(ctx, s.ix, name, data, pageSize)
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"written": len(data)})
}

func (s *server) handleRename(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	to := r.URL.Query().Get("to")
	if to == "" {
		http.Error(w, "missing target name", http.StatusBadRequest)
		return
	}
	if err := s.ix.Directory().RenameFile(r.Context(), name, to); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleStat(w http.ResponseWriter, r *http.Request, name string) {
	info, err := s.ix.Directory().Stat(r.Context(), name)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      info.Name,
		"length":    info.Length,
		"page_size": info.PageSize,
		"sequence":  info.Sequence,
	})
}

func (s *server) handleIDs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	count := 1
	if v := r.URL.Query().Get("count"); v != "" {
		var err error
		if count, err = strconv.Atoi(v); err != nil || count < 0 {
			http.Error(w, "invalid count", http.StatusBadRequest)
			return
		}
	}

	ids, err := s.ix.Allocate(r.Context(), count)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]uint64{"ids": ids})
}

func (s *server) sharedWriter() (*batch.Writer, error) {
	if s.writer == nil {
		w, err := s.ix.NewWriter()
		if err != nil {
			return nil, err
		}
		s.writer = w
	}
	return s.writer, nil
}

// handleDocuments adds the request body as one document and commits it
// together with whatever else is batched. An explicit id may be passed as
// ?id=.
func (s *server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fields, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bw, err := s.sharedWriter()
	if err != nil {
		s.fail(w, err)
		return
	}

	ctx := r.Context()
	var id uint64
	if v := r.URL.Query().Get("id"); v != "" {
		if id, err = strconv.ParseUint(v, 10, 64); err != nil {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}
		err = bw.AddDocumentWithID(ctx, id, fields)
	} else {
		id, err = bw.AddDocument(ctx, fields)
	}
	if err == nil {
		err = bw.Commit(ctx)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (s *server) handleDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(r.URL.Path, "/v1/documents/"), 10, 64)
	if err != nil {
		http.Error(w, "invalid document id", http.StatusBadRequest)
		return
	}

	reader, err := s.ix.Reader()
	if err != nil {
		s.fail(w, err)
		return
	}
	fields, err := reader.Document(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(fields)
}

// putFile replaces name with data. With a transaction in ctx the delete and
// the rewrite commit together.
func putFile(ctx context.Context, ix *kvindex.Index, name string, data []byte, pageSize int) error {
	dir := ix.Directory()
	if err := dir.DeleteFile(ctx, name); err != nil {
		return err
	}
	var opts []vfs.OutputOption
	if pageSize > 0 {
		opts = append(opts, vfs.WithPageSize(pageSize))
	}
	out, err := dir.CreateOutput(ctx, name, opts...)
	if err != nil {
		return err
	}
	if _, err := out.Write(ctx, data); err != nil {
		return err
	}
	return out.Close(ctx)
}
