// Package fsdir keeps vfs files as plain files under one local directory.
// It is the reference backend: behaviour that differs from kvdir is a bug in
// one of them.
package fsdir

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/sekai02/kvindex/internal/vfs"
)

var ErrInvalidName = errors.New("fsdir: invalid file name")

type Directory struct {
	root   string
	logger *slog.Logger
	closed atomic.Bool
}

var _ vfs.Directory = (*Directory)(nil)

type Option func(*Directory)

func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) { d.logger = l }
}

// Open creates root if needed.
func Open(root string, opts ...Option) (*Directory, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", root, err)
	}
	d := &Directory{root: root, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("directory", root)
	return d, nil
}

func (d *Directory) Root() string { return d.root }

func (d *Directory) path(op, name string) (string, error) {
	if d.closed.Load() {
		return "", vfs.ErrClosed
	}
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return "", &vfs.FileError{Op: op, Name: name, Err: ErrInvalidName}
	}
	return filepath.Join(d.root, name), nil
}

func (d *Directory) ListAll(ctx context.Context) ([]string, error) {
	if d.closed.Load() {
		return nil, vfs.ErrClosed
	}
	entries, err := os.ReadDir(d.root)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.root, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (d *Directory) FileLength(ctx context.Context, name string) (int64, error) {
	info, err := d.stat("length", name)
	if err != nil {
		return 0, err
	}
	return info.Length, nil
}

func (d *Directory) Stat(ctx context.Context, name string) (vfs.FileInfo, error) {
	return d.stat("stat", name)
}

func (d *Directory) stat(op, name string) (vfs.FileInfo, error) {
	p, err := d.path(op, name)
	if err != nil {
		return vfs.FileInfo{}, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return vfs.FileInfo{}, vfs.NotFound(op, name)
	}
	if err != nil {
		return vfs.FileInfo{}, &vfs.FileError{Op: op, Name: name, Err: err}
	}
	return vfs.FileInfo{Name: name, Length: fi.Size()}, nil
}

func (d *Directory) CreateOutput(ctx context.Context, name string, opts ...vfs.OutputOption) (vfs.Output, error) {
	p, err := d.path("create", name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, vfs.AlreadyExists("create", name)
	}
	if err != nil {
		return nil, &vfs.FileError{Op: "create", Name: name, Err: err}
	}

	d.logger.Debug("created file", "name", name)
	return &output{name: name, f: f, w: bufio.NewWriter(f)}, nil
}

func (d *Directory) OpenInput(ctx context.Context, name string) (vfs.Input, error) {
	p, err := d.path("open", name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, vfs.NotFound("open", name)
	}
	if err != nil {
		return nil, &vfs.FileError{Op: "open", Name: name, Err: err}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &vfs.FileError{Op: "open", Name: name, Err: err}
	}
	return &input{name: name, f: f, length: fi.Size()}, nil
}

func (d *Directory) DeleteFile(ctx context.Context, name string) error {
	p, err := d.path("delete", name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &vfs.FileError{Op: "delete", Name: name, Err: err}
	}
	return nil
}

func (d *Directory) RenameFile(ctx context.Context, from, to string) error {
	src, err := d.path("rename", from)
	if err != nil {
		return err
	}
	dst, err := d.path("rename", to)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(src); errors.Is(err, fs.ErrNotExist) {
		return vfs.NotFound("rename", from)
	}
	if _, err := os.Lstat(dst); err == nil {
		return vfs.AlreadyExists("rename", to)
	}
	if err := os.Rename(src, dst); err != nil {
		return &vfs.FileError{Op: "rename", Name: from, Err: err}
	}
	return syncDir(d.root)
}

func (d *Directory) DeleteDirectory(ctx context.Context) error {
	if d.closed.Load() {
		return vfs.ErrClosed
	}
	if err := os.RemoveAll(d.root); err != nil {
		return fmt.Errorf("delete directory %s: %w", d.root, err)
	}
	return nil
}

func (d *Directory) Close() error {
	d.closed.Store(true)
	return nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

type output struct {
	name   string
	f      *os.File
	w      *bufio.Writer
	length int64
	err    error
	closed bool
}

func (o *output) Name() string  { return o.name }
func (o *output) Length() int64 { return o.length }

func (o *output) Write(ctx context.Context, p []byte) (int, error) {
	if o.closed {
		return 0, &vfs.FileError{Op: "write", Name: o.name, Err: vfs.ErrClosed}
	}
	if o.err != nil {
		return 0, o.err
	}
	n, err := o.w.Write(p)
	o.length += int64(n)
	if err != nil {
		o.err = &vfs.FileError{Op: "write", Name: o.name, Err: err}
		return n, o.err
	}
	return n, nil
}

func (o *output) Sync(ctx context.Context) error {
	if o.closed {
		return nil
	}
	if o.err != nil {
		return o.err
	}
	if err := o.w.Flush(); err != nil {
		o.err = &vfs.FileError{Op: "sync", Name: o.name, Err: err}
		return o.err
	}
	if err := o.f.Sync(); err != nil {
		o.err = &vfs.FileError{Op: "sync", Name: o.name, Err: err}
		return o.err
	}
	return nil
}

func (o *output) Close(ctx context.Context) error {
	if o.closed {
		return nil
	}
	err := o.Sync(ctx)
	o.closed = true
	if cerr := o.f.Close(); err == nil && cerr != nil {
		err = &vfs.FileError{Op: "close", Name: o.name, Err: cerr}
	}
	return err
}

type input struct {
	name   string
	f      *os.File
	length int64
}

func (in *input) Name() string  { return in.name }
func (in *input) Length() int64 { return in.length }
func (in *input) Close() error  { return in.f.Close() }

func (in *input) ReadAt(ctx context.Context, off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 {
		return nil, fmt.Errorf("read %q: invalid offset %d length %d", in.name, off, n)
	}
	if off+int64(n) > in.length {
		return nil, fmt.Errorf("read %q at %d+%d beyond length %d: %w", in.name, off, n, in.length, io.EOF)
	}
	buf := make([]byte, n)
	if _, err := in.f.ReadAt(buf, off); err != nil && !(errors.Is(err, io.EOF) && n == 0) {
		return nil, &vfs.FileError{Op: "read", Name: in.name, Err: err}
	}
	return buf, nil
}
