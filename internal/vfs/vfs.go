// Package vfs is the file abstraction a search library writes its index
// segments through. Backends live in subpackages: kvdir pages files into a
// transactional key-value store, fsdir keeps them on the local filesystem.
package vfs

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrFileNotFound      = errors.New("file not found")
	ErrFileAlreadyExists = errors.New("file already exists")
	ErrClosed            = errors.New("handle closed")
)

// FileError records the operation and file an error came from.
type FileError struct {
	Op   string
	Name string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Name, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

func NotFound(op, name string) error {
	return &FileError{Op: op, Name: name, Err: ErrFileNotFound}
}

func AlreadyExists(op, name string) error {
	return &FileError{Op: op, Name: name, Err: ErrFileAlreadyExists}
}

type FileInfo struct {
	Name     string
	Length   int64
	PageSize int
	// Sequence orders files by creation. Zero on backends without one.
	Sequence uint64
}

// Directory is a flat namespace of files.
type Directory interface {
	ListAll(ctx context.Context) ([]string, error)
	FileLength(ctx context.Context, name string) (int64, error)
	Stat(ctx context.Context, name string) (FileInfo, error)
	CreateOutput(ctx context.Context, name string, opts ...OutputOption) (Output, error)
	OpenInput(ctx context.Context, name string) (Input, error)
	DeleteFile(ctx context.Context, name string) error
	RenameFile(ctx context.Context, from, to string) error
	DeleteDirectory(ctx context.Context) error
	Close() error
}

// Output appends to a new file.
type Output interface {
	Name() string
	Write(ctx context.Context, p []byte) (int, error)
	// Sync makes every byte written so far part of the file.
	Sync(ctx context.Context) error
	// Length counts every byte written, synced or not.
	Length() int64
	Close(ctx context.Context) error
}

// Input reads a file whose length was fixed when it was opened.
type Input interface {
	Name() string
	Length() int64
	ReadAt(ctx context.Context, off int64, n int) ([]byte, error)
	Close() error
}

type OutputOptions struct {
	PageSize int
}

type OutputOption func(*OutputOptions)

// WithPageSize overrides the directory's page size for one file.
func WithPageSize(n int) OutputOption {
	return func(o *OutputOptions) { o.PageSize = n }
}

func ApplyOutputOptions(defaults OutputOptions, opts ...OutputOption) OutputOptions {
	for _, opt := range opts {
		opt(&defaults)
	}
	return defaults
}
