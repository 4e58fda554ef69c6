package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cenkalti/backoff/v4"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/sekai02/kvindex/internal/batch"
	"github.com/sekai02/kvindex/internal/ident"
	"github.com/sekai02/kvindex/internal/kv"
	"github.com/sekai02/kvindex/pkg/kvindex"
)

func lsCommand() *cli.Command {
	return &cli.Command{
		Name:  "ls",
		Usage: "list files with their length",
		Action: func(c *cli.Context) error {
			ix, _, err := openIndex(c)
			if err != nil {
				return err
			}
			defer ix.Close()

			ctx := c.Context
			names, err := ix.Directory().ListAll(ctx)
			if err != nil {
				return err
			}
			for _, name := range names {
				info, err := ix.Directory().Stat(ctx, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "%12d  %s\n", info.Length, name)
			}
			return nil
		},
	}
}

func catCommand() *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "print a file",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("cat needs a file name", 2)
			}
			ix, _, err := openIndex(c)
			if err != nil {
				return err
			}
			defer ix.Close()

			ctx := c.Context
			in, err := ix.Directory().OpenInput(ctx, c.Args().First())
			if err != nil {
				return err
			}
			defer in.Close()

			const chunk = 1 << 20
			for off := int64(0); off < in.Length(); off += chunk {
				n := int(min(chunk, in.Length()-off))
				data, err := in.ReadAt(ctx, off, n)
				if err != nil {
					return err
				}
				if _, err := c.App.Writer.Write(data); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "store a local file, or stdin with -, under NAME in one transaction",
		ArgsUsage: "NAME SOURCE",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "page-size", Usage: "page size for this file"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("put needs a name and a source", 2)
			}
			name, source := c.Args().Get(0), c.Args().Get(1)

			var src io.Reader = os.Stdin
			if source != "-" {
				f, err := os.Open(source)
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}
			data, err := io.ReadAll(src)
			if err != nil {
				return err
			}

			ix, logger, err := openIndex(c)
			if err != nil {
				return err
			}
			defer ix.Close()

			err = ix.Transact(c.Context, func(ctx context.Context, tx kv.Transaction) error {
				return putFile(ctx, ix, name, data, c.Int("page-size"))
			})
			if err != nil {
				return err
			}
			logger.Info("stored file", "name", name, "bytes", len(data))
			return nil
		},
	}
}

func rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "delete files; --all deletes the whole directory",
		ArgsUsage: "NAME...",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all"},
		},
		Action: func(c *cli.Context) error {
			ix, _, err := openIndex(c)
			if err != nil {
				return err
			}
			defer ix.Close()

			if c.Bool("all") {
				return ix.Directory().DeleteDirectory(c.Context)
			}
			return ix.Transact(c.Context, func(ctx context.Context, tx kv.Transaction) error {
				for _, name := range c.Args().Slice() {
					if err := ix.Directory().DeleteFile(ctx, name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func mvCommand() *cli.Command {
	return &cli.Command{
		Name:      "mv",
		Usage:     "rename a file",
		ArgsUsage: "FROM TO",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("mv needs a source and a target", 2)
			}
			ix, _, err := openIndex(c)
			if err != nil {
				return err
			}
			defer ix.Close()
			return ix.Directory().RenameFile(c.Context, c.Args().Get(0), c.Args().Get(1))
		},
	}
}

func allocCommand() *cli.Command {
	return &cli.Command{
		Name:  "alloc",
		Usage: "reserve document ids",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 1},
		},
		Action: func(c *cli.Context) error {
			ix, _, err := openIndex(c)
			if err != nil {
				return err
			}
			defer ix.Close()

			ids, err := ix.Allocate(c.Context, c.Int("count"))
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(c.App.Writer, id)
			}
			return nil
		},
	}
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "add every line of SOURCE (or stdin) as a document",
		ArgsUsage: "[SOURCE]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Value: 4},
		},
		Action: func(c *cli.Context) error {
			var src io.Reader = os.Stdin
			if c.NArg() > 0 && c.Args().First() != "-" {
				f, err := os.Open(c.Args().First())
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}

			ix, logger, err := openIndex(c)
			if err != nil {
				return err
			}
			defer ix.Close()

			n, err := ingest(c.Context, ix, src, max(c.Int("workers"), 1))
			if err != nil {
				return err
			}
			logger.Info("ingested documents", "documents", n)
			return nil
		},
	}
}

// ingest feeds lines to workers that each own one batch writer. Aborted
// batches are resubmitted with backoff while the failure is retryable.
func ingest(ctx context.Context, ix *kvindex.Index, src io.Reader, workers int) (int, error) {
	lines := make(chan []byte, workers*64)
	counts := make([]int, workers)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(lines)
		sc := bufio.NewScanner(src)
		sc.Buffer(make([]byte, 64<<10), 16<<20)
		for sc.Scan() {
			if len(sc.Bytes()) == 0 {
				continue
			}
			line := append([]byte{}, sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return sc.Err()
	})

	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			ctx := ident.WithCaller(ctx, "ingest-"+strconv.Itoa(i))
			w, err := ix.NewWriter()
			if err != nil {
				return err
			}
			for line := range lines {
				if _, err := w.AddDocument(ctx, line); err != nil {
					if err := recoverBatch(ctx, w, err); err != nil {
						return err
					}
				}
				counts[i]++
			}
			if err := w.Commit(ctx); err != nil {
				if err := recoverBatch(ctx, w, err); err != nil {
					return err
				}
			}
			return w.Close(ctx)
		})
	}

	err := g.Wait()
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, err
}

// recoverBatch resubmits the documents of an aborted batch until they are
// accepted again or the failure stops being retryable.
func recoverBatch(ctx context.Context, w *batch.Writer, err error) error {
	var ab *batch.AbortedError
	if !errors.As(err, &ab) {
		return err
	}
	docs := ab.Documents

	op := func() error {
		if !kv.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		err = w.Resubmit(ctx, docs)
		if err == nil {
			err = w.Commit(ctx)
		}
		if errors.As(err, &ab) {
			docs = ab.Documents
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(kv.NewBackoff(), ctx))
}
