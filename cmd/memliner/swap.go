// swap.go implements the 'memliner swap' command.
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mahaoran1997/MemLiner/internal/telemetry"
	"github.com/mahaoran1997/MemLiner/memliner"
)

type swapOptions struct {
	cfg     memliner.Config
	pages   int
	workers int
	batch   int
}

// swapCommand implements the 'memliner swap' command.
//
// Workers swap pages out with Store, then read half of them back with Load
// and the other half with LoadAsync batches reaped by PollLoad, checking
// every byte.
func swapCommand(args []string) {
	opts, err := parseSwapArgs(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if err := runSwap(context.Background(), opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseSwapArgs(args []string) (swapOptions, error) {
	cfg, err := memliner.ConfigFromEnv()
	if err != nil {
		return swapOptions{}, err
	}
	opts := swapOptions{cfg: cfg}

	fs := flag.NewFlagSet("swap", flag.ContinueOnError)
	opts.cfg.RegisterFlags(fs)
	fs.IntVar(&opts.pages, "pages", 4096, "pages to move")
	fs.IntVar(&opts.workers, "goroutines", 4, "concurrent swap goroutines")
	fs.IntVar(&opts.batch, "batch", 8, "async loads issued per poll")
	if err := fs.Parse(args); err != nil {
		return swapOptions{}, err
	}
	if fs.NArg() > 0 {
		return swapOptions{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	switch {
	case opts.pages <= 0:
		return swapOptions{}, fmt.Errorf("-pages must be positive")
	case opts.workers <= 0:
		return swapOptions{}, fmt.Errorf("-goroutines must be positive")
	case opts.batch <= 0:
		return swapOptions{}, fmt.Errorf("-batch must be positive")
	}
	if need := uint64(opts.pages) * memliner.PageSize; need > opts.cfg.Swap.RemoteSize {
		opts.cfg.Swap.RemoteSize = need
	}
	return opts, opts.cfg.Validate()
}

// fill writes a pattern derived from the page index into p.
func fill(p *memliner.Page, index int) {
	for off := 0; off < len(p.Data); off += 8 {
		binary.LittleEndian.PutUint64(p.Data[off:], uint64(index)<<32|uint64(off))
	}
}

func runSwap(ctx context.Context, opts swapOptions, out io.Writer) error {
	logger, err := telemetry.NewLogger(opts.cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	sw, err := memliner.OpenLoopbackSwap(opts.cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sw.Close(); err != nil {
			logger.Warn("closing swap", zap.Error(err))
		}
	}()

	start := time.Now()
	if err := forEachWorker(ctx, opts, func(ctx context.Context, cpu int, pages []int) error {
		p := memliner.NewPage()
		for _, i := range pages {
			fill(p, i)
			if err := sw.Store(ctx, cpu, uint64(i), p); err != nil {
				return fmt.Errorf("store page %d: %w", i, err)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	stored := time.Since(start)

	start = time.Now()
	if err := forEachWorker(ctx, opts, func(ctx context.Context, cpu int, pages []int) error {
		return loadAndVerify(ctx, sw, cpu, pages, opts.batch)
	}); err != nil {
		return err
	}
	loaded := time.Since(start)

	st := sw.Stats()
	mib := float64(opts.pages*memliner.PageSize) / (1 << 20)
	fmt.Fprintf(out, "stored %d pages in %v (%.1f MiB/s)\n", opts.pages, stored.Round(time.Microsecond), mib/stored.Seconds())
	fmt.Fprintf(out, "loaded %d pages in %v (%.1f MiB/s)\n", opts.pages, loaded.Round(time.Microsecond), mib/loaded.Seconds())
	fmt.Fprintf(out, "requests: posted=%d completed=%d failed=%d retries=%d peak_in_flight=%d\n",
		st.Posted, st.Completed, st.Failed, st.Retries, st.Peak)
	return nil
}

// forEachWorker splits the page indices round robin over opts.workers
// goroutines. Worker w issues on queue slot w.
func forEachWorker(ctx context.Context, opts swapOptions, fn func(ctx context.Context, cpu int, pages []int) error) error {
	shards := make([][]int, opts.workers)
	for i := range opts.pages {
		shards[i%opts.workers] = append(shards[i%opts.workers], i)
	}
	g, gctx := errgroup.WithContext(ctx)
	for w, pages := range shards {
		g.Go(func() error { return fn(gctx, w, pages) })
	}
	return g.Wait()
}

// pageLoader is the read side of a swap session.
type pageLoader interface {
	Load(ctx context.Context, cpu int, offset uint64, p *memliner.Page) error
	LoadAsync(ctx context.Context, cpu int, offset uint64, p *memliner.Page) error
	PollLoad(cpu int) error
}

// loadAndVerify reads even pages synchronously and odd pages in async
// batches.
func loadAndVerify(ctx context.Context, sw pageLoader, cpu int, pages []int, batch int) error {
	want := memliner.NewPage()
	check := func(p *memliner.Page, i int) error {
		fill(want, i)
		if !p.Uptodate() || !bytes.Equal(p.Data, want.Data) {
			return fmt.Errorf("page %d: content mismatch", i)
		}
		return nil
	}

	var async []int
	page := memliner.NewPage()
	for _, i := range pages {
		if i%2 == 1 {
			async = append(async, i)
			continue
		}
		if err := sw.Load(ctx, cpu, uint64(i), page); err != nil {
			return fmt.Errorf("load page %d: %w", i, err)
		}
		if err := check(page, i); err != nil {
			return err
		}
	}

	bufs := make([]*memliner.Page, batch)
	for i := range bufs {
		bufs[i] = memliner.NewPage()
	}
	for len(async) > 0 {
		n := min(batch, len(async))
		for k, i := range async[:n] {
			if err := sw.LoadAsync(ctx, cpu, uint64(i), bufs[k]); err != nil {
				// Reap what is already posted before reusing the buffers.
				return multierr.Append(fmt.Errorf("load page %d: %w", i, err), sw.PollLoad(cpu))
			}
		}
		if err := sw.PollLoad(cpu); err != nil {
			return err
		}
		for k, i := range async[:n] {
			if err := check(bufs[k], i); err != nil {
				return err
			}
		}
		async = async[n:]
	}
	return nil
}
