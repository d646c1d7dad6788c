// simulate.go implements the 'memliner simulate' command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mahaoran1997/MemLiner/memliner"
)

type simulateOptions struct {
	cfg      memliner.Config
	mutators int
	objects  int
	fanout   int
	cycles   int
	touches  int
	seed     uint64
}

// simulateCommand implements the 'memliner simulate' command.
//
// Each mutator owns a random object graph. During every cycle the mutators
// walk their graph and enqueue what they touch while the collector traces
// the same graphs from their roots; the report shows how much of the live
// set the prefetcher reached first.
func simulateCommand(args []string) {
	opts, err := parseSimulateArgs(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if err := runSimulate(context.Background(), opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseSimulateArgs(args []string) (simulateOptions, error) {
	cfg, err := memliner.ConfigFromEnv()
	if err != nil {
		return simulateOptions{}, err
	}
	opts := simulateOptions{cfg: cfg}

	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	opts.cfg.RegisterFlags(fs)
	fs.IntVar(&opts.mutators, "mutators", 4, "mutator goroutines")
	fs.IntVar(&opts.objects, "objects", 5000, "objects per mutator graph")
	fs.IntVar(&opts.fanout, "fanout", 2, "reference fields per object")
	fs.IntVar(&opts.cycles, "cycles", 3, "marking cycles")
	fs.IntVar(&opts.touches, "touches", 2000, "objects each mutator touches per cycle")
	fs.Uint64Var(&opts.seed, "seed", 1, "graph seed")
	if err := fs.Parse(args); err != nil {
		return simulateOptions{}, err
	}
	if fs.NArg() > 0 {
		return simulateOptions{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	switch {
	case opts.mutators <= 0:
		return simulateOptions{}, fmt.Errorf("-mutators must be positive")
	case opts.objects <= 0:
		return simulateOptions{}, fmt.Errorf("-objects must be positive")
	case opts.fanout < 0:
		return simulateOptions{}, fmt.Errorf("-fanout must not be negative")
	case opts.cycles <= 0:
		return simulateOptions{}, fmt.Errorf("-cycles must be positive")
	}
	return opts, opts.cfg.Validate()
}

// graph is one mutator's object set. objs[0] is the root.
type graph struct {
	objs []memliner.Addr
}

// buildGraphs allocates one graph per mutator. Every object is reachable
// through a spanning chain of field 0; the other fields point anywhere in
// the same graph.
func buildGraphs(h *memliner.SimHeap, opts simulateOptions) []graph {
	rng := rand.New(rand.NewPCG(opts.seed, opts.seed^0x9e3779b97f4a7c15))
	nrefs := max(opts.fanout, 1)
	graphs := make([]graph, opts.mutators)
	for g := range graphs {
		objs := make([]memliner.Addr, opts.objects)
		for i := range objs {
			objs[i] = h.Alloc(nrefs)
		}
		for i, p := range objs {
			if i+1 < len(objs) {
				h.SetRef(p, 0, objs[i+1])
			}
			for f := 1; f < nrefs; f++ {
				h.SetRef(p, f, objs[rng.IntN(len(objs))])
			}
		}
		graphs[g].objs = objs
	}
	return graphs
}

type cycleReport struct {
	live        int
	prefetched  int
	handedOff   uint64
	passes      uint64
	collectTime time.Duration
}

func runSimulate(ctx context.Context, opts simulateOptions, out io.Writer) error {
	h, err := simHeapFor(opts)
	if err != nil {
		return err
	}
	graphs := buildGraphs(h, opts)
	roots := make([]memliner.Addr, len(graphs))
	for i, g := range graphs {
		roots[i] = g.objs[0]
	}

	rt, err := memliner.New(h, opts.cfg, memliner.WithLogger(zap.NewNop()))
	if err != nil {
		return err
	}
	defer rt.Close()

	fmt.Fprintf(out, "simulating %d mutators x %d objects, %d workers\n",
		opts.mutators, opts.objects, opts.cfg.Prefetch.Workers)
	for c := 1; c <= opts.cycles; c++ {
		rep, err := runCycle(ctx, h, rt, graphs, roots, opts)
		if err != nil {
			return fmt.Errorf("cycle %d: %w", c, err)
		}
		fmt.Fprintf(out, "cycle %d: live=%d prefetched=%d (%.1f%%) handed_off=%d passes=%d collect=%v\n",
			c, rep.live, rep.prefetched, percent(rep.prefetched, rep.live),
			rep.handedOff, rep.passes, rep.collectTime.Round(time.Microsecond))
	}

	st := rt.Stats()
	fmt.Fprintf(out, "total: cycles=%d drained=%d marked=%d scanned=%d overflowed=%d invalid=%d\n",
		st.Cycles, st.Prefetch.Drained, st.Prefetch.Marked, st.Prefetch.Prefetched,
		st.Prefetch.Overflowed, st.Prefetch.Invalid)
	return nil
}

// simHeapFor sizes a simulated heap for the requested graphs.
func simHeapFor(opts simulateOptions) (*memliner.SimHeap, error) {
	cfg := memliner.DefaultSimConfig()
	need := uintptr(opts.mutators) * uintptr(opts.objects) * uintptr(2+max(opts.fanout, 1)) * 8
	for cfg.Size < need+need/4 {
		cfg.Size *= 2
	}
	return memliner.NewSimHeapWith(cfg)
}

func runCycle(ctx context.Context, h *memliner.SimHeap, rt *memliner.Runtime, graphs []graph, roots []memliner.Addr, opts simulateOptions) (cycleReport, error) {
	before := rt.Stats().Prefetch
	h.ClearMarks()
	h.SetMarking(true)
	if err := rt.BeginMarking(); err != nil {
		h.SetMarking(false)
		return cycleReport{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range graphs {
		seed := opts.seed + uint64(i)
		g.Go(func() error {
			rt.Attach()
			defer rt.Detach()
			return mutate(gctx, rt, graphs[i], opts.touches, seed)
		})
	}
	mutErr := g.Wait()

	// Authoritative trace. Objects the prefetcher already marked count as
	// hits.
	start := time.Now()
	live := h.Reachable(roots...)
	prefetched := 0
	for p := range live {
		if !h.Mark(p) {
			prefetched++
		}
	}
	elapsed := time.Since(start)

	h.SetMarking(false)
	rt.EndMarking()
	if mutErr != nil {
		return cycleReport{}, mutErr
	}

	after := rt.Stats().Prefetch
	return cycleReport{
		live:        len(live),
		prefetched:  prefetched,
		handedOff:   after.HandedOff - before.HandedOff,
		passes:      after.Passes - before.Passes,
		collectTime: elapsed,
	}, nil
}

// mutate walks g from random starting points and enqueues every object it
// visits.
func mutate(ctx context.Context, rt *memliner.Runtime, g graph, touches int, seed uint64) error {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	for i := range touches {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		rt.Enqueue(g.objs[rng.IntN(len(g.objs))])
	}
	return nil
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(n) / float64(total)
}
