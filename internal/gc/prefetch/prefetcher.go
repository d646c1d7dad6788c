// Package prefetch implements the concurrent prefetch marker.
//
// While the primary collector is marking, a pool of prefetch workers races
// ahead of it: each worker claims one mutator's prefetch queue in
// round-robin order, marks the objects found there, scans a bounded amount
// of the newly grey objects and parks the rest in an overflow queue. The
// work is speculative. Anything the prefetcher does not reach is marked by
// the authoritative collector, so workers never coordinate termination and
// never block mutators.
//
// Grey objects still queued when marking ends are handed to the collector
// through heap.Heap.Handoff, so the prefetcher never leaves a marked object
// unscanned.
package prefetch

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mahaoran1997/MemLiner/internal/config"
	"github.com/mahaoran1997/MemLiner/internal/gc/heap"
	"github.com/mahaoran1997/MemLiner/internal/gc/prefetchq"
	"github.com/mahaoran1997/MemLiner/internal/gc/taskqueue"
	"github.com/mahaoran1997/MemLiner/internal/telemetry"
)

// Threads provides the live mutator queues, in a stable order.
type Threads interface {
	Queues() []*prefetchq.Queue
}

// Config bounds the work of one prefetch pass.
type Config struct {
	// Workers is the maximum number of prefetch workers.
	Workers int

	// Stride caps the tasks processed after each drained queue.
	Stride int

	// PrefetchNum caps the tasks processed after each drained queue.
	PrefetchNum int

	// PrefetchSize caps the object bytes scanned after each drained queue.
	PrefetchSize uint64

	// ArrayChunkSize is the element count of one array chunk task. Arrays
	// up to twice this size are scanned in one go.
	ArrayChunkSize int
}

// ConfigFrom extracts the marker settings from c.
func ConfigFrom(c config.Prefetch) Config {
	return Config{
		Workers:        c.Workers,
		Stride:         c.Stride,
		PrefetchNum:    c.PrefetchNum,
		PrefetchSize:   c.PrefetchSize,
		ArrayChunkSize: c.ArrayChunkSize,
	}
}

// Option configures a Prefetcher.
type Option func(*Prefetcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Prefetcher) { p.logger = telemetry.OrNop(l) }
}

// WithTracer sets the tracer. The default is the global MemLiner tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Prefetcher) { p.tracer = t }
}

// Stats are cumulative counters since creation.
type Stats struct {
	// Passes counts completed MarkFromRoots calls.
	Passes uint64
	// Drained counts entries taken from prefetch queues and completed buffers.
	Drained uint64
	// Marked counts objects this marker marked.
	Marked uint64
	// Prefetched counts tasks scanned.
	Prefetched uint64
	// Bytes counts the bytes covered by scanned tasks.
	Bytes uint64
	// Overflowed counts tasks spilled to overflow queues.
	Overflowed uint64
	// Refilled counts tasks moved back from overflow queues.
	Refilled uint64
	// HandedOff counts objects given back to the collector.
	HandedOff uint64
	// Invalid counts dequeued entries outside the heap.
	Invalid uint64
}

// Prefetcher is the concurrent prefetch marker.
//
// Thread Safety: MarkFromRoots must not overlap with itself; the control
// thread guarantees that. Stats, SetActiveWorkers and ActiveWorkers are
// safe at any time. Cancel and GetQueue are for use between passes.
type Prefetcher struct {
	heap    heap.Heap
	threads Threads
	qset    *prefetchq.QueueSet
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer

	queues        *taskqueue.Set
	maxWorkers    int
	activeWorkers atomic.Int32
	cursor        atomic.Uint64
	inPass        atomic.Bool

	passes     atomic.Uint64
	drained    atomic.Uint64
	marked     atomic.Uint64
	prefetched atomic.Uint64
	bytes      atomic.Uint64
	overflowed atomic.Uint64
	refilled   atomic.Uint64
	handedOff  atomic.Uint64
	invalid    atomic.Uint64
}

// New creates a marker over h that drains the queues listed by threads plus
// the shared queue of qset.
func New(h heap.Heap, threads Threads, qset *prefetchq.QueueSet, cfg Config, opts ...Option) (*Prefetcher, error) {
	switch {
	case h == nil || threads == nil || qset == nil:
		return nil, fmt.Errorf("prefetch: heap, threads and queue set are required")
	case cfg.Workers <= 0 || cfg.Stride <= 0 || cfg.PrefetchNum <= 0 || cfg.PrefetchSize == 0:
		return nil, fmt.Errorf("prefetch: invalid budget %+v", cfg)
	case cfg.ArrayChunkSize <= 0 || cfg.ArrayChunkSize&(cfg.ArrayChunkSize-1) != 0:
		return nil, fmt.Errorf("prefetch: array chunk size %d is not a power of two", cfg.ArrayChunkSize)
	}
	p := &Prefetcher{
		heap:    h,
		threads: threads,
		qset:    qset,
		cfg:     cfg,
		logger:  zap.NewNop(),
		tracer:  telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.Initialize(cfg.Workers)
	return p, nil
}

// Initialize sizes the marker for up to workers workers: two scan queues
// per worker, and resets the round-robin cursor.
func (p *Prefetcher) Initialize(workers int) {
	workers = max(workers, 1)
	p.maxWorkers = workers
	p.activeWorkers.Store(int32(workers))
	p.queues = taskqueue.NewSet(2 * workers)
	p.cursor.Store(0)
}

// MaxWorkers returns the worker limit set by Initialize.
func (p *Prefetcher) MaxWorkers() int { return p.maxWorkers }

// ActiveWorkers returns the number of workers the next pass uses.
func (p *Prefetcher) ActiveWorkers() int { return int(p.activeWorkers.Load()) }

// SetActiveWorkers clamps n to [1, MaxWorkers] and uses it for the next
// pass. It returns the effective value.
func (p *Prefetcher) SetActiveWorkers(n int) int {
	n = min(max(n, 1), p.maxWorkers)
	p.activeWorkers.Store(int32(n))
	return n
}

// MarkFromRoots runs one prefetch pass: it dispatches one task per active
// worker and returns once every worker has seen the marking flag drop.
//
// It returns a non-nil error only when ctx is cancelled. Grey objects left in
// the scan queues are handed off before returning in both cases.
func (p *Prefetcher) MarkFromRoots(ctx context.Context) error {
	if !p.inPass.CompareAndSwap(false, true) {
		panic("memliner: overlapping prefetch passes")
	}
	defer p.inPass.Store(false)

	n := p.ActiveWorkers()
	ctx, span := p.tracer.Start(ctx, "prefetch.MarkFromRoots",
		trace.WithAttributes(attribute.Int("workers", n)))

	p.queues.Reserve(2 * n)
	g, gctx := errgroup.WithContext(ctx)
	for w := range n {
		g.Go(func() error { return p.work(gctx, w) })
	}
	err := g.Wait()
	p.passes.Add(1)

	span.SetAttributes(attribute.Int64("prefetched", int64(p.prefetched.Load())))
	telemetry.EndSpan(span, err)
	return err
}

// Cancel drops every queued scan task. Prefetch queues are left alone:
// their content is best effort and safe to discard later.
func (p *Prefetcher) Cancel() {
	if p.inPass.Load() {
		panic("memliner: Cancel during a prefetch pass")
	}
	p.queues.Clear()
}

// GetQueue returns scan queue id. Queue 2w is worker w's primary queue and
// 2w+1 its overflow queue. It panics when id is not reserved.
func (p *Prefetcher) GetQueue(id int) *taskqueue.Queue { return p.queues.Queue(id) }

// Stats returns cumulative counters.
func (p *Prefetcher) Stats() Stats {
	return Stats{
		Passes:     p.passes.Load(),
		Drained:    p.drained.Load(),
		Marked:     p.marked.Load(),
		Prefetched: p.prefetched.Load(),
		Bytes:      p.bytes.Load(),
		Overflowed: p.overflowed.Load(),
		Refilled:   p.refilled.Load(),
		HandedOff:  p.handedOff.Load(),
		Invalid:    p.invalid.Load(),
	}
}

// candidates returns the queues a worker rotates over: the mutators in
// provider order, then the shared queue.
func (p *Prefetcher) candidates() []*prefetchq.Queue {
	return append(p.threads.Queues(), p.qset.Shared())
}

// claimQueue advances the shared cursor and sweeps the candidates once,
// starting at the cursor, until one is claimed. It returns nil when every
// candidate is busy or marking ended mid-sweep.
func (p *Prefetcher) claimQueue() *prefetchq.Queue {
	cands := p.candidates()
	if len(cands) == 0 {
		panic("memliner: no prefetch queue to claim")
	}
	start := int((p.cursor.Add(1) - 1) % uint64(len(cands)))
	for i := range cands {
		if !p.heap.MarkingInProgress() {
			return nil
		}
		if q := cands[(start+i)%len(cands)]; q.SetInProcessing() {
			return q
		}
	}
	return nil
}
