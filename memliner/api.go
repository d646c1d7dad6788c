package memliner

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mahaoran1997/MemLiner/internal/config"
	"github.com/mahaoran1997/MemLiner/internal/gc/control"
	"github.com/mahaoran1997/MemLiner/internal/gc/heap"
	"github.com/mahaoran1997/MemLiner/internal/gc/prefetch"
	"github.com/mahaoran1997/MemLiner/internal/gc/prefetchq"
	"github.com/mahaoran1997/MemLiner/internal/gc/threads"
	"github.com/mahaoran1997/MemLiner/internal/telemetry"
)

type (
	// Addr is a heap address.
	Addr = heap.Addr

	// Heap is what the prefetcher needs from the collector.
	Heap = heap.Heap

	// SimHeap is an in-memory heap for tests and demos.
	SimHeap = heap.Sim

	// SimConfig sizes a SimHeap.
	SimConfig = heap.SimConfig

	// Config holds every setting.
	Config = config.Config

	// Mutator is the prefetch state of an attached goroutine.
	Mutator = threads.Mutator

	// PrefetchStats are the prefetch marker counters.
	PrefetchStats = prefetch.Stats
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("memliner: runtime closed")

	// ErrCycleInProgress is returned by BeginMarking when the previous
	// prefetch cycle has not finished.
	ErrCycleInProgress = control.ErrCycleInProgress
)

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config { return config.Default() }

// ConfigFromEnv returns the defaults overridden by the MEMLINER environment
// variable.
func ConfigFromEnv() (Config, error) { return config.FromEnv() }

// NewSimHeap creates a 64 MiB simulated heap.
func NewSimHeap() (*SimHeap, error) { return heap.NewSim(heap.DefaultSimConfig()) }

// DefaultSimConfig returns the settings NewSimHeap uses.
func DefaultSimConfig() SimConfig { return heap.DefaultSimConfig() }

// NewSimHeapWith creates a simulated heap sized by cfg.
func NewSimHeapWith(cfg SimConfig) (*SimHeap, error) { return heap.NewSim(cfg) }

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger. By default one is built from Config.Log.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// Stats summarize a Runtime.
type Stats struct {
	Prefetch     PrefetchStats
	Cycles       uint64
	Mutators     int
	BuffersInUse int
}

// Runtime ties the prefetch queues, the mutator registry, the prefetch
// marker and its control goroutine to one heap.
//
// Thread Safety: Attach, Detach and Enqueue are called by mutators
// concurrently. BeginMarking, EndMarking and Cancel are collector hooks and
// must not race with each other.
type Runtime struct {
	cfg    Config
	logger *zap.Logger

	qset    *prefetchq.QueueSet
	threads *threads.Registry
	marker  *prefetch.Prefetcher
	ctl     *control.Thread

	closed atomic.Bool
}

// New creates a Runtime over h and starts its control goroutine.
func New(h Heap, cfg Config, opts ...Option) (*Runtime, error) {
	if h == nil {
		return nil, fmt.Errorf("memliner: nil heap")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runtime{cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		l, err := telemetry.NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		r.logger = l
	}

	qset, err := prefetchq.NewQueueSet(h, prefetchq.Config{
		BufferSize: cfg.Prefetch.BufferSize,
		Threshold:  cfg.Prefetch.Threshold,
		SampleRate: cfg.Prefetch.SampleRate,
	}, prefetchq.WithLogger(r.logger))
	if err != nil {
		return nil, err
	}
	r.qset = qset
	r.threads = threads.NewRegistry(qset, threads.WithLogger(r.logger))

	r.marker, err = prefetch.New(h, r.threads, qset, prefetch.ConfigFrom(cfg.Prefetch),
		prefetch.WithLogger(r.logger))
	if err != nil {
		return nil, err
	}
	r.ctl = control.Start(h, r.marker, control.WithLogger(r.logger))
	return r, nil
}

// Config returns the settings the runtime was created with.
func (r *Runtime) Config() Config { return r.cfg }

// Attach registers the calling goroutine as a mutator.
func (r *Runtime) Attach() *Mutator { return r.threads.Attach() }

// Detach unregisters the calling goroutine. Its pending entries stay
// available to the prefetcher.
func (r *Runtime) Detach() { r.threads.Detach() }

// Enqueue offers p to the prefetcher. It never blocks and is a no-op
// outside marking.
func (r *Runtime) Enqueue(p Addr) { r.threads.Enqueue(p) }

// BeginMarking activates the prefetch queues and starts a prefetch cycle.
// The heap must already report marking in progress; the cycle ends by
// itself once it stops doing so.
func (r *Runtime) BeginMarking() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if !r.qset.IsActive() {
		r.qset.SetActiveAllThreads(true, false)
	}
	return r.ctl.StartCycle()
}

// EndMarking waits for the prefetch cycle to finish, deactivates the
// queues and drops whatever is still queued. Call it after the heap stopped
// reporting marking in progress.
func (r *Runtime) EndMarking() {
	r.ctl.WaitIdle()
	if r.qset.IsActive() {
		r.qset.SetActiveAllThreads(false, true)
	}
	r.qset.AbandonPartialMarking()
}

// FilterQueues drops queued entries that are already marked.
func (r *Runtime) FilterQueues() { r.qset.FilterThreadBuffers() }

// Cancel drops the prefetcher's scan queues. Use it when marking is aborted,
// between cycles.
func (r *Runtime) Cancel() {
	r.ctl.WaitIdle()
	r.marker.Cancel()
	r.qset.AbandonPartialMarking()
}

// Stats returns a snapshot of the runtime counters.
func (r *Runtime) Stats() Stats {
	return Stats{
		Prefetch:     r.marker.Stats(),
		Cycles:       r.ctl.Cycles(),
		Mutators:     r.threads.Len(),
		BuffersInUse: r.qset.BuffersInUse(),
	}
}

// Close stops the control goroutine. A running cycle is cancelled.
func (r *Runtime) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	r.ctl.Stop()
	st := r.marker.Stats()
	r.logger.Info("memliner runtime closed",
		zap.Uint64("passes", st.Passes),
		zap.Uint64("prefetched", st.Prefetched),
		zap.Uint64("handed_off", st.HandedOff),
	)
	_ = r.logger.Sync()
	return nil
}
