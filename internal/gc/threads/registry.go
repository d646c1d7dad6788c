// Package threads tracks the mutator goroutines attached to the prefetching
// collector.
//
// Every attached mutator owns one prefetch queue in a prefetchq.QueueSet and
// a small integer thread ID. IDs are recycled through a FIFO pool so that a
// long-running program with short-lived mutators keeps a dense ID space.
//
// The registry is the live-thread provider of the prefetch marker: Queues
// returns a stable, ID-ordered snapshot that the marker rotates over.
//
// Usage:
//
//	reg := threads.NewRegistry(qset)
//	m := reg.Attach()       // on the mutator goroutine
//	defer reg.Detach()
//	m.Enqueue(obj)          // barrier path
package threads

import (
	"cmp"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/mahaoran1997/MemLiner/internal/gc/heap"
	"github.com/mahaoran1997/MemLiner/internal/gc/prefetchq"
)

// Mutator is the per-goroutine state of an attached mutator.
type Mutator struct {
	// TID is the registry-assigned thread ID, also the queue ID.
	TID uint32

	// GID is the ID of the goroutine that attached.
	GID int64

	// Queue is the mutator's prefetch queue. Only this mutator may enqueue.
	Queue *prefetchq.Queue
}

// Enqueue records ptr as a prefetch candidate on the mutator's own queue.
// Must be called from the goroutine that attached.
func (m *Mutator) Enqueue(ptr heap.Addr) { m.Queue.Enqueue(ptr) }

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry maps goroutines to mutator state.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	qset   *prefetchq.QueueSet
	logger *zap.Logger

	// mutators maps goroutine ID to *Mutator.
	mutators sync.Map

	mu       sync.Mutex
	freeTIDs []uint32
	nextTID  uint32
	live     map[uint32]*Mutator
}

// NewRegistry creates an empty registry whose mutators get queues from qset.
func NewRegistry(qset *prefetchq.QueueSet, opts ...Option) *Registry {
	r := &Registry{
		qset:    qset,
		logger:  zap.NewNop(),
		nextTID: 1,
		live:    make(map[uint32]*Mutator),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// QueueSet returns the queue set backing the registry.
func (r *Registry) QueueSet() *prefetchq.QueueSet { return r.qset }

// Attach registers the calling goroutine as a mutator. Attaching twice
// returns the existing state.
func (r *Registry) Attach() *Mutator {
	gid := goroutineID()
	if v, ok := r.mutators.Load(gid); ok {
		return v.(*Mutator)
	}

	tid := r.allocTID()
	m := &Mutator{TID: tid, GID: gid, Queue: r.qset.Attach(tid)}

	r.mu.Lock()
	r.live[tid] = m
	r.mu.Unlock()
	r.mutators.Store(gid, m)

	r.logger.Debug("mutator attached", zap.Uint32("tid", tid), zap.Int64("gid", gid))
	return m
}

// Current returns the calling goroutine's mutator state.
func (r *Registry) Current() (*Mutator, bool) {
	v, ok := r.mutators.Load(goroutineID())
	if !ok {
		return nil, false
	}
	return v.(*Mutator), true
}

// Detach unregisters the calling goroutine. Its remaining prefetch entries
// are flushed to the queue set's completed buffers and its TID is recycled.
// Detaching a goroutine that never attached is a no-op.
func (r *Registry) Detach() {
	gid := goroutineID()
	v, ok := r.mutators.LoadAndDelete(gid)
	if !ok {
		return
	}
	m := v.(*Mutator)

	r.mu.Lock()
	delete(r.live, m.TID)
	r.mu.Unlock()

	r.qset.Detach(m.TID)
	r.freeTID(m.TID)
	r.logger.Debug("mutator detached", zap.Uint32("tid", m.TID), zap.Int64("gid", gid))
}

// Enqueue records ptr on the calling goroutine's queue, or on the shared
// queue when the goroutine is not attached.
func (r *Registry) Enqueue(ptr heap.Addr) {
	if m, ok := r.Current(); ok {
		m.Enqueue(ptr)
		return
	}
	r.qset.EnqueueShared(ptr)
}

// Len returns the number of attached mutators.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Snapshot returns the attached mutators ordered by TID.
func (r *Registry) Snapshot() []*Mutator {
	r.mu.Lock()
	out := make([]*Mutator, 0, len(r.live))
	for _, m := range r.live {
		out = append(out, m)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b *Mutator) int { return cmp.Compare(a.TID, b.TID) })
	return out
}

// Queues returns the prefetch queues of the attached mutators ordered by
// TID. The shared queue is not included.
func (r *Registry) Queues() []*prefetchq.Queue {
	snap := r.Snapshot()
	out := make([]*prefetchq.Queue, len(snap))
	for i, m := range snap {
		out[i] = m.Queue
	}
	return out
}

// allocTID pops the oldest freed TID, or mints a new one when the pool is
// empty. FIFO reuse keeps IDs ascending in simple attach/detach patterns.
func (r *Registry) allocTID() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.freeTIDs) > 0 {
		tid := r.freeTIDs[0]
		r.freeTIDs = r.freeTIDs[1:]
		return tid
	}
	tid := r.nextTID
	r.nextTID++
	if tid == prefetchq.SharedID {
		panic("memliner: mutator thread IDs exhausted")
	}
	return tid
}

func (r *Registry) freeTID(tid uint32) {
	r.mu.Lock()
	r.freeTIDs = append(r.freeTIDs, tid)
	r.mu.Unlock()
}
