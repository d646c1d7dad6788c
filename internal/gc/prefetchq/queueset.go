package prefetchq

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/atomix"
	"go.uber.org/zap"

	"github.com/mahaoran1997/MemLiner/internal/gc/heap"
)

// SharedID is the identity of the set's permanent shared queue.
const SharedID = ^uint32(0)

// ErrInvalidConfig is returned for unusable queue set parameters.
var ErrInvalidConfig = errors.New("prefetchq: invalid config")

// Heap is the part of the managed heap a queue set consults.
type Heap interface {
	IsInReserved(p heap.Addr) bool
	IsMarked(p heap.Addr) bool
	HasForwardedObjects() bool
	ResolveForwarding(p heap.Addr) heap.Addr
}

// Config sizes the queues of a set.
type Config struct {
	// BufferSize is the capacity of every queue, in slots.
	BufferSize int

	// Threshold is the maximum number of recent entries kept when a full
	// queue compacts.
	Threshold int

	// SampleRate keeps one enqueue attempt in SampleRate (0 or 1 keeps all).
	SampleRate uint64
}

// DefaultConfig returns 1024-slot queues that keep 256 entries on
// compaction and sample nothing out.
func DefaultConfig() Config {
	return Config{BufferSize: 1024, Threshold: 256, SampleRate: 1}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BufferSize <= 0 || uint64(c.BufferSize) > math.MaxUint32 {
		return fmt.Errorf("%w: buffer size %d", ErrInvalidConfig, c.BufferSize)
	}
	if c.Threshold < 0 || c.Threshold > c.BufferSize {
		return fmt.Errorf("%w: threshold %d outside [0, %d]", ErrInvalidConfig, c.Threshold, c.BufferSize)
	}
	return nil
}

// Option configures a QueueSet.
type Option func(*QueueSet)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *QueueSet) { s.logger = l }
}

// QueueSet owns one prefetch queue per attached mutator plus one permanent
// shared queue, allocates their buffers and applies set-wide operations.
//
// Thread Safety: all methods are safe for concurrent use. Set-wide
// operations that rewrite queue contents (FilterThreadBuffers,
// AbandonPartialMarking) expect mutators to be stopped.
type QueueSet struct {
	heap   Heap
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	queues map[uint32]*Queue
	shared *Queue

	// sharedMu serializes producers on the shared queue.
	sharedMu sync.Mutex

	allActive atomic.Bool

	completedMu sync.Mutex
	completed   [][]heap.Addr

	pool    sync.Pool
	buffers atomic.Int64
}

// NewQueueSet creates a set bound to h.
func NewQueueSet(h Heap, cfg Config, opts ...Option) (*QueueSet, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil heap", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &QueueSet{
		heap:   h,
		cfg:    cfg,
		logger: zap.NewNop(),
		queues: make(map[uint32]*Queue),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool.New = func() any {
		return &buffer{slots: make([]atomix.Uintptr, s.cfg.BufferSize)}
	}
	s.shared = newQueue(s, SharedID, true)
	return s, nil
}

// Config returns the set's configuration.
func (s *QueueSet) Config() Config { return s.cfg }

// Attach creates the queue of mutator id, or returns the existing one. A new
// queue starts active if the set is active.
func (s *QueueSet) Attach(id uint32) *Queue {
	if id == SharedID {
		panic("memliner: mutator id collides with the shared queue")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[id]; ok {
		return q
	}
	q := newQueue(s, id, false)
	q.SetActive(s.allActive.Load())
	s.queues[id] = q
	return q
}

// Detach removes the queue of mutator id and flushes its remaining entries
// into the completed-buffer list.
func (s *QueueSet) Detach(id uint32) {
	s.mu.Lock()
	q, ok := s.queues[id]
	delete(s.queues, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	q.SetActive(false)
	q.Flush()
}

// Queue returns the queue of mutator id.
func (s *QueueSet) Queue(id uint32) (*Queue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[id]
	return q, ok
}

// Shared returns the permanent shared queue.
func (s *QueueSet) Shared() *Queue { return s.shared }

// EnqueueShared records ptr on the shared queue. It is the producer path for
// goroutines that are not attached mutators.
func (s *QueueSet) EnqueueShared(ptr heap.Addr) {
	s.sharedMu.Lock()
	s.shared.Enqueue(ptr)
	s.sharedMu.Unlock()
}

// Queues returns the per-mutator queues ordered by id. The shared queue is
// not included.
func (s *QueueSet) Queues() []*Queue {
	s.mu.RLock()
	out := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, q)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Queue) int { return cmp.Compare(a.id, b.id) })
	return out
}

// IsActive reports the set-wide activation state.
func (s *QueueSet) IsActive() bool { return s.allActive.Load() }

// SetActiveAllThreads flips the activation of every queue, including the
// shared one. expected is the state the caller believes the set is in; a
// mismatch is a collector bug and panics.
func (s *QueueSet) SetActiveAllThreads(active, expected bool) {
	if !s.allActive.CompareAndSwap(expected, active) {
		panic(fmt.Sprintf("memliner: prefetch queue set activation is %v, expected %v", !expected, expected))
	}
	s.mu.RLock()
	for _, q := range s.queues {
		q.SetActive(active)
	}
	s.mu.RUnlock()
	s.shared.SetActive(active)
	s.logger.Debug("prefetch queues activation changed", zap.Bool("active", active))
}

// discard reports whether a queued candidate is no longer worth
// prefetching: outside the heap, or already marked.
func (s *QueueSet) discard(p heap.Addr) bool {
	if !s.heap.IsInReserved(p) {
		return true
	}
	if s.heap.HasForwardedObjects() {
		p = s.heap.ResolveForwarding(p)
	}
	return s.heap.IsMarked(p)
}

// FilterThreadBuffers drops stale candidates from every queue. Queues
// currently claimed by a worker are skipped; they are being drained anyway.
func (s *QueueSet) FilterThreadBuffers() {
	filter := func(q *Queue) {
		if !q.SetInProcessing() {
			return
		}
		defer q.ReleaseProcessing()
		q.Filter(s.discard)
	}
	for _, q := range s.Queues() {
		filter(q)
	}
	filter(s.shared)
}

func (s *QueueSet) enqueueCompletedBuffer(entries []heap.Addr) {
	s.completedMu.Lock()
	s.completed = append(s.completed, entries)
	s.completedMu.Unlock()
}

// CompletedBuffers returns the number of pending completed buffers.
func (s *QueueSet) CompletedBuffers() int {
	s.completedMu.Lock()
	defer s.completedMu.Unlock()
	return len(s.completed)
}

// ApplyClosureToCompletedBuffer pops one completed buffer and passes every
// entry to cl. Returns false when there was nothing to process.
func (s *QueueSet) ApplyClosureToCompletedBuffer(cl func(heap.Addr)) bool {
	s.completedMu.Lock()
	n := len(s.completed)
	if n == 0 {
		s.completedMu.Unlock()
		return false
	}
	entries := s.completed[n-1]
	s.completed[n-1] = nil
	s.completed = s.completed[:n-1]
	s.completedMu.Unlock()

	for _, p := range entries {
		cl(p)
	}
	return true
}

// AbandonPartialMarking discards every queued and completed entry.
func (s *QueueSet) AbandonPartialMarking() {
	s.completedMu.Lock()
	dropped := len(s.completed)
	s.completed = nil
	s.completedMu.Unlock()

	for _, q := range s.Queues() {
		q.Reset()
	}
	s.shared.Reset()
	s.logger.Debug("abandoned partial prefetching", zap.Int("completed_buffers", dropped))
}

// BuffersInUse returns the number of queue buffers currently allocated.
func (s *QueueSet) BuffersInUse() int { return int(s.buffers.Load()) }

func (s *QueueSet) allocateBuffer() *buffer {
	s.buffers.Add(1)
	return s.pool.Get().(*buffer)
}

func (s *QueueSet) deallocateBuffer(b *buffer) {
	s.buffers.Add(-1)
	s.pool.Put(b)
}
