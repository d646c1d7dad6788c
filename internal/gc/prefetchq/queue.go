// Package prefetchq implements the per-mutator prefetch queues and the set
// that owns them.
//
// A prefetch queue is a fixed-capacity buffer of candidate object addresses
// filled by exactly one mutator (the producer) and drained by at most one
// background prefetch worker at a time (the consumer). The buffer is used as
// a stack growing downward from the top:
//
//	0            head                 tail          capacity
//	|   free     |   live entries     |   consumed  |
//	             ^ next enqueue writes head-1
//	                                  ^ next dequeue reads tail-1
//
// Invariant: 0 <= head <= tail <= capacity.
//
// head and tail share one atomic word, so every snapshot and every cursor
// move sees both together and the invariant holds at each instant. The
// producer only ever writes below head and publishes a slot by moving head
// down after the write. The consumer moves tail down before reading slot
// tail-1, so a slot being read is never one the producer can hand out again.
// Consumers exclude each other through a claim flag (SetInProcessing /
// ReleaseProcessing); there is no data lock.
//
// When the producer runs out of room (head reaches 0) it compacts: the queue
// is reset to empty and at most Threshold of the most recent live entries are
// replayed to the top of the buffer. The rest are dropped. Prefetching is
// speculative, so this loss is accepted; the authoritative marker covers
// anything the prefetcher never sees.
package prefetchq

import (
	"sync/atomic"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
	"golang.org/x/sys/cpu"

	"github.com/mahaoran1997/MemLiner/internal/gc/heap"
)

// buffer is the backing store of one queue. Slots hold heap.Addr values.
type buffer struct {
	slots []atomix.Uintptr
}

// Queue is one mutator's prefetch queue.
//
// Layout: the cursor word and the claim flag sit on separate cache lines so
// that workers probing the claim do not bounce the mutator's enqueue line.
//
// Thread Safety:
//   - Enqueue: owning mutator only.
//   - Dequeue / Filter: only while holding the claim (SetInProcessing).
//   - Everything else: any goroutine.
type Queue struct {
	qset      *QueueSet
	id        uint32
	permanent bool
	sampler   *Sampler

	buf atomic.Pointer[buffer]

	_ cpu.CacheLinePad
	// cursors holds head in the high 32 bits and tail in the low 32 bits.
	cursors atomix.Uint64
	_       cpu.CacheLinePad

	inProcessing atomic.Bool
	active       atomic.Bool

	attempts atomic.Uint64
	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

func pack(head, tail uint64) uint64 { return head<<32 | tail }

func unpack(v uint64) (head, tail uint64) { return v >> 32, v & (1<<32 - 1) }

func (q *Queue) cursorsSnapshot() (head, tail uint64) {
	return unpack(q.cursors.LoadAcquire())
}

func newQueue(qset *QueueSet, id uint32, permanent bool) *Queue {
	return &Queue{
		qset:      qset,
		id:        id,
		permanent: permanent,
		sampler:   NewSampler(SamplerConfig{Rate: qset.cfg.SampleRate}),
	}
}

// ID returns the identity of the owning mutator. The shared queue has
// SharedID.
func (q *Queue) ID() uint32 { return q.id }

// IsPermanent reports whether this is the set's shared queue.
func (q *Queue) IsPermanent() bool { return q.permanent }

// SetActive enables or disables enqueueing.
func (q *Queue) SetActive(active bool) { q.active.Store(active) }

// IsActive reports whether Enqueue currently accepts candidates.
func (q *Queue) IsActive() bool { return q.active.Load() }

// Capacity returns the number of slots, or 0 before the first enqueue.
func (q *Queue) Capacity() int {
	if b := q.buf.Load(); b != nil {
		return len(b.slots)
	}
	return 0
}

// Indices returns the current head and tail cursors.
func (q *Queue) Indices() (head, tail int) {
	h, t := q.cursorsSnapshot()
	return int(h), int(t)
}

// Size returns the number of live entries.
func (q *Queue) Size() int {
	head, tail := q.cursorsSnapshot()
	if tail <= head {
		return 0
	}
	return int(tail - head)
}

// IsEmpty reports whether the queue holds no live entries.
func (q *Queue) IsEmpty() bool { return q.Size() == 0 }

// Enqueue records ptr as a prefetch candidate.
//
// This sits on the mutator's barrier path. It is a silent no-op when the
// queue is inactive, when ptr is outside the managed heap, or when the
// sampler skips it. The first call allocates the backing buffer.
//
// Performance: two atomic loads, one relaxed slot store and one CAS on the
// cursor word on the fast path.
//
// Thread Safety: owning mutator only.
func (q *Queue) Enqueue(ptr heap.Addr) {
	if !q.active.Load() {
		return
	}
	if !q.qset.heap.IsInReserved(ptr) {
		return
	}
	if !q.sampler.ShouldSample() {
		return
	}
	q.enqueueKnownActive(ptr)
}

func (q *Queue) enqueueKnownActive(ptr heap.Addr) {
	for {
		old := q.cursors.LoadAcquire()
		head, tail := unpack(old)
		if head == 0 {
			q.handleZeroIndex()
			continue
		}
		q.buf.Load().slots[head-1].StoreRelaxed(uintptr(ptr))
		// Publish after the write. The CAS fails only when the consumer
		// moved tail meanwhile; the slot write stays valid.
		if q.cursors.CompareAndSwapAcqRel(old, pack(head-1, tail)) {
			q.enqueued.Add(1)
			return
		}
	}
}

// handleZeroIndex makes room when head reached 0.
//
// With no buffer yet it allocates one and starts empty (head = tail =
// capacity). Otherwise it resets the queue to empty, so concurrent consumers
// see nothing, replays up to Threshold of the most recent live entries to the
// top of the buffer in their original order, and leaves
// head = capacity - replayed.
func (q *Queue) handleZeroIndex() {
	b := q.buf.Load()
	if b == nil {
		b = q.qset.allocateBuffer()
		capacity := uint64(len(b.slots))
		// Cursors are (0, 0) without a buffer, which reads as empty.
		q.buf.Store(b)
		q.cursors.StoreRelease(pack(capacity, capacity))
		return
	}

	capacity := uint64(len(b.slots))
	// Empty the queue in one step. This also takes the live range away from
	// a consumer racing on tail.
	var curHead, curTail uint64
	for {
		old := q.cursors.LoadAcquire()
		curHead, curTail = unpack(old)
		if q.cursors.CompareAndSwapAcqRel(old, pack(capacity, capacity)) {
			break
		}
	}
	live := curTail - curHead
	n := min(uint64(q.qset.cfg.Threshold), live)
	// Entries at the low end are the most recent ones. Copy high to low:
	// the destination never starts below the source.
	for i := n; i > 0; i-- {
		v := b.slots[curHead+i-1].LoadAcquire()
		b.slots[capacity-n+i-1].StoreRelaxed(v)
	}
	q.cursors.StoreRelease(pack(capacity-n, capacity))
	q.dropped.Add(live - n)
}

// SetInProcessing tries to claim the queue for exclusive consumption.
//
// Returns true if the caller now owns the consumer side; the caller must call
// ReleaseProcessing when done, on every path. Returns false if another
// consumer holds the claim. It never blocks.
func (q *Queue) SetInProcessing() bool {
	q.attempts.Add(1)
	if q.inProcessing.Load() {
		return false
	}
	return q.inProcessing.CompareAndSwap(false, true)
}

// ReleaseProcessing gives up a claim obtained by SetInProcessing.
func (q *Queue) ReleaseProcessing() { q.inProcessing.Store(false) }

// InProcessing reports whether some consumer holds the claim.
func (q *Queue) InProcessing() bool { return q.inProcessing.Load() }

// Dequeue pops the oldest live entry, the one at tail-1.
//
// Requires the claim. Returns false when the buffer is absent or empty.
// The slot is read before tail moves, so a compaction that rewrites the
// slot also changes the cursor word and fails the CAS.
func (q *Queue) Dequeue() (heap.Addr, bool) {
	b := q.buf.Load()
	if b == nil {
		return 0, false
	}
	capacity := uint64(len(b.slots))
	for {
		old := q.cursors.LoadAcquire()
		head, tail := unpack(old)
		if tail <= head || tail > capacity {
			return 0, false
		}
		ptr := b.slots[tail-1].LoadAcquire()
		if q.cursors.CompareAndSwapAcqRel(old, pack(head, tail-1)) {
			return heap.Addr(ptr), true
		}
	}
}

// TryDrain claims the queue, hands entries to fn until fn returns false or
// the queue is empty, and releases the claim on every path.
//
// Returns false without calling fn when the claim is held by someone else.
func (q *Queue) TryDrain(fn func(ptr heap.Addr) bool) bool {
	if !q.SetInProcessing() {
		return false
	}
	defer q.ReleaseProcessing()
	for {
		ptr, ok := q.Dequeue()
		if !ok || !fn(ptr) {
			return true
		}
	}
}

// Filter removes the live entries for which discard returns true, using
// two-finger compaction toward tail. Retained entries end up contiguous
// below tail and head moves up accordingly.
//
// Requires the claim, and the owning mutator must not be enqueueing (the
// set calls it with mutators stopped).
func (q *Queue) Filter(discard func(heap.Addr) bool) {
	b := q.buf.Load()
	if b == nil {
		return
	}
	src, tail := q.cursorsSnapshot()
	dst := tail
	for ; src < dst; src++ {
		entry := b.slots[src].LoadAcquire()
		if discard(heap.Addr(entry)) {
			continue
		}
		// Keeper: search high to low for a discard to replace.
		for {
			dst--
			if src >= dst {
				break
			}
			if discard(heap.Addr(b.slots[dst].LoadAcquire())) {
				b.slots[dst].StoreRelaxed(entry)
				break
			}
		}
	}
	// dst is the lowest retained entry, or tail if nothing was kept.
	q.cursors.StoreRelease(pack(dst, tail))
}

// Reset discards every entry. The buffer is kept.
func (q *Queue) Reset() {
	if b := q.buf.Load(); b != nil {
		capacity := uint64(len(b.slots))
		q.cursors.StoreRelease(pack(capacity, capacity))
	}
}

// Flush filters the queue, hands the surviving entries to the set as a
// completed buffer and releases the backing storage. The next Enqueue
// allocates a fresh buffer.
//
// Called when the owning mutator detaches. Requires that the mutator is no
// longer enqueueing.
func (q *Queue) Flush() {
	// A worker may be draining right now; let it finish.
	sw := spin.Wait{}
	for !q.SetInProcessing() {
		sw.Once()
	}
	defer q.ReleaseProcessing()

	b := q.buf.Load()
	if b == nil {
		return
	}
	q.Filter(q.qset.discard)
	head, tail := q.cursorsSnapshot()
	if tail > head {
		entries := make([]heap.Addr, 0, tail-head)
		for i := head; i < tail; i++ {
			entries = append(entries, heap.Addr(b.slots[i].LoadAcquire()))
		}
		q.qset.enqueueCompletedBuffer(entries)
	}
	q.buf.Store(nil)
	q.cursors.StoreRelease(0)
	q.qset.deallocateBuffer(b)
}

// QueueStats is a snapshot of per-queue counters.
type QueueStats struct {
	// ClaimAttempts counts SetInProcessing calls.
	ClaimAttempts uint64
	// Enqueued counts entries written by the producer.
	Enqueued uint64
	// Dropped counts live entries discarded by compaction.
	Dropped uint64
	// Sampler reports enqueue sampling decisions.
	Sampler SamplerStats
}

// Stats returns the queue's counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		ClaimAttempts: q.attempts.Load(),
		Enqueued:      q.enqueued.Load(),
		Dropped:       q.dropped.Load(),
		Sampler:       q.sampler.Stats(),
	}
}
