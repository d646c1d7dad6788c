package prefetch

import (
	"context"
	"fmt"
	"math"
	"math/bits"

	"code.hybscloud.com/spin"
	"go.uber.org/zap"

	"github.com/mahaoran1997/MemLiner/internal/gc/heap"
	"github.com/mahaoran1997/MemLiner/internal/gc/prefetchq"
	"github.com/mahaoran1997/MemLiner/internal/gc/taskqueue"
)

// maxChunk bounds chunk indices so that a task range never overflows int.
const maxChunk = 1 << 20

// workerStats are the per-pass counters of one worker, published to the
// Prefetcher when the worker returns.
type workerStats struct {
	drained, marked, prefetched, bytes, overflowed, refilled, invalid uint64
}

// worker is the state of one prefetch worker for one pass.
type worker struct {
	p     *Prefetcher
	id    int
	q     *taskqueue.Queue
	dupq  *taskqueue.Queue
	live  *livenessCache
	stats workerStats
}

func (p *Prefetcher) work(ctx context.Context, id int) error {
	w := &worker{
		p:    p,
		id:   id,
		q:    p.queues.Queue(2 * id),
		dupq: p.queues.Queue(2*id + 1),
		live: newLivenessCache(p.heap),
	}
	w.q.Clear()
	defer w.finish()

	h := p.heap
	sw := spin.Wait{}
	for h.MarkingInProgress() {
		if err := ctx.Err(); err != nil {
			return err
		}

		for p.qset.ApplyClosureToCompletedBuffer(w.markCandidate) {
		}

		claimed := p.claimQueue()
		if claimed != nil {
			w.drain(claimed)
		}
		if w.q.IsEmpty() {
			w.refill()
		}
		processed := w.process()
		w.spill()

		if claimed == nil && processed == 0 {
			sw.Once()
		} else {
			sw = spin.Wait{}
		}
	}
	return nil
}

// drain empties a claimed prefetch queue into the primary scan queue. It
// runs to the queue's current emptiness without rechecking the marking flag.
func (w *worker) drain(pq *prefetchq.Queue) {
	defer pq.ReleaseProcessing()
	for {
		ptr, ok := pq.Dequeue()
		if !ok {
			return
		}
		w.markCandidate(ptr)
	}
}

// markCandidate marks a prefetch candidate and queues it for scanning.
func (w *worker) markCandidate(ptr heap.Addr) {
	w.stats.drained++
	if ptr == 0 || !w.p.heap.IsInReserved(ptr) {
		w.stats.invalid++
		return
	}
	w.markThroughRef(ptr, w.p.heap.HasForwardedObjects())
}

// markThroughRef marks obj, resolving forwarding first when asked, and
// pushes a scan task if this call did the marking.
func (w *worker) markThroughRef(obj heap.Addr, resolve bool) {
	h := w.p.heap
	if resolve {
		obj = h.ResolveForwarding(obj)
	}
	if obj == 0 || !h.IsInReserved(obj) {
		return
	}
	if h.Mark(obj) {
		w.stats.marked++
		w.q.Push(taskqueue.NewTask(obj, resolve))
	}
}

// process pops and scans tasks from the primary queue until the queue runs
// dry, a budget is exhausted or marking ends. It returns the number of tasks
// scanned.
func (w *worker) process() int {
	cfg := w.p.cfg
	h := w.p.heap
	var size uint64
	n := 0
	for n < cfg.PrefetchNum && n < cfg.Stride && size < cfg.PrefetchSize && h.MarkingInProgress() {
		t, ok := w.q.Pop()
		if !ok {
			break
		}
		size += uint64(w.doTask(t))
		n++
	}
	w.stats.prefetched += uint64(n)
	w.stats.bytes += size
	return n
}

// spill moves what is left in the primary queue to the overflow queue.
func (w *worker) spill() {
	h := w.p.heap
	for h.MarkingInProgress() {
		t, ok := w.q.Pop()
		if !ok {
			return
		}
		if !h.IsInReserved(t.Obj) {
			panic(fmt.Sprintf("memliner: scan task %v outside the heap", t))
		}
		w.dupq.Push(t)
		w.stats.overflowed++
	}
}

// refill moves up to one stride of overflow tasks back to the primary queue.
func (w *worker) refill() {
	for range w.p.cfg.Stride {
		t, ok := w.dupq.Pop()
		if !ok {
			return
		}
		w.q.Push(t)
		w.stats.refilled++
	}
}

// doTask scans one task and returns the bytes it covered.
func (w *worker) doTask(t taskqueue.MarkTask) uintptr {
	h := w.p.heap
	if !h.IsInReserved(t.Obj) {
		panic(fmt.Sprintf("memliner: scan task %v outside the heap", t))
	}
	push := func(ref heap.Addr) { w.markThroughRef(ref, t.Resolve) }

	if t.IsChunk() {
		return w.doChunkedArray(t, push)
	}

	size := h.SizeOf(t.Obj)
	if n, ok := h.ArrayLength(t.Obj); ok && n > 2*w.p.cfg.ArrayChunkSize {
		w.doChunkedArrayStart(t, n, push)
	} else {
		h.IterateRefs(t.Obj, push)
	}
	w.live.add(h.RegionIndex(t.Obj), uint64(size/heap.WordSize))
	return size
}

// doChunkedArrayStart splits a large array into power-of-two chunk tasks,
// halving from the largest power of two below the length until chunks reach
// the configured chunk size, and scans the irregular tail inline.
func (w *worker) doChunkedArrayStart(t taskqueue.MarkTask, n int, push func(heap.Addr)) {
	stride := w.p.cfg.ArrayChunkSize
	pow := bits.Len(uint(n)) - 1
	chunk := 1
	lastIdx := 0
	for 1<<pow > stride && chunk*2 < maxChunk {
		pow--
		left, right := 2*chunk-1, 2*chunk
		leftEnd := left << pow
		if leftEnd < n {
			w.q.Push(taskqueue.NewChunkTask(t.Obj, left, pow, t.Resolve))
			chunk = right
			lastIdx = leftEnd
		} else {
			chunk = left
		}
	}
	if lastIdx < n {
		w.p.heap.IterateArray(t.Obj, lastIdx, n, push)
	}
}

// doChunkedArray splits a chunk task further while it is larger than the
// chunk size, then scans what remains of it.
func (w *worker) doChunkedArray(t taskqueue.MarkTask, push func(heap.Addr)) uintptr {
	stride := w.p.cfg.ArrayChunkSize
	chunk, pow := t.Chunk, t.Pow
	for 1<<pow > stride && chunk*2 < maxChunk {
		pow--
		chunk *= 2
		w.q.Push(taskqueue.NewChunkTask(t.Obj, chunk-1, pow, t.Resolve))
	}
	from, to := (chunk-1)<<pow, chunk<<pow
	if n, ok := w.p.heap.ArrayLength(t.Obj); ok {
		to = min(to, n)
	}
	if from >= to {
		return 0
	}
	w.p.heap.IterateArray(t.Obj, from, to, push)
	return uintptr(to-from) * heap.WordSize
}

// finish hands leftover grey objects to the collector, flushes the liveness
// cache and publishes the worker's counters.
func (w *worker) finish() {
	p := w.p
	seen := make(map[heap.Addr]struct{})
	var objs []heap.Addr
	for _, q := range []*taskqueue.Queue{w.q, w.dupq} {
		for _, t := range q.Drain() {
			if _, dup := seen[t.Obj]; dup {
				continue
			}
			seen[t.Obj] = struct{}{}
			objs = append(objs, t.Obj)
		}
	}
	if len(objs) > 0 {
		p.heap.Handoff(objs)
		p.handedOff.Add(uint64(len(objs)))
	}
	w.live.flush()

	s := w.stats
	p.drained.Add(s.drained)
	p.marked.Add(s.marked)
	p.prefetched.Add(s.prefetched)
	p.bytes.Add(s.bytes)
	p.overflowed.Add(s.overflowed)
	p.refilled.Add(s.refilled)
	p.invalid.Add(s.invalid)

	p.logger.Debug("prefetch worker done",
		zap.Int("worker", w.id),
		zap.Uint64("prefetched", s.prefetched),
		zap.Uint64("bytes", s.bytes),
		zap.Uint64("marked", s.marked),
		zap.Uint64("overflow", s.overflowed),
		zap.Int("handed_off", len(objs)),
	)
}

// livenessCache accumulates live words per region in 16-bit counters and
// pushes a region's count to the heap when it would overflow, and on flush.
type livenessCache struct {
	l      heap.Liveness
	counts map[int]uint16
}

func newLivenessCache(l heap.Liveness) *livenessCache {
	return &livenessCache{l: l, counts: make(map[int]uint16)}
}

func (c *livenessCache) add(region int, words uint64) {
	cur := uint64(c.counts[region]) + words
	if cur > math.MaxUint16 {
		c.l.IncreaseLiveData(region, cur)
		delete(c.counts, region)
		return
	}
	c.counts[region] = uint16(cur)
}

func (c *livenessCache) flush() {
	for region, n := range c.counts {
		if n > 0 {
			c.l.IncreaseLiveData(region, uint64(n))
		}
	}
	clear(c.counts)
}
