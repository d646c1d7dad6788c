package rswap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"
)

// QueueKind selects the sync or async queue of a CPU slot.
type QueueKind int

const (
	QueueSync QueueKind = iota
	QueueAsync
)

func (k QueueKind) String() string {
	if k == QueueSync {
		return "sync"
	}
	return "async"
}

// QueueStats are counters of one queue.
type QueueStats struct {
	InFlight  uint64
	Peak      uint64
	Posted    uint64
	Completed uint64
	Failed    uint64
	// Retries counts admission attempts that found the window full.
	Retries uint64
	Allocs  uint64
	Frees   uint64
}

func (a QueueStats) add(b QueueStats) QueueStats {
	return QueueStats{
		InFlight:  a.InFlight + b.InFlight,
		Peak:      max(a.Peak, b.Peak),
		Posted:    a.Posted + b.Posted,
		Completed: a.Completed + b.Completed,
		Failed:    a.Failed + b.Failed,
		Retries:   a.Retries + b.Retries,
		Allocs:    a.Allocs + b.Allocs,
		Frees:     a.Frees + b.Frees,
	}
}

// queue is one queue pair with its admission window and request cache.
type queue struct {
	s     *Session
	index int
	kind  QueueKind
	qp    QueuePair
	limit uint64
	reqs  *requestCache

	_        cpu.CacheLinePad
	inflight atomix.Uint64
	_        cpu.CacheLinePad

	cqMu    sync.Mutex
	pending sync.Map // id -> *request
	nextID  atomic.Uint64

	peak      atomic.Uint64
	posted    atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	retries   atomic.Uint64

	asyncMu  sync.Mutex
	asyncErr error
}

func newQueue(s *Session, index int, kind QueueKind, qp QueuePair) *queue {
	return &queue{
		s:     s,
		index: index,
		kind:  kind,
		qp:    qp,
		limit: uint64(s.cfg.QueueDepth - s.cfg.Margin),
		reqs:  newRequestCache(s.cfg.RequestCache),
	}
}

// addInFlight applies delta to the in-flight counter and returns the new
// value.
func (q *queue) addInFlight(delta int) uint64 {
	sw := spin.Wait{}
	for {
		old := q.inflight.LoadAcquire()
		if delta < 0 && old < uint64(-delta) {
			panic(fmt.Sprintf("memliner: in-flight counter underflow on queue %d", q.index))
		}
		n := uint64(int64(old) + int64(delta))
		if q.inflight.CompareAndSwapAcqRel(old, n) {
			return n
		}
		sw.Once()
	}
}

func (q *queue) notePeak(n uint64) {
	for {
		old := q.peak.Load()
		if n <= old || q.peak.CompareAndSwap(old, n) {
			return
		}
	}
}

// build maps the page and fills in the work request.
func (q *queue) build(r *request, chunk RemoteChunk, within uint64, p *Page, dir Direction) error {
	addr, err := q.s.dev.MapPage(p.Data, dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMapping, err)
	}
	r.page = p
	r.dir = dir
	r.dma = addr
	r.wr = WorkRequest{
		ID: r.id,
		Op: dir.opcode(),
		Local: SGE{
			Addr:   addr,
			Length: PageSize,
			LKey:   q.s.dev.LocalKey(),
		},
		RemoteAddr: chunk.Addr + within,
		RKey:       chunk.RKey,
	}
	return nil
}

// enqueue admits r into the send window and posts it. When the window is
// full it backs off by polling completions.
func (q *queue) enqueue(r *request) error {
	for {
		n := q.addInFlight(1)
		if n <= q.limit {
			q.notePeak(n)
			q.pending.Store(r.id, r)
			if err := q.qp.PostSend(&r.wr); err != nil {
				q.pending.Delete(r.id)
				q.addInFlight(-1)
				q.s.logger.Error("rdma post failed",
					zap.Int("queue", q.index),
					zap.Uint64("in_flight", n),
					zap.Error(err),
				)
				return fmt.Errorf("%w: post: %v", ErrTransport, err)
			}
			q.posted.Add(1)
			return nil
		}
		q.addInFlight(-1)
		q.retries.Add(1)
		q.drain()
	}
}

// send is build plus enqueue. On failure r is freed and the page unmapped.
func (q *queue) send(r *request, chunk RemoteChunk, within uint64, p *Page, dir Direction) error {
	r.id = q.nextID.Add(1)
	if err := q.build(r, chunk, within, p, dir); err != nil {
		q.reqs.release(r)
		return err
	}
	if err := q.enqueue(r); err != nil {
		q.s.dev.UnmapPage(r.dma, dir)
		q.reqs.release(r)
		return err
	}
	return nil
}

// poll processes one batch of completions.
func (q *queue) poll() int {
	q.cqMu.Lock()
	defer q.cqMu.Unlock()
	return q.qp.PollCQ(q.s.cfg.PollBatch, q.complete)
}

// drain polls until no request is in flight.
func (q *queue) drain() {
	sw := spin.Wait{}
	for q.inflight.LoadAcquire() > 0 {
		q.poll()
		sw.Once()
	}
}

// wait polls until c is signaled.
func (q *queue) wait(ctx context.Context, c *completion) error {
	sw := spin.Wait{}
	for !c.done.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if q.poll() == 0 {
			sw.Once()
		}
	}
	return c.err
}

// complete is the completion callback, the only place a request is freed.
func (q *queue) complete(c Completion) {
	v, ok := q.pending.LoadAndDelete(c.ID)
	if !ok {
		panic(fmt.Sprintf("memliner: completion for unknown request %d on queue %d", c.ID, q.index))
	}
	r := v.(*request)
	q.s.dev.UnmapPage(r.dma, r.dir)

	var err error
	if c.Status != StatusSuccess {
		err = &CompletionError{Queue: q.index, Status: c.Status, Dir: r.dir}
		q.failed.Add(1)
		q.s.logger.Error("rdma completion failed",
			zap.Int("queue", q.index),
			zap.Stringer("status", c.Status),
			zap.Stringer("direction", r.dir),
		)
	}
	if r.dir == FromDevice {
		if err == nil {
			r.page.uptodate.Store(true)
		} else {
			r.page.setErr(err)
		}
		r.page.Unlock()
	}

	q.addInFlight(-1)
	q.completed.Add(1)
	if r.async && err != nil {
		q.asyncMu.Lock()
		q.asyncErr = multierr.Append(q.asyncErr, err)
		q.asyncMu.Unlock()
	}
	r.done.finish(err)
	q.reqs.release(r)
}

// takeAsyncErr returns and clears the async failures collected since the
// last call.
func (q *queue) takeAsyncErr() error {
	q.asyncMu.Lock()
	defer q.asyncMu.Unlock()
	err := q.asyncErr
	q.asyncErr = nil
	return err
}

func (q *queue) stats() QueueStats {
	allocs, frees, _ := q.reqs.counts()
	return QueueStats{
		InFlight:  q.inflight.LoadAcquire(),
		Peak:      q.peak.Load(),
		Posted:    q.posted.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Retries:   q.retries.Load(),
		Allocs:    allocs,
		Frees:     frees,
	}
}
