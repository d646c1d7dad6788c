package loopback

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mahaoran1997/MemLiner/internal/rswap"
)

var (
	errInjected      = errors.New("loopback: injected fault")
	errSendQueueFull = errors.New("loopback: send queue full")
	errQPClosed      = errors.New("loopback: queue pair closed")
)

const dmaBase = 0x1000

// Device is an in-process verbs device bound to one Server.
//
// Thread Safety: all methods are safe for concurrent use.
type Device struct {
	srv  *Server
	lkey uint32

	mu      sync.Mutex
	dma     map[uint64][]byte
	nextDMA uint64
	qps     []*QueuePair

	held atomic.Bool

	failMaps        atomic.Int32
	failPosts       atomic.Int32
	failCompletions atomic.Int32
	failStatus      atomic.Int32
}

// NewDevice creates a device that transfers to and from srv.
func NewDevice(srv *Server) *Device {
	return &Device{
		srv:     srv,
		lkey:    0x10ca1,
		dma:     make(map[uint64][]byte),
		nextDMA: dmaBase,
	}
}

// MapPage implements rswap.Device.
func (d *Device) MapPage(buf []byte, dir rswap.Direction) (uint64, error) {
	if len(buf) != rswap.PageSize {
		return 0, fmt.Errorf("loopback: map of %d byte buffer", len(buf))
	}
	if take(&d.failMaps) {
		return 0, fmt.Errorf("%w: map %v", errInjected, dir)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := d.nextDMA
	d.nextDMA += rswap.PageSize
	d.dma[addr] = buf
	return addr, nil
}

// UnmapPage implements rswap.Device. Unmapping an unknown address panics.
func (d *Device) UnmapPage(addr uint64, _ rswap.Direction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.dma[addr]; !ok {
		panic(fmt.Sprintf("loopback: unmap of unmapped dma address %#x", addr))
	}
	delete(d.dma, addr)
}

// LocalKey implements rswap.Device.
func (d *Device) LocalKey() uint32 { return d.lkey }

// OpenQueuePair implements rswap.Device.
func (d *Device) OpenQueuePair(index, depth int) (rswap.QueuePair, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("loopback: queue depth %d", depth)
	}
	qp := &QueuePair{dev: d, index: index, depth: depth}
	d.mu.Lock()
	d.qps = append(d.qps, qp)
	d.mu.Unlock()
	return qp, nil
}

// QueuePair returns queue pair index, or nil.
func (d *Device) QueuePair(index int) *QueuePair {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, qp := range d.qps {
		if qp.index == index {
			return qp
		}
	}
	return nil
}

// Mapped returns the number of live DMA mappings.
func (d *Device) Mapped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dma)
}

// FailNextMappings makes the next n MapPage calls fail.
func (d *Device) FailNextMappings(n int) { d.failMaps.Store(int32(n)) }

// FailNextPosts makes the next n PostSend calls fail.
func (d *Device) FailNextPosts(n int) { d.failPosts.Store(int32(n)) }

// FailNextCompletions makes the next n posted requests complete with status
// without transferring data.
func (d *Device) FailNextCompletions(n int, status rswap.Status) {
	d.failStatus.Store(int32(status))
	d.failCompletions.Store(int32(n))
}

// Hold queues new completions out of sight of PollCQ until Release.
func (d *Device) Hold() { d.held.Store(true) }

// Release delivers held completions and stops holding.
func (d *Device) Release() {
	d.held.Store(false)
	d.mu.Lock()
	qps := append([]*QueuePair(nil), d.qps...)
	d.mu.Unlock()
	for _, qp := range qps {
		qp.mu.Lock()
		qp.cq = append(qp.cq, qp.held...)
		qp.held = nil
		qp.mu.Unlock()
	}
}

func (d *Device) lookup(addr uint64) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.dma[addr]
	return buf, ok
}

// take decrements c if it is positive and reports whether it did.
func take(c *atomic.Int32) bool {
	for {
		n := c.Load()
		if n <= 0 {
			return false
		}
		if c.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// QueuePair is a loopback queue pair. Work requests execute when posted;
// their send queue slot is freed when the completion is polled.
type QueuePair struct {
	dev   *Device
	index int
	depth int

	mu             sync.Mutex
	cq             []rswap.Completion
	held           []rswap.Completion
	outstanding    int
	maxOutstanding int
	posts          uint64
	closed         bool
}

// PostSend implements rswap.QueuePair.
func (qp *QueuePair) PostSend(wr *rswap.WorkRequest) error {
	if take(&qp.dev.failPosts) {
		return fmt.Errorf("%w: post on queue pair %d", errInjected, qp.index)
	}
	local, mapped := qp.dev.lookup(wr.Local.Addr)

	qp.mu.Lock()
	defer qp.mu.Unlock()
	switch {
	case qp.closed:
		return errQPClosed
	case qp.outstanding == qp.depth:
		return fmt.Errorf("%w: %d outstanding", errSendQueueFull, qp.outstanding)
	}
	qp.outstanding++
	qp.maxOutstanding = max(qp.maxOutstanding, qp.outstanding)
	qp.posts++

	c := rswap.Completion{ID: wr.ID, Status: qp.execute(wr, local, mapped)}
	if qp.dev.held.Load() {
		qp.held = append(qp.held, c)
	} else {
		qp.cq = append(qp.cq, c)
	}
	return nil
}

func (qp *QueuePair) execute(wr *rswap.WorkRequest, local []byte, mapped bool) rswap.Status {
	if take(&qp.dev.failCompletions) {
		return rswap.Status(qp.dev.failStatus.Load())
	}
	if !mapped || wr.Local.LKey != qp.dev.lkey || int(wr.Local.Length) > len(local) {
		return rswap.StatusLocalProtection
	}
	remote, ok := qp.dev.srv.access(wr.RemoteAddr, wr.RKey, int(wr.Local.Length))
	if !ok {
		return rswap.StatusRemoteAccess
	}
	switch wr.Op {
	case rswap.OpWrite:
		copy(remote, local[:wr.Local.Length])
	case rswap.OpRead:
		copy(local, remote)
	default:
		return rswap.StatusGeneral
	}
	return rswap.StatusSuccess
}

// PollCQ implements rswap.QueuePair.
func (qp *QueuePair) PollCQ(limit int, fn func(rswap.Completion)) int {
	qp.mu.Lock()
	n := min(limit, len(qp.cq))
	batch := append([]rswap.Completion(nil), qp.cq[:n]...)
	qp.cq = qp.cq[n:]
	qp.outstanding -= n
	qp.mu.Unlock()

	for _, c := range batch {
		fn(c)
	}
	return n
}

// Close implements rswap.QueuePair.
func (qp *QueuePair) Close() error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.closed {
		return errQPClosed
	}
	qp.closed = true
	if qp.outstanding > 0 {
		return fmt.Errorf("loopback: queue pair %d closed with %d outstanding", qp.index, qp.outstanding)
	}
	return nil
}

// Posts returns the number of accepted work requests.
func (qp *QueuePair) Posts() uint64 {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.posts
}

// MaxOutstanding returns the highest number of unpolled work requests seen.
func (qp *QueuePair) MaxOutstanding() int {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.maxOutstanding
}
