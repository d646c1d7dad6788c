package rswap

import (
	"sync"
	"sync/atomic"
)

// completion is the handle an issuer waits on. err is written before done
// is published.
type completion struct {
	done atomic.Bool
	err  error
}

func (c *completion) finish(err error) {
	c.err = err
	c.done.Store(true)
}

// request is one in-flight transfer.
type request struct {
	id    uint64
	page  *Page
	dir   Direction
	dma   uint64
	async bool
	wr    WorkRequest
	done  *completion
	inUse bool
}

// requestCache is a fixed-capacity free list of requests, one per queue.
type requestCache struct {
	mu       sync.Mutex
	free     []*request
	capacity int
	inUse    int
	allocs   uint64
	frees    uint64
}

func newRequestCache(capacity int) *requestCache {
	return &requestCache{capacity: capacity}
}

// alloc returns nil when capacity requests are already in use.
func (c *requestCache) alloc() *request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse == c.capacity {
		return nil
	}
	var r *request
	if n := len(c.free); n > 0 {
		r = c.free[n-1]
		c.free = c.free[:n-1]
	} else {
		r = &request{}
	}
	r.inUse = true
	r.done = &completion{}
	c.inUse++
	c.allocs++
	return r
}

func (c *requestCache) release(r *request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !r.inUse {
		panic("memliner: rdma request freed twice")
	}
	*r = request{}
	c.inUse--
	c.frees++
	c.free = append(c.free, r)
}

func (c *requestCache) counts() (allocs, frees uint64, inUse int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocs, c.frees, c.inUse
}
