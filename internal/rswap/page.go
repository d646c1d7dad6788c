package rswap

import (
	"sync"
	"sync/atomic"
)

// Page is a local page frame. A read locks the page when it is issued; the
// completion marks it up to date, or records the failure, and unlocks it.
type Page struct {
	Data []byte

	locked   atomic.Bool
	uptodate atomic.Bool

	mu  sync.Mutex
	err error
}

// NewPage allocates a zeroed page.
func NewPage() *Page {
	return &Page{Data: make([]byte, PageSize)}
}

// TryLock locks the page for I/O. It reports false if it is already locked.
func (p *Page) TryLock() bool { return p.locked.CompareAndSwap(false, true) }

// Unlock releases the I/O lock. Unlocking an unlocked page panics.
func (p *Page) Unlock() {
	if !p.locked.CompareAndSwap(true, false) {
		panic("memliner: unlock of unlocked page")
	}
}

// Locked reports whether a read is in progress.
func (p *Page) Locked() bool { return p.locked.Load() }

// Uptodate reports whether the last read completed successfully.
func (p *Page) Uptodate() bool { return p.uptodate.Load() }

// Err returns the error of the last read, if it failed.
func (p *Page) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Page) beginRead() {
	p.uptodate.Store(false)
	p.setErr(nil)
}

func (p *Page) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}
