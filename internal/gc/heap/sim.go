package heap

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// arrayHeaderSize is the header of a simulated reference array (mark word +
// length), in bytes.
const arrayHeaderSize = 2 * WordSize

// objectHeaderSize is the header of a simulated plain object, in bytes.
const objectHeaderSize = 2 * WordSize

// SimConfig sizes a simulated heap.
type SimConfig struct {
	// Base is the first heap address. Must be word aligned and non-zero.
	Base Addr

	// Size is the reserved heap size in bytes.
	Size uintptr

	// RegionSize is the size of one liveness region in bytes.
	RegionSize uintptr
}

// DefaultSimConfig returns a 64 MiB heap at 0x10000000 with 1 MiB regions.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Base:       0x10000000,
		Size:       64 << 20,
		RegionSize: 1 << 20,
	}
}

type simObject struct {
	size    uintptr
	refs    []Addr
	array   bool
	forward Addr
}

// Sim is an in-memory heap implementing Heap.
//
// Objects are bump-allocated inside [Base, Base+Size) and described by a side
// table; the mark bitmap keeps one bit per heap word. Sim is meant for tests,
// the simulate command and the examples: it exercises exactly the contract a
// real collector has to provide.
//
// Thread Safety: the object table is guarded by an RWMutex, marks and live
// data are atomics. Graph mutation (Alloc, SetRef, Forward) may run
// concurrently with marking.
type Sim struct {
	base       Addr
	end        Addr
	regionSize uintptr

	mu      sync.RWMutex
	objects map[Addr]*simObject
	top     Addr

	marks     []atomic.Uint64
	live      []atomic.Uint64
	forwarded atomic.Bool
	marking   atomic.Bool

	handoffMu sync.Mutex
	handedOff []Addr
}

// NewSim creates an empty simulated heap.
func NewSim(cfg SimConfig) (*Sim, error) {
	if cfg.Base == 0 || cfg.Base%WordSize != 0 {
		return nil, fmt.Errorf("heap: base %#x must be non-zero and word aligned", uintptr(cfg.Base))
	}
	if cfg.Size == 0 || cfg.RegionSize == 0 {
		return nil, fmt.Errorf("heap: size and region size must be positive")
	}
	words := cfg.Size / WordSize
	regions := (cfg.Size + cfg.RegionSize - 1) / cfg.RegionSize
	return &Sim{
		base:       cfg.Base,
		end:        cfg.Base + Addr(cfg.Size),
		regionSize: cfg.RegionSize,
		objects:    make(map[Addr]*simObject),
		top:        cfg.Base,
		marks:      make([]atomic.Uint64, (words+63)/64),
		live:       make([]atomic.Uint64, regions),
	}, nil
}

// Alloc allocates a plain object with room for nrefs reference fields and
// returns its address. It panics when the heap is exhausted.
func (s *Sim) Alloc(nrefs int) Addr {
	return s.alloc(objectHeaderSize+uintptr(nrefs)*WordSize, nrefs, false)
}

// AllocArray allocates a reference array of n elements.
func (s *Sim) AllocArray(n int) Addr {
	return s.alloc(arrayHeaderSize+uintptr(n)*WordSize, n, true)
}

func (s *Sim) alloc(size uintptr, nrefs int, array bool) Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.top
	if p+Addr(size) > s.end {
		panic(fmt.Sprintf("memliner: simulated heap exhausted allocating %d bytes", size))
	}
	s.top += Addr(size)
	s.objects[p] = &simObject{size: size, refs: make([]Addr, nrefs), array: array}
	return p
}

// SetRef stores ref into field (or element) i of obj.
func (s *Sim) SetRef(obj Addr, i int, ref Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.objects[obj]
	if o == nil {
		panic(fmt.Sprintf("memliner: SetRef on unknown object %#x", uintptr(obj)))
	}
	o.refs[i] = ref
}

// Forward installs a forwarding pointer from -> to and switches the heap into
// has-forwarded-objects mode.
func (s *Sim) Forward(from, to Addr) {
	s.mu.Lock()
	o := s.objects[from]
	if o == nil {
		s.mu.Unlock()
		panic(fmt.Sprintf("memliner: Forward of unknown object %#x", uintptr(from)))
	}
	o.forward = to
	s.mu.Unlock()
	s.forwarded.Store(true)
}

// ClearForwarding drops has-forwarded-objects mode. Forwarding pointers that
// were installed stay resolvable.
func (s *Sim) ClearForwarding() { s.forwarded.Store(false) }

// SetMarking toggles the concurrent marking phase flag.
func (s *Sim) SetMarking(on bool) { s.marking.Store(on) }

// ClearMarks resets the mark bitmap, live data and handoff log.
func (s *Sim) ClearMarks() {
	for i := range s.marks {
		s.marks[i].Store(0)
	}
	for i := range s.live {
		s.live[i].Store(0)
	}
	s.handoffMu.Lock()
	s.handedOff = nil
	s.handoffMu.Unlock()
}

// Objects returns the number of allocated objects.
func (s *Sim) Objects() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// IsInReserved implements Heap.
func (s *Sim) IsInReserved(p Addr) bool { return p >= s.base && p < s.end }

// HasForwardedObjects implements Heap.
func (s *Sim) HasForwardedObjects() bool { return s.forwarded.Load() }

// ResolveForwarding implements Heap.
func (s *Sim) ResolveForwarding(p Addr) Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o := s.objects[p]; o != nil && o.forward != 0 {
		return o.forward
	}
	return p
}

func (s *Sim) bit(p Addr) (word int, mask uint64) {
	idx := uintptr(p-s.base) / WordSize
	return int(idx / 64), 1 << (idx % 64)
}

// IsMarked implements Heap.
func (s *Sim) IsMarked(p Addr) bool {
	if !s.IsInReserved(p) {
		return false
	}
	w, m := s.bit(p)
	return s.marks[w].Load()&m != 0
}

// Mark implements Heap.
func (s *Sim) Mark(p Addr) bool {
	if !s.IsInReserved(p) {
		return false
	}
	w, m := s.bit(p)
	return s.marks[w].Or(m)&m == 0
}

// MarkingInProgress implements Heap.
func (s *Sim) MarkingInProgress() bool { return s.marking.Load() }

// Handoff implements Heap by recording the objects.
func (s *Sim) Handoff(objs []Addr) {
	s.handoffMu.Lock()
	s.handedOff = append(s.handedOff, objs...)
	s.handoffMu.Unlock()
}

// HandedOff returns a copy of every object handed off since ClearMarks.
func (s *Sim) HandedOff() []Addr {
	s.handoffMu.Lock()
	defer s.handoffMu.Unlock()
	return append([]Addr(nil), s.handedOff...)
}

// SizeOf implements Scanner.
func (s *Sim) SizeOf(p Addr) uintptr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o := s.objects[p]; o != nil {
		return o.size
	}
	return 0
}

// ArrayLength implements Scanner.
func (s *Sim) ArrayLength(p Addr) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o := s.objects[p]
	if o == nil || !o.array {
		return 0, false
	}
	return len(o.refs), true
}

// IterateRefs implements Scanner.
func (s *Sim) IterateRefs(p Addr, fn func(ref Addr)) {
	for _, r := range s.refsOf(p, 0, -1) {
		fn(r)
	}
}

// IterateArray implements Scanner.
func (s *Sim) IterateArray(p Addr, from, to int, fn func(ref Addr)) {
	for _, r := range s.refsOf(p, from, to) {
		fn(r)
	}
}

// refsOf snapshots the non-zero references in [from, to); to < 0 means all.
// fn runs outside the lock so that callers may mark and push freely.
func (s *Sim) refsOf(p Addr, from, to int) []Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o := s.objects[p]
	if o == nil {
		return nil
	}
	if to < 0 || to > len(o.refs) {
		to = len(o.refs)
	}
	if from < 0 {
		from = 0
	}
	out := make([]Addr, 0, max(to-from, 0))
	for _, r := range o.refs[from:to] {
		if r != 0 {
			out = append(out, r)
		}
	}
	return out
}

// RegionIndex implements Liveness.
func (s *Sim) RegionIndex(p Addr) int { return int(uintptr(p-s.base) / s.regionSize) }

// IncreaseLiveData implements Liveness.
func (s *Sim) IncreaseLiveData(region int, words uint64) { s.live[region].Add(words) }

// LiveData returns the live words accounted to region.
func (s *Sim) LiveData(region int) uint64 { return s.live[region].Load() }

// Reachable returns the set of objects reachable from roots, following
// forwarding pointers. It is an oracle for tests and the simulate command.
func (s *Sim) Reachable(roots ...Addr) map[Addr]struct{} {
	seen := make(map[Addr]struct{})
	stack := append([]Addr(nil), roots...)
	for len(stack) > 0 {
		p := s.ResolveForwarding(stack[len(stack)-1])
		stack = stack[:len(stack)-1]
		if p == 0 || !s.IsInReserved(p) {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		stack = append(stack, s.refsOf(p, 0, -1)...)
	}
	return seen
}
