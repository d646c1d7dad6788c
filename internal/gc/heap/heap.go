// Package heap defines the narrow view of the managed heap that the
// speculative prefetch marker depends on.
//
// The authoritative tracing collector, region layout and forwarding-pointer
// mechanics live outside this module. The marker only needs to ask a few
// questions about an address (is it in the heap, is it marked, where was it
// forwarded to), to mark it, and to walk its reference fields. Those questions
// are grouped into the Heap interface below so that a real collector, or the
// in-memory Sim used by tests and the CLI, can be plugged in.
package heap

// Addr is an untyped, pointer-sized heap address.
//
// Addresses are opaque to the marker: they are only compared, passed back to
// the Heap, and stored in queues. Zero is never a valid object address.
type Addr uintptr

// WordSize is the size in bytes of one heap word and of one reference slot.
const WordSize = 8

// Heap is everything the prefetch marker consumes from the primary collector.
//
// Thread Safety: every method may be called concurrently from any number of
// prefetch workers and mutator goroutines. Mark must be an atomic
// test-and-set so that exactly one caller observes a transition to marked.
type Heap interface {
	// IsInReserved reports whether p falls in the managed heap range.
	IsInReserved(p Addr) bool

	// HasForwardedObjects reports whether some objects currently have a
	// forwarding pointer (a concurrent evacuation is in flight).
	HasForwardedObjects() bool

	// ResolveForwarding returns the current location of p, or p itself when
	// it was not forwarded.
	ResolveForwarding(p Addr) Addr

	// IsMarked reports whether p is marked in the current marking context.
	IsMarked(p Addr) bool

	// Mark marks p and reports whether this call did the marking. A false
	// result means p was already marked by someone else.
	Mark(p Addr) bool

	// MarkingInProgress reports whether the primary collector is in its
	// concurrent marking phase. It is the sole cancellation signal for the
	// prefetch loop.
	MarkingInProgress() bool

	// Handoff gives grey objects back to the authoritative collector. The
	// objects are marked but their fields were not scanned by the prefetcher.
	Handoff(objs []Addr)

	Scanner
	Liveness
}

// Scanner walks the reference fields of marked objects.
type Scanner interface {
	// SizeOf returns the object size in bytes.
	SizeOf(p Addr) uintptr

	// ArrayLength returns the element count of a reference array. ok is
	// false for plain objects.
	ArrayLength(p Addr) (n int, ok bool)

	// IterateRefs calls fn for every non-zero reference field of a plain
	// object, or of every element of an array.
	IterateRefs(p Addr, fn func(ref Addr))

	// IterateArray calls fn for the non-zero elements in [from, to) of a
	// reference array.
	IterateArray(p Addr, from, to int, fn func(ref Addr))
}

// Liveness receives per-region live data accounted by the marker.
type Liveness interface {
	// RegionIndex returns the index of the heap region that contains p.
	RegionIndex(p Addr) int

	// IncreaseLiveData adds words live words to region.
	IncreaseLiveData(region int, words uint64)
}
