// Package taskqueue holds the mark tasks discovered by prefetch workers.
//
// Each worker owns a pair of queues: the primary queue it pushes to and pops
// from while scanning, and an overflow queue that receives whatever is left
// in the primary queue when a pass hits its size or count budget. Queues are
// plain slice-backed stacks; only their owning worker touches them during a
// pass, so they carry no synchronization.
package taskqueue

import (
	"fmt"

	"github.com/mahaoran1997/MemLiner/internal/gc/heap"
)

// MarkTask is one unit of scanning work.
//
// A task with Chunk == 0 covers the whole object. A task with Chunk > 0 covers
// elements [(Chunk-1)<<Pow, Chunk<<Pow) of a reference array, clamped to the
// array length.
type MarkTask struct {
	// Obj is the marked object whose fields are still to be scanned.
	Obj heap.Addr

	// Chunk is the 1-based chunk index for array slices, 0 otherwise.
	Chunk int

	// Pow is log2 of the chunk size in elements.
	Pow int

	// Resolve asks the scanner to resolve forwarding on every reference it
	// finds, because the heap had forwarded objects when the task was made.
	Resolve bool
}

// NewTask returns a whole-object task.
func NewTask(obj heap.Addr, resolve bool) MarkTask {
	return MarkTask{Obj: obj, Resolve: resolve}
}

// NewChunkTask returns an array-slice task.
func NewChunkTask(obj heap.Addr, chunk, pow int, resolve bool) MarkTask {
	if chunk <= 0 || pow < 0 {
		panic(fmt.Sprintf("memliner: bad array chunk %d pow %d", chunk, pow))
	}
	return MarkTask{Obj: obj, Chunk: chunk, Pow: pow, Resolve: resolve}
}

// IsChunk reports whether the task covers an array slice.
func (t MarkTask) IsChunk() bool { return t.Chunk > 0 }

// Range returns the element range [from, to) of an array-slice task.
func (t MarkTask) Range() (from, to int) {
	return (t.Chunk - 1) << t.Pow, t.Chunk << t.Pow
}

func (t MarkTask) String() string {
	if t.IsChunk() {
		from, to := t.Range()
		return fmt.Sprintf("%#x[%d:%d]", uintptr(t.Obj), from, to)
	}
	return fmt.Sprintf("%#x", uintptr(t.Obj))
}
