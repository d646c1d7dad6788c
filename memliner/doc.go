// Package memliner provides speculative prefetch marking for a concurrent
// collector and a remote page store for swapped-out memory.
//
// # Quick Start
//
// A collector wires its heap into a Runtime once, then brackets every
// concurrent marking phase with BeginMarking and EndMarking:
//
//	rt, err := memliner.New(myHeap, memliner.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer rt.Close()
//
//	// Mutator goroutines:
//	rt.Attach()
//	defer rt.Detach()
//	rt.Enqueue(obj) // objects the mutator just touched
//
//	// Collector:
//	rt.BeginMarking()
//	// ... authoritative marking ...
//	rt.EndMarking()
//
// Between the two calls a control goroutine runs prefetch passes: worker
// goroutines drain the mutators' prefetch queues round robin, mark what
// they find and scan a bounded amount of the object graph behind it. The
// work is best effort. Entries may be dropped under pressure and anything
// the prefetcher misses is marked by the collector itself. Objects the
// prefetcher marked but did not scan are handed back through Heap.Handoff.
//
// # API Overview
//
//   - Runtime lifecycle: [New], [Runtime.Close]
//   - Mutators: [Runtime.Attach], [Runtime.Detach], [Runtime.Enqueue]
//   - Collector hooks: [Runtime.BeginMarking], [Runtime.EndMarking], [Runtime.Cancel]
//   - Remote swap: [OpenLoopbackSwap], [Swap.Store], [Swap.Load], [Swap.LoadAsync], [Swap.PollLoad]
//   - Version information: [GetInfo], [Version]
//
// # Configuration
//
// [DefaultConfig] returns the built-in settings. [ConfigFromEnv] applies the
// MEMLINER environment variable on top, in GORACE style:
//
//	MEMLINER="workers=4 buffer_size=2048 log_level=debug" ./myprogram
//
// # Remote Swap
//
// The swap side moves 4 KiB pages with one-sided RDMA reads and writes,
// keeping at most queue_depth-margin requests in flight per queue. The
// loopback backend runs the full request pipeline against an in-process
// memory server, which is what tests and demos use.
package memliner
