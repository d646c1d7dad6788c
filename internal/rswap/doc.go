// Package rswap moves 4 KiB pages between local memory and a remote memory
// server with one-sided RDMA reads and writes.
//
// A Session owns two queue pairs per CPU slot: a sync queue for Store and
// Load, and an async queue for LoadAsync, polled later with PollLoad. Every
// request goes through the same pipeline:
//
//	alloc request -> map page for DMA -> build work request -> admit -> post
//	                                                                    |
//	free request <- signal issuer <- dec in-flight <- unlock page <- unmap
//	                                                  (reads only)
//
// Admission keeps at most QueueDepth-Margin work requests in flight per queue.
// A caller that finds the window full does not block: it backs off by
// polling the completion queue itself until a slot frees up.
//
// Completions are processed by whichever goroutine polls the queue. The
// completion path is the only place a request is freed.
//
// The verbs layer is abstracted by Device and QueuePair; package loopback
// provides an in-process implementation backed by an mmapped region.
package rswap
