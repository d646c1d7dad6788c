// Copyright 2025 The MemLiner Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package threads

import "runtime"

// goroutineID returns the current goroutine ID.
//
// It parses the first line of runtime.Stack. The registry only needs the ID
// on Attach, Detach and when a caller does not hold its *Mutator, so the
// ~1µs cost stays off the prefetch enqueue path of mutators that keep their
// handle.
//
// Returns 0 if the stack header cannot be parsed.
func goroutineID() int64 {
	// "goroutine 123 [running]:" fits easily.
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGID(buf[:n])
}

// parseGID extracts the goroutine ID from stack trace bytes.
//
// Expected format: "goroutine 123 [running]:..."
// Returns 0 if the format is invalid.
func parseGID(buf []byte) int64 {
	const prefix = "goroutine "
	if len(buf) < len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}
	var gid int64
	for _, c := range buf[len(prefix):] {
		if c < '0' || c > '9' {
			break
		}
		gid = gid*10 + int64(c-'0')
	}
	return gid
}
