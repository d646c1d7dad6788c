// Package loopback is an in-process verbs device for rswap. A Server plays
// the remote memory server: one anonymous mapping split into registered
// chunks. A Device executes one-sided reads and writes against it at post
// time and queues the completions until they are polled.
//
// Faults can be injected at every stage (DMA mapping, posting, completion
// status) and completions can be held back to fill the send window.
package loopback

import (
	"fmt"

	"github.com/mahaoran1997/MemLiner/internal/rswap"
)

// RemoteBase is the remote address of the first chunk.
const RemoteBase = 1 << 40

// Server is the remote memory region.
type Server struct {
	mem     []byte
	release func() error
	shift   uint
	rkey    uint32
}

// NewServer maps size bytes, rounded up to whole pages, split into chunks
// of 1<<chunkShift bytes.
func NewServer(size uint64, chunkShift uint) (*Server, error) {
	if size == 0 {
		return nil, fmt.Errorf("loopback: empty remote region")
	}
	if chunkShift < rswap.PageShift || chunkShift > 40 {
		return nil, fmt.Errorf("loopback: chunk shift %d out of range [%d, 40]", chunkShift, rswap.PageShift)
	}
	size = (size + rswap.PageSize - 1) &^ (rswap.PageSize - 1)
	mem, release, err := mapRegion(int(size))
	if err != nil {
		return nil, err
	}
	return &Server{mem: mem, release: release, shift: chunkShift, rkey: 0x5eed}, nil
}

// Size returns the region size in bytes.
func (s *Server) Size() uint64 { return uint64(len(s.mem)) }

// Chunks returns the registered chunks in order. The last one may be short.
func (s *Server) Chunks() []rswap.RemoteChunk {
	chunk := uint64(1) << s.shift
	var out []rswap.RemoteChunk
	for off := uint64(0); off < s.Size(); off += chunk {
		out = append(out, rswap.RemoteChunk{
			Addr: RemoteBase + off,
			RKey: s.rkey,
			Size: min(chunk, s.Size()-off),
		})
	}
	return out
}

// ChunkTable returns a table over Chunks.
func (s *Server) ChunkTable() *rswap.ChunkTable {
	return rswap.NewChunkTable(s.shift, s.Chunks())
}

// Page returns the remote bytes of page offset. The slice aliases the
// region.
func (s *Server) Page(offset uint64) []byte {
	start := offset << rswap.PageShift
	return s.mem[start : start+rswap.PageSize]
}

// access resolves a remote range, checking the key and the bounds.
func (s *Server) access(addr uint64, rkey uint32, n int) ([]byte, bool) {
	if rkey != s.rkey || addr < RemoteBase {
		return nil, false
	}
	off := addr - RemoteBase
	if off+uint64(n) > s.Size() {
		return nil, false
	}
	return s.mem[off : off+uint64(n)], true
}

// Close unmaps the region.
func (s *Server) Close() error {
	if s.release == nil {
		return nil
	}
	err := s.release()
	s.release, s.mem = nil, nil
	return err
}
