package rswap

import "fmt"

// RemoteChunk is one registered region on the memory server.
type RemoteChunk struct {
	Addr uint64
	RKey uint32
	Size uint64
}

// ChunkTable maps swap offsets to remote chunks. Page offset o lives at byte
// o<<PageShift of the remote space, in chunk (o<<PageShift)>>shift.
type ChunkTable struct {
	shift  uint
	chunks []RemoteChunk
}

// NewChunkTable creates a table of 1<<shift byte chunks. chunks is copied.
func NewChunkTable(shift uint, chunks []RemoteChunk) *ChunkTable {
	return &ChunkTable{shift: shift, chunks: append([]RemoteChunk(nil), chunks...)}
}

// Shift returns log2 of the chunk size.
func (t *ChunkTable) Shift() uint { return t.shift }

// Len returns the number of chunks.
func (t *ChunkTable) Len() int { return len(t.chunks) }

// Pages returns the number of pages the table can address.
func (t *ChunkTable) Pages() uint64 {
	var n uint64
	for _, c := range t.chunks {
		n += c.Size >> PageShift
	}
	return n
}

// Resolve returns the chunk holding page offset and the byte offset of the
// page within it.
func (t *ChunkTable) Resolve(offset uint64) (RemoteChunk, uint64, error) {
	start := offset << PageShift
	if start>>PageShift != offset {
		return RemoteChunk{}, 0, fmt.Errorf("%w: page offset %#x", ErrOutOfRange, offset)
	}
	idx := start >> t.shift
	within := start & (1<<t.shift - 1)
	if idx >= uint64(len(t.chunks)) {
		return RemoteChunk{}, 0, fmt.Errorf("%w: page offset %#x is in chunk %d of %d", ErrOutOfRange, offset, idx, len(t.chunks))
	}
	c := t.chunks[idx]
	if within+PageSize > c.Size {
		return RemoteChunk{}, 0, fmt.Errorf("%w: page offset %#x past the end of chunk %d", ErrOutOfRange, offset, idx)
	}
	return c, within, nil
}
