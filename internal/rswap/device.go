package rswap

import (
	"errors"
	"fmt"
)

const (
	// PageShift is log2 of the page size.
	PageShift = 12

	// PageSize is the transfer unit.
	PageSize = 1 << PageShift
)

var (
	// ErrNoRequest means the per-queue request cache is exhausted.
	ErrNoRequest = errors.New("rswap: request cache exhausted")

	// ErrMapping means the page could not be mapped for DMA.
	ErrMapping = errors.New("rswap: dma mapping failed")

	// ErrOutOfRange means the swap offset has no remote chunk behind it.
	ErrOutOfRange = errors.New("rswap: offset outside the remote region")

	// ErrTransport means a work request could not be posted or completed
	// with an error status.
	ErrTransport = errors.New("rswap: transport failure")

	// ErrClosed means the session was closed.
	ErrClosed = errors.New("rswap: session closed")

	// ErrPageBusy means a read targeted a page that is already locked for I/O.
	ErrPageBusy = errors.New("rswap: page locked by another transfer")

	// ErrInvalidConfig is wrapped by Config.Validate errors.
	ErrInvalidConfig = errors.New("rswap: invalid config")
)

// Direction is the DMA direction of a transfer.
type Direction int

const (
	// ToDevice moves a local page to the remote server (store).
	ToDevice Direction = iota
	// FromDevice moves a remote page into a local page (load).
	FromDevice
)

func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "write"
	case FromDevice:
		return "read"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Opcode is a one-sided verb.
type Opcode int

const (
	OpWrite Opcode = iota
	OpRead
)

func (d Direction) opcode() Opcode {
	if d == ToDevice {
		return OpWrite
	}
	return OpRead
}

// Status is a work completion status.
type Status int

const (
	StatusSuccess Status = iota
	StatusLocalProtection
	StatusRemoteAccess
	StatusFlushed
	StatusGeneral
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusLocalProtection:
		return "local protection error"
	case StatusRemoteAccess:
		return "remote access error"
	case StatusFlushed:
		return "flushed"
	case StatusGeneral:
		return "general error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// SGE is a local scatter-gather entry.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// WorkRequest is a signaled one-sided work request.
type WorkRequest struct {
	ID         uint64
	Op         Opcode
	Local      SGE
	RemoteAddr uint64
	RKey       uint32
}

// Completion reports the outcome of the work request ID.
type Completion struct {
	ID     uint64
	Status Status
}

// QueuePair is one RDMA queue pair and its completion queue.
type QueuePair interface {
	// PostSend posts wr to the send queue.
	PostSend(wr *WorkRequest) error

	// PollCQ hands up to max completions to fn and returns how many it
	// processed. It does not block.
	PollCQ(max int, fn func(Completion)) int

	Close() error
}

// Device is the verbs device the session runs on.
type Device interface {
	// MapPage maps buf for DMA in direction dir and returns its bus address.
	MapPage(buf []byte, dir Direction) (uint64, error)

	UnmapPage(addr uint64, dir Direction)

	// LocalKey is the local DMA key of the protection domain.
	LocalKey() uint32

	// OpenQueuePair creates queue pair index with a send queue of depth
	// work requests.
	OpenQueuePair(index, depth int) (QueuePair, error)
}

// CompletionError is returned when a work request completes with an error
// status. It matches ErrTransport with errors.Is.
type CompletionError struct {
	Queue  int
	Status Status
	Dir    Direction
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("rswap: queue %d %s completed with %v", e.Queue, e.Dir, e.Status)
}

func (e *CompletionError) Unwrap() error { return ErrTransport }
