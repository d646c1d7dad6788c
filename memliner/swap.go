package memliner

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mahaoran1997/MemLiner/internal/rswap"
	"github.com/mahaoran1997/MemLiner/internal/rswap/loopback"
	"github.com/mahaoran1997/MemLiner/internal/telemetry"
)

type (
	// Page is a local page frame.
	Page = rswap.Page

	// SwapStats are request pipeline counters.
	SwapStats = rswap.QueueStats
)

// PageSize is the swap transfer unit.
const PageSize = rswap.PageSize

var (
	// ErrOutOfRange is returned for a page offset past the remote region.
	ErrOutOfRange = rswap.ErrOutOfRange

	// ErrPageBusy is returned when the page is locked by another transfer.
	ErrPageBusy = rswap.ErrPageBusy
)

// NewPage allocates a zeroed page.
func NewPage() *Page { return rswap.NewPage() }

// Swap is a remote page store session. Store, Load, LoadAsync, PollLoad
// and DrainAll come from the underlying session.
//
// Store, Load and LoadAsync address the remote region by page offset: page
// n covers bytes [n*PageSize, (n+1)*PageSize). Valid offsets are
// 0 <= n < Pages().
type Swap struct {
	*rswap.Session
	srv *loopback.Server
	dev *loopback.Device
}

// OpenLoopbackSwap serves cfg.Swap.RemoteSize bytes from an in-process
// memory server and opens a session on it.
func OpenLoopbackSwap(cfg Config, logger *zap.Logger) (*Swap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	srv, err := loopback.NewServer(cfg.Swap.RemoteSize, cfg.Swap.ChunkShift)
	if err != nil {
		return nil, err
	}
	dev := loopback.NewDevice(srv)
	sess, err := rswap.NewSession(dev, srv.ChunkTable(), rswap.ConfigFrom(cfg.Swap),
		rswap.WithLogger(telemetry.OrNop(logger)))
	if err != nil {
		return nil, multierr.Append(err, srv.Close())
	}
	return &Swap{Session: sess, srv: srv, dev: dev}, nil
}

// Pages returns the number of pages the remote region holds.
func (s *Swap) Pages() uint64 { return s.srv.Size() / PageSize }

// Close closes the session and unmaps the remote region.
func (s *Swap) Close() error {
	return multierr.Append(s.Session.Close(), s.srv.Close())
}
