package loopback

import (
	"bytes"
	"errors"
	"testing"

	"go.uber.org/goleak"

	"github.com/mahaoran1997/MemLiner/internal/rswap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestServer(t *testing.T, size uint64, shift uint) *Server {
	t.Helper()
	srv, err := NewServer(size, shift)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return srv
}

func TestServerChunks(t *testing.T) {
	tests := []struct {
		name      string
		size      uint64
		shift     uint
		wantSizes []uint64
	}{
		{"exact", 1 << 17, 16, []uint64{1 << 16, 1 << 16}},
		{"short tail", 3 << 14, 15, []uint64{1 << 15, 1 << 14}},
		{"rounded to pages", 100, 12, []uint64{rswap.PageSize}},
		{"one big chunk", 1 << 20, 30, []uint64{1 << 20}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.size, tt.shift)
			chunks := srv.Chunks()
			if len(chunks) != len(tt.wantSizes) {
				t.Fatalf("Chunks() = %d chunks, want %d", len(chunks), len(tt.wantSizes))
			}
			for i, c := range chunks {
				if c.Size != tt.wantSizes[i] || c.Addr != RemoteBase+uint64(i)<<tt.shift {
					t.Errorf("chunk %d = %+v", i, c)
				}
			}
		})
	}
}

func TestNewServerRejects(t *testing.T) {
	if _, err := NewServer(0, 16); err == nil {
		t.Error("NewServer(0) succeeded")
	}
	if _, err := NewServer(1<<16, 8); err == nil {
		t.Error("NewServer(shift 8) succeeded")
	}
}

func post(t *testing.T, d *Device, qp rswap.QueuePair, op rswap.Opcode, buf []byte, remote uint64, rkey uint32) uint64 {
	t.Helper()
	dir := rswap.ToDevice
	if op == rswap.OpRead {
		dir = rswap.FromDevice
	}
	addr, err := d.MapPage(buf, dir)
	if err != nil {
		t.Fatalf("MapPage() error = %v", err)
	}
	wr := &rswap.WorkRequest{
		ID:         addr,
		Op:         op,
		Local:      rswap.SGE{Addr: addr, Length: rswap.PageSize, LKey: d.LocalKey()},
		RemoteAddr: remote,
		RKey:       rkey,
	}
	if err := qp.PostSend(wr); err != nil {
		t.Fatalf("PostSend() error = %v", err)
	}
	return addr
}

func pollAll(d *Device, qp rswap.QueuePair) []rswap.Completion {
	var out []rswap.Completion
	for qp.PollCQ(4, func(c rswap.Completion) {
		d.UnmapPage(c.ID, rswap.ToDevice)
		out = append(out, c)
	}) > 0 {
	}
	return out
}

func TestWriteThenRead(t *testing.T) {
	srv := newTestServer(t, 1<<16, 16)
	d := NewDevice(srv)
	qp, err := d.OpenQueuePair(0, 8)
	if err != nil {
		t.Fatal(err)
	}
	rkey := srv.Chunks()[0].RKey

	src := bytes.Repeat([]byte{0xab}, rswap.PageSize)
	post(t, d, qp, rswap.OpWrite, src, RemoteBase+2*rswap.PageSize, rkey)
	dst := make([]byte, rswap.PageSize)
	post(t, d, qp, rswap.OpRead, dst, RemoteBase+2*rswap.PageSize, rkey)

	cs := pollAll(d, qp)
	if len(cs) != 2 || cs[0].Status != rswap.StatusSuccess || cs[1].Status != rswap.StatusSuccess {
		t.Fatalf("completions = %+v", cs)
	}
	if !bytes.Equal(dst, src) || !bytes.Equal(srv.Page(2), src) {
		t.Error("data did not round-trip through the server")
	}
	if d.Mapped() != 0 {
		t.Errorf("Mapped() = %d", d.Mapped())
	}
}

func TestBadAccessStatus(t *testing.T) {
	srv := newTestServer(t, 1<<16, 16)
	d := NewDevice(srv)
	qp, _ := d.OpenQueuePair(0, 8)
	rkey := srv.Chunks()[0].RKey
	buf := make([]byte, rswap.PageSize)

	tests := []struct {
		name   string
		remote uint64
		rkey   uint32
		want   rswap.Status
	}{
		{"wrong key", RemoteBase, rkey + 1, rswap.StatusRemoteAccess},
		{"below base", RemoteBase - rswap.PageSize, rkey, rswap.StatusRemoteAccess},
		{"past end", RemoteBase + 1<<16, rkey, rswap.StatusRemoteAccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			post(t, d, qp, rswap.OpRead, buf, tt.remote, tt.rkey)
			cs := pollAll(d, qp)
			if len(cs) != 1 || cs[0].Status != tt.want {
				t.Errorf("completions = %+v, want status %v", cs, tt.want)
			}
		})
	}
}

func TestSendQueueFull(t *testing.T) {
	srv := newTestServer(t, 1<<16, 16)
	d := NewDevice(srv)
	qp, _ := d.OpenQueuePair(0, 2)
	rkey := srv.Chunks()[0].RKey

	post(t, d, qp, rswap.OpWrite, make([]byte, rswap.PageSize), RemoteBase, rkey)
	post(t, d, qp, rswap.OpWrite, make([]byte, rswap.PageSize), RemoteBase, rkey)
	buf := make([]byte, rswap.PageSize)
	addr, _ := d.MapPage(buf, rswap.ToDevice)
	err := qp.PostSend(&rswap.WorkRequest{ID: addr, Local: rswap.SGE{Addr: addr, Length: rswap.PageSize, LKey: d.LocalKey()}, RemoteAddr: RemoteBase, RKey: rkey})
	if !errors.Is(err, errSendQueueFull) {
		t.Fatalf("third PostSend() error = %v, want send queue full", err)
	}
	d.UnmapPage(addr, rswap.ToDevice)
	pollAll(d, qp)
	if qp.(*QueuePair).MaxOutstanding() != 2 {
		t.Errorf("MaxOutstanding() = %d, want 2", qp.(*QueuePair).MaxOutstanding())
	}
}

func TestHoldRelease(t *testing.T) {
	srv := newTestServer(t, 1<<16, 16)
	d := NewDevice(srv)
	qp, _ := d.OpenQueuePair(0, 8)
	rkey := srv.Chunks()[0].RKey

	d.Hold()
	post(t, d, qp, rswap.OpWrite, make([]byte, rswap.PageSize), RemoteBase, rkey)
	if n := qp.PollCQ(4, func(rswap.Completion) {}); n != 0 {
		t.Fatalf("PollCQ() = %d while held", n)
	}
	d.Release()
	if cs := pollAll(d, qp); len(cs) != 1 {
		t.Fatalf("completions after Release = %d, want 1", len(cs))
	}
}

func TestInjectedFaults(t *testing.T) {
	srv := newTestServer(t, 1<<16, 16)
	d := NewDevice(srv)
	qp, _ := d.OpenQueuePair(0, 8)
	rkey := srv.Chunks()[0].RKey
	buf := make([]byte, rswap.PageSize)

	d.FailNextMappings(1)
	if _, err := d.MapPage(buf, rswap.ToDevice); !errors.Is(err, errInjected) {
		t.Errorf("MapPage() error = %v, want injected fault", err)
	}

	d.FailNextPosts(1)
	addr, _ := d.MapPage(buf, rswap.ToDevice)
	if err := qp.PostSend(&rswap.WorkRequest{ID: addr}); !errors.Is(err, errInjected) {
		t.Errorf("PostSend() error = %v, want injected fault", err)
	}
	d.UnmapPage(addr, rswap.ToDevice)

	d.FailNextCompletions(1, rswap.StatusFlushed)
	post(t, d, qp, rswap.OpWrite, buf, RemoteBase, rkey)
	post(t, d, qp, rswap.OpWrite, buf, RemoteBase, rkey)
	cs := pollAll(d, qp)
	if len(cs) != 2 || cs[0].Status != rswap.StatusFlushed || cs[1].Status != rswap.StatusSuccess {
		t.Errorf("completions = %+v, want one flushed then one success", cs)
	}
}

func TestUnmapUnknownPanics(t *testing.T) {
	d := NewDevice(newTestServer(t, 1<<16, 16))
	defer func() {
		if recover() == nil {
			t.Fatal("UnmapPage of unknown address did not panic")
		}
	}()
	d.UnmapPage(0xdead000, rswap.ToDevice)
}

func TestCloseQueuePair(t *testing.T) {
	srv := newTestServer(t, 1<<16, 16)
	d := NewDevice(srv)
	qp, _ := d.OpenQueuePair(3, 8)
	if d.QueuePair(3) != qp || d.QueuePair(4) != nil {
		t.Fatal("QueuePair() lookup mismatch")
	}
	if err := qp.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := qp.Close(); !errors.Is(err, errQPClosed) {
		t.Errorf("second Close() error = %v", err)
	}
	buf := make([]byte, rswap.PageSize)
	addr, _ := d.MapPage(buf, rswap.ToDevice)
	defer d.UnmapPage(addr, rswap.ToDevice)
	if err := qp.PostSend(&rswap.WorkRequest{ID: addr}); !errors.Is(err, errQPClosed) {
		t.Errorf("PostSend() after Close error = %v", err)
	}
}
