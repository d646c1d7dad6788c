package heap

import (
	"sync"
	"testing"
)

func newTestSim(t *testing.T) *Sim {
	t.Helper()
	s, err := NewSim(DefaultSimConfig())
	if err != nil {
		t.Fatalf("NewSim() error = %v", err)
	}
	return s
}

func TestNewSimRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  SimConfig
	}{
		{"zero base", SimConfig{Base: 0, Size: 1 << 20, RegionSize: 1 << 10}},
		{"unaligned base", SimConfig{Base: 0x1003, Size: 1 << 20, RegionSize: 1 << 10}},
		{"zero size", SimConfig{Base: 0x1000, Size: 0, RegionSize: 1 << 10}},
		{"zero region", SimConfig{Base: 0x1000, Size: 1 << 20, RegionSize: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSim(tt.cfg); err == nil {
				t.Errorf("NewSim(%+v) succeeded, want error", tt.cfg)
			}
		})
	}
}

func TestSimMarkIsTestAndSet(t *testing.T) {
	s := newTestSim(t)
	obj := s.Alloc(2)

	if s.IsMarked(obj) {
		t.Fatal("fresh object reported marked")
	}
	if !s.Mark(obj) {
		t.Fatal("first Mark() = false, want true")
	}
	if s.Mark(obj) {
		t.Fatal("second Mark() = true, want false")
	}
	if !s.IsMarked(obj) {
		t.Fatal("IsMarked() = false after Mark")
	}
	if s.Mark(1) {
		t.Error("Mark() of out-of-heap address = true")
	}
}

func TestSimMarkConcurrentSingleWinner(t *testing.T) {
	s := newTestSim(t)
	obj := s.Alloc(0)

	const goroutines = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Mark(obj) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("Mark() winners = %d, want 1", wins)
	}
}

func TestSimForwarding(t *testing.T) {
	s := newTestSim(t)
	from := s.Alloc(1)
	to := s.Alloc(1)

	if s.HasForwardedObjects() {
		t.Fatal("HasForwardedObjects() = true on fresh heap")
	}
	s.Forward(from, to)
	if !s.HasForwardedObjects() {
		t.Fatal("HasForwardedObjects() = false after Forward")
	}
	if got := s.ResolveForwarding(from); got != to {
		t.Errorf("ResolveForwarding(from) = %#x, want %#x", got, to)
	}
	if got := s.ResolveForwarding(to); got != to {
		t.Errorf("ResolveForwarding(to) = %#x, want itself", got)
	}
}

func TestSimArrays(t *testing.T) {
	s := newTestSim(t)
	arr := s.AllocArray(10)
	leaf := s.Alloc(0)
	s.SetRef(arr, 3, leaf)
	s.SetRef(arr, 7, leaf)

	n, ok := s.ArrayLength(arr)
	if !ok || n != 10 {
		t.Fatalf("ArrayLength() = (%d, %v), want (10, true)", n, ok)
	}
	if _, ok := s.ArrayLength(leaf); ok {
		t.Error("ArrayLength(plain object) ok = true")
	}

	var got int
	s.IterateArray(arr, 0, 5, func(Addr) { got++ })
	if got != 1 {
		t.Errorf("IterateArray(0,5) visited %d refs, want 1", got)
	}
	got = 0
	s.IterateRefs(arr, func(Addr) { got++ })
	if got != 2 {
		t.Errorf("IterateRefs() visited %d refs, want 2", got)
	}
	if want := uintptr(arrayHeaderSize + 10*WordSize); s.SizeOf(arr) != want {
		t.Errorf("SizeOf(arr) = %d, want %d", s.SizeOf(arr), want)
	}
}

func TestSimReachable(t *testing.T) {
	s := newTestSim(t)
	root := s.Alloc(2)
	a := s.Alloc(1)
	b := s.Alloc(0)
	garbage := s.Alloc(1)
	s.SetRef(root, 0, a)
	s.SetRef(a, 0, b)
	s.SetRef(root, 1, a)
	s.SetRef(garbage, 0, root)

	got := s.Reachable(root)
	if len(got) != 3 {
		t.Fatalf("Reachable() size = %d, want 3", len(got))
	}
	if _, ok := got[garbage]; ok {
		t.Error("Reachable() includes unreachable object")
	}
}

func TestSimLivenessAndHandoff(t *testing.T) {
	s := newTestSim(t)
	obj := s.Alloc(0)
	region := s.RegionIndex(obj)
	s.IncreaseLiveData(region, 5)
	s.IncreaseLiveData(region, 7)
	if got := s.LiveData(region); got != 12 {
		t.Errorf("LiveData() = %d, want 12", got)
	}

	s.Handoff([]Addr{obj})
	if got := s.HandedOff(); len(got) != 1 || got[0] != obj {
		t.Errorf("HandedOff() = %v, want [%#x]", got, obj)
	}

	s.Mark(obj)
	s.ClearMarks()
	if s.IsMarked(obj) || s.LiveData(region) != 0 || len(s.HandedOff()) != 0 {
		t.Error("ClearMarks() left state behind")
	}
}
