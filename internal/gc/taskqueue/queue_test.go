package taskqueue

import (
	"testing"

	"github.com/mahaoran1997/MemLiner/internal/gc/heap"
)

func TestQueueLIFO(t *testing.T) {
	q := NewQueue()
	for i := 1; i <= 3; i++ {
		q.Push(NewTask(heap.Addr(i*8), false))
	}
	if q.Len() != 3 || q.Peak() != 3 || q.Pushed() != 3 {
		t.Fatalf("Len/Peak/Pushed = %d/%d/%d, want 3/3/3", q.Len(), q.Peak(), q.Pushed())
	}
	for i := 3; i >= 1; i-- {
		got, ok := q.Pop()
		if !ok || got.Obj != heap.Addr(i*8) {
			t.Fatalf("Pop() = (%v, %v), want %#x", got, ok, i*8)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop() on empty queue succeeded")
	}
	if !q.IsEmpty() {
		t.Fatal("IsEmpty() = false")
	}
}

func TestQueueDrainAndClear(t *testing.T) {
	q := NewQueue()
	q.Push(NewTask(8, false))
	q.Push(NewTask(16, true))

	got := q.Drain()
	if len(got) != 2 || got[0].Obj != 8 || got[1].Obj != 16 || !got[1].Resolve {
		t.Fatalf("Drain() = %v", got)
	}
	if !q.IsEmpty() {
		t.Fatal("queue not empty after Drain")
	}

	q.Push(NewTask(24, false))
	q.Clear()
	if q.Len() != 0 || q.Peak() != 2 {
		t.Errorf("after Clear Len=%d Peak=%d, want 0 and 2", q.Len(), q.Peak())
	}
}

func TestMarkTaskRange(t *testing.T) {
	tests := []struct {
		task     MarkTask
		from, to int
	}{
		{NewChunkTask(8, 1, 6, false), 0, 64},
		{NewChunkTask(8, 2, 6, false), 64, 128},
		{NewChunkTask(8, 5, 0, false), 4, 5},
	}
	for _, tt := range tests {
		from, to := tt.task.Range()
		if from != tt.from || to != tt.to || !tt.task.IsChunk() {
			t.Errorf("%v.Range() = [%d, %d), want [%d, %d)", tt.task, from, to, tt.from, tt.to)
		}
	}
	if NewTask(8, false).IsChunk() {
		t.Error("whole-object task reports IsChunk")
	}
}

func TestNewChunkTaskRejectsBadChunk(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewChunkTask(chunk=0) did not panic")
		}
	}()
	NewChunkTask(8, 0, 3, false)
}

func TestSetReserve(t *testing.T) {
	s := NewSet(4)
	s.Reserve(2)
	if s.Size() != 4 || s.Reserved() != 2 {
		t.Fatalf("Size/Reserved = %d/%d, want 4/2", s.Size(), s.Reserved())
	}
	s.Queue(0).Push(NewTask(8, false))
	s.Queue(1).Push(NewTask(16, false))
	if s.Len() != 2 || s.IsEmpty() {
		t.Fatalf("Len() = %d, IsEmpty() = %v", s.Len(), s.IsEmpty())
	}
	s.Clear()
	if !s.IsEmpty() {
		t.Fatal("Clear() left tasks")
	}

	tests := []struct {
		name string
		fn   func()
	}{
		{"unreserved queue", func() { s.Queue(2) }},
		{"over-reserve", func() { s.Reserve(5) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			tt.fn()
		})
	}
}
