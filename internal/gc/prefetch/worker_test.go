package prefetch

import (
	"testing"

	"github.com/mahaoran1997/MemLiner/internal/gc/heap"
	"github.com/mahaoran1997/MemLiner/internal/gc/taskqueue"
)

func testTask(obj heap.Addr) taskqueue.MarkTask { return taskqueue.NewTask(obj, false) }

func newTestWorker(t *testing.T, cfg Config) (*worker, *heap.Sim) {
	t.Helper()
	f := newFixture(t, nil, nil, cfg)
	f.p.queues.Reserve(2)
	return &worker{
		p:    f.p,
		q:    f.p.queues.Queue(0),
		dupq: f.p.queues.Queue(1),
		live: newLivenessCache(f.sim),
	}, f.sim
}

func (w *worker) scanAll() {
	for {
		t, ok := w.q.Pop()
		if !ok {
			return
		}
		w.doTask(t)
	}
}

func TestWorkerResolvesForwarding(t *testing.T) {
	w, sim := newTestWorker(t, testConfig())
	from, to := sim.Alloc(0), sim.Alloc(0)
	sim.Forward(from, to)

	w.markCandidate(from)
	if sim.IsMarked(from) || !sim.IsMarked(to) {
		t.Fatalf("marked from=%v to=%v, want only the forwardee", sim.IsMarked(from), sim.IsMarked(to))
	}
	task, ok := w.q.Pop()
	if !ok || task.Obj != to || !task.Resolve {
		t.Errorf("queued task = %+v, want resolving task for %#x", task, to)
	}
}

func TestWorkerSkipsInvalidCandidates(t *testing.T) {
	w, _ := newTestWorker(t, testConfig())
	w.markCandidate(0)
	w.markCandidate(0x42)
	if w.stats.invalid != 2 || !w.q.IsEmpty() {
		t.Errorf("invalid = %d, queued %d; want 2 and 0", w.stats.invalid, w.q.Len())
	}
}

func TestWorkerMarksOnce(t *testing.T) {
	w, sim := newTestWorker(t, testConfig())
	obj := sim.Alloc(0)
	w.markCandidate(obj)
	w.markCandidate(obj)
	if w.q.Len() != 1 || w.stats.marked != 1 {
		t.Errorf("queued %d, marked %d; want 1 and 1", w.q.Len(), w.stats.marked)
	}
}

func TestChunkedArrayStartSplit(t *testing.T) {
	w, sim := newTestWorker(t, testConfig())
	arr := sim.AllocArray(300)
	for i := range 300 {
		sim.SetRef(arr, i, sim.Alloc(0))
	}
	sim.Mark(arr)

	w.doTask(testTask(arr))

	// [0,128) and [128,192) become tasks, [192,300) is scanned inline.
	tasks := w.q.Drain()
	var chunks []taskqueue.MarkTask
	inline := 0
	for _, tk := range tasks {
		if tk.IsChunk() {
			chunks = append(chunks, tk)
		} else {
			inline++
		}
	}
	if len(chunks) != 2 || chunks[0].Chunk != 1 || chunks[0].Pow != 7 || chunks[1].Chunk != 3 || chunks[1].Pow != 6 {
		t.Fatalf("chunk tasks = %v, want chunk 1 pow 7 and chunk 3 pow 6", chunks)
	}
	if inline != 300-192 {
		t.Errorf("inline-marked leaves = %d, want %d", inline, 300-192)
	}
}

func TestChunkedArrayMarksEveryElement(t *testing.T) {
	tests := []int{1, 64, 128, 129, 300, 1000, 4096}
	for _, n := range tests {
		w, sim := newTestWorker(t, testConfig())
		arr := sim.AllocArray(n)
		leaves := make([]heap.Addr, n)
		for i := range n {
			leaves[i] = sim.Alloc(0)
			sim.SetRef(arr, i, leaves[i])
		}

		w.markThroughRef(arr, false)
		w.scanAll()

		for i, l := range leaves {
			if !sim.IsMarked(l) {
				t.Fatalf("n=%d: element %d not marked", n, i)
			}
		}
		if w.stats.marked != uint64(n+1) {
			t.Errorf("n=%d: marked %d, want %d", n, w.stats.marked, n+1)
		}
	}
}

func TestChunkedArrayClampsToLength(t *testing.T) {
	w, sim := newTestWorker(t, testConfig())
	arr := sim.AllocArray(10)
	sim.SetRef(arr, 9, sim.Alloc(0))
	if got := w.doTask(taskqueue.NewChunkTask(arr, 1, 4, false)); got != 10*heap.WordSize {
		t.Errorf("doTask([0,16) of 10) = %d bytes, want %d", got, 10*heap.WordSize)
	}
	if got := w.doTask(taskqueue.NewChunkTask(arr, 2, 4, false)); got != 0 {
		t.Errorf("doTask(past end) = %d bytes, want 0", got)
	}
}

func TestWorkerBudgetSpillAndRefill(t *testing.T) {
	cfg := testConfig()
	cfg.Stride = 2
	w, sim := newTestWorker(t, cfg)
	sim.SetMarking(true)
	defer sim.SetMarking(false)

	for range 5 {
		obj := sim.Alloc(0)
		sim.Mark(obj)
		w.q.Push(testTask(obj))
	}
	if n := w.process(); n != 2 {
		t.Fatalf("process() = %d, want stride 2", n)
	}
	w.spill()
	if w.q.Len() != 0 || w.dupq.Len() != 3 || w.stats.overflowed != 3 {
		t.Fatalf("after spill q=%d dupq=%d overflowed=%d", w.q.Len(), w.dupq.Len(), w.stats.overflowed)
	}
	w.refill()
	if w.q.Len() != 2 || w.dupq.Len() != 1 || w.stats.refilled != 2 {
		t.Fatalf("after refill q=%d dupq=%d refilled=%d", w.q.Len(), w.dupq.Len(), w.stats.refilled)
	}
}

func TestWorkerSizeBudget(t *testing.T) {
	cfg := testConfig()
	cfg.PrefetchSize = 1
	w, sim := newTestWorker(t, cfg)
	sim.SetMarking(true)
	defer sim.SetMarking(false)
	for range 3 {
		w.q.Push(testTask(sim.Alloc(1)))
	}
	if n := w.process(); n != 1 {
		t.Errorf("process() = %d, want 1 once the size budget is hit", n)
	}
}

func TestSpillPanicsOnOutOfHeapTask(t *testing.T) {
	w, sim := newTestWorker(t, testConfig())
	sim.SetMarking(true)
	defer sim.SetMarking(false)
	w.q.Push(testTask(0x42))
	defer func() {
		if recover() == nil {
			t.Fatal("spill() of out-of-heap task did not panic")
		}
	}()
	w.spill()
}

type liveRecorder struct {
	calls map[int][]uint64
}

func (r *liveRecorder) RegionIndex(heap.Addr) int { return 0 }

func (r *liveRecorder) IncreaseLiveData(region int, words uint64) {
	r.calls[region] = append(r.calls[region], words)
}

func TestLivenessCache(t *testing.T) {
	rec := &liveRecorder{calls: map[int][]uint64{}}
	c := newLivenessCache(rec)

	c.add(0, 65000)
	c.add(1, 10)
	if len(rec.calls) != 0 {
		t.Fatalf("cache flushed early: %v", rec.calls)
	}
	c.add(0, 1000)
	if got := rec.calls[0]; len(got) != 1 || got[0] != 66000 {
		t.Fatalf("overflow flush = %v, want [66000]", got)
	}
	c.add(0, 5)
	c.flush()
	if got := rec.calls[0]; len(got) != 2 || got[1] != 5 {
		t.Errorf("region 0 calls = %v, want [66000 5]", got)
	}
	if got := rec.calls[1]; len(got) != 1 || got[0] != 10 {
		t.Errorf("region 1 calls = %v, want [10]", got)
	}
	c.flush()
	if len(rec.calls[0]) != 2 {
		t.Error("second flush pushed again")
	}
}
