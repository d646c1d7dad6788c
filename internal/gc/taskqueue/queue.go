package taskqueue

import "fmt"

// defaultInitialCapacity is the initial backing size of a queue.
const defaultInitialCapacity = 1 << 10

// Queue is a LIFO stack of mark tasks owned by one worker.
//
// Thread Safety: not safe for concurrent use.
type Queue struct {
	tasks []MarkTask

	pushed uint64
	peak   int
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{tasks: make([]MarkTask, 0, defaultInitialCapacity)}
}

// Push adds t.
func (q *Queue) Push(t MarkTask) {
	q.tasks = append(q.tasks, t)
	q.pushed++
	if len(q.tasks) > q.peak {
		q.peak = len(q.tasks)
	}
}

// Pop removes the most recently pushed task.
func (q *Queue) Pop() (MarkTask, bool) {
	n := len(q.tasks)
	if n == 0 {
		return MarkTask{}, false
	}
	t := q.tasks[n-1]
	q.tasks = q.tasks[:n-1]
	return t, true
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int { return len(q.tasks) }

// IsEmpty reports whether the queue holds no tasks.
func (q *Queue) IsEmpty() bool { return len(q.tasks) == 0 }

// Clear drops every task and keeps the backing array.
func (q *Queue) Clear() { q.tasks = q.tasks[:0] }

// Drain removes every task, oldest first, and returns them.
func (q *Queue) Drain() []MarkTask {
	out := append([]MarkTask(nil), q.tasks...)
	q.tasks = q.tasks[:0]
	return out
}

// Pushed returns the number of Push calls since creation.
func (q *Queue) Pushed() uint64 { return q.pushed }

// Peak returns the largest length observed.
func (q *Queue) Peak() int { return q.peak }

// Set is a fixed array of queues, of which the first Reserved are in use.
//
// The prefetch marker reserves two queues per worker: queue 2w is worker w's
// primary queue and queue 2w+1 its overflow queue.
type Set struct {
	queues   []*Queue
	reserved int
}

// NewSet creates n queues.
func NewSet(n int) *Set {
	s := &Set{queues: make([]*Queue, n)}
	for i := range s.queues {
		s.queues[i] = NewQueue()
	}
	return s
}

// Size returns the number of queues.
func (s *Set) Size() int { return len(s.queues) }

// Reserve marks the first n queues as in use. It panics when n exceeds Size.
func (s *Set) Reserve(n int) {
	if n < 0 || n > len(s.queues) {
		panic(fmt.Sprintf("memliner: cannot reserve %d of %d scan queues", n, len(s.queues)))
	}
	s.reserved = n
}

// Reserved returns the number of queues in use.
func (s *Set) Reserved() int { return s.reserved }

// Queue returns queue i, which must be reserved.
func (s *Set) Queue(i int) *Queue {
	if i < 0 || i >= s.reserved {
		panic(fmt.Sprintf("memliner: no reserved scan queue %d (reserved %d)", i, s.reserved))
	}
	return s.queues[i]
}

// Clear empties every queue, reserved or not.
func (s *Set) Clear() {
	for _, q := range s.queues {
		q.Clear()
	}
}

// IsEmpty reports whether every queue is empty.
func (s *Set) IsEmpty() bool {
	for _, q := range s.queues {
		if !q.IsEmpty() {
			return false
		}
	}
	return true
}

// Len returns the total number of queued tasks.
func (s *Set) Len() int {
	n := 0
	for _, q := range s.queues {
		n += q.Len()
	}
	return n
}
