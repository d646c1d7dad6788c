// Package control runs prefetch cycles on a dedicated goroutine.
//
// A Thread moves through Idle -> Started -> InProgress -> Idle. The collector
// calls StartCycle when concurrent marking begins; the thread wakes, sizes
// the marker's worker pool and runs prefetch passes for as long as the heap
// reports marking in progress, then parks again. At most one cycle runs at a
// time.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mahaoran1997/MemLiner/internal/telemetry"
)

var (
	// ErrCycleInProgress is returned by StartCycle when a cycle is pending or running.
	ErrCycleInProgress = errors.New("control: prefetch cycle already in progress")

	// ErrStopped is returned by StartCycle after Stop.
	ErrStopped = errors.New("control: thread stopped")
)

// State is the cycle state of a Thread.
type State int32

const (
	Idle State = iota
	Started
	InProgress
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Started:
		return "started"
	case InProgress:
		return "in-progress"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Marker is the prefetch marker driven by the thread.
type Marker interface {
	MarkFromRoots(ctx context.Context) error
	SetActiveWorkers(n int) int
	MaxWorkers() int
}

// MarkingFlag reports whether the collector is still marking.
type MarkingFlag interface {
	MarkingInProgress() bool
}

// Option configures a Thread.
type Option func(*Thread)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Thread) { t.logger = telemetry.OrNop(l) }
}

// WithTracer sets the tracer.
func WithTracer(tr trace.Tracer) Option {
	return func(t *Thread) { t.tracer = tr }
}

// Thread is the prefetch control goroutine.
//
// Thread Safety: all methods are safe for concurrent use.
type Thread struct {
	marker Marker
	flag   MarkingFlag
	logger *zap.Logger
	tracer trace.Tracer

	mu        sync.Mutex
	cond      *sync.Cond
	state     State
	terminate bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	cycles atomic.Uint64
	passes atomic.Uint64
}

// Start creates a Thread and launches its goroutine. The thread stays Idle
// until StartCycle.
func Start(flag MarkingFlag, m Marker, opts ...Option) *Thread {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Thread{
		marker: m,
		flag:   flag,
		logger: zap.NewNop(),
		tracer: telemetry.Tracer(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	for _, opt := range opts {
		opt(t)
	}
	go t.run()
	return t
}

// StartCycle requests a prefetch cycle. It fails with ErrCycleInProgress
// unless the thread is Idle.
func (t *Thread) StartCycle() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminate {
		return ErrStopped
	}
	if t.state != Idle {
		return ErrCycleInProgress
	}
	t.state = Started
	t.cond.Broadcast()
	return nil
}

// State returns the current cycle state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// WaitIdle blocks until no cycle is pending or running, or the thread stops.
func (t *Thread) WaitIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.state != Idle && !t.terminate {
		t.cond.Wait()
	}
}

// Cycles returns the number of completed cycles.
func (t *Thread) Cycles() uint64 { return t.cycles.Load() }

// Passes returns the number of completed prefetch passes over all cycles.
func (t *Thread) Passes() uint64 { return t.passes.Load() }

// Stop asks the thread to exit, cancels a running pass and waits for the
// goroutine to return. It is idempotent.
func (t *Thread) Stop() {
	t.mu.Lock()
	t.terminate = true
	t.cond.Broadcast()
	t.mu.Unlock()
	t.cancel()
	<-t.done
}

func (t *Thread) run() {
	defer close(t.done)
	for t.sleepBeforeNextCycle() {
		t.cycle()
		t.setIdle()
	}
}

// sleepBeforeNextCycle parks until a cycle is started or termination is
// requested. It reports whether a cycle should run.
func (t *Thread) sleepBeforeNextCycle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.state != Started && !t.terminate {
		t.cond.Wait()
	}
	if t.terminate {
		return false
	}
	t.state = InProgress
	return true
}

func (t *Thread) setIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != InProgress {
		panic(fmt.Sprintf("memliner: control thread leaving a cycle in state %v", t.state))
	}
	t.state = Idle
	t.cond.Broadcast()
}

func (t *Thread) cycle() {
	start := time.Now()
	ctx, span := t.tracer.Start(t.ctx, "control.Cycle")

	limit := t.marker.MaxWorkers()
	n := t.marker.SetActiveWorkers(limit)
	t.logger.Info(fmt.Sprintf("Using %d of %d workers", n, limit))

	var (
		passes int
		err    error
	)
	for t.flag.MarkingInProgress() {
		if err = t.marker.MarkFromRoots(ctx); err != nil {
			t.logger.Warn("prefetch pass aborted", zap.Error(err))
			break
		}
		passes++
	}
	t.cycles.Add(1)
	t.passes.Add(uint64(passes))

	span.SetAttributes(attribute.Int("passes", passes))
	telemetry.EndSpan(span, err)
	t.logger.Info("prefetch cycle done",
		zap.Int("passes", passes),
		zap.Duration("duration", time.Since(start)),
	)
}
