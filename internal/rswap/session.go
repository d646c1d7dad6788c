package rswap

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mahaoran1997/MemLiner/internal/config"
	"github.com/mahaoran1997/MemLiner/internal/telemetry"
)

// Config sizes a session.
type Config struct {
	// Queues is the number of CPU slots. Each slot has a sync and an async
	// queue pair.
	Queues int

	// QueueDepth is the send queue depth of each queue pair.
	QueueDepth int

	// Margin is kept free in every send queue; at most QueueDepth-Margin
	// requests are in flight per queue.
	Margin int

	// PollBatch is the number of completions reaped per poll.
	PollBatch int

	// RequestCache is the number of request slots per queue.
	RequestCache int
}

// DefaultConfig returns the settings of config.Default.
func DefaultConfig() Config { return ConfigFrom(config.Default().Swap) }

// ConfigFrom extracts the session settings from c.
func ConfigFrom(c config.Swap) Config {
	return Config{
		Queues:       c.Queues,
		QueueDepth:   c.QueueDepth,
		Margin:       c.Margin,
		PollBatch:    c.PollBatch,
		RequestCache: c.RequestCache,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	switch {
	case c.Queues <= 0:
		return fmt.Errorf("%w: queues %d", ErrInvalidConfig, c.Queues)
	case c.QueueDepth <= 0 || c.Margin < 0 || c.Margin >= c.QueueDepth:
		return fmt.Errorf("%w: depth %d with margin %d", ErrInvalidConfig, c.QueueDepth, c.Margin)
	case c.PollBatch <= 0:
		return fmt.Errorf("%w: poll batch %d", ErrInvalidConfig, c.PollBatch)
	case c.RequestCache <= 0:
		return fmt.Errorf("%w: request cache %d", ErrInvalidConfig, c.RequestCache)
	}
	return nil
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = telemetry.OrNop(l) }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Session) { s.tracer = t }
}

// Session is a connection to one memory server.
//
// Thread Safety: all methods are safe for concurrent use. The cpu argument
// only selects a queue slot; several goroutines may share a slot.
type Session struct {
	cfg    Config
	dev    Device
	chunks *ChunkTable
	logger *zap.Logger
	tracer trace.Tracer

	// queues[kind*cfg.Queues+cpu]
	queues []*queue
	closed atomic.Bool
}

// NewSession opens the queue pairs of a session on dev.
func NewSession(dev Device, chunks *ChunkTable, cfg Config, opts ...Option) (*Session, error) {
	if dev == nil || chunks == nil {
		return nil, fmt.Errorf("%w: device and chunk table are required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:    cfg,
		dev:    dev,
		chunks: chunks,
		logger: zap.NewNop(),
		tracer: telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range 2 * cfg.Queues {
		qp, err := dev.OpenQueuePair(i, cfg.QueueDepth)
		if err != nil {
			for _, q := range s.queues {
				err = multierr.Append(err, q.qp.Close())
			}
			return nil, fmt.Errorf("rswap: open queue pair %d: %w", i, err)
		}
		s.queues = append(s.queues, newQueue(s, i, QueueKind(i/cfg.Queues), qp))
	}
	s.logger.Info("rswap session ready",
		zap.Int("queues", cfg.Queues),
		zap.Int("depth", cfg.QueueDepth),
		zap.Int("chunks", chunks.Len()),
	)
	return s, nil
}

// Config returns the session settings.
func (s *Session) Config() Config { return s.cfg }

func (s *Session) queue(cpu int, kind QueueKind) (*queue, error) {
	if cpu < 0 {
		return nil, fmt.Errorf("%w: cpu slot %d", ErrOutOfRange, cpu)
	}
	return s.queues[int(kind)*s.cfg.Queues+cpu%s.cfg.Queues], nil
}

// issue builds and posts one transfer and returns the handle to wait on.
func (s *Session) issue(cpu int, offset uint64, p *Page, dir Direction, kind QueueKind) (*queue, *completion, error) {
	if s.closed.Load() {
		return nil, nil, ErrClosed
	}
	q, err := s.queue(cpu, kind)
	if err != nil {
		return nil, nil, err
	}
	chunk, within, err := s.chunks.Resolve(offset)
	if err != nil {
		return nil, nil, err
	}
	r := q.reqs.alloc()
	if r == nil {
		s.logger.Warn("rdma request cache exhausted", zap.Int("queue", q.index))
		return nil, nil, fmt.Errorf("%w: queue %d", ErrNoRequest, q.index)
	}
	r.async = kind == QueueAsync
	if dir == FromDevice {
		if !p.TryLock() {
			q.reqs.release(r)
			return nil, nil, ErrPageBusy
		}
		p.beginRead()
	}
	c := r.done
	if err := q.send(r, chunk, within, p, dir); err != nil {
		if dir == FromDevice {
			p.Unlock()
		}
		return nil, nil, err
	}
	return q, c, nil
}

func (s *Session) startSpan(ctx context.Context, name string, cpu int, offset uint64) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int("queue", cpu),
		attribute.Int64("offset", int64(offset)),
	))
}

// Store writes p to page offset and returns once the write completed.
func (s *Session) Store(ctx context.Context, cpu int, offset uint64, p *Page) (err error) {
	ctx, span := s.startSpan(ctx, "rswap.Store", cpu, offset)
	defer func() { telemetry.EndSpan(span, err) }()

	q, c, err := s.issue(cpu, offset, p, ToDevice, QueueSync)
	if err != nil {
		return err
	}
	return q.wait(ctx, c)
}

// Load reads page offset into p and returns once the read completed. On
// success p is up to date; on failure p.Err holds the error. p is unlocked
// in both cases, except when ctx ends first: then the read stays in flight
// and the next poll of the queue completes it.
func (s *Session) Load(ctx context.Context, cpu int, offset uint64, p *Page) (err error) {
	ctx, span := s.startSpan(ctx, "rswap.Load", cpu, offset)
	defer func() { telemetry.EndSpan(span, err) }()

	q, c, err := s.issue(cpu, offset, p, FromDevice, QueueSync)
	if err != nil {
		return err
	}
	return q.wait(ctx, c)
}

// LoadAsync starts reading page offset into p and returns without waiting.
// p stays locked until PollLoad(cpu), or any later poll of the async queue,
// reaps the completion.
func (s *Session) LoadAsync(ctx context.Context, cpu int, offset uint64, p *Page) (err error) {
	_, span := s.startSpan(ctx, "rswap.LoadAsync", cpu, offset)
	defer func() { telemetry.EndSpan(span, err) }()

	_, _, err = s.issue(cpu, offset, p, FromDevice, QueueAsync)
	return err
}

// PollLoad waits for every async read of slot cpu and returns the failures
// collected since the previous call.
func (s *Session) PollLoad(cpu int) error {
	q, err := s.queue(cpu, QueueAsync)
	if err != nil {
		return err
	}
	q.drain()
	return q.takeAsyncErr()
}

// DrainAll waits until no request is in flight on any queue.
func (s *Session) DrainAll() {
	for _, q := range s.queues {
		q.drain()
	}
}

// InvalidatePage drops page offset from the remote store. Remote pages are
// simply overwritten by the next store, so nothing is sent.
func (s *Session) InvalidatePage(offset uint64) {
	s.logger.Debug("invalidate page", zap.Uint64("offset", offset))
}

// InvalidateArea drops the whole swap area. Like InvalidatePage it only
// logs.
func (s *Session) InvalidateArea() {
	s.logger.Debug("invalidate area")
}

// QueueStats returns the counters of queue kind of slot cpu.
func (s *Session) QueueStats(cpu int, kind QueueKind) (QueueStats, error) {
	q, err := s.queue(cpu, kind)
	if err != nil {
		return QueueStats{}, err
	}
	return q.stats(), nil
}

// Stats sums the counters of every queue.
func (s *Session) Stats() QueueStats {
	var st QueueStats
	for _, q := range s.queues {
		st = st.add(q.stats())
	}
	return st
}

// Close waits for in-flight requests and closes every queue pair. Later
// calls return ErrClosed.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	s.DrainAll()
	var err error
	for _, q := range s.queues {
		err = multierr.Append(err, q.qp.Close())
	}
	s.logger.Info("rswap session closed", zap.Uint64("completed", s.Stats().Completed))
	return err
}
