package prefetchq

import (
	"sync/atomic"
)

// SamplerConfig configures mutator-side enqueue sampling.
//
// Prefetching is best effort, so a mutator that produces candidates faster
// than the background workers can drain them may keep only a fraction of
// them and spend less time in the barrier.
//
// Usage:
//
//	// Default: keep every candidate.
//	s := NewSampler(SamplerConfig{})
//
//	// Keep 1 candidate in 4.
//	s := NewSampler(SamplerConfig{Rate: 4})
type SamplerConfig struct {
	// Rate keeps one candidate in Rate. 0 and 1 both mean keep everything.
	Rate uint64
}

// Sampler decides which enqueue attempts reach the queue.
//
// A single counter incremented on every attempt with modulo selection gives
// a uniform 1-in-Rate pick with no RNG on the barrier path.
//
// Thread Safety: safe for concurrent calls, although each queue's sampler is
// normally driven only by its owning mutator.
type Sampler struct {
	rate uint64
	pos  atomic.Uint64

	sampled atomic.Uint64
	skipped atomic.Uint64
}

// SamplerStats reports sampling decisions since creation.
type SamplerStats struct {
	Sampled uint64
	Skipped uint64
}

// NewSampler creates a Sampler. A nil *Sampler keeps everything.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Rate == 0 {
		cfg.Rate = 1
	}
	return &Sampler{rate: cfg.Rate}
}

// ShouldSample reports whether the current candidate should be enqueued.
//
// Performance:
//   - Rate <= 1: a single branch.
//   - Rate > 1: one atomic add and a modulo.
func (s *Sampler) ShouldSample() bool {
	if s == nil || s.rate <= 1 {
		return true
	}
	if s.pos.Add(1)%s.rate == 0 {
		s.sampled.Add(1)
		return true
	}
	s.skipped.Add(1)
	return false
}

// Rate returns the effective sampling rate (1 when disabled).
func (s *Sampler) Rate() uint64 {
	if s == nil {
		return 1
	}
	return s.rate
}

// Stats returns a snapshot of sampling counters. With Rate <= 1 nothing is
// counted.
func (s *Sampler) Stats() SamplerStats {
	if s == nil {
		return SamplerStats{}
	}
	return SamplerStats{Sampled: s.sampled.Load(), Skipped: s.skipped.Load()}
}
