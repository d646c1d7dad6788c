// Package config holds the tunables of the prefetching marker and the remote
// page store, with defaults, validation, environment parsing and CLI flags.
//
// The MEMLINER environment variable uses the same space-separated key=value
// syntax as GORACE:
//
//	MEMLINER="workers=4 buffer_size=2048 log_level=debug" ./app
//
// Unknown keys are rejected so that typos do not pass silently.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// EnvVar is the environment variable read by FromEnv.
const EnvVar = "MEMLINER"

// ErrInvalidConfig is wrapped by every validation and parse error.
var ErrInvalidConfig = errors.New("config: invalid")

// Prefetch configures the prefetch queues and the concurrent marker.
type Prefetch struct {
	// Workers is the number of prefetch workers per pass.
	Workers int

	// BufferSize is the capacity of each mutator's prefetch queue.
	BufferSize int

	// Threshold is the number of recent entries kept when a queue compacts.
	Threshold int

	// SampleRate keeps one mutator enqueue attempt in SampleRate.
	SampleRate uint64

	// Stride caps the tasks a worker processes after draining one queue.
	Stride int

	// PrefetchNum caps the tasks a worker processes per drained queue.
	PrefetchNum int

	// PrefetchSize caps the object bytes a worker scans per drained queue.
	PrefetchSize uint64

	// ArrayChunkSize is the element count above which reference arrays are
	// split into chunk tasks. Must be a power of two.
	ArrayChunkSize int
}

// Swap configures the remote page store.
type Swap struct {
	// Queues is the number of per-CPU queue slots of each kind.
	Queues int

	// QueueDepth is the send queue depth of each queue pair.
	QueueDepth int

	// Margin is the number of send queue slots never used for admission.
	Margin int

	// PollBatch is the number of completions reaped per poll.
	PollBatch int

	// ChunkShift is log2 of the remote chunk size in bytes.
	ChunkShift uint

	// RemoteSize is the size in bytes of remote memory served by the
	// loopback memory server.
	RemoteSize uint64

	// RequestCache is the number of in-flight request slots per queue.
	RequestCache int
}

// Log configures logging.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string

	// Development selects the human-readable console encoder.
	Development bool
}

// Config is the complete configuration.
type Config struct {
	Prefetch Prefetch
	Swap     Swap
	Log      Log

	// APIVersion, when set, must be compatible with Version.
	APIVersion string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Prefetch: Prefetch{
			Workers:        max(1, runtime.GOMAXPROCS(0)/4),
			BufferSize:     1024,
			Threshold:      256,
			SampleRate:     1,
			Stride:         1000,
			PrefetchNum:    1000,
			PrefetchSize:   4 << 20,
			ArrayChunkSize: 64,
		},
		Swap: Swap{
			Queues:       max(1, runtime.NumCPU()),
			QueueDepth:   128,
			Margin:       16,
			PollBatch:    16,
			ChunkShift:   30,
			RemoteSize:   64 << 20,
			RequestCache: 256,
		},
		Log: Log{Level: "info"},
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	p, s := c.Prefetch, c.Swap
	switch {
	case p.Workers <= 0:
		return invalid("workers", p.Workers)
	case p.BufferSize <= 0:
		return invalid("buffer_size", p.BufferSize)
	case p.Threshold < 0 || p.Threshold > p.BufferSize:
		return invalid("threshold", p.Threshold)
	case p.Stride <= 0:
		return invalid("stride", p.Stride)
	case p.PrefetchNum <= 0:
		return invalid("prefetch_num", p.PrefetchNum)
	case p.PrefetchSize == 0:
		return invalid("prefetch_size", p.PrefetchSize)
	case p.ArrayChunkSize <= 0 || p.ArrayChunkSize&(p.ArrayChunkSize-1) != 0:
		return invalid("array_chunk", p.ArrayChunkSize)
	case s.Queues <= 0:
		return invalid("swap_queues", s.Queues)
	case s.QueueDepth <= 0:
		return invalid("queue_depth", s.QueueDepth)
	case s.Margin < 0 || s.Margin >= s.QueueDepth:
		return invalid("margin", s.Margin)
	case s.PollBatch <= 0:
		return invalid("poll_batch", s.PollBatch)
	case s.ChunkShift < 12 || s.ChunkShift > 40:
		return invalid("chunk_shift", s.ChunkShift)
	case s.RemoteSize == 0:
		return invalid("remote_size", s.RemoteSize)
	case s.RequestCache <= 0:
		return invalid("request_cache", s.RequestCache)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log_level", c.Log.Level)
	}
	if c.APIVersion != "" {
		if err := CheckCompatible(c.APIVersion); err != nil {
			return err
		}
	}
	return nil
}

func invalid(key string, v any) error {
	return fmt.Errorf("%w: %s=%v", ErrInvalidConfig, key, v)
}

// FromEnv returns Default overridden by the MEMLINER environment variable,
// validated.
func FromEnv() (Config, error) {
	c := Default()
	if err := c.Parse(os.Getenv(EnvVar)); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Parse applies space-separated key=value settings to c. It does not
// validate the result.
func (c *Config) Parse(s string) error {
	for _, field := range strings.Fields(s) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return fmt.Errorf("%w: %q is not key=value", ErrInvalidConfig, field)
		}
		if err := c.set(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "workers":
		c.Prefetch.Workers, err = strconv.Atoi(value)
	case "buffer_size":
		c.Prefetch.BufferSize, err = strconv.Atoi(value)
	case "threshold":
		c.Prefetch.Threshold, err = strconv.Atoi(value)
	case "sample_rate":
		c.Prefetch.SampleRate, err = strconv.ParseUint(value, 10, 64)
	case "stride":
		c.Prefetch.Stride, err = strconv.Atoi(value)
	case "prefetch_num":
		c.Prefetch.PrefetchNum, err = strconv.Atoi(value)
	case "prefetch_size":
		c.Prefetch.PrefetchSize, err = strconv.ParseUint(value, 10, 64)
	case "array_chunk":
		c.Prefetch.ArrayChunkSize, err = strconv.Atoi(value)
	case "swap_queues":
		c.Swap.Queues, err = strconv.Atoi(value)
	case "queue_depth":
		c.Swap.QueueDepth, err = strconv.Atoi(value)
	case "margin":
		c.Swap.Margin, err = strconv.Atoi(value)
	case "poll_batch":
		c.Swap.PollBatch, err = strconv.Atoi(value)
	case "chunk_shift":
		var v uint64
		v, err = strconv.ParseUint(value, 10, 8)
		c.Swap.ChunkShift = uint(v)
	case "remote_size":
		c.Swap.RemoteSize, err = strconv.ParseUint(value, 10, 64)
	case "request_cache":
		c.Swap.RequestCache, err = strconv.Atoi(value)
	case "log_level":
		c.Log.Level = value
	case "log_dev":
		c.Log.Development, err = strconv.ParseBool(value)
	case "api_version":
		c.APIVersion = value
	default:
		return fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, key)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return nil
}

// RegisterFlags binds the most commonly tuned settings to fs. Flags
// override whatever c holds when fs is parsed.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Prefetch.Workers, "workers", c.Prefetch.Workers, "prefetch workers per pass")
	fs.IntVar(&c.Prefetch.BufferSize, "buffer-size", c.Prefetch.BufferSize, "prefetch queue capacity in slots")
	fs.IntVar(&c.Prefetch.Threshold, "threshold", c.Prefetch.Threshold, "entries kept when a full prefetch queue compacts")
	fs.Uint64Var(&c.Prefetch.SampleRate, "sample-rate", c.Prefetch.SampleRate, "keep one enqueue attempt in N")
	fs.IntVar(&c.Swap.Queues, "swap-queues", c.Swap.Queues, "queue slots per kind")
	fs.IntVar(&c.Swap.QueueDepth, "queue-depth", c.Swap.QueueDepth, "send queue depth")
	fs.IntVar(&c.Swap.Margin, "margin", c.Swap.Margin, "send queue slots held back from admission")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level (debug, info, warn, error)")
	fs.BoolVar(&c.Log.Development, "log-dev", c.Log.Development, "human-readable console logs")
}
