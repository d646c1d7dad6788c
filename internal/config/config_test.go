package config

import (
	"errors"
	"flag"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if c.Prefetch.BufferSize != 1024 || c.Prefetch.Threshold != 256 {
		t.Errorf("prefetch defaults = %+v", c.Prefetch)
	}
	if c.Swap.QueueDepth != 128 || c.Swap.Margin != 16 || c.Swap.ChunkShift != 30 {
		t.Errorf("swap defaults = %+v", c.Swap)
	}
}

func TestParse(t *testing.T) {
	c := Default()
	err := c.Parse("workers=3  buffer_size=64 threshold=8 sample_rate=2 queue_depth=32 margin=4 chunk_shift=20 log_level=debug log_dev=true api_version=v0.1.0")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := Default()
	want.Prefetch.Workers = 3
	want.Prefetch.BufferSize = 64
	want.Prefetch.Threshold = 8
	want.Prefetch.SampleRate = 2
	want.Swap.QueueDepth = 32
	want.Swap.Margin = 4
	want.Swap.ChunkShift = 20
	want.Log = Log{Level: "debug", Development: true}
	want.APIVersion = "v0.1.0"
	if c != want {
		t.Errorf("Parse() result\n got %+v\nwant %+v", c, want)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []string{
		"workers",
		"workers=x",
		"bogus=1",
		"sample_rate=-1",
		"chunk_shift=999",
	}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			c := Default()
			if err := c.Parse(in); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Parse(%q) error = %v, want ErrInvalidConfig", in, err)
			}
		})
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"workers", func(c *Config) { c.Prefetch.Workers = 0 }},
		{"threshold above buffer", func(c *Config) { c.Prefetch.Threshold = c.Prefetch.BufferSize + 1 }},
		{"array chunk not pow2", func(c *Config) { c.Prefetch.ArrayChunkSize = 48 }},
		{"margin >= depth", func(c *Config) { c.Swap.Margin = c.Swap.QueueDepth }},
		{"chunk shift too small", func(c *Config) { c.Swap.ChunkShift = 4 }},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"api version newer", func(c *Config) { c.APIVersion = "v0.9.0" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mod(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvVar, "workers=2 swap_queues=3")
	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if c.Prefetch.Workers != 2 || c.Swap.Queues != 3 {
		t.Errorf("FromEnv() = %+v", c)
	}

	t.Setenv(EnvVar, "workers=0")
	if _, err := FromEnv(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("FromEnv() with workers=0 error = %v", err)
	}
}

func TestRegisterFlags(t *testing.T) {
	c := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse([]string{"-workers=5", "-queue-depth=64", "-log-level=warn"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if c.Prefetch.Workers != 5 || c.Swap.QueueDepth != 64 || c.Log.Level != "warn" {
		t.Errorf("flags not applied: %+v", c)
	}
}

func TestCheckCompatible(t *testing.T) {
	tests := []struct {
		v  string
		ok bool
	}{
		{"v0.1.0", true},
		{"0.1.0", true},
		{"v0.0.9", true},
		{"v0.2.0", false},
		{"v1.0.0", false},
		{"latest", false},
		{"", false},
	}
	for _, tt := range tests {
		err := CheckCompatible(tt.v)
		if (err == nil) != tt.ok {
			t.Errorf("CheckCompatible(%q) = %v, want ok=%v", tt.v, err, tt.ok)
		}
	}
}
