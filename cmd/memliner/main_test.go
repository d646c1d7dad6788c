package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"github.com/mahaoran1997/MemLiner/memliner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParseSimulateArgs(t *testing.T) {
	t.Setenv("MEMLINER", "")
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		check   func(t *testing.T, o simulateOptions)
	}{
		{
			name: "defaults",
			check: func(t *testing.T, o simulateOptions) {
				if o.mutators != 4 || o.cycles != 3 || o.fanout != 2 {
					t.Errorf("options = %+v", o)
				}
			},
		},
		{
			name: "flags override config",
			args: []string{"-workers", "3", "-mutators", "2", "-objects", "10", "-log-level", "debug"},
			check: func(t *testing.T, o simulateOptions) {
				if o.cfg.Prefetch.Workers != 3 || o.mutators != 2 || o.objects != 10 || o.cfg.Log.Level != "debug" {
					t.Errorf("options = %+v", o)
				}
			},
		},
		{name: "zero mutators", args: []string{"-mutators", "0"}, wantErr: true},
		{name: "negative fanout", args: []string{"-fanout", "-1"}, wantErr: true},
		{name: "bad config", args: []string{"-threshold", "100000"}, wantErr: true},
		{name: "positional", args: []string{"extra"}, wantErr: true},
		{name: "unknown flag", args: []string{"-nope"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := parseSimulateArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSimulateArgs(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, o)
			}
		})
	}
}

func TestParseHelp(t *testing.T) {
	if _, err := parseSimulateArgs([]string{"-h"}); !errors.Is(err, flag.ErrHelp) {
		t.Errorf("simulate -h error = %v, want flag.ErrHelp", err)
	}
	if _, err := parseSwapArgs([]string{"-h"}); !errors.Is(err, flag.ErrHelp) {
		t.Errorf("swap -h error = %v, want flag.ErrHelp", err)
	}
}

func TestParseSimulateArgsFromEnv(t *testing.T) {
	t.Setenv("MEMLINER", "workers=5 buffer_size=64 threshold=16")
	o, err := parseSimulateArgs([]string{"-threshold", "8"})
	if err != nil {
		t.Fatal(err)
	}
	if o.cfg.Prefetch.Workers != 5 || o.cfg.Prefetch.BufferSize != 64 || o.cfg.Prefetch.Threshold != 8 {
		t.Errorf("config = %+v", o.cfg.Prefetch)
	}
}

func TestRunSimulate(t *testing.T) {
	t.Setenv("MEMLINER", "")
	o, err := parseSimulateArgs([]string{
		"-workers", "2", "-mutators", "3", "-objects", "200", "-cycles", "2", "-touches", "300",
	})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := runSimulate(context.Background(), o, &out); err != nil {
		t.Fatalf("runSimulate() error = %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"simulating 3 mutators x 200 objects, 2 workers",
		"cycle 1: live=600 ",
		"cycle 2: live=600 ",
		"total: cycles=2 ",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestRunSimulateCancelled(t *testing.T) {
	t.Setenv("MEMLINER", "")
	o, err := parseSimulateArgs([]string{"-mutators", "1", "-objects", "10", "-touches", "10"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := runSimulate(ctx, o, &bytes.Buffer{}); !errors.Is(err, context.Canceled) {
		t.Errorf("runSimulate() error = %v, want context.Canceled", err)
	}
}

func TestParseSwapArgs(t *testing.T) {
	t.Setenv("MEMLINER", "")
	o, err := parseSwapArgs([]string{"-pages", "100000", "-queue-depth", "32", "-margin", "4"})
	if err != nil {
		t.Fatal(err)
	}
	if o.cfg.Swap.RemoteSize != 100000*4096 {
		t.Errorf("RemoteSize = %d, want room for every page", o.cfg.Swap.RemoteSize)
	}
	if o.cfg.Swap.QueueDepth != 32 || o.cfg.Swap.Margin != 4 {
		t.Errorf("swap config = %+v", o.cfg.Swap)
	}

	for _, args := range [][]string{
		{"-pages", "0"},
		{"-goroutines", "0"},
		{"-batch", "0"},
		{"-queue-depth", "8", "-margin", "8"},
	} {
		if _, err := parseSwapArgs(args); err == nil {
			t.Errorf("parseSwapArgs(%v) succeeded", args)
		}
	}
}

func TestRunSwap(t *testing.T) {
	t.Setenv("MEMLINER", "")
	o, err := parseSwapArgs([]string{
		"-pages", "257", "-goroutines", "3", "-batch", "5",
		"-swap-queues", "2", "-queue-depth", "16", "-margin", "4", "-log-level", "error",
	})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := runSwap(context.Background(), o, &out); err != nil {
		t.Fatalf("runSwap() error = %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"stored 257 pages",
		"loaded 257 pages",
		"posted=514 completed=514 failed=0",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

// failingLoader fails LoadAsync for one page and PollLoad with pollErr.
type failingLoader struct {
	failPage uint64
	pollErr  error
	posted   int
	polls    int
}

func (f *failingLoader) Load(context.Context, int, uint64, *memliner.Page) error { return nil }

func (f *failingLoader) LoadAsync(_ context.Context, _ int, offset uint64, _ *memliner.Page) error {
	if offset == f.failPage {
		return memliner.ErrPageBusy
	}
	f.posted++
	return nil
}

func (f *failingLoader) PollLoad(int) error {
	f.polls++
	return f.pollErr
}

func TestLoadAndVerifyReportsPollErrorOnPostFailure(t *testing.T) {
	errPoll := errors.New("completion failed")
	f := &failingLoader{failPage: 3, pollErr: errPoll}

	err := loadAndVerify(context.Background(), f, 0, []int{1, 3, 5}, 3)
	if !errors.Is(err, memliner.ErrPageBusy) {
		t.Errorf("loadAndVerify() error = %v, want ErrPageBusy", err)
	}
	if !errors.Is(err, errPoll) {
		t.Errorf("loadAndVerify() error = %v, want the PollLoad error too", err)
	}
	if f.posted != 1 || f.polls != 1 {
		t.Errorf("posted=%d polls=%d, want 1 and 1", f.posted, f.polls)
	}
}

func BenchmarkParseSimulateArgs(b *testing.B) {
	args := []string{"-workers", "2", "-mutators", "8", "-objects", "100"}
	for b.Loop() {
		if _, err := parseSimulateArgs(args); err != nil {
			b.Fatal(err)
		}
	}
}
