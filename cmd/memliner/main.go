// Package main implements the memliner CLI tool.
//
// The memliner tool drives the prefetch marker and the remote page store
// against in-process backends so their behavior can be observed without a
// real collector or an RDMA fabric:
//
//	memliner simulate -mutators 4 -cycles 3   # prefetch marking over a simulated heap
//	memliner swap -pages 4096                 # page traffic through the loopback transport
//
// Every command also reads the MEMLINER environment variable; flags take
// precedence over it.
package main

import (
	"fmt"
	"os"

	"github.com/mahaoran1997/MemLiner/memliner"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "simulate":
		simulateCommand(os.Args[2:])
	case "swap":
		swapCommand(os.Args[2:])
	case "version", "--version", "-v":
		info := memliner.GetInfo()
		fmt.Printf("memliner version %s (%s, %s)\n", info.Version, info.Prefetcher, info.Transport)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`memliner - speculative prefetch marking and remote swap

USAGE:
    memliner <command> [flags]

COMMANDS:
    simulate   Run prefetch marking cycles over a simulated heap
    swap       Move pages through the loopback remote page store
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Four mutators, three marking cycles, debug logs
    memliner simulate -mutators 4 -cycles 3 -log-level debug

    # Store and load 4096 pages with a shallow admission window
    memliner swap -pages 4096 -queue-depth 32 -margin 8

    # Same, configured from the environment
    MEMLINER="queue_depth=32 margin=8" memliner swap

Run 'memliner <command> -h' for the flags of a command.
`)
}
