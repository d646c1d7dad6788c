package memliner

import "github.com/mahaoran1997/MemLiner/internal/config"

// Version is the current version of the runtime.
const Version = config.Version

// Info provides runtime information.
type Info struct {
	// Version is the runtime version string.
	Version string

	// Prefetcher names the marking algorithm.
	Prefetcher string

	// Transport names the swap transport.
	Transport string
}

// GetInfo returns information about the runtime.
//
// Example:
//
//	info := memliner.GetInfo()
//	fmt.Printf("MemLiner %s (%s)\n", info.Version, info.Prefetcher)
func GetInfo() Info {
	return Info{
		Version:    Version,
		Prefetcher: "speculative round-robin prefetch marking",
		Transport:  "one-sided RDMA (loopback)",
	}
}

// CheckCompatible reports whether code built against version v can use
// this runtime.
func CheckCompatible(v string) error { return config.CheckCompatible(v) }
