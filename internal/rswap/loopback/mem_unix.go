//go:build unix

package loopback

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapRegion maps size bytes of anonymous private memory.
func mapRegion(size int) ([]byte, func() error, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("loopback: mmap %d bytes: %w", size, err)
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}
