//go:build linux

package dma

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapRegion maps anonymous shared memory, populated up front so the engine
// never takes a page fault on the ring
func mapRegion(size int) ([]byte, bool, error) {
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, false, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return buf, true, nil
}

func unmapRegion(buf []byte) error {
	return unix.Munmap(buf)
}
