// Package dma allocates the memory regions shared between the queue manager
// and an execution unit.
package dma

import (
	"fmt"
	"os"
)

// Region is a zeroed, page-rounded memory region
type Region struct {
	buf    []byte
	mem    []byte
	size   int
	mapped bool
}

// Alloc returns a zeroed region of at least size bytes
func Alloc(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid region size %d", size)
	}

	// Page-round the mapping size
	pageSize := os.Getpagesize()
	mapSize := size
	if rem := mapSize % pageSize; rem != 0 {
		mapSize += pageSize - rem
	}

	buf, mapped, err := mapRegion(mapSize)
	if err != nil {
		return nil, err
	}
	return &Region{buf: buf[:size:size], mem: buf, size: mapSize, mapped: mapped}, nil
}

// Bytes returns the usable part of the region
func (r *Region) Bytes() []byte {
	return r.buf
}

// Free releases the region. The slice returned by Bytes must not be used afterwards.
func (r *Region) Free() error {
	if r == nil || r.buf == nil {
		return nil
	}
	mem := r.mem
	r.buf, r.mem = nil, nil
	if !r.mapped {
		return nil
	}
	return unmapRegion(mem)
}
