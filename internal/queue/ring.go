package queue

import (
	"fmt"
	"sync/atomic"

	"github.com/ehrlich-b/go-qmgr/internal/cmdblk"
)

// CommandRing is a power-of-two array of fixed-size command slots shared
// with the engine. It holds no cursors; those live in Control.
type CommandRing struct {
	buf      []byte
	slotSize int
	length   uint32
	mask     uint32
}

func newCommandRing(buf []byte, slotSize int) (CommandRing, error) {
	if slotSize <= cmdblk.HeaderSize+cmdblk.NextSize {
		return CommandRing{}, fmt.Errorf("slot size %d too small", slotSize)
	}
	n := len(buf) / slotSize
	if n < 2 || n&(n-1) != 0 {
		return CommandRing{}, fmt.Errorf("ring of %d slots is not a power of two", n)
	}
	r := CommandRing{
		buf:      buf[:n*slotSize],
		slotSize: slotSize,
		length:   uint32(n),
		mask:     uint32(n - 1),
	}
	r.stampNext(0, r.length)
	return r, nil
}

// Len returns the number of slots
func (r *CommandRing) Len() uint32 { return r.length }

// Mask returns Len()-1
func (r *CommandRing) Mask() uint32 { return r.mask }

// SlotSize returns the slot size in bytes
func (r *CommandRing) SlotSize() int { return r.slotSize }

// Bytes returns the ring memory
func (r *CommandRing) Bytes() []byte { return r.buf }

// Slot returns a view over the slot at idx (masked)
func (r *CommandRing) Slot(idx uint32) cmdblk.Block {
	return cmdblk.Slot(r.buf, r.slotSize, idx&r.mask)
}

// free returns the slots a producer may claim. One slot always stays empty.
func (r *CommandRing) free(read, write uint32) uint32 {
	return (read - write - 1) & r.mask
}

// inSpan reports whether idx lies in first..last inclusive, wrap aware
func (r *CommandRing) inSpan(first, last, idx uint32) bool {
	return (idx-first)&r.mask <= (last-first)&r.mask
}

// split returns how many of count slots starting at at fit before the end
// of the ring; the rest wrap to index 0
func (r *CommandRing) split(at, count uint32) (head, tail uint32) {
	head = r.length - at
	if head >= count {
		return count, 0
	}
	return head, count - head
}

// copyIn writes src into the ring starting at slot at, in at most two copies
func (r *CommandRing) copyIn(at uint32, src []byte) {
	count := uint32(len(src) / r.slotSize)
	head, tail := r.split(at, count)
	off := int(at) * r.slotSize
	n := int(head) * r.slotSize
	copy(r.buf[off:off+n], src[:n])
	if tail > 0 {
		copy(r.buf[:int(tail)*r.slotSize], src[n:])
	}
}

// copyOut reads count slots starting at at into dst, in at most two copies
func (r *CommandRing) copyOut(dst []byte, at, count uint32) {
	head, tail := r.split(at, count)
	off := int(at) * r.slotSize
	n := int(head) * r.slotSize
	copy(dst[:n], r.buf[off:off+n])
	if tail > 0 {
		copy(dst[n:n+int(tail)*r.slotSize], r.buf[:int(tail)*r.slotSize])
	}
}

// stampNext writes ring continuity into count slots starting at at
func (r *CommandRing) stampNext(at, count uint32) {
	for i := uint32(0); i < count; i++ {
		idx := (at + i) & r.mask
		r.Slot(idx).SetNext((idx + 1) & r.mask)
	}
}

// patchNop rewrites from..last inclusive with the no-op opcode. Only the
// slot at last keeps the last-in-sequence marker. Returns the slots patched.
func (r *CommandRing) patchNop(from, last uint32, nop uint8) uint32 {
	n := ((last - from) & r.mask) + 1
	for i := uint32(0); i < n; i++ {
		idx := (from + i) & r.mask
		blk := r.Slot(idx)
		blk.SetOpcode(nop)
		blk.SetLast(idx == last)
	}
	return n
}

// requestRing is the FIFO of outstanding requests. Slots are written by the
// producer under Control.mu and cleared by the single consumer.
type requestRing struct {
	slots []atomic.Pointer[Request]
	mask  uint32
}

func newRequestRing(size int) (requestRing, error) {
	if size < 1 || size&(size-1) != 0 {
		return requestRing{}, fmt.Errorf("request ring size %d is not a power of two", size)
	}
	return requestRing{
		slots: make([]atomic.Pointer[Request], size),
		mask:  uint32(size - 1),
	}, nil
}

func (q *requestRing) at(idx uint32) *atomic.Pointer[Request] {
	return &q.slots[idx&q.mask]
}
