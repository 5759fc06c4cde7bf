package cmdblk

import (
	"encoding/binary"
	"fmt"
)

// Block is a view over one command slot.
//
//	word 0            header: opcode (31..24), last (23), owned (22), length (15..0)
//	bytes 4..size-4   payload
//	last 4 bytes      next: ring index of the following slot
type Block []byte

// Header returns the raw header word
func (b Block) Header() uint32 {
	return binary.LittleEndian.Uint32(b[0:HeaderSize])
}

// SetHeader stores the raw header word
func (b Block) SetHeader(h uint32) {
	binary.LittleEndian.PutUint32(b[0:HeaderSize], h)
}

// Opcode extracts the opcode from the header
func (b Block) Opcode() uint8 {
	return uint8((b.Header() & OpcodeMask) >> OpcodeShift)
}

// SetOpcode replaces the opcode, keeping every other header bit
func (b Block) SetOpcode(op uint8) {
	h := b.Header() &^ OpcodeMask
	b.SetHeader(h | uint32(op)<<OpcodeShift)
}

// Last reports whether the block carries the last-in-sequence marker
func (b Block) Last() bool {
	return b.Header()&FlagLast != 0
}

// SetLast sets or clears the last-in-sequence marker
func (b Block) SetLast(last bool) {
	h := b.Header()
	if last {
		h |= FlagLast
	} else {
		h &^= FlagLast
	}
	b.SetHeader(h)
}

// Owned reports the hardware ownership bit
func (b Block) Owned() bool {
	return b.Header()&FlagOwned != 0
}

// Length returns the payload data length from the header
func (b Block) Length() int {
	return int(b.Header() & LengthMask)
}

// Payload returns the payload region of the block
func (b Block) Payload() []byte {
	return b[HeaderSize : len(b)-NextSize]
}

// Next returns the ring index stored in the reserved next field
func (b Block) Next() uint32 {
	return binary.LittleEndian.Uint32(b[len(b)-NextSize:])
}

// SetNext stores the ring index of the following slot
func (b Block) SetNext(idx uint32) {
	binary.LittleEndian.PutUint32(b[len(b)-NextSize:], idx)
}

func (b Block) String() string {
	return fmt.Sprintf("op=0x%02x last=%t len=%d next=%d", b.Opcode(), b.Last(), b.Length(), b.Next())
}

// Slot returns the block at index idx of a ring or command buffer
func Slot(buf []byte, slotSize int, idx uint32) Block {
	off := int(idx) * slotSize
	return Block(buf[off : off+slotSize])
}

// Encode builds a header word
func Encode(op uint8, length int, last bool) uint32 {
	h := uint32(op)<<OpcodeShift | uint32(length)&LengthMask
	if last {
		h |= FlagLast
	}
	return h
}
