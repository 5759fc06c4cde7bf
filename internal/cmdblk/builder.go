package cmdblk

import (
	"errors"
	"fmt"
)

var (
	// ErrPayloadTooLarge is returned when a payload does not fit in one slot
	ErrPayloadTooLarge = errors.New("payload exceeds command block")
	// ErrUnknownUnit is returned for an execution unit outside UnitEA..UnitRNG
	ErrUnknownUnit = errors.New("unknown execution unit")
)

// Builder assembles the command blocks of one request into a linear buffer
type Builder struct {
	unit     Unit
	slotSize int
	buf      []byte
}

// NewBuilder returns a builder for the given unit with room for hint blocks
func NewBuilder(unit Unit, hint int) (*Builder, error) {
	if !unit.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownUnit, unit)
	}
	if hint < 1 {
		hint = 1
	}
	size := unit.SlotSize()
	return &Builder{
		unit:     unit,
		slotSize: size,
		buf:      make([]byte, 0, hint*size),
	}, nil
}

// Add appends one command block
func (b *Builder) Add(op uint8, payload []byte) error {
	room := b.slotSize - HeaderSize - NextSize
	if len(payload) > room {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), room)
	}

	start := len(b.buf)
	b.buf = append(b.buf, make([]byte, b.slotSize)...)
	blk := Block(b.buf[start : start+b.slotSize])
	blk.SetHeader(Encode(op, len(payload), false))
	copy(blk.Payload(), payload)
	return nil
}

// Count returns the number of blocks added so far
func (b *Builder) Count() int {
	return len(b.buf) / b.slotSize
}

// Commands returns the assembled blocks with the last-in-sequence marker set
// on the final block. The builder must not be reused afterwards.
func (b *Builder) Commands() []byte {
	n := b.Count()
	if n == 0 {
		return nil
	}
	Slot(b.buf, b.slotSize, uint32(n-1)).SetLast(true)
	return b.buf
}
