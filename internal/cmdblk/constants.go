// Package cmdblk provides the command block layout shared with the
// execution units: per-unit slot sizes, opcodes and header bits.
package cmdblk

import (
	"fmt"

	"github.com/ehrlich-b/go-qmgr/internal/constants"
)

// Unit identifies an execution unit on a chip
type Unit uint8

const (
	UnitEA  Unit = iota // bulk cipher / authentication
	UnitPK              // public key
	UnitRNG             // random number generator

	NumUnits = 3
)

// Units lists every execution unit in arena order
var Units = [NumUnits]Unit{UnitEA, UnitPK, UnitRNG}

func (u Unit) String() string {
	switch u {
	case UnitEA:
		return "EA"
	case UnitPK:
		return "PK"
	case UnitRNG:
		return "RNG"
	default:
		return fmt.Sprintf("UNIT_%d", uint8(u))
	}
}

// Valid reports whether u names a known execution unit
func (u Unit) Valid() bool {
	return u < NumUnits
}

// SlotSize returns the command block size for the unit in bytes
func (u Unit) SlotSize() int {
	switch u {
	case UnitEA:
		return EASlotSize
	case UnitPK:
		return PKSlotSize
	case UnitRNG:
		return RNGSlotSize
	default:
		return 0
	}
}

// NopOpcode returns the opcode the unit executes as a no-op
func (u Unit) NopOpcode() uint8 {
	switch u {
	case UnitEA:
		return OpEANop
	case UnitPK:
		return OpPKNop
	default:
		return OpRNGNop
	}
}

// Header word layout (word 0 of every slot, little endian)
const (
	OpcodeShift = 24
	OpcodeMask  = 0xFF000000

	// FlagLast marks the final block of a request's command sequence
	FlagLast = 1 << 23

	// FlagOwned is the hardware ownership bit. The queue manager copies it
	// through untouched and never sets it.
	FlagOwned = 1 << 22

	// LengthMask holds the data length of the block's payload
	LengthMask = 0x0000FFFF
)

// Command slot sizes in bytes
const (
	EASlotSize  = constants.EASlotSize
	PKSlotSize  = constants.PKSlotSize
	RNGSlotSize = constants.RNGSlotSize
)

// Slot layout offsets
const (
	HeaderSize = 4
	NextSize   = 4
)

// EA opcodes
const (
	OpEANop     = 0x00
	OpEAMD5     = 0x01
	OpEASHA1    = 0x02
	OpEAEncrypt = 0x10
	OpEADecrypt = 0x11
	OpEAHMAC    = 0x20
)

// PK opcodes
const (
	OpPKNop     = 0x00
	OpPKModExp  = 0x01
	OpPKModMul  = 0x02
	OpPKLoadKey = 0x08
)

// RNG opcodes
const (
	OpRNGNop  = 0x00
	OpRNGFill = 0x01
)

// OpPoison is never produced by the builders. The simulated engine treats it
// as an illegal instruction, which makes it useful for fault injection.
const OpPoison = 0xFF

// Fault status codes reported by the engine alongside a faulted index
const (
	StatusOK           = 0x00
	StatusIllegalOp    = 0x01
	StatusBadChain     = 0x02
	StatusDataError    = 0x03
	StatusBusError     = 0x04
	StatusKeyError     = 0x05
	StatusUnknownFault = 0xFF
)
