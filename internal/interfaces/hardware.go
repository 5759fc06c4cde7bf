// Package interfaces defines the collaborators the queue manager talks to:
// the hardware register window, the execution engine behind it, and the
// session/buffer layer that owns request storage.
package interfaces

// Registers is the register window of one execution unit's command queue.
// These are the only points where the queue manager touches the device.
type Registers interface {
	// WriteCmdQueueWritePtr publishes the software write cursor to hardware.
	WriteCmdQueueWritePtr(ptr uint32)

	// CmdQueueReadPtr returns the hardware read cursor: the index of the
	// next command the unit will execute.
	CmdQueueReadPtr() uint32
}

// InterruptSink receives notifications raised by an engine.
// Implementations must not block.
type InterruptSink interface {
	// CommandsRetired signals that the read pointer advanced.
	// Notifications may be coalesced.
	CommandsRetired()

	// CommandFaulted signals that the command at index halted execution.
	// The engine stays halted until Resume is called.
	CommandFaulted(index uint32, status uint32)
}

// Engine is a hardware execution unit consuming one command ring.
type Engine interface {
	Registers

	// Attach hands the engine the command ring memory, its slot size, and
	// the sink for its notifications. Called once before any command is
	// published.
	Attach(ring []byte, slotSize int, irq InterruptSink) error

	// Resume restarts execution at the faulted index after the faulted
	// span has been patched.
	Resume()

	// Close stops the engine. After Close no notifications are raised.
	Close() error
}
