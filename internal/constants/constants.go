package constants

import "time"

// Default configuration constants
const (
	// DefaultCmdQueueExp is the default command ring size as a power of two (2^10 = 1024 slots)
	DefaultCmdQueueExp = 10

	// MinCmdQueueExp is the smallest supported command ring (4 slots)
	MinCmdQueueExp = 2

	// MaxCmdQueueExp is the largest supported command ring (32768 slots).
	// Completion deltas are reported as uint16, so the ring must stay below 2^16.
	MaxCmdQueueExp = 15

	// DefaultMaxAPIRequests is the default request ring size (must be a power of two)
	DefaultMaxAPIRequests = 256

	// AutoAssignChipID indicates the manager should pick the next free chip ID
	AutoAssignChipID = -1

	// MaxChips is the number of chip slots in the queue arena
	MaxChips = 16
)

// Timing constants for synchronous waits and polling
const (
	// DefaultSyncRetries is the number of timed waits a synchronous caller performs
	DefaultSyncRetries = 20

	// DefaultSyncRetryInterval is the length of each synchronous wait
	DefaultSyncRetryInterval = 50 * time.Millisecond

	// DefaultPollInterval is the timer period for polling the read pointer
	// when interrupts are coalesced or lost. Zero disables timer polling.
	DefaultPollInterval = 10 * time.Millisecond
)

// Command slot sizes per execution unit, in bytes
const (
	EASlotSize  = 128
	PKSlotSize  = 32
	RNGSlotSize = 16
)

// Callback dispatch constants
const (
	// DeferredCallbackBacklog is the number of reap batches the deferred
	// callback worker can hold before reap falls back to inline dispatch
	DeferredCallbackBacklog = 64
)
