// Package queue implements the command queue manager for one execution unit:
// the command ring shared with the engine, the FIFO of outstanding requests,
// and the submission, completion and fault paths over them.
//
// Producers may call Enqueue from any goroutine. Reap and ReportFault form
// the consumer side and must only be called from one goroutine per Control;
// Dispatcher provides that goroutine.
package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
	"golang.org/x/sys/cpu"

	"github.com/ehrlich-b/go-qmgr/internal/cmdblk"
	"github.com/ehrlich-b/go-qmgr/internal/constants"
	"github.com/ehrlich-b/go-qmgr/internal/dma"
	"github.com/ehrlich-b/go-qmgr/internal/interfaces"
)

// Config describes one queue
type Config struct {
	Chip              int
	Unit              cmdblk.Unit
	CmdQueueExp       int // ring length is 1<<CmdQueueExp slots
	MaxAPIRequests    int // power of two
	SyncRetries       int
	SyncRetryInterval time.Duration

	// ImmediateDispatch runs callbacks inline in the consumer context. When
	// false they go to Callbacks, or run inline if Callbacks is nil.
	ImmediateDispatch bool
	Callbacks         *CallbackWorker

	Registers interfaces.Registers
	Sessions  interfaces.Sessions // optional

	// Completed is the cross-queue finished-request counter behind Poll.
	// Optional.
	Completed *atomix.Int64

	Observer Observer
	Logger   Logger
}

// Control owns the rings and cursors of one (chip, unit) queue
type Control struct {
	chip      int
	unit      cmdblk.Unit
	region    *dma.Region
	ring      CommandRing
	requests  requestRing
	regs      interfaces.Registers
	sessions  interfaces.Sessions
	callbacks *CallbackWorker
	immediate bool
	retries   int
	interval  time.Duration
	completed *atomix.Int64
	observer  Observer
	logger    Logger

	// Producer side, guarded by mu
	mu            sync.Mutex
	writeIndex    uint32
	apiWriteIndex uint32
	closed        bool

	_ cpu.CacheLinePad

	// Mirrored read cursor: written by the consumer, read by producers
	readIndex atomic.Uint32

	_ cpu.CacheLinePad

	// Consumer side, touched only by Reap and ReportFault. cmu is held for
	// each consumer call so Close cannot free the ring underneath one;
	// producers never take it.
	cmu          sync.Mutex
	shut         bool
	apiReadIndex uint32
	remaining    uint32

	stats Stats
}

// NewControl allocates the command ring and returns an empty queue
func NewControl(cfg Config) (*Control, error) {
	if !cfg.Unit.Valid() {
		return nil, fmt.Errorf("%w: unit %d", cmdblk.ErrUnknownUnit, cfg.Unit)
	}
	if cfg.Registers == nil {
		return nil, fmt.Errorf("queue %d/%s: no registers", cfg.Chip, cfg.Unit)
	}
	if cfg.CmdQueueExp == 0 {
		cfg.CmdQueueExp = constants.DefaultCmdQueueExp
	}
	if cfg.CmdQueueExp < constants.MinCmdQueueExp || cfg.CmdQueueExp > constants.MaxCmdQueueExp {
		return nil, fmt.Errorf("command queue exponent %d out of range [%d, %d]",
			cfg.CmdQueueExp, constants.MinCmdQueueExp, constants.MaxCmdQueueExp)
	}
	if cfg.MaxAPIRequests == 0 {
		cfg.MaxAPIRequests = constants.DefaultMaxAPIRequests
	}
	if cfg.SyncRetries <= 0 {
		cfg.SyncRetries = constants.DefaultSyncRetries
	}
	if cfg.SyncRetryInterval <= 0 {
		cfg.SyncRetryInterval = constants.DefaultSyncRetryInterval
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}

	requests, err := newRequestRing(cfg.MaxAPIRequests)
	if err != nil {
		return nil, err
	}

	slotSize := cfg.Unit.SlotSize()
	region, err := dma.Alloc((1 << cfg.CmdQueueExp) * slotSize)
	if err != nil {
		return nil, fmt.Errorf("allocate %s command ring: %w", cfg.Unit, err)
	}
	ring, err := newCommandRing(region.Bytes(), slotSize)
	if err != nil {
		region.Free()
		return nil, err
	}

	c := &Control{
		chip:      cfg.Chip,
		unit:      cfg.Unit,
		region:    region,
		ring:      ring,
		requests:  requests,
		regs:      cfg.Registers,
		sessions:  cfg.Sessions,
		callbacks: cfg.Callbacks,
		immediate: cfg.ImmediateDispatch,
		retries:   cfg.SyncRetries,
		interval:  cfg.SyncRetryInterval,
		completed: cfg.Completed,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
	}
	if c.logger != nil {
		c.logger.Debugf("queue %d/%s: %d slots of %d bytes, %d request slots",
			c.chip, c.unit, ring.Len(), slotSize, cfg.MaxAPIRequests)
	}
	return c, nil
}

// Chip returns the chip index
func (c *Control) Chip() int { return c.chip }

// Unit returns the execution unit
func (c *Control) Unit() cmdblk.Unit { return c.unit }

// Ring returns the command ring
func (c *Control) Ring() *CommandRing { return &c.ring }

// Stats returns the live counters
func (c *Control) Stats() *Stats { return &c.stats }

// QueuedCount returns the number of requests submitted but not yet finished
func (c *Control) QueuedCount() int {
	return int(c.stats.InFlight.Load())
}

// Free returns the command slots currently available to producers
func (c *Control) Free() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.free(c.readIndex.Load(), c.writeIndex)
}

// Close rejects further submissions and releases the ring memory. It waits
// for a consumer call in progress; later Reap and ReportFault calls do
// nothing. The engine must already be stopped; requests still queued are
// never finished.
func (c *Control) Close() error {
	// Same order as a Reap whose callback resubmits
	c.cmu.Lock()
	defer c.cmu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.shut = true
	if n := c.stats.InFlight.Load(); n > 0 && c.logger != nil {
		c.logger.Printf("queue %d/%s closed with %d requests in flight", c.chip, c.unit, n)
	}
	return c.region.Free()
}
