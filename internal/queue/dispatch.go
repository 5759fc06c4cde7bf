package queue

import (
	"context"
	"sync/atomic"
	"time"
)

// Resumer restarts a halted engine
type Resumer interface {
	Resume()
}

// DispatcherConfig configures the consumer goroutine of one queue
type DispatcherConfig struct {
	Engine Resumer

	// PollInterval reaps on a timer as well as on interrupts, for engines
	// whose notifications may be coalesced or lost. Zero disables it.
	PollInterval time.Duration

	Logger Logger
}

type faultEvent struct {
	index  uint32
	status uint32
}

// Dispatcher is the single consumer of a Control. It implements
// interfaces.InterruptSink: the engine's notifications are turned into
// channel events and handled on the Run goroutine, which alone calls Reap
// and ReportFault.
type Dispatcher struct {
	ctl      *Control
	engine   Resumer
	interval time.Duration
	logger   Logger

	kick   chan struct{}
	faults chan faultEvent

	lastRead uint32 // last hardware read pointer folded into Reap
	dropped  atomic.Uint64
	running  atomic.Bool
}

// NewDispatcher returns a dispatcher for ctl. Call Run to start it.
func NewDispatcher(ctl *Control, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		ctl:      ctl,
		engine:   cfg.Engine,
		interval: cfg.PollInterval,
		logger:   cfg.Logger,
		kick:     make(chan struct{}, 1),
		// The engine halts on a fault until Resume, so one pending fault
		// per engine is the most that can queue up
		faults:   make(chan faultEvent, 1),
		lastRead: ctl.regs.CmdQueueReadPtr() & ctl.ring.mask,
	}
}

// CommandsRetired implements interfaces.InterruptSink. Notifications
// coalesce: any number of them before Run wakes cause one reap.
func (d *Dispatcher) CommandsRetired() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// CommandFaulted implements interfaces.InterruptSink
func (d *Dispatcher) CommandFaulted(index, status uint32) {
	select {
	case d.faults <- faultEvent{index: index, status: status}:
	default:
		d.dropped.Add(1)
		if d.logger != nil {
			d.logger.Printf("queue %d/%s: fault at %d dropped, previous fault not handled",
				d.ctl.chip, d.ctl.unit, index)
		}
	}
}

// Run handles notifications until ctx is cancelled. It must be called
// once, from one goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		panic("queue: Dispatcher.Run called twice")
	}

	var tick <-chan time.Time
	if d.interval > 0 {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	if d.logger != nil {
		d.logger.Debugf("queue %d/%s: dispatcher started (poll=%v)", d.ctl.chip, d.ctl.unit, d.interval)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.kick:
			d.reapRetired()
		case <-tick:
			d.reapRetired()
		case f := <-d.faults:
			d.handleFault(f)
		}
	}
}

// reapRetired folds the hardware read pointer movement since the last call
// into Reap
func (d *Dispatcher) reapRetired() int {
	hw := d.ctl.regs.CmdQueueReadPtr() & d.ctl.ring.mask
	delta := (hw - d.lastRead) & d.ctl.ring.mask
	d.lastRead = hw
	return d.ctl.Reap(uint16(delta))
}

// handleFault reaps everything retired before the faulted command, patches
// the faulted request, then lets the engine continue over the patched span
func (d *Dispatcher) handleFault(f faultEvent) {
	index := f.index & d.ctl.ring.mask
	delta := (index - d.lastRead) & d.ctl.ring.mask
	d.lastRead = index
	d.ctl.Reap(uint16(delta))

	if err := d.ctl.ReportFault(index, f.status); err != nil && d.logger != nil {
		d.logger.Printf("queue %d/%s: %v", d.ctl.chip, d.ctl.unit, err)
	}
	if d.engine != nil {
		d.engine.Resume()
	}
}

// Dropped returns the number of fault notifications that arrived while one
// was still pending
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}
