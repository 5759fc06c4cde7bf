// Package ctrl owns the table of attached chips: one queue per (chip, unit),
// each with its engine and consumer goroutine.
package ctrl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/atomix"
	pkgerrors "github.com/pkg/errors"

	"github.com/ehrlich-b/go-qmgr/internal/cmdblk"
	"github.com/ehrlich-b/go-qmgr/internal/constants"
	"github.com/ehrlich-b/go-qmgr/internal/interfaces"
	"github.com/ehrlich-b/go-qmgr/internal/logging"
	"github.com/ehrlich-b/go-qmgr/internal/queue"
)

var (
	ErrUnknownQueue = errors.New("no queue for chip/unit")
	ErrChipExists   = errors.New("chip already attached")
	ErrArenaFull    = errors.New("no free chip slot")
)

// Shared is the state every queue in an arena shares
type Shared struct {
	Completed *atomix.Int64
	Callbacks *queue.CallbackWorker
	Observer  queue.Observer
}

// Queue is one attached (chip, unit) queue
type Queue struct {
	Ctl        *queue.Control
	Dispatcher *queue.Dispatcher // nil under ExternalNotify
	Engine     interfaces.Engine

	cancel context.CancelFunc
	done   chan error
}

// Chip is one attached chip
type Chip struct {
	Info   ChipInfo
	Queues [cmdblk.NumUnits]*Queue
}

type table [constants.MaxChips]*Chip

// Arena indexes queues by (chip, unit). Lookups load an immutable table
// and never lock; attach and detach copy the table under mu.
type Arena struct {
	mu     sync.Mutex
	chips  atomic.Pointer[table]
	shared Shared
	logger *logging.Logger
}

// NewArena returns an empty arena
func NewArena(shared Shared) *Arena {
	a := &Arena{
		shared: shared,
		logger: logging.Default(),
	}
	a.chips.Store(&table{})
	return a
}

// SetLogger sets the logger for this arena
func (a *Arena) SetLogger(logger *logging.Logger) {
	if logger != nil {
		a.logger = logger
	}
}

// Queue returns the queue for (chip, unit)
func (a *Arena) Queue(chip int, unit cmdblk.Unit) (*Queue, error) {
	if chip < 0 || chip >= constants.MaxChips || !unit.Valid() {
		return nil, fmt.Errorf("%w: %d/%s", ErrUnknownQueue, chip, unit)
	}
	c := a.chips.Load()[chip]
	if c == nil || c.Queues[unit] == nil {
		return nil, fmt.Errorf("%w: %d/%s", ErrUnknownQueue, chip, unit)
	}
	return c.Queues[unit], nil
}

// Chip returns the attached chip with the given id, or nil
func (a *Arena) Chip(id int) *Chip {
	if id < 0 || id >= constants.MaxChips {
		return nil
	}
	return a.chips.Load()[id]
}

// Chips returns every attached chip in id order
func (a *Arena) Chips() []*Chip {
	t := a.chips.Load()
	var out []*Chip
	for _, c := range t {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// AddChip creates the queues of one chip, attaches each engine to its
// ring and starts the consumers. On error nothing stays attached.
func (a *Arena) AddChip(ctx context.Context, params *ChipParams) (*Chip, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.chips.Load()
	id := params.ChipID
	if id == constants.AutoAssignChipID {
		id = -1
		for i, c := range cur {
			if c == nil {
				id = i
				break
			}
		}
		if id < 0 {
			return nil, ErrArenaFull
		}
	} else if cur[id] != nil {
		return nil, fmt.Errorf("%w: %d", ErrChipExists, id)
	}

	logger := a.logger.WithChip(id)
	logger.Debug("attaching chip", "name", params.ChipName, "external_notify", params.ExternalNotify)

	chip := &Chip{Info: ChipInfo{
		ID:             id,
		Name:           params.ChipName,
		MaxAPIRequests: params.MaxAPIRequests,
		ExternalNotify: params.ExternalNotify,
	}}
	if chip.Info.Name == "" {
		chip.Info.Name = fmt.Sprintf("qmgr%d", id)
	}

	for _, unit := range cmdblk.Units {
		eng := params.Engines[unit]
		if eng == nil {
			continue
		}
		q, err := a.attachQueue(ctx, id, unit, params, logger.WithUnit(unit.String()))
		if err != nil {
			a.teardown(chip)
			return nil, err
		}
		chip.Queues[unit] = q
		ring := q.Ctl.Ring()
		chip.Info.Units = append(chip.Info.Units, UnitInfo{
			Unit:      unit,
			Slots:     ring.Len(),
			SlotSize:  ring.SlotSize(),
			RingBytes: len(ring.Bytes()),
		})
	}

	next := *cur
	next[id] = chip
	a.chips.Store(&next)

	logger.Info("chip attached", "units", len(chip.Info.Units), "ring_bytes", chip.Info.RingBytes())
	return chip, nil
}

func (a *Arena) attachQueue(ctx context.Context, id int, unit cmdblk.Unit, params *ChipParams, logger *logging.Logger) (*Queue, error) {
	eng := params.Engines[unit]
	ctl, err := queue.NewControl(queue.Config{
		Chip:              id,
		Unit:              unit,
		CmdQueueExp:       params.CmdQueueExp[unit],
		MaxAPIRequests:    params.MaxAPIRequests,
		SyncRetries:       params.SyncRetries,
		SyncRetryInterval: params.SyncRetryInterval,
		ImmediateDispatch: params.ImmediateDispatch,
		Callbacks:         a.shared.Callbacks,
		Registers:         eng,
		Sessions:          params.Sessions,
		Completed:         a.shared.Completed,
		Observer:          a.shared.Observer,
		Logger:            logger,
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "chip %d %s queue", id, unit)
	}

	q := &Queue{Ctl: ctl, Engine: eng}

	var sink interfaces.InterruptSink = discardSink{}
	if params.ExternalNotify {
		if s := params.ExternalSinks[unit]; s != nil {
			sink = s
		}
	} else {
		q.Dispatcher = queue.NewDispatcher(ctl, queue.DispatcherConfig{
			Engine:       eng,
			PollInterval: params.PollInterval,
			Logger:       logger,
		})
		sink = q.Dispatcher
	}

	ring := ctl.Ring()
	if err := eng.Attach(ring.Bytes(), ring.SlotSize(), sink); err != nil {
		ctl.Close()
		return nil, pkgerrors.Wrapf(err, "attach chip %d %s engine", id, unit)
	}

	if q.Dispatcher != nil {
		// The consumer outlives the attach call; only RemoveChip stops it
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		q.cancel = cancel
		q.done = make(chan error, 1)
		go func() { q.done <- q.Dispatcher.Run(runCtx) }()
	}
	return q, nil
}

// RemoveChip stops the chip's engines and consumers and frees its rings.
// Requests still in flight are never finished.
func (a *Arena) RemoveChip(id int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.chips.Load()
	if id < 0 || id >= constants.MaxChips || cur[id] == nil {
		return fmt.Errorf("%w: chip %d", ErrUnknownQueue, id)
	}
	chip := cur[id]

	next := *cur
	next[id] = nil
	a.chips.Store(&next)

	err := a.teardown(chip)
	a.logger.WithChip(id).Info("chip detached")
	return err
}

// Close detaches every chip
func (a *Arena) Close() error {
	var first error
	for _, c := range a.Chips() {
		if err := a.RemoveChip(c.Info.ID); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// teardown stops engines first so nothing is raised into a stopped consumer,
// then the consumers, then frees the rings
func (a *Arena) teardown(chip *Chip) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, q := range chip.Queues {
		if q == nil {
			continue
		}
		keep(q.Engine.Close())
		if q.cancel != nil {
			q.cancel()
			<-q.done
		}
		keep(q.Ctl.Close())
	}
	return first
}

type discardSink struct{}

func (discardSink) CommandsRetired()              {}
func (discardSink) CommandFaulted(uint32, uint32) {}
