// Package qmgr provides the command queue manager for crypto-offload
// engines: per (chip, unit) command rings shared with hardware, request
// tracking, completion reaping and fault recovery.
package qmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"

	"github.com/ehrlich-b/go-qmgr/internal/cmdblk"
	"github.com/ehrlich-b/go-qmgr/internal/constants"
	"github.com/ehrlich-b/go-qmgr/internal/ctrl"
	"github.com/ehrlich-b/go-qmgr/internal/interfaces"
	"github.com/ehrlich-b/go-qmgr/internal/logging"
	"github.com/ehrlich-b/go-qmgr/internal/queue"
)

// Unit identifies an execution unit on a chip
type Unit = cmdblk.Unit

const (
	UnitEA   = cmdblk.UnitEA
	UnitPK   = cmdblk.UnitPK
	UnitRNG  = cmdblk.UnitRNG
	NumUnits = cmdblk.NumUnits
)

// Request is one API request: a run of command blocks submitted together
type Request = queue.Request

// Status, Ownership and FaultError describe a request's progress
type (
	Status     = queue.Status
	Ownership  = queue.Ownership
	FaultError = queue.FaultError
	QueueStats = queue.Snapshot
)

const (
	StatusIdle     = queue.StatusIdle
	StatusQueued   = queue.StatusQueued
	StatusFinished = queue.StatusFinished

	OwnedByCaller     = queue.OwnedByCaller
	OwnedByRing       = queue.OwnedByRing
	ReleaseOnFinalize = queue.ReleaseOnFinalize
)

// Collaborators supplied by the caller
type (
	Engine         = interfaces.Engine
	Registers      = interfaces.Registers
	InterruptSink  = interfaces.InterruptSink
	Sessions       = interfaces.Sessions
	BufferHandle   = interfaces.BufferHandle
	ChipInfo       = ctrl.ChipInfo
	UnitInfo       = ctrl.UnitInfo
	CommandBuilder = cmdblk.Builder
)

// NoBuffer is the zero buffer handle
const NoBuffer = interfaces.NoBuffer

// NewCommandBuilder returns a builder for one request's command blocks
func NewCommandBuilder(unit Unit, hint int) (*CommandBuilder, error) {
	return cmdblk.NewBuilder(unit, hint)
}

// Logger is the minimal logging surface a caller may plug in
type Logger interface {
	Printf(format string, args ...interface{})
}

// ChipParams contains parameters for attaching a chip
type ChipParams struct {
	// Engines holds one engine per unit, indexed by Unit. Units left nil
	// get no queue.
	Engines [NumUnits]Engine

	// Sessions is consulted at finalization for requests carrying a
	// buffer handle (optional)
	Sessions Sessions

	ChipID         int           // Specific chip index (-1 for auto)
	CmdQueueExp    [NumUnits]int // log2 of each unit's ring length
	MaxAPIRequests int           // Outstanding requests per queue, power of two
	ChipName       string        // Optional name for logs

	SyncRetries       int           // Bounded retries of a synchronous wait
	SyncRetryInterval time.Duration // Interval between those retries
	PollInterval      time.Duration // Timer reap interval (0 disables)

	// ImmediateDispatch runs callbacks in the consumer context. When false
	// they run on the manager's callback worker.
	ImmediateDispatch bool

	// ExternalNotify starts no consumer goroutine. The caller receives
	// engine notifications on ExternalSinks and calls Manager.Reap and
	// Manager.ReportFault, one goroutine per queue.
	ExternalNotify bool
	ExternalSinks  [NumUnits]InterruptSink
}

// DefaultChipParams returns default chip parameters for the given engines
func DefaultChipParams(ea, pk, rng Engine) ChipParams {
	return ChipParams{
		Engines: [NumUnits]Engine{ea, pk, rng},
		ChipID:  constants.AutoAssignChipID,
		CmdQueueExp: [NumUnits]int{
			constants.DefaultCmdQueueExp,
			constants.DefaultCmdQueueExp,
			constants.DefaultCmdQueueExp,
		},
		MaxAPIRequests:    constants.DefaultMaxAPIRequests,
		SyncRetries:       constants.DefaultSyncRetries,
		SyncRetryInterval: constants.DefaultSyncRetryInterval,
		PollInterval:      constants.DefaultPollInterval,
		ImmediateDispatch: true,
	}
}

// Options contains additional options for a Manager
type Options struct {
	// Context bounds chip attachment (if nil, uses context.Background())
	Context context.Context

	// Logger for info messages (if nil, no logging)
	Logger Logger

	// Observer receives queue events in addition to the built-in metrics
	Observer Observer

	// CallbackBacklog sizes the deferred callback queue
	CallbackBacklog int
}

// Manager owns every attached chip and the state shared between their queues
type Manager struct {
	ctx       context.Context
	arena     *ctrl.Arena
	completed atomix.Int64
	callbacks *queue.CallbackWorker
	metrics   *Metrics
	observer  Observer
	logger    Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates a Manager with no chips attached
func New(options *Options) *Manager {
	if options == nil {
		options = &Options{}
	}
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}
	backlog := options.CallbackBacklog
	if backlog <= 0 {
		backlog = constants.DeferredCallbackBacklog
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = teeObserver{a: observer, b: options.Observer}
	}

	m := &Manager{
		ctx:       ctx,
		callbacks: queue.NewCallbackWorker(backlog, logging.Default()),
		metrics:   metrics,
		observer:  observer,
		logger:    options.Logger,
	}
	m.arena = ctrl.NewArena(ctrl.Shared{
		Completed: &m.completed,
		Callbacks: m.callbacks,
		Observer:  observer,
	})
	return m
}

// AttachChip creates the chip's queues and starts serving them. ctx bounds
// the attach only; the queues run until DetachChip or Close.
func (m *Manager) AttachChip(ctx context.Context, params ChipParams) (*ChipInfo, error) {
	if ctx == nil {
		ctx = m.ctx
	}
	if m.closed.Load() {
		return nil, NewError("ATTACH_CHIP", ErrCodeClosed, "manager closed")
	}

	ctrlParams := convertToCtrlParams(params)
	if err := ctrlParams.Validate(); err != nil {
		return nil, &Error{
			Op:    "ATTACH_CHIP",
			Chip:  params.ChipID,
			Code:  ErrCodeInvalidParameters,
			Msg:   err.Error(),
			Inner: err,
		}
	}

	chip, err := m.arena.AddChip(ctx, &ctrlParams)
	if err != nil {
		e := WrapError("ATTACH_CHIP", err)
		e.Chip = params.ChipID
		return nil, e
	}

	if m.logger != nil {
		m.logger.Printf("Chip attached: %s (ID: %d) with %d units, %d ring bytes",
			chip.Info.Name, chip.Info.ID, len(chip.Info.Units), chip.Info.RingBytes())
	}
	info := chip.Info
	return &info, nil
}

// DetachChip stops the chip's engines and consumers and frees its rings.
// Requests still queued on it are never finished. On an ExternalNotify chip
// the caller's consumer should stop first; a Reap or ReportFault that loses
// the race finds the queue closed and does nothing.
func (m *Manager) DetachChip(id int) error {
	if err := m.arena.RemoveChip(id); err != nil {
		e := WrapError("DETACH_CHIP", err)
		e.Chip = id
		return e
	}
	if m.logger != nil {
		m.logger.Printf("Chip detached: %d", id)
	}
	return nil
}

// Chips returns every attached chip in index order
func (m *Manager) Chips() []ChipInfo {
	var out []ChipInfo
	for _, c := range m.arena.Chips() {
		out = append(out, c.Info)
	}
	return out
}

// Submit queues req on (chip, unit). A request with Sync set blocks until it
// finishes or the bounded wait runs out; otherwise Submit returns once the
// commands are visible to the engine.
func (m *Manager) Submit(ctx context.Context, chip int, unit Unit, req *Request) error {
	q, err := m.arena.Queue(chip, unit)
	if err != nil {
		return wrapQueueError("SUBMIT", chip, unit, err)
	}
	err = q.Ctl.Enqueue(ctx, req)
	if accepted(err) {
		m.metrics.RecordQueueDepth(uint64(q.Ctl.QueuedCount()))
	}
	return wrapQueueError("SUBMIT", chip, unit, err)
}

// accepted reports whether Enqueue got as far as publishing the request
func accepted(err error) bool {
	return err == nil ||
		errors.Is(err, queue.ErrTimeout) ||
		errors.Is(err, queue.ErrHardwareFault) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// SubmitWait is Submit that retries capacity rejections with backoff until
// the request is accepted or ctx is done. Giving up before acceptance keeps
// the capacity code (the request was never queued); a ctx ending during a
// synchronous wait after acceptance reports ErrCodeTimeout like any other
// preempted wait.
func (m *Manager) SubmitWait(ctx context.Context, chip int, unit Unit, req *Request) error {
	backoff := iox.Backoff{}
	for {
		err := m.Submit(ctx, chip, unit, req)
		if !errors.Is(err, iox.ErrWouldBlock) {
			return err
		}
		select {
		case <-ctx.Done():
			// Never published, so keep the capacity code rather than the
			// timeout code a live request would get
			var qe *Error
			if !errors.As(err, &qe) {
				return wrapQueueError("SUBMIT", chip, unit, ctx.Err())
			}
			return &Error{
				Op:    "SUBMIT",
				Chip:  chip,
				Unit:  unit.String(),
				Code:  qe.Code,
				Msg:   "gave up waiting for room: " + ctx.Err().Error(),
				Inner: errors.Join(ctx.Err(), qe.Inner),
			}
		default:
		}
		backoff.Wait()
	}
}

// Wait blocks on a request submitted without Sync, with the same bounded
// retry policy as a synchronous submission
func (m *Manager) Wait(ctx context.Context, chip int, unit Unit, req *Request) error {
	q, err := m.arena.Queue(chip, unit)
	if err != nil {
		return wrapQueueError("WAIT", chip, unit, err)
	}
	return wrapQueueError("WAIT", chip, unit, q.Ctl.Wait(ctx, req))
}

// externalQueue returns a queue the caller is allowed to drive
func (m *Manager) externalQueue(op string, chip int, unit Unit) (*queue.Control, error) {
	q, err := m.arena.Queue(chip, unit)
	if err != nil {
		return nil, wrapQueueError(op, chip, unit, err)
	}
	if q.Dispatcher != nil {
		return nil, wrapQueueError(op, chip, unit, ErrExternalNotify)
	}
	return q.Ctl, nil
}

// Reap consumes delta retired commands on a queue attached with
// ExternalNotify and returns the number of requests finalized.
func (m *Manager) Reap(chip int, unit Unit, delta uint16) (int, error) {
	ctl, err := m.externalQueue("REAP", chip, unit)
	if err != nil {
		return 0, err
	}
	return ctl.Reap(delta), nil
}

// ReportFault records a fault at index on a queue attached with
// ExternalNotify. The caller reaps up to index first and resumes the
// engine afterwards.
func (m *Manager) ReportFault(chip int, unit Unit, index, status uint32) error {
	ctl, err := m.externalQueue("REPORT_FAULT", chip, unit)
	if err != nil {
		return err
	}
	return wrapQueueError("REPORT_FAULT", chip, unit, ctl.ReportFault(index, status))
}

// Poll returns the number of finished requests not yet acknowledged
func (m *Manager) Poll() int64 {
	return m.completed.Load()
}

// DequeueAck acknowledges one finished request. It never takes the count
// below zero and reports whether there was one to acknowledge.
func (m *Manager) DequeueAck() bool {
	for {
		n := m.completed.Load()
		if n <= 0 {
			return false
		}
		if m.completed.CompareAndSwapAcqRel(n, n-1) {
			return true
		}
	}
}

// QueuedCount returns the requests in flight on (chip, unit), or 0 for a
// queue that does not exist
func (m *Manager) QueuedCount(chip int, unit Unit) int {
	q, err := m.arena.Queue(chip, unit)
	if err != nil {
		return 0
	}
	return q.Ctl.QueuedCount()
}

// Stats returns the counters of one queue
func (m *Manager) Stats(chip int, unit Unit) (QueueStats, error) {
	q, err := m.arena.Queue(chip, unit)
	if err != nil {
		return QueueStats{}, wrapQueueError("STATS", chip, unit, err)
	}
	return q.Ctl.Stats().Snapshot(), nil
}

// TotalStats sums the counters of every attached queue
func (m *Manager) TotalStats() QueueStats {
	var total QueueStats
	for _, c := range m.arena.Chips() {
		for _, q := range c.Queues {
			if q != nil {
				total = total.Add(q.Ctl.Stats().Snapshot())
			}
		}
	}
	return total
}

// DroppedFaults returns fault notifications a queue's dispatcher dropped
// because an earlier one was still pending
func (m *Manager) DroppedFaults(chip int, unit Unit) uint64 {
	q, err := m.arena.Queue(chip, unit)
	if err != nil || q.Dispatcher == nil {
		return 0
	}
	return q.Dispatcher.Dropped()
}

// Metrics returns the manager's live metrics
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of the manager's metrics
func (m *Manager) MetricsSnapshot() MetricsSnapshot {
	return m.metrics.Snapshot()
}

// Close detaches every chip and stops the callback worker after it runs
// the callbacks already handed to it
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		if e := m.arena.Close(); e != nil {
			err = WrapError("CLOSE", e)
		}
		m.callbacks.Close()
		m.metrics.Stop()
	})
	return err
}

// String describes the manager for logs
func (m *Manager) String() string {
	return fmt.Sprintf("qmgr(%d chips, %d completed)", len(m.arena.Chips()), m.Poll())
}

// convertToCtrlParams converts public ChipParams to internal ctrl.ChipParams
func convertToCtrlParams(params ChipParams) ctrl.ChipParams {
	p := ctrl.DefaultChipParams()

	p.Engines = params.Engines
	p.Sessions = params.Sessions
	p.ChipID = params.ChipID
	p.CmdQueueExp = params.CmdQueueExp
	p.MaxAPIRequests = params.MaxAPIRequests
	p.ChipName = params.ChipName

	p.SyncRetries = params.SyncRetries
	p.SyncRetryInterval = params.SyncRetryInterval
	p.PollInterval = params.PollInterval

	p.ImmediateDispatch = params.ImmediateDispatch
	p.ExternalNotify = params.ExternalNotify
	p.ExternalSinks = params.ExternalSinks

	return p
}
