package queue

import (
	"time"

	"code.hybscloud.com/atomix"

	"github.com/ehrlich-b/go-qmgr/internal/cmdblk"
)

// Logger is the logging surface the queue needs
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// RejectReason classifies a capacity rejection
type RejectReason int

const (
	RejectQueueFull RejectReason = iota
	RejectRequestRingFull
)

func (r RejectReason) String() string {
	if r == RejectQueueFull {
		return "queue_full"
	}
	return "request_ring_full"
}

// Observer receives queue events. Implementations must be safe for
// concurrent use: submissions arrive from producers, the rest from the
// consumer.
type Observer interface {
	ObserveSubmit(unit cmdblk.Unit, commands int)
	ObserveReject(unit cmdblk.Unit, reason RejectReason)
	ObserveComplete(unit cmdblk.Unit, latency time.Duration, faulted bool)
	ObserveFault(unit cmdblk.Unit, status uint32)
	ObserveTimeout(unit cmdblk.Unit)
}

type noopObserver struct{}

func (noopObserver) ObserveSubmit(cmdblk.Unit, int)                   {}
func (noopObserver) ObserveReject(cmdblk.Unit, RejectReason)          {}
func (noopObserver) ObserveComplete(cmdblk.Unit, time.Duration, bool) {}
func (noopObserver) ObserveFault(cmdblk.Unit, uint32)                 {}
func (noopObserver) ObserveTimeout(cmdblk.Unit)                       {}

// Stats holds per-queue counters
type Stats struct {
	Submitted       atomix.Uint64
	Completed       atomix.Uint64
	FailedRequests  atomix.Uint64 // finished with a fault recorded
	CommandsQueued  atomix.Uint64
	CommandsRetired atomix.Uint64
	QueueFull       atomix.Uint64
	RequestRingFull atomix.Uint64
	Faults          atomix.Uint64
	StrayFaults     atomix.Uint64
	PatchedSlots    atomix.Uint64
	SyncTimeouts    atomix.Uint64
	Released        atomix.Uint64 // finalized after the session went away
	InlineCallbacks atomix.Uint64 // deferred dispatch fell back to inline
	InFlight        atomix.Int64
}

// Snapshot is a point-in-time copy of Stats
type Snapshot struct {
	Submitted       uint64
	Completed       uint64
	FailedRequests  uint64
	CommandsQueued  uint64
	CommandsRetired uint64
	QueueFull       uint64
	RequestRingFull uint64
	Faults          uint64
	StrayFaults     uint64
	PatchedSlots    uint64
	SyncTimeouts    uint64
	Released        uint64
	InlineCallbacks uint64
	InFlight        int64
}

// Snapshot copies the counters. Individual fields are atomic; the set is not.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Submitted:       s.Submitted.Load(),
		Completed:       s.Completed.Load(),
		FailedRequests:  s.FailedRequests.Load(),
		CommandsQueued:  s.CommandsQueued.Load(),
		CommandsRetired: s.CommandsRetired.Load(),
		QueueFull:       s.QueueFull.Load(),
		RequestRingFull: s.RequestRingFull.Load(),
		Faults:          s.Faults.Load(),
		StrayFaults:     s.StrayFaults.Load(),
		PatchedSlots:    s.PatchedSlots.Load(),
		SyncTimeouts:    s.SyncTimeouts.Load(),
		Released:        s.Released.Load(),
		InlineCallbacks: s.InlineCallbacks.Load(),
		InFlight:        s.InFlight.Load(),
	}
}

// Add accumulates another snapshot, for per-chip or global totals
func (s Snapshot) Add(o Snapshot) Snapshot {
	s.Submitted += o.Submitted
	s.Completed += o.Completed
	s.FailedRequests += o.FailedRequests
	s.CommandsQueued += o.CommandsQueued
	s.CommandsRetired += o.CommandsRetired
	s.QueueFull += o.QueueFull
	s.RequestRingFull += o.RequestRingFull
	s.Faults += o.Faults
	s.StrayFaults += o.StrayFaults
	s.PatchedSlots += o.PatchedSlots
	s.SyncTimeouts += o.SyncTimeouts
	s.Released += o.Released
	s.InlineCallbacks += o.InlineCallbacks
	s.InFlight += o.InFlight
	return s
}
