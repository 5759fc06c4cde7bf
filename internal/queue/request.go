package queue

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-qmgr/internal/interfaces"
)

// Status is the lifecycle state of a request
type Status uint32

const (
	StatusIdle     Status = iota // never submitted
	StatusQueued                 // live in the request ring
	StatusFinished               // finalized by the completion path
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusQueued:
		return "queued"
	case StatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Ownership says who is responsible for a request's backing buffer
type Ownership uint32

const (
	OwnedByCaller     Ownership = iota // caller holds the buffer
	OwnedByRing                        // submitted; completion path hands it back
	ReleaseOnFinalize                  // session gone; completion path releases it
)

func (o Ownership) String() string {
	switch o {
	case OwnedByCaller:
		return "caller"
	case OwnedByRing:
		return "ring"
	case ReleaseOnFinalize:
		return "release-on-finalize"
	default:
		return "unknown"
	}
}

// Request is one API-level operation spanning one or more command slots.
//
// The exported fields are set by the caller before Enqueue and must not be
// changed until the request is finished. Commands doubles as the copy-back
// buffer when CopyBack is set.
type Request struct {
	Commands []byte
	Sync     bool
	CopyBack bool
	Callback func(*Request)
	Context  any
	Buffer   interfaces.BufferHandle

	// Set by the submission path before the request is published
	first     uint32
	last      uint32
	count     uint32
	done      chan struct{}
	submitted time.Time

	// Set by the completion and error paths
	status   atomic.Uint32
	owner    atomic.Uint32
	fault    atomic.Pointer[FaultError]
	notified atomic.Bool
	latency  atomic.Int64
}

// Status returns the current lifecycle state
func (r *Request) Status() Status {
	return Status(r.status.Load())
}

// Ownership returns the current buffer ownership
func (r *Request) Ownership() Ownership {
	return Ownership(r.owner.Load())
}

// Span returns the ring indices and command count recorded at submission
func (r *Request) Span() (first, last, count uint32) {
	return r.first, r.last, r.count
}

// Done is closed once the request is finished. It is nil before the
// request has been submitted.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Err returns the recorded hardware fault, if any. A fault may be recorded
// before the request is finished.
func (r *Request) Err() error {
	if fe := r.fault.Load(); fe != nil {
		return fe
	}
	return nil
}

// Fault returns the recorded fault detail or nil
func (r *Request) Fault() *FaultError {
	return r.fault.Load()
}

// Latency returns the time from publish to finalization, or zero while queued
func (r *Request) Latency() time.Duration {
	return time.Duration(r.latency.Load())
}

// Abandon marks the request's session as gone. The completion path then
// releases the buffer instead of copying results back or running the
// callback. It reports false when the request is not owned by the ring.
func (r *Request) Abandon() bool {
	return r.owner.CompareAndSwap(uint32(OwnedByRing), uint32(ReleaseOnFinalize))
}
