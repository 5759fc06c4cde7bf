package queue

import (
	"context"
	"fmt"
	"time"
)

// Enqueue submits req. Capacity errors (ErrQueueFull, ErrRequestRingFull)
// leave every cursor untouched. A synchronous request then waits through
// Wait and returns its result; an asynchronous one returns as soon as the
// write pointer is published.
func (c *Control) Enqueue(ctx context.Context, req *Request) error {
	if err := c.enqueue(req); err != nil {
		return err
	}
	if !req.Sync {
		return nil
	}
	return c.Wait(ctx, req)
}

func (c *Control) enqueue(req *Request) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	slotSize := c.ring.slotSize
	if len(req.Commands) == 0 || len(req.Commands)%slotSize != 0 {
		return fmt.Errorf("%w: %d bytes is not a multiple of the %d byte %s slot",
			ErrInvalidRequest, len(req.Commands), slotSize, c.unit)
	}
	count := uint32(len(req.Commands) / slotSize)
	if count > c.ring.mask {
		return fmt.Errorf("%w: %d commands can never fit a %d slot ring",
			ErrInvalidRequest, count, c.ring.length)
	}
	if req.Status() == StatusQueued {
		return fmt.Errorf("%w: request already queued", ErrInvalidRequest)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	write := c.writeIndex
	if count > c.ring.free(c.readIndex.Load(), write) {
		c.stats.QueueFull.Add(1)
		c.observer.ObserveReject(c.unit, RejectQueueFull)
		return ErrQueueFull
	}
	slot := c.requests.at(c.apiWriteIndex)
	if slot.Load() != nil {
		c.stats.RequestRingFull.Add(1)
		c.observer.ObserveReject(c.unit, RejectRequestRingFull)
		return ErrRequestRingFull
	}

	req.first = write
	req.count = count
	req.last = (write + count - 1) & c.ring.mask
	req.done = make(chan struct{})
	req.fault.Store(nil)
	req.notified.Store(false)
	req.latency.Store(0)
	req.owner.Store(uint32(OwnedByRing))
	req.status.Store(uint32(StatusQueued))

	c.ring.copyIn(write, req.Commands)
	c.ring.stampNext(write, count)

	req.submitted = time.Now()
	slot.Store(req)
	c.apiWriteIndex = (c.apiWriteIndex + 1) & c.requests.mask
	c.writeIndex = (write + count) & c.ring.mask

	c.stats.InFlight.Add(1)
	c.stats.Submitted.Add(1)
	c.stats.CommandsQueued.Add(uint64(count))
	c.observer.ObserveSubmit(c.unit, int(count))

	c.regs.WriteCmdQueueWritePtr(c.writeIndex)
	return nil
}

// Wait blocks until req is finished, for at most SyncRetries waits of
// SyncRetryInterval each.
//
// ErrTimeout (or ctx.Err() on cancellation) does not retract the request:
// it stays live in the ring and is finalized later, with any callback or
// buffer release that implies. The caller cannot tell a slow request from a
// failed one at that point and must treat it as fire-and-forget, or keep
// watching Request.Done. A finished request returns its *FaultError, if any.
func (c *Control) Wait(ctx context.Context, req *Request) error {
	done := req.Done()
	if done == nil {
		return fmt.Errorf("%w: request was never submitted", ErrInvalidRequest)
	}

	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	for retry := 0; retry < c.retries; retry++ {
		select {
		case <-done:
			return req.Err()
		case <-ctx.Done():
			c.stats.SyncTimeouts.Add(1)
			c.observer.ObserveTimeout(c.unit)
			return ctx.Err()
		case <-timer.C:
			timer.Reset(c.interval)
		}
	}

	// Status is set only by the completion path; check once more before
	// giving up
	if req.Status() == StatusFinished {
		return req.Err()
	}
	c.stats.SyncTimeouts.Add(1)
	c.observer.ObserveTimeout(c.unit)
	if c.logger != nil {
		c.logger.Debugf("queue %d/%s: sync wait gave up on request at [%d..%d]",
			c.chip, c.unit, req.first, req.last)
	}
	return ErrTimeout
}
