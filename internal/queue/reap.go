package queue

import (
	"time"

	"github.com/ehrlich-b/go-qmgr/internal/interfaces"
)

// Reap consumes delta newly retired commands and finalizes every request
// at the head of the request ring that is now fully retired. Commands that
// do not yet cover the head request are carried to the next call. Returns
// the number of requests finalized; Reap(0) with nothing carried is a no-op.
//
// Consumer side only. Reap never blocks.
func (c *Control) Reap(delta uint16) int {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	if c.shut {
		return 0
	}

	total := c.remaining + uint32(delta)
	if delta > 0 {
		c.stats.CommandsRetired.Add(uint64(delta))
	}

	finished := 0
	for {
		slot := c.requests.at(c.apiReadIndex)
		req := slot.Load()
		if req == nil || total < req.count {
			break
		}
		total -= req.count

		live := c.claim(req)
		if live && req.CopyBack && req.fault.Load() == nil {
			c.ring.copyOut(req.Commands, req.first, req.count)
		}

		// Hand the slots and the request ring entry back before anyone is
		// told, so a callback may resubmit straight away
		slot.Store(nil)
		c.apiReadIndex = (c.apiReadIndex + 1) & c.requests.mask
		c.readIndex.Store((req.last + 1) & c.ring.mask)
		c.stats.InFlight.Add(-1)

		c.finalize(req, live)
		finished++
	}
	c.remaining = total

	if finished > 0 && c.completed != nil {
		c.completed.Add(int64(finished))
	}
	return finished
}

// claim resolves buffer ownership at finalization. It reports false when the
// owning session is gone, in which case the buffer has been released.
func (c *Control) claim(req *Request) bool {
	c.checkSession(req)
	if req.owner.CompareAndSwap(uint32(OwnedByRing), uint32(OwnedByCaller)) {
		return true
	}
	if c.sessions != nil && req.Buffer != interfaces.NoBuffer {
		c.sessions.ReleaseBuffer(req.Buffer)
	}
	c.stats.Released.Add(1)
	return false
}

// checkSession abandons req when its owning session has gone
func (c *Control) checkSession(req *Request) {
	if c.sessions != nil && req.Buffer != interfaces.NoBuffer && !c.sessions.SessionStillLive(req.Buffer) {
		req.Abandon()
	}
}

func (c *Control) finalize(req *Request, live bool) {
	latency := time.Since(req.submitted)
	req.latency.Store(int64(latency))
	faulted := req.fault.Load() != nil

	req.status.Store(uint32(StatusFinished))
	close(req.done)

	c.stats.Completed.Add(1)
	if faulted {
		c.stats.FailedRequests.Add(1)
	}
	c.observer.ObserveComplete(c.unit, latency, faulted)

	if !live || req.Sync || req.Callback == nil {
		return
	}
	if !req.notified.CompareAndSwap(false, true) {
		return
	}
	if c.immediate || c.callbacks == nil {
		req.Callback(req)
		return
	}
	if !c.callbacks.dispatch(req) {
		c.stats.InlineCallbacks.Add(1)
		req.Callback(req)
	}
}
