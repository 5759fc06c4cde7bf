package queue

import (
	"fmt"
)

// ReportFault records a hardware fault at ring index and neutralizes the
// rest of the owning request so the engine can resume.
//
// Every command retired before index must already have been reaped, so the
// head of the request ring owns the faulted command. The slots index..last
// are rewritten with the unit's no-op opcode and only last keeps the
// last-in-sequence marker. The request ring is left alone: the request is
// finalized, flagged, by a later Reap once the engine retires the patched
// span. Under ImmediateDispatch an asynchronous request's callback fires
// here, and not again from Reap.
//
// An index outside the head request, or an empty request ring, is counted
// and returned as ErrStrayFault without touching the ring.
//
// Consumer side only.
func (c *Control) ReportFault(index, status uint32) error {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	if c.shut {
		return ErrClosed
	}

	index &= c.ring.mask
	c.stats.Faults.Add(1)
	c.observer.ObserveFault(c.unit, status)

	req := c.requests.at(c.apiReadIndex).Load()
	if req == nil || !c.ring.inSpan(req.first, req.last, index) {
		c.stats.StrayFaults.Add(1)
		if c.logger != nil {
			c.logger.Printf("queue %d/%s: stray fault status=0x%02x at index %d", c.chip, c.unit, status, index)
		}
		return fmt.Errorf("%w: index %d", ErrStrayFault, index)
	}

	fe := &FaultError{
		Unit:   c.unit,
		Index:  index,
		Offset: ((index - req.first) & c.ring.mask) + 1,
		Status: status,
	}
	if !req.fault.CompareAndSwap(nil, fe) {
		fe = req.fault.Load()
	}

	patched := c.ring.patchNop(index, req.last, c.unit.NopOpcode())
	c.stats.PatchedSlots.Add(uint64(patched))

	if c.logger != nil {
		c.logger.Debugf("queue %d/%s: %v, patched %d slots through %d", c.chip, c.unit, fe, patched, req.last)
	}

	if !c.immediate || req.Sync || req.Callback == nil {
		return nil
	}
	// A request whose session is gone is released by Reap, silently
	c.checkSession(req)
	if req.Ownership() == OwnedByRing && req.notified.CompareAndSwap(false, true) {
		req.Callback(req)
	}
	return nil
}
