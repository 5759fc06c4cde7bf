package queue

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-qmgr/internal/cmdblk"
	"github.com/ehrlich-b/go-qmgr/internal/interfaces"
)

type fakeRegs struct {
	write  atomic.Uint32
	read   atomic.Uint32
	writes atomic.Int32
}

func (f *fakeRegs) WriteCmdQueueWritePtr(ptr uint32) {
	f.write.Store(ptr)
	f.writes.Add(1)
}

func (f *fakeRegs) CmdQueueReadPtr() uint32 { return f.read.Load() }

type fakeSessions struct {
	mu       sync.Mutex
	dead     map[interfaces.BufferHandle]bool
	released []interfaces.BufferHandle
}

func (s *fakeSessions) SessionStillLive(h interfaces.BufferHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead[h]
}

func (s *fakeSessions) ReleaseBuffer(h interfaces.BufferHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, h)
}

type testLogger struct{ t *testing.T }

func (l testLogger) Printf(format string, args ...interface{}) { l.t.Logf(format, args...) }
func (l testLogger) Debugf(format string, args ...interface{}) { l.t.Logf(format, args...) }

func newTestControl(t *testing.T, exp int, mutate ...func(*Config)) (*Control, *fakeRegs) {
	t.Helper()
	regs := &fakeRegs{}
	cfg := Config{
		Unit:              cmdblk.UnitPK,
		CmdQueueExp:       exp,
		MaxAPIRequests:    16,
		SyncRetries:       3,
		SyncRetryInterval: 5 * time.Millisecond,
		ImmediateDispatch: true,
		Registers:         regs,
		Logger:            testLogger{t},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	ctl, err := NewControl(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ctl.Close() })
	return ctl, regs
}

// pkRequest builds a PK request of n commands whose payload starts with tag
func pkRequest(t *testing.T, n int, tag byte) *Request {
	t.Helper()
	b, err := cmdblk.NewBuilder(cmdblk.UnitPK, n)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, b.Add(cmdblk.OpPKModExp, []byte{tag, byte(i)}))
	}
	return &Request{Commands: b.Commands()}
}

func TestEnqueueQueueFullThenReap(t *testing.T) {
	ctl, regs := newTestControl(t, 2) // 4 slots
	ctx := context.Background()

	a := pkRequest(t, 2, 'A')
	require.NoError(t, ctl.Enqueue(ctx, a))
	first, last, count := a.Span()
	assert.Equal(t, []uint32{0, 1, 2}, []uint32{first, last, count})
	assert.Equal(t, uint32(2), regs.write.Load())

	b := pkRequest(t, 3, 'B')
	err := ctl.Enqueue(ctx, b)
	require.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, iox.IsWouldBlock(err), "capacity errors classify as would-block")

	// Nothing moved
	assert.Equal(t, uint32(1), ctl.Free())
	assert.Equal(t, uint32(2), regs.write.Load())
	assert.Equal(t, int32(1), regs.writes.Load())
	assert.Equal(t, StatusIdle, b.Status())
	assert.Equal(t, 1, ctl.QueuedCount())

	assert.Equal(t, 1, ctl.Reap(2))
	assert.Equal(t, StatusFinished, a.Status())
	assert.Equal(t, uint32(3), ctl.Free())

	require.NoError(t, ctl.Enqueue(ctx, b))
	first, last, count = b.Span()
	assert.Equal(t, []uint32{2, 0, 3}, []uint32{first, last, count})
	assert.Equal(t, uint32(1), regs.write.Load())

	snap := ctl.Stats().Snapshot()
	assert.Equal(t, uint64(1), snap.QueueFull)
	assert.Equal(t, uint64(2), snap.Submitted)
	assert.Equal(t, uint64(1), snap.Completed)
}

func TestEnqueueRequestRingFull(t *testing.T) {
	ctl, _ := newTestControl(t, 4, func(c *Config) { c.MaxAPIRequests = 2 })
	ctx := context.Background()

	require.NoError(t, ctl.Enqueue(ctx, pkRequest(t, 1, 1)))
	require.NoError(t, ctl.Enqueue(ctx, pkRequest(t, 1, 2)))

	free := ctl.Free()
	err := ctl.Enqueue(ctx, pkRequest(t, 1, 3))
	require.ErrorIs(t, err, ErrRequestRingFull)
	assert.True(t, iox.IsWouldBlock(err))
	assert.Equal(t, free, ctl.Free(), "command ring untouched")

	assert.Equal(t, 1, ctl.Reap(1))
	require.NoError(t, ctl.Enqueue(ctx, pkRequest(t, 1, 3)))
	assert.Equal(t, uint64(1), ctl.Stats().Snapshot().RequestRingFull)
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	ctl, _ := newTestControl(t, 2)
	ctx := context.Background()

	assert.ErrorIs(t, ctl.Enqueue(ctx, nil), ErrInvalidRequest)
	assert.ErrorIs(t, ctl.Enqueue(ctx, &Request{}), ErrInvalidRequest)
	assert.ErrorIs(t, ctl.Enqueue(ctx, &Request{Commands: make([]byte, 33)}), ErrInvalidRequest)
	assert.ErrorIs(t, ctl.Enqueue(ctx, pkRequest(t, 4, 0)), ErrInvalidRequest, "4 commands never fit 4 slots")

	req := pkRequest(t, 1, 0)
	require.NoError(t, ctl.Enqueue(ctx, req))
	assert.ErrorIs(t, ctl.Enqueue(ctx, req), ErrInvalidRequest, "already queued")

	// A finished request can be submitted again
	ctl.Reap(1)
	require.NoError(t, ctl.Enqueue(ctx, req))
}

func TestEnqueueAfterClose(t *testing.T) {
	ctl, _ := newTestControl(t, 2)
	require.NoError(t, ctl.Close())
	assert.ErrorIs(t, ctl.Enqueue(context.Background(), pkRequest(t, 1, 0)), ErrClosed)
	assert.NoError(t, ctl.Close(), "second close is a no-op")
}

func TestEnqueueStampsNextAcrossWrap(t *testing.T) {
	ctl, _ := newTestControl(t, 2)
	ctx := context.Background()

	require.NoError(t, ctl.Enqueue(ctx, pkRequest(t, 3, 0)))
	ctl.Reap(3)

	// Builders leave next zeroed; the ring must carry 3 -> 0 -> 1
	require.NoError(t, ctl.Enqueue(ctx, pkRequest(t, 3, 1)))
	ring := ctl.Ring()
	assert.Equal(t, uint32(0), ring.Slot(3).Next())
	assert.Equal(t, uint32(1), ring.Slot(0).Next())
	assert.Equal(t, uint32(2), ring.Slot(1).Next())
	assert.True(t, ring.Slot(1).Last())
	assert.Equal(t, byte(1), ring.Slot(0).Payload()[0])
}

func TestReapCarriesRemainder(t *testing.T) {
	ctl, _ := newTestControl(t, 3)
	ctx := context.Background()

	a := pkRequest(t, 3, 'A')
	b := pkRequest(t, 2, 'B')
	require.NoError(t, ctl.Enqueue(ctx, a))
	require.NoError(t, ctl.Enqueue(ctx, b))

	assert.Equal(t, 0, ctl.Reap(2))
	assert.Equal(t, StatusQueued, a.Status())
	assert.Equal(t, 0, ctl.Reap(0))
	assert.Equal(t, 0, ctl.Reap(0), "delta 0 is idempotent")

	assert.Equal(t, 1, ctl.Reap(2)) // A done, one of B's retired
	assert.Equal(t, StatusFinished, a.Status())
	assert.Equal(t, StatusQueued, b.Status())

	assert.Equal(t, 1, ctl.Reap(1))
	assert.Equal(t, StatusFinished, b.Status())
	assert.Equal(t, 0, ctl.Reap(0))
	assert.Equal(t, 0, ctl.QueuedCount())
}

func TestReapFIFOExactlyOnce(t *testing.T) {
	ctl, _ := newTestControl(t, 5)
	ctx := context.Background()

	var order []int
	calls := map[int]int{}
	reqs := make([]*Request, 8)
	for i := range reqs {
		i := i
		reqs[i] = pkRequest(t, 1+i%3, byte(i))
		reqs[i].Context = i
		reqs[i].Callback = func(r *Request) {
			order = append(order, r.Context.(int))
			calls[i]++
		}
		require.NoError(t, ctl.Enqueue(ctx, reqs[i]))
	}

	// Retire one command at a time
	total := 0
	for _, r := range reqs {
		total += int(r.count)
	}
	finished := 0
	for i := 0; i < total; i++ {
		finished += ctl.Reap(1)
	}
	assert.Equal(t, len(reqs), finished)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, order)
	for i := range reqs {
		assert.Equal(t, 1, calls[i], "request %d callback count", i)
	}
	assert.Equal(t, 0, ctl.Reap(5), "extra retirements finish nothing")
}

// The completion path's carry plus the retired requests' command counts
// always equals what hardware reported.
func TestReapAccountingInvariant(t *testing.T) {
	ctl, _ := newTestControl(t, 4)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	var reported, retired uint32
	var pending []*Request
	for step := 0; step < 2000; step++ {
		if rng.Intn(2) == 0 {
			req := pkRequest(t, 1+rng.Intn(5), byte(step))
			err := ctl.Enqueue(ctx, req)
			if err == nil {
				pending = append(pending, req)
			} else {
				require.True(t, errors.Is(err, ErrQueueFull) || errors.Is(err, ErrRequestRingFull), "step %d: %v", step, err)
			}
			continue
		}

		// Report at most what has been published and not yet reported
		var outstanding uint32
		for _, r := range pending {
			outstanding += r.count
		}
		outstanding -= ctl.remaining
		if outstanding == 0 {
			continue
		}
		delta := uint32(rng.Intn(int(outstanding)) + 1)
		reported += delta
		n := ctl.Reap(uint16(delta))
		for _, r := range pending[:n] {
			assert.Equal(t, StatusFinished, r.Status())
			retired += r.count
		}
		pending = pending[n:]
		require.Equal(t, reported, ctl.remaining+retired, "step %d", step)

		// Live spans never overlap and the empty-slot guard holds
		var live uint32
		for _, r := range pending {
			live += r.count
		}
		require.Less(t, live, ctl.Ring().Len(), "step %d", step)
	}
}

func TestReapCopyBackRoundTrip(t *testing.T) {
	ctl, _ := newTestControl(t, 2)
	ctx := context.Background()

	// Move the cursors so the request wraps
	require.NoError(t, ctl.Enqueue(ctx, pkRequest(t, 3, 0)))
	ctl.Reap(3)

	req := pkRequest(t, 3, 'X')
	req.CopyBack = true
	require.NoError(t, ctl.Enqueue(ctx, req))

	// Play hardware: write results into the slots
	ring := ctl.Ring()
	for i, idx := range []uint32{3, 0, 1} {
		copy(ring.Slot(idx).Payload(), bytes.Repeat([]byte{byte(0xA0 + i)}, 8))
	}
	want := make([]byte, 3*ring.SlotSize())
	ring.copyOut(want, 3, 3)

	assert.Equal(t, 1, ctl.Reap(3))
	assert.Equal(t, want, req.Commands)
	assert.Equal(t, byte(0xA1), req.Commands[ring.SlotSize()+cmdblk.HeaderSize])
	assert.Equal(t, OwnedByCaller, req.Ownership())
}

func TestSyncEnqueueCompletes(t *testing.T) {
	ctl, _ := newTestControl(t, 3, func(c *Config) {
		c.SyncRetries = 200
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctl.QueuedCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		ctl.Reap(2)
	}()

	req := pkRequest(t, 2, 0)
	req.Sync = true
	require.NoError(t, ctl.Enqueue(context.Background(), req))
	assert.Equal(t, StatusFinished, req.Status())
	wg.Wait()
}

func TestSyncEnqueueTimeoutLeavesRequestLive(t *testing.T) {
	ctl, _ := newTestControl(t, 3, func(c *Config) {
		c.SyncRetries = 2
		c.SyncRetryInterval = time.Millisecond
	})

	req := pkRequest(t, 2, 0)
	req.Sync = true
	err := ctl.Enqueue(context.Background(), req)
	require.ErrorIs(t, err, ErrTimeout)

	// Still live, still finalized later
	assert.Equal(t, StatusQueued, req.Status())
	assert.Equal(t, 1, ctl.QueuedCount())
	assert.Equal(t, 1, ctl.Reap(2))
	select {
	case <-req.Done():
	default:
		t.Fatal("Done not closed after reap")
	}
	assert.NoError(t, req.Err())
	assert.Equal(t, uint64(1), ctl.Stats().Snapshot().SyncTimeouts)
}

func TestSyncEnqueueCancelled(t *testing.T) {
	ctl, _ := newTestControl(t, 3, func(c *Config) { c.SyncRetries = 1000 })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	req := pkRequest(t, 1, 0)
	req.Sync = true
	assert.ErrorIs(t, ctl.Enqueue(ctx, req), context.DeadlineExceeded)
	assert.Equal(t, StatusQueued, req.Status())
}

func TestWaitUnsubmitted(t *testing.T) {
	ctl, _ := newTestControl(t, 2)
	assert.ErrorIs(t, ctl.Wait(context.Background(), pkRequest(t, 1, 0)), ErrInvalidRequest)
}

// Request C of three commands at {2,3,0} faults at 3: {3,0} become no-ops
// with the marker on 0, and the flagged request finishes on the next reap.
func TestReportFaultPatchesAcrossWrap(t *testing.T) {
	ctl, _ := newTestControl(t, 2)
	ctx := context.Background()

	require.NoError(t, ctl.Enqueue(ctx, pkRequest(t, 2, 0)))
	ctl.Reap(2)

	c := pkRequest(t, 3, 'C')
	c.CopyBack = true
	original := append([]byte(nil), c.Commands...)
	require.NoError(t, ctl.Enqueue(ctx, c))

	// The command at 2 executed; the one at 3 faulted
	assert.Equal(t, 0, ctl.Reap(1))
	require.NoError(t, ctl.ReportFault(3, cmdblk.StatusDataError))

	ring := ctl.Ring()
	assert.Equal(t, uint8(cmdblk.OpPKModExp), ring.Slot(2).Opcode())
	assert.Equal(t, uint8(cmdblk.OpPKNop), ring.Slot(3).Opcode())
	assert.Equal(t, uint8(cmdblk.OpPKNop), ring.Slot(0).Opcode())
	assert.False(t, ring.Slot(3).Last())
	assert.True(t, ring.Slot(0).Last())

	fe := c.Fault()
	require.NotNil(t, fe)
	assert.Equal(t, uint32(2), fe.Offset)
	assert.Equal(t, uint32(3), fe.Index)
	assert.ErrorIs(t, c.Err(), ErrHardwareFault)

	// Request ring untouched until the patched span retires
	assert.Equal(t, StatusQueued, c.Status())
	assert.Equal(t, 1, ctl.QueuedCount())

	assert.Equal(t, 1, ctl.Reap(2))
	assert.Equal(t, StatusFinished, c.Status())
	assert.Equal(t, original, c.Commands, "no copy-back for a faulted request")

	snap := ctl.Stats().Snapshot()
	assert.Equal(t, uint64(1), snap.Faults)
	assert.Equal(t, uint64(1), snap.FailedRequests)
	assert.Equal(t, uint64(2), snap.PatchedSlots)
}

func TestReportFaultCallbackFiresOnce(t *testing.T) {
	ctl, _ := newTestControl(t, 3)
	ctx := context.Background()

	var calls int
	var seen error
	req := pkRequest(t, 3, 0)
	req.Callback = func(r *Request) {
		calls++
		seen = r.Err()
	}
	require.NoError(t, ctl.Enqueue(ctx, req))
	require.NoError(t, ctl.ReportFault(1, cmdblk.StatusIllegalOp))
	assert.Equal(t, 1, calls, "immediate dispatch notifies from the error path")
	assert.ErrorIs(t, seen, ErrHardwareFault)

	assert.Equal(t, 1, ctl.Reap(3))
	assert.Equal(t, 1, calls, "reap does not notify again")
}

func TestReportFaultStray(t *testing.T) {
	ctl, _ := newTestControl(t, 3)

	assert.ErrorIs(t, ctl.ReportFault(0, cmdblk.StatusBusError), ErrStrayFault, "empty request ring")

	req := pkRequest(t, 2, 0)
	require.NoError(t, ctl.Enqueue(context.Background(), req))
	assert.ErrorIs(t, ctl.ReportFault(5, cmdblk.StatusBusError), ErrStrayFault)
	assert.Nil(t, req.Fault())
	assert.Equal(t, uint8(cmdblk.OpPKModExp), ctl.Ring().Slot(1).Opcode())
	assert.Equal(t, uint64(2), ctl.Stats().Snapshot().StrayFaults)
}

func TestFaultErrno(t *testing.T) {
	assert.Equal(t, syscall.EINVAL, (&FaultError{Status: cmdblk.StatusIllegalOp}).Errno())
	assert.Equal(t, syscall.EIO, (&FaultError{Status: cmdblk.StatusBusError}).Errno())
	assert.Equal(t, syscall.EIO, (&FaultError{Status: 0x42}).Errno())
	assert.Zero(t, (&FaultError{Status: cmdblk.StatusOK}).Errno())
}

func TestReapReleasesGoneSession(t *testing.T) {
	sessions := &fakeSessions{dead: map[interfaces.BufferHandle]bool{7: true}}
	ctl, _ := newTestControl(t, 3, func(c *Config) { c.Sessions = sessions })
	ctx := context.Background()

	called := false
	gone := pkRequest(t, 1, 0)
	gone.Buffer = 7
	gone.CopyBack = true
	gone.Callback = func(*Request) { called = true }
	before := append([]byte(nil), gone.Commands...)

	abandoned := pkRequest(t, 1, 1)
	abandoned.Buffer = 8
	abandoned.Callback = func(*Request) { called = true }

	live := pkRequest(t, 1, 2)
	live.Buffer = 9

	require.NoError(t, ctl.Enqueue(ctx, gone))
	require.NoError(t, ctl.Enqueue(ctx, abandoned))
	require.NoError(t, ctl.Enqueue(ctx, live))
	require.True(t, abandoned.Abandon())

	copy(ctl.Ring().Slot(0).Payload(), "result")
	assert.Equal(t, 3, ctl.Reap(3))

	assert.False(t, called)
	assert.Equal(t, before, gone.Commands, "no copy-back into a dead session")
	assert.Equal(t, []interfaces.BufferHandle{7, 8}, sessions.released)
	assert.Equal(t, StatusFinished, gone.Status())
	assert.Equal(t, OwnedByCaller, live.Ownership())
	assert.False(t, live.Abandon(), "finished requests cannot be abandoned")
	assert.Equal(t, uint64(2), ctl.Stats().Snapshot().Released)
}

func TestDeferredCallbacks(t *testing.T) {
	worker := NewCallbackWorker(4, testLogger{t})
	defer worker.Close()

	ctl, _ := newTestControl(t, 4, func(c *Config) {
		c.ImmediateDispatch = false
		c.Callbacks = worker
	})

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		req := pkRequest(t, 1, byte(i))
		req.Context = i
		req.Callback = func(r *Request) {
			mu.Lock()
			got = append(got, r.Context.(int))
			n := len(got)
			mu.Unlock()
			if n == 3 {
				close(done)
			}
		}
		require.NoError(t, ctl.Enqueue(context.Background(), req))
	}
	assert.Equal(t, 3, ctl.Reap(3))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deferred callbacks did not run")
	}
	mu.Lock()
	assert.Equal(t, []int{0, 1, 2}, got)
	mu.Unlock()
}

func TestDeferredCallbacksFallBackInline(t *testing.T) {
	worker := NewCallbackWorker(1, nil)
	worker.Close() // stopped worker refuses everything

	ctl, _ := newTestControl(t, 3, func(c *Config) {
		c.ImmediateDispatch = false
		c.Callbacks = worker
	})

	ran := false
	req := pkRequest(t, 1, 0)
	req.Callback = func(*Request) { ran = true }
	require.NoError(t, ctl.Enqueue(context.Background(), req))
	ctl.Reap(1)

	assert.True(t, ran)
	assert.Equal(t, uint64(1), ctl.Stats().Snapshot().InlineCallbacks)
}

func TestDeferredCallbacksOverflowRunsAhead(t *testing.T) {
	worker := NewCallbackWorker(1, nil)
	defer worker.Close()

	ctl, _ := newTestControl(t, 4, func(c *Config) {
		c.ImmediateDispatch = false
		c.Callbacks = worker
	})

	var mu sync.Mutex
	var got []int
	started := make(chan struct{})
	release := make(chan struct{})
	all := make(chan struct{})
	for i := 0; i < 3; i++ {
		req := pkRequest(t, 1, byte(i))
		req.Context = i
		req.Callback = func(r *Request) {
			mu.Lock()
			got = append(got, r.Context.(int))
			n := len(got)
			mu.Unlock()
			if r.Context.(int) == 0 {
				close(started)
				<-release
			}
			if n == 3 {
				close(all)
			}
		}
		require.NoError(t, ctl.Enqueue(context.Background(), req))
	}

	// 0 occupies the worker, 1 fills the backlog, 2 overflows and runs inline
	require.Equal(t, 1, ctl.Reap(1))
	<-started
	require.Equal(t, 2, ctl.Reap(2))
	assert.Equal(t, uint64(1), ctl.Stats().Snapshot().InlineCallbacks)

	close(release)
	select {
	case <-all:
	case <-time.After(time.Second):
		t.Fatal("callbacks did not all run")
	}
	mu.Lock()
	assert.Equal(t, []int{0, 2, 1}, got, "the inline callback overtakes the backlog")
	mu.Unlock()
}

func TestConsumerAfterClose(t *testing.T) {
	ctl, _ := newTestControl(t, 3)

	req := pkRequest(t, 2, 'z')
	req.CopyBack = true
	before := append([]byte(nil), req.Commands...)
	require.NoError(t, ctl.Enqueue(context.Background(), req))
	require.NoError(t, ctl.Close())

	assert.Equal(t, 0, ctl.Reap(2))
	assert.ErrorIs(t, ctl.ReportFault(0, cmdblk.StatusDataError), ErrClosed)

	assert.Equal(t, StatusQueued, req.Status())
	assert.Nil(t, req.Fault())
	assert.Equal(t, before, req.Commands)
	snap := ctl.Stats().Snapshot()
	assert.Zero(t, snap.CommandsRetired)
	assert.Zero(t, snap.Faults)
	assert.Zero(t, snap.Completed)
}

func TestConsumerRacesClose(t *testing.T) {
	ctl, _ := newTestControl(t, 3)
	for i := 0; i < 3; i++ {
		req := pkRequest(t, 1, byte(i))
		req.CopyBack = true
		require.NoError(t, ctl.Enqueue(context.Background(), req))
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			ctl.Reap(1)
			_ = ctl.ReportFault(0, cmdblk.StatusDataError)
		}
	}()

	time.Sleep(time.Millisecond)
	require.NoError(t, ctl.Close())
	close(stop)
	wg.Wait()

	assert.Equal(t, 0, ctl.Reap(1), "closed queues stay inert")
}

func TestReportFaultSkipsCallbackForGoneSession(t *testing.T) {
	sessions := &fakeSessions{dead: map[interfaces.BufferHandle]bool{7: true}}
	ctl, _ := newTestControl(t, 3, func(c *Config) { c.Sessions = sessions })

	called := false
	req := pkRequest(t, 2, 0)
	req.Buffer = 7
	req.Callback = func(*Request) { called = true }
	require.NoError(t, ctl.Enqueue(context.Background(), req))

	require.NoError(t, ctl.ReportFault(1, cmdblk.StatusKeyError))
	assert.False(t, called, "no failure callback into a dead session")
	assert.Equal(t, ReleaseOnFinalize, req.Ownership())

	assert.Equal(t, 1, ctl.Reap(2))
	assert.False(t, called)
	assert.Equal(t, StatusFinished, req.Status())
	sessions.mu.Lock()
	assert.Equal(t, []interfaces.BufferHandle{7}, sessions.released)
	sessions.mu.Unlock()
	assert.Equal(t, uint64(1), ctl.Stats().Snapshot().Released)
}

func TestCompletedCounterShared(t *testing.T) {
	var completed atomix.Int64
	a, _ := newTestControl(t, 3, func(c *Config) { c.Completed = &completed })
	b, _ := newTestControl(t, 3, func(c *Config) { c.Completed = &completed })

	ctx := context.Background()
	require.NoError(t, a.Enqueue(ctx, pkRequest(t, 1, 0)))
	require.NoError(t, b.Enqueue(ctx, pkRequest(t, 1, 0)))
	require.NoError(t, b.Enqueue(ctx, pkRequest(t, 1, 1)))
	a.Reap(1)
	b.Reap(2)
	assert.Equal(t, int64(3), completed.Load())
}

func TestConcurrentProducersSingleConsumer(t *testing.T) {
	ctl, regs := newTestControl(t, 6, func(c *Config) {
		c.MaxAPIRequests = 32
		c.Logger = nil
	})

	const producers = 4
	const perProducer = 200

	var finished atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Consumer: retire whatever was published, one command at a time
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		read := uint32(0)
		for finished.Load() < producers*perProducer {
			write := regs.write.Load()
			delta := (write - read) & ctl.Ring().Mask()
			if delta == 0 {
				select {
				case <-ctx.Done():
					return
				default:
				}
				time.Sleep(10 * time.Microsecond)
				continue
			}
			read = (read + delta) & ctl.Ring().Mask()
			finished.Add(int64(ctl.Reap(uint16(delta))))
		}
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; {
				req := pkRequest(t, 1+(i%4), byte(p))
				req.CopyBack = true
				err := ctl.Enqueue(ctx, req)
				if errors.Is(err, iox.ErrWouldBlock) {
					time.Sleep(10 * time.Microsecond)
					continue
				}
				if !assert.NoError(t, err) {
					return
				}
				i++
			}
		}(p)
	}
	wg.Wait()

	select {
	case <-consumerDone:
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("consumer did not finish every request")
	}
	assert.Equal(t, int64(producers*perProducer), finished.Load())
	assert.Equal(t, 0, ctl.QueuedCount())
	snap := ctl.Stats().Snapshot()
	assert.Equal(t, snap.CommandsQueued, snap.CommandsRetired)
}
