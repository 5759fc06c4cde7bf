package qmgr

import (
	"errors"
	"sync"

	"github.com/ehrlich-b/go-qmgr/internal/cmdblk"
)

// CommandBlock is a view of one command ring slot
type CommandBlock = cmdblk.Block

// MockEngine is a hand-stepped Engine for testing. Nothing executes until
// the test calls Retire, Execute or Fault; each raises the matching
// notification synchronously on the attached sink.
type MockEngine struct {
	mu       sync.Mutex
	ring     []byte
	slotSize int
	mask     uint32
	sink     InterruptSink

	write  uint32
	read   uint32
	halted bool
	closed bool

	attachErr error

	// Method call tracking
	attachCalls int
	writeCalls  int
	resumeCalls int
	retireIRQs  int
	faultIRQs   int
}

// NewMockEngine creates a mock engine. It must be attached before use.
func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

// FailAttach makes the next Attach return err
func (m *MockEngine) FailAttach(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachErr = err
}

// Attach implements the Engine interface
func (m *MockEngine) Attach(ring []byte, slotSize int, irq InterruptSink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attachCalls++
	if m.attachErr != nil {
		err := m.attachErr
		m.attachErr = nil
		return err
	}
	if m.closed {
		return errors.New("mock engine closed")
	}
	if m.sink != nil {
		return errors.New("mock engine already attached")
	}
	if slotSize <= 0 || len(ring)%slotSize != 0 {
		return errors.New("ring is not a whole number of slots")
	}

	m.ring = ring
	m.slotSize = slotSize
	m.mask = uint32(len(ring)/slotSize - 1)
	m.sink = irq
	return nil
}

// WriteCmdQueueWritePtr implements the Registers interface
func (m *MockEngine) WriteCmdQueueWritePtr(ptr uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++
	m.write = ptr & m.mask
}

// CmdQueueReadPtr implements the Registers interface
func (m *MockEngine) CmdQueueReadPtr() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read
}

// Resume implements the Engine interface
func (m *MockEngine) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumeCalls++
	m.halted = false
}

// Close implements the Engine interface
func (m *MockEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Pending returns the commands published but not yet retired
func (m *MockEngine) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int((m.write - m.read) & m.mask)
}

// Slot returns the command block at idx
func (m *MockEngine) Slot(idx uint32) CommandBlock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cmdblk.Slot(m.ring, m.slotSize, idx&m.mask)
}

// Execute runs fn over up to n pending commands in ring order, retires them
// and raises one retire notification. It returns the number executed.
func (m *MockEngine) Execute(n int, fn func(CommandBlock)) int {
	m.mu.Lock()
	done := 0
	for done < n && !m.halted && m.read != m.write && !m.closed {
		if fn != nil {
			fn(cmdblk.Slot(m.ring, m.slotSize, m.read))
		}
		m.read = (m.read + 1) & m.mask
		done++
	}
	sink := m.sink
	if done > 0 {
		m.retireIRQs++
	}
	m.mu.Unlock()

	if done > 0 && sink != nil {
		sink.CommandsRetired()
	}
	return done
}

// Retire retires up to n pending commands without touching them
func (m *MockEngine) Retire(n int) int {
	return m.Execute(n, nil)
}

// RetireAll retires every pending command
func (m *MockEngine) RetireAll() int {
	m.mu.Lock()
	n := int(m.mask) + 1
	m.mu.Unlock()
	return m.Execute(n, nil)
}

// Fault halts the engine on the next pending command and raises a fault
// notification for it. It returns the faulted index.
func (m *MockEngine) Fault(status uint32) uint32 {
	m.mu.Lock()
	m.halted = true
	m.faultIRQs++
	index := m.read
	sink := m.sink
	m.mu.Unlock()

	if sink != nil {
		sink.CommandFaulted(index, status)
	}
	return index
}

// Halted returns true while the engine is stopped on a fault
func (m *MockEngine) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// IsClosed returns true if the engine has been closed
func (m *MockEngine) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CallCounts returns the number of times each method has been called
func (m *MockEngine) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]int{
		"attach":  m.attachCalls,
		"write":   m.writeCalls,
		"resume":  m.resumeCalls,
		"retired": m.retireIRQs,
		"faulted": m.faultIRQs,
	}
}

// MockSessions provides a mock session layer for testing. Every handle is
// live until Kill is called on it.
type MockSessions struct {
	mu       sync.RWMutex
	dead     map[BufferHandle]bool
	released []BufferHandle

	liveCalls int
}

// NewMockSessions creates a session layer in which every session is live
func NewMockSessions() *MockSessions {
	return &MockSessions{dead: make(map[BufferHandle]bool)}
}

// Kill ends the session owning h
func (m *MockSessions) Kill(h BufferHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead[h] = true
}

// SessionStillLive implements the Sessions interface
func (m *MockSessions) SessionStillLive(h BufferHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveCalls++
	return !m.dead[h]
}

// ReleaseBuffer implements the Sessions interface
func (m *MockSessions) ReleaseBuffer(h BufferHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, h)
}

// Released returns the handles released so far, in order
func (m *MockSessions) Released() []BufferHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]BufferHandle(nil), m.released...)
}

// CallCounts returns the number of times each method has been called
func (m *MockSessions) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"live":    m.liveCalls,
		"release": len(m.released),
	}
}

// Compile-time interface checks
var (
	_ Engine   = (*MockEngine)(nil)
	_ Sessions = (*MockSessions)(nil)
)
