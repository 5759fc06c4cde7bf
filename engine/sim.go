// Package engine provides execution engines that consume a command ring
package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
	"golang.org/x/sys/cpu"

	"github.com/ehrlich-b/go-qmgr/internal/cmdblk"
	"github.com/ehrlich-b/go-qmgr/internal/interfaces"
)

// idleRounds is how many backoff rounds an idle engine polls the write
// pointer before parking until the next publish
const idleRounds = 16

// haltSpins bounds the busy wait for Resume before parking
const haltSpins = 128

// ExecFunc runs one command in place and returns its completion status
type ExecFunc func(blk cmdblk.Block) uint32

// Config configures a simulated engine
type Config struct {
	Name string

	// CommandDelay is the simulated execution time of each command
	CommandDelay time.Duration

	// Coalesce raises CommandsRetired once every Coalesce commands, and
	// always when the engine runs dry. Zero raises only when dry.
	Coalesce int

	// SilentRetire never raises CommandsRetired; completions are only
	// visible through the read pointer (timer polling)
	SilentRetire bool

	// PoisonOpcode faults with StatusIllegalOp. Defaults to cmdblk.OpPoison.
	PoisonOpcode uint8

	// Exec runs a non-NOP command. Defaults to Complement.
	Exec ExecFunc
}

// Sim is a software engine. It executes published slots in order on its own
// goroutine, checks the next-index chain of every slot, writes results in
// place and halts on a fault until Resume.
type Sim struct {
	cfg Config

	ring     []byte
	slotSize int
	mask     uint32
	sink     interfaces.InterruptSink

	write atomic.Uint32

	_ cpu.CacheLinePad

	read   atomic.Uint32
	halted atomic.Bool

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	attached bool
	closeMu  sync.Mutex
	closed   bool

	executed atomix.Uint64
	faults   atomix.Uint64
	irqs     atomix.Uint64
}

// NewSim creates an engine. It does nothing until attached to a ring.
func NewSim(cfg Config) *Sim {
	if cfg.PoisonOpcode == 0 {
		cfg.PoisonOpcode = cmdblk.OpPoison
	}
	if cfg.Exec == nil {
		cfg.Exec = Complement
	}
	return &Sim{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Complement inverts the data bytes of a command's payload
func Complement(blk cmdblk.Block) uint32 {
	payload := blk.Payload()
	n := blk.Length()
	if n > len(payload) {
		return cmdblk.StatusDataError
	}
	for i := 0; i < n; i++ {
		payload[i] = ^payload[i]
	}
	return cmdblk.StatusOK
}

// Attach implements interfaces.Engine
func (s *Sim) Attach(ring []byte, slotSize int, irq interfaces.InterruptSink) error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return fmt.Errorf("engine %s: closed", s.cfg.Name)
	}
	if s.attached {
		return fmt.Errorf("engine %s: already attached", s.cfg.Name)
	}
	if slotSize <= 0 || len(ring)%slotSize != 0 {
		return fmt.Errorf("engine %s: ring of %d bytes is not a whole number of %d byte slots", s.cfg.Name, len(ring), slotSize)
	}
	n := len(ring) / slotSize
	if n < 2 || n&(n-1) != 0 {
		return fmt.Errorf("engine %s: %d slots is not a power of two", s.cfg.Name, n)
	}
	if irq == nil {
		return fmt.Errorf("engine %s: nil interrupt sink", s.cfg.Name)
	}

	s.ring = ring
	s.slotSize = slotSize
	s.mask = uint32(n - 1)
	s.sink = irq
	s.attached = true
	go s.run()
	return nil
}

// WriteCmdQueueWritePtr implements interfaces.Registers
func (s *Sim) WriteCmdQueueWritePtr(ptr uint32) {
	s.write.Store(ptr & s.mask)
	s.kick()
}

// CmdQueueReadPtr implements interfaces.Registers
func (s *Sim) CmdQueueReadPtr() uint32 {
	return s.read.Load()
}

// Resume implements interfaces.Engine
func (s *Sim) Resume() {
	if s.halted.CompareAndSwap(true, false) {
		s.kick()
	}
}

// Halted reports whether the engine is stopped on a fault
func (s *Sim) Halted() bool {
	return s.halted.Load()
}

// Close implements interfaces.Engine
func (s *Sim) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	attached := s.attached
	close(s.stop)
	s.closeMu.Unlock()

	if attached {
		<-s.done
	}
	return nil
}

// Stats returns commands executed, faults raised and retire interrupts raised
func (s *Sim) Stats() (executed, faults, irqs uint64) {
	return s.executed.Load(), s.faults.Load(), s.irqs.Load()
}

func (s *Sim) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sim) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Sim) run() {
	defer close(s.done)

	backoff := iox.Backoff{}
	idle := 0
	for !s.stopped() {
		if s.halted.Load() {
			s.waitResume()
			continue
		}

		read, write := s.read.Load(), s.write.Load()
		if read == write {
			if idle < idleRounds {
				idle++
				backoff.Wait()
				continue
			}
			select {
			case <-s.wake:
			case <-s.stop:
				return
			}
			idle = 0
			backoff.Reset()
			continue
		}

		idle = 0
		backoff.Reset()
		s.execute(read, write)
	}
}

// waitResume busy-waits briefly for Resume, then parks
func (s *Sim) waitResume() {
	sw := spin.Wait{}
	for i := 0; i < haltSpins; i++ {
		if !s.halted.Load() {
			return
		}
		sw.Once()
	}
	for s.halted.Load() {
		select {
		case <-s.wake:
		case <-s.stop:
			return
		}
	}
}

// execute runs read..write and publishes the read pointer after each slot
func (s *Sim) execute(read, write uint32) {
	retired := 0
	for read != write {
		if s.stopped() {
			return
		}
		blk := cmdblk.Slot(s.ring, s.slotSize, read)

		status := uint32(cmdblk.StatusOK)
		switch op := blk.Opcode(); {
		case blk.Next() != (read+1)&s.mask:
			status = cmdblk.StatusBadChain
		case op == s.cfg.PoisonOpcode:
			status = cmdblk.StatusIllegalOp
		case op != cmdblk.OpEANop: // every unit's NOP is opcode 0
			status = s.cfg.Exec(blk)
		}
		if status != cmdblk.StatusOK {
			s.halted.Store(true)
			s.read.Store(read)
			s.faults.Add(1)
			s.sink.CommandFaulted(read, status)
			return
		}

		if s.cfg.CommandDelay > 0 {
			time.Sleep(s.cfg.CommandDelay)
		}
		read = (read + 1) & s.mask
		s.read.Store(read)
		s.executed.Add(1)
		retired++

		if s.cfg.Coalesce > 0 && retired%s.cfg.Coalesce == 0 {
			s.retire()
		}
	}
	s.retire()
}

func (s *Sim) retire() {
	if s.cfg.SilentRetire {
		return
	}
	s.irqs.Add(1)
	s.sink.CommandsRetired()
}

var _ interfaces.Engine = (*Sim)(nil)
