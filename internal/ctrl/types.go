package ctrl

import (
	"fmt"
	"time"

	"github.com/ehrlich-b/go-qmgr/internal/cmdblk"
	"github.com/ehrlich-b/go-qmgr/internal/constants"
	"github.com/ehrlich-b/go-qmgr/internal/interfaces"
)

// ChipParams describes one chip and the queues to create for it
type ChipParams struct {
	// Engines holds one engine per execution unit; a nil entry leaves the
	// unit without a queue
	Engines  [cmdblk.NumUnits]interfaces.Engine
	Sessions interfaces.Sessions

	ChipID         int
	CmdQueueExp    [cmdblk.NumUnits]int
	MaxAPIRequests int

	SyncRetries       int
	SyncRetryInterval time.Duration
	PollInterval      time.Duration

	ImmediateDispatch bool

	// ExternalNotify skips the per-queue dispatcher. Engines are attached
	// to ExternalSinks instead and the caller drives Reap and ReportFault
	// from a single context per queue.
	ExternalNotify bool
	ExternalSinks  [cmdblk.NumUnits]interfaces.InterruptSink

	ChipName string
}

// DefaultChipParams returns the parameters used when a caller supplies only engines
func DefaultChipParams() ChipParams {
	return ChipParams{
		ChipID: constants.AutoAssignChipID,
		CmdQueueExp: [cmdblk.NumUnits]int{
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

// Validate checks the parameters before any memory is allocated
func (p *ChipParams) Validate() error {
	if p.ChipID != constants.AutoAssignChipID && (p.ChipID < 0 || p.ChipID >= constants.MaxChips) {
		return fmt.Errorf("chip id %d out of range [0, %d)", p.ChipID, constants.MaxChips)
	}
	units := 0
	for _, u := range cmdblk.Units {
		if p.Engines[u] == nil {
			continue
		}
		units++
		exp := p.CmdQueueExp[u]
		if exp < constants.MinCmdQueueExp || exp > constants.MaxCmdQueueExp {
			return fmt.Errorf("%s command queue exponent %d out of range [%d, %d]",
				u, exp, constants.MinCmdQueueExp, constants.MaxCmdQueueExp)
		}
	}
	if units == 0 {
		return fmt.Errorf("chip has no engines")
	}
	if p.MaxAPIRequests < 1 || p.MaxAPIRequests&(p.MaxAPIRequests-1) != 0 {
		return fmt.Errorf("max API requests %d is not a power of two", p.MaxAPIRequests)
	}
	if p.SyncRetries < 1 {
		return fmt.Errorf("sync retries must be positive, got %d", p.SyncRetries)
	}
	if p.SyncRetryInterval <= 0 {
		return fmt.Errorf("sync retry interval must be positive, got %v", p.SyncRetryInterval)
	}
	if p.PollInterval < 0 {
		return fmt.Errorf("poll interval must not be negative, got %v", p.PollInterval)
	}
	return nil
}

// UnitInfo describes one attached queue
type UnitInfo struct {
	Unit      cmdblk.Unit
	Slots     uint32
	SlotSize  int
	RingBytes int
}

// ChipInfo describes an attached chip
type ChipInfo struct {
	ID             int
	Name           string
	Units          []UnitInfo
	MaxAPIRequests int
	ExternalNotify bool
}

// RingBytes returns the command ring memory across all units
func (c *ChipInfo) RingBytes() int {
	total := 0
	for _, u := range c.Units {
		total += u.RingBytes
	}
	return total
}
