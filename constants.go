package qmgr

import "github.com/ehrlich-b/go-qmgr/internal/constants"

// Re-export constants for public API
const (
	DefaultCmdQueueExp       = constants.DefaultCmdQueueExp
	MinCmdQueueExp           = constants.MinCmdQueueExp
	MaxCmdQueueExp           = constants.MaxCmdQueueExp
	DefaultMaxAPIRequests    = constants.DefaultMaxAPIRequests
	DefaultSyncRetries       = constants.DefaultSyncRetries
	DefaultSyncRetryInterval = constants.DefaultSyncRetryInterval
	DefaultPollInterval      = constants.DefaultPollInterval
	AutoAssignChipID         = constants.AutoAssignChipID
	MaxChips                 = constants.MaxChips
	EASlotSize               = constants.EASlotSize
	PKSlotSize               = constants.PKSlotSize
	RNGSlotSize              = constants.RNGSlotSize
)
