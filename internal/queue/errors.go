package queue

import (
	"errors"
	"fmt"
	"syscall"

	"code.hybscloud.com/iox"

	"github.com/ehrlich-b/go-qmgr/internal/cmdblk"
)

var (
	// ErrQueueFull is returned when the command ring lacks room for the
	// request's commands. It wraps iox.ErrWouldBlock: the caller may retry
	// once completions have been reaped.
	ErrQueueFull = fmt.Errorf("command queue full: %w", iox.ErrWouldBlock)

	// ErrRequestRingFull is returned when the request ring has no free slot,
	// even though the command ring may have room. Also wraps iox.ErrWouldBlock.
	ErrRequestRingFull = fmt.Errorf("request ring full: %w", iox.ErrWouldBlock)

	// ErrTimeout is returned to a synchronous caller whose bounded wait ran
	// out. The request is NOT retracted: it stays live in the ring and will
	// still be finalized. A caller seeing ErrTimeout cannot tell "still
	// pending" from "failed"; it must treat the request as fire-and-forget
	// from then on, or keep watching Request.Done.
	ErrTimeout = errors.New("synchronous wait timed out; request still queued")

	// ErrHardwareFault is matched by every *FaultError
	ErrHardwareFault = errors.New("hardware fault")

	// ErrInvalidRequest is returned for empty, mis-sized, oversized or
	// already-queued requests
	ErrInvalidRequest = errors.New("invalid request")

	// ErrStrayFault is returned by ReportFault when the faulted index does
	// not belong to the oldest outstanding request
	ErrStrayFault = errors.New("fault outside the oldest outstanding request")

	// ErrClosed is returned after the queue has been closed
	ErrClosed = errors.New("queue closed")
)

// FaultError describes a hardware fault recorded on a request
type FaultError struct {
	Unit   cmdblk.Unit
	Index  uint32 // ring index of the faulted command
	Offset uint32 // 1-based position of the faulted command within the request
	Status uint32 // engine fault status
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s hardware fault: status=0x%02x command %d (ring index %d)",
		e.Unit, e.Status, e.Offset, e.Index)
}

// Is makes every FaultError match ErrHardwareFault
func (e *FaultError) Is(target error) bool {
	return target == ErrHardwareFault
}

// Errno maps the fault status to the closest errno
func (e *FaultError) Errno() syscall.Errno {
	switch e.Status {
	case cmdblk.StatusOK:
		return 0
	case cmdblk.StatusIllegalOp:
		return syscall.EINVAL
	case cmdblk.StatusDataError:
		return syscall.ERANGE
	case cmdblk.StatusKeyError:
		return syscall.EKEYREJECTED
	default:
		return syscall.EIO
	}
}
