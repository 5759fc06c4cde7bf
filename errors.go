package qmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-qmgr/internal/ctrl"
	"github.com/ehrlich-b/go-qmgr/internal/queue"
)

// Error represents a structured queue manager error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "SUBMIT", "ATTACH_CHIP")
	Chip  int           // Chip index (-1 if not applicable)
	Unit  string        // Execution unit ("" if not applicable)
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // Mapped errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Chip >= 0 {
		parts = append(parts, fmt.Sprintf("chip=%d", e.Chip))
	}
	if e.Unit != "" {
		parts = append(parts, fmt.Sprintf("unit=%s", e.Unit))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("qmgr: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("qmgr: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches another *Error by code. Sentinels are matched through Unwrap.
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeQueueFull          ErrorCode = "command queue full"
	ErrCodeRequestRingFull    ErrorCode = "request ring full"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeHardwareFault      ErrorCode = "hardware fault"
	ErrCodeInvalidRequest     ErrorCode = "invalid request"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeUnknownQueue       ErrorCode = "unknown queue"
	ErrCodeChipBusy           ErrorCode = "chip busy"
	ErrCodeStrayFault         ErrorCode = "stray fault"
	ErrCodeClosed             ErrorCode = "closed"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeIOError            ErrorCode = "I/O error"
)

// Sentinel errors. Every *Error returned by Manager wraps one of these when
// the failure came from the queue layer, so errors.Is works on either.
var (
	ErrQueueFull       = queue.ErrQueueFull
	ErrRequestRingFull = queue.ErrRequestRingFull
	ErrTimeout         = queue.ErrTimeout
	ErrHardwareFault   = queue.ErrHardwareFault
	ErrInvalidRequest  = queue.ErrInvalidRequest
	ErrStrayFault      = queue.ErrStrayFault
	ErrClosed          = queue.ErrClosed
	ErrUnknownQueue    = ctrl.ErrUnknownQueue
	ErrChipExists      = ctrl.ErrChipExists
	ErrArenaFull       = ctrl.ErrArenaFull

	// ErrExternalNotify is returned by Reap and ReportFault on a queue that
	// has its own dispatcher
	ErrExternalNotify = errors.New("queue is driven by its dispatcher")
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Chip: -1,
		Code: code,
		Msg:  msg,
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, chip int, unit Unit, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Chip: chip,
		Unit: unit.String(),
		Code: code,
		Msg:  msg,
	}
}

// WrapError wraps an existing error with queue manager context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var qe *Error
	if errors.As(inner, &qe) {
		out := *qe
		out.Op = op
		return &out
	}

	e := &Error{
		Op:    op,
		Chip:  -1,
		Code:  mapErrorToCode(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}

	var fe *queue.FaultError
	var errno syscall.Errno
	switch {
	case errors.As(inner, &fe):
		e.Errno = fe.Errno()
	case errors.As(inner, &errno):
		e.Code = mapErrnoToCode(errno)
		e.Errno = errno
		e.Msg = errno.Error()
	}
	return e
}

// wrapQueueError wraps inner and records the queue it came from
func wrapQueueError(op string, chip int, unit Unit, inner error) error {
	if inner == nil {
		return nil
	}
	e := WrapError(op, inner)
	e.Chip = chip
	e.Unit = unit.String()
	return e
}

// mapErrorToCode classifies the queue layer's sentinels
func mapErrorToCode(err error) ErrorCode {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		return ErrCodeQueueFull
	case errors.Is(err, queue.ErrRequestRingFull):
		return ErrCodeRequestRingFull
	case errors.Is(err, queue.ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, queue.ErrHardwareFault):
		return ErrCodeHardwareFault
	case errors.Is(err, queue.ErrInvalidRequest):
		return ErrCodeInvalidRequest
	case errors.Is(err, queue.ErrStrayFault):
		return ErrCodeStrayFault
	case errors.Is(err, queue.ErrClosed):
		return ErrCodeClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// A published request outlives its waiter, as with ErrTimeout
		return ErrCodeTimeout
	case errors.Is(err, ctrl.ErrUnknownQueue):
		return ErrCodeUnknownQueue
	case errors.Is(err, ctrl.ErrChipExists), errors.Is(err, ctrl.ErrArenaFull),
		errors.Is(err, ErrExternalNotify):
		return ErrCodeChipBusy
	default:
		return ErrCodeIOError
	}
}

// mapErrnoToCode maps syscall errno to queue manager error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EAGAIN:
		return ErrCodeQueueFull
	case syscall.ENOENT, syscall.ENODEV:
		return ErrCodeUnknownQueue
	case syscall.EBUSY:
		return ErrCodeChipBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Errno == errno
	}
	return false
}
