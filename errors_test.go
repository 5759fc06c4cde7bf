package qmgr

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/ehrlich-b/go-qmgr/internal/cmdblk"
	"github.com/ehrlich-b/go-qmgr/internal/queue"
)

func TestStructuredError(t *testing.T) {
	err := NewError("ATTACH_CHIP", ErrCodeInvalidParameters, "chip has no engines")

	if err.Op != "ATTACH_CHIP" {
		t.Errorf("Expected Op=ATTACH_CHIP, got %s", err.Op)
	}
	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "qmgr: chip has no engines (op=ATTACH_CHIP)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}

	qerr := NewQueueError("SUBMIT", 2, UnitPK, ErrCodeQueueFull, "")
	expected = "qmgr: command queue full (op=SUBMIT chip=2 unit=PK)"
	if qerr.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, qerr.Error())
	}
}

func TestWrapError(t *testing.T) {
	inner := syscall.ENOENT
	err := WrapError("DETACH_CHIP", inner)

	if err.Code != ErrCodeUnknownQueue {
		t.Errorf("Expected Code=ErrCodeUnknownQueue, got %s", err.Code)
	}
	if err.Errno != syscall.ENOENT {
		t.Errorf("Expected Errno=ENOENT, got %v", err.Errno)
	}
	if !errors.Is(err, syscall.ENOENT) {
		t.Error("Expected wrapped error to satisfy errors.Is for ENOENT")
	}

	if WrapError("NOOP", nil) != nil {
		t.Error("WrapError(nil) should be nil")
	}

	// Re-wrapping keeps everything but the operation
	again := WrapError("RETRY", NewQueueError("SUBMIT", 1, UnitEA, ErrCodeTimeout, "slow"))
	if again.Op != "RETRY" || again.Chip != 1 || again.Unit != "EA" || again.Code != ErrCodeTimeout {
		t.Errorf("Rewrapped error lost context: %+v", again)
	}
}

func TestWrapQueueSentinels(t *testing.T) {
	testCases := []struct {
		inner error
		code  ErrorCode
	}{
		{queue.ErrQueueFull, ErrCodeQueueFull},
		{queue.ErrRequestRingFull, ErrCodeRequestRingFull},
		{queue.ErrTimeout, ErrCodeTimeout},
		{queue.ErrInvalidRequest, ErrCodeInvalidRequest},
		{fmt.Errorf("%w: index 3", queue.ErrStrayFault), ErrCodeStrayFault},
		{queue.ErrClosed, ErrCodeClosed},
		{fmt.Errorf("%w: 3/PK", ErrUnknownQueue), ErrCodeUnknownQueue},
		{ErrArenaFull, ErrCodeChipBusy},
		{ErrExternalNotify, ErrCodeChipBusy},
		{context.Canceled, ErrCodeTimeout},
		{fmt.Errorf("wait: %w", context.DeadlineExceeded), ErrCodeTimeout},
		{errors.New("something else"), ErrCodeIOError},
	}

	for _, tc := range testCases {
		err := wrapQueueError("SUBMIT", 0, UnitRNG, tc.inner)
		if !IsCode(err, tc.code) {
			t.Errorf("wrap(%v) code = %v, want %s", tc.inner, err, tc.code)
		}
		if !errors.Is(err, tc.inner) {
			t.Errorf("wrap(%v) lost the sentinel", tc.inner)
		}
	}

	if wrapQueueError("SUBMIT", 0, UnitPK, nil) != nil {
		t.Error("wrapQueueError(nil) should be nil")
	}
}

func TestWrapFaultError(t *testing.T) {
	fe := &FaultError{Unit: cmdblk.UnitPK, Index: 5, Offset: 2, Status: cmdblk.StatusIllegalOp}
	err := WrapError("SUBMIT", fe)

	if err.Code != ErrCodeHardwareFault {
		t.Errorf("Expected Code=ErrCodeHardwareFault, got %s", err.Code)
	}
	if err.Errno != syscall.EINVAL {
		t.Errorf("Expected Errno=EINVAL, got %v", err.Errno)
	}
	if !errors.Is(err, ErrHardwareFault) {
		t.Error("Wrapped fault should match ErrHardwareFault")
	}
	var got *FaultError
	if !errors.As(err, &got) || got.Offset != 2 {
		t.Errorf("errors.As should recover the fault, got %+v", got)
	}
}

func TestErrorIsByCode(t *testing.T) {
	a := NewQueueError("SUBMIT", 0, UnitPK, ErrCodeQueueFull, "")
	b := &Error{Code: ErrCodeQueueFull}

	if !errors.Is(a, b) {
		t.Error("Errors with the same code should match")
	}
	if errors.Is(a, &Error{Code: ErrCodeTimeout}) {
		t.Error("Errors with different codes should not match")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("TEST", ErrCodeTimeout, "wait timed out")

	if !IsCode(err, ErrCodeTimeout) {
		t.Error("IsCode should return true for matching code")
	}
	if IsCode(err, ErrCodeIOError) {
		t.Error("IsCode should return false for non-matching code")
	}
	if IsCode(nil, ErrCodeTimeout) {
		t.Error("IsCode should return false for nil error")
	}
	if !IsCode(fmt.Errorf("outer: %w", err), ErrCodeTimeout) {
		t.Error("IsCode should see through wrapping")
	}
}

func TestIsErrno(t *testing.T) {
	err := WrapError("TEST", syscall.EIO)

	if !IsErrno(err, syscall.EIO) {
		t.Error("IsErrno should return true for matching errno")
	}
	if IsErrno(err, syscall.EPERM) {
		t.Error("IsErrno should return false for non-matching errno")
	}
	if IsErrno(nil, syscall.EIO) {
		t.Error("IsErrno should return false for nil error")
	}
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    syscall.Errno
		expected ErrorCode
	}{
		{syscall.EAGAIN, ErrCodeQueueFull},
		{syscall.ENOENT, ErrCodeUnknownQueue},
		{syscall.ENODEV, ErrCodeUnknownQueue},
		{syscall.EBUSY, ErrCodeChipBusy},
		{syscall.EINVAL, ErrCodeInvalidParameters},
		{syscall.ENOMEM, ErrCodeInsufficientMemory},
		{syscall.ETIMEDOUT, ErrCodeTimeout},
		{syscall.EIO, ErrCodeIOError},
	}

	for _, tc := range testCases {
		code := mapErrnoToCode(tc.errno)
		if code != tc.expected {
			t.Errorf("mapErrnoToCode(%v) = %s, want %s", tc.errno, code, tc.expected)
		}
	}
}
