package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/mwhudson/losetup-server/internal/api"
	"github.com/mwhudson/losetup-server/internal/registry"
)

// ErrorCode classifies broker failures for programmatic handling. The wire
// representation is the corresponding api.Kind* string.
type ErrorCode int

const (
	// ErrCodeUnknown indicates an unclassified error.
	ErrCodeUnknown ErrorCode = iota
	// ErrCodeValidation indicates the request was rejected before any
	// kernel call.
	ErrCodeValidation
	// ErrCodeKernel indicates the privileged host operation failed.
	ErrCodeKernel
	// ErrCodeReconcile indicates the container device update failed.
	ErrCodeReconcile
	// ErrCodeNotFound indicates the request referenced an unknown device.
	ErrCodeNotFound
	// ErrCodeAlreadyExists indicates a duplicate attach without force.
	ErrCodeAlreadyExists
	// ErrCodeTimeout indicates a bounded operation exceeded its deadline.
	ErrCodeTimeout
)

// Kind returns the wire-level error kind string.
func (c ErrorCode) Kind() string {
	switch c {
	case ErrCodeValidation:
		return api.KindValidation
	case ErrCodeKernel:
		return api.KindKernel
	case ErrCodeReconcile:
		return api.KindReconcileFailed
	case ErrCodeNotFound:
		return api.KindNotFound
	case ErrCodeAlreadyExists:
		return api.KindAlreadyExists
	case ErrCodeTimeout:
		return api.KindTimeout
	default:
		return "Unknown"
	}
}

// coded is implemented by the structured error types below.
type coded interface {
	error
	Code() ErrorCode
}

// CodeOf classifies an arbitrary error into an ErrorCode.
func CodeOf(err error) ErrorCode {
	var ce coded
	if errors.As(err, &ce) {
		return ce.Code()
	}
	switch {
	case errdefs.IsNotFound(err):
		return ErrCodeNotFound
	case errdefs.IsAlreadyExists(err):
		return ErrCodeAlreadyExists
	case errdefs.IsInvalidArgument(err):
		return ErrCodeValidation
	case errors.Is(err, context.DeadlineExceeded) || errdefs.IsDeadlineExceeded(err):
		return ErrCodeTimeout
	case errors.Is(err, registry.ErrStillAttached):
		return ErrCodeReconcile
	default:
		return ErrCodeUnknown
	}
}

// ValidationError rejects a malformed request before any kernel call.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid request: " + e.Reason }

func (e *ValidationError) Code() ErrorCode { return ErrCodeValidation }

// KernelError reports a failed privileged loop-device operation. These are
// terminal for the request: the broker never retries kernel calls on its
// own.
type KernelError struct {
	Op          string // attach, detach, resize, set-read-only
	Device      string // device path, if one was involved
	BackingFile string
	Cause       error
}

func (e *KernelError) Error() string {
	target := e.Device
	if target == "" {
		target = e.BackingFile
	}
	return fmt.Sprintf("kernel %s failed for %s: %v", e.Op, target, e.Cause)
}

func (e *KernelError) Code() ErrorCode { return ErrCodeKernel }

func (e *KernelError) Unwrap() error { return e.Cause }

// ReconcileError reports that the container device namespace could not be
// brought in line with the host. Failed lists the sub-device paths whose
// injection failed; Attached lists the paths that are visible in the
// container, so the caller can retry just the failures.
type ReconcileError struct {
	Device   string
	Failed   []string
	Attached []string
	Cause    error
}

func (e *ReconcileError) Error() string {
	if len(e.Failed) == 0 {
		return fmt.Sprintf("failed to reconcile %s with container: %v", e.Device, e.Cause)
	}
	return fmt.Sprintf("failed to reconcile %s with container (failed: %s): %v",
		e.Device, strings.Join(e.Failed, ", "), e.Cause)
}

func (e *ReconcileError) Code() ErrorCode { return ErrCodeReconcile }

func (e *ReconcileError) Unwrap() error { return e.Cause }

// TimeoutError reports a bounded operation that exceeded its deadline. The
// broker always re-verifies kernel state before returning one of these;
// ConfirmedAbsent records whether the confirm step found the operation's
// target gone.
type TimeoutError struct {
	Op              string
	Target          string
	ConfirmedAbsent bool
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out for %s", e.Op, e.Target)
}

func (e *TimeoutError) Code() ErrorCode { return ErrCodeTimeout }

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }
