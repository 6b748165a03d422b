package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/containerd/errdefs"

	"github.com/mwhudson/losetup-server/internal/api"
	"github.com/mwhudson/losetup-server/internal/registry"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
	}{
		{name: "validation", err: &ValidationError{Reason: "bad"}, code: ErrCodeValidation},
		{name: "kernel", err: &KernelError{Op: "attach", Cause: errors.New("boom")}, code: ErrCodeKernel},
		{name: "reconcile", err: &ReconcileError{Device: "/dev/loop0"}, code: ErrCodeReconcile},
		{name: "timeout", err: &TimeoutError{Op: "attach", Target: "/x"}, code: ErrCodeTimeout},
		{name: "wrapped coded", err: fmt.Errorf("outer: %w", &KernelError{Op: "detach"}), code: ErrCodeKernel},
		{name: "errdefs not found", err: fmt.Errorf("device: %w", errdefs.ErrNotFound), code: ErrCodeNotFound},
		{name: "errdefs already exists", err: fmt.Errorf("dup: %w", errdefs.ErrAlreadyExists), code: ErrCodeAlreadyExists},
		{name: "errdefs invalid argument", err: errdefs.ErrInvalidArgument, code: ErrCodeValidation},
		{name: "deadline exceeded", err: context.DeadlineExceeded, code: ErrCodeTimeout},
		{name: "still attached", err: fmt.Errorf("release: %w", registry.ErrStillAttached), code: ErrCodeReconcile},
		{name: "plain error", err: errors.New("boom"), code: ErrCodeUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeOf(tc.err); got != tc.code {
				t.Errorf("CodeOf(%v) = %v, want %v", tc.err, got, tc.code)
			}
		})
	}
}

func TestErrorCodeKind(t *testing.T) {
	tests := []struct {
		code ErrorCode
		kind string
	}{
		{ErrCodeValidation, api.KindValidation},
		{ErrCodeKernel, api.KindKernel},
		{ErrCodeReconcile, api.KindReconcileFailed},
		{ErrCodeNotFound, api.KindNotFound},
		{ErrCodeAlreadyExists, api.KindAlreadyExists},
		{ErrCodeTimeout, api.KindTimeout},
		{ErrCodeUnknown, "Unknown"},
	}
	for _, tc := range tests {
		if got := tc.code.Kind(); got != tc.kind {
			t.Errorf("%v.Kind() = %q, want %q", tc.code, got, tc.kind)
		}
	}
}

func TestTimeoutErrorIsDeadlineExceeded(t *testing.T) {
	err := fmt.Errorf("attach: %w", &TimeoutError{Op: "attach", Target: "/x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("TimeoutError should match context.DeadlineExceeded")
	}
}

func TestReconcileErrorMessageNamesFailures(t *testing.T) {
	err := &ReconcileError{
		Device: "/dev/loop0",
		Failed: []string{"/dev/loop0p2"},
		Cause:  errors.New("device add refused"),
	}
	msg := err.Error()
	for _, want := range []string{"/dev/loop0", "/dev/loop0p2", "device add refused"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}
