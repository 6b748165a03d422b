//go:build !linux

// Package loopdev manages Linux loop devices. Non-Linux builds only exist
// so tooling can load the package; every operation fails.
package loopdev

import (
	"context"

	"github.com/containerd/errdefs"
)

// Attach associates backingFile with a free loop device.
func Attach(ctx context.Context, backingFile string, cfg Config) (*Device, error) {
	return nil, errdefs.ErrNotImplemented
}

// Detach clears the loop device at path.
func Detach(ctx context.Context, path string) error {
	return errdefs.ErrNotImplemented
}

// DiscoverPartitions returns the partition sub-devices of the device at path.
func DiscoverPartitions(ctx context.Context, path string) ([]string, error) {
	return nil, errdefs.ErrNotImplemented
}

// List returns every configured loop device on the host.
func List(ctx context.Context) ([]Attached, error) {
	return nil, errdefs.ErrNotImplemented
}

// Resize tells the kernel to re-read the size of the backing file.
func Resize(ctx context.Context, path string) error {
	return errdefs.ErrNotImplemented
}

// SetReadOnly flips the read-only flag on an attached device.
func SetReadOnly(ctx context.Context, path string, readOnly bool) error {
	return errdefs.ErrNotImplemented
}

// BackingFile reports whether the device at path is currently configured.
func BackingFile(ctx context.Context, path string) (string, bool, error) {
	return "", false, errdefs.ErrNotImplemented
}

// MountedOnHost reports whether any of the given device paths is the
// source of a host mount.
func MountedOnHost(paths ...string) (string, bool, error) {
	return "", false, errdefs.ErrNotImplemented
}
