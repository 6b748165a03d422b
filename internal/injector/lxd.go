// Package injector reconciles the container's device namespace with the
// host: it adds and removes unix-block device entries on one LXD container
// so loop devices the broker creates become usable inside it.
package injector

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/containerd/log"

	"github.com/mwhudson/losetup-server/internal/lxdapi"
)

// LXD injects devices into a single named container via `lxc config
// device`. Device entry names are derived from the device path (loop3,
// loop3p1), so every broker-managed entry is recognizable later.
type LXD struct {
	runner    lxdapi.Runner
	lxd       *lxdapi.Client
	lxc       string
	container string
}

// New creates an injector for the named container.
func New(runner lxdapi.Runner, lxcPath, container string) *LXD {
	if lxcPath == "" {
		lxcPath = "lxc"
	}
	return &LXD{
		runner:    runner,
		lxd:       lxdapi.NewClient(runner, lxcPath),
		lxc:       lxcPath,
		container: container,
	}
}

// entryName maps a device path to the LXD device entry name.
func entryName(devicePath string) string {
	return path.Base(devicePath)
}

// Attach adds the device at devicePath to the container as a unix-block
// device, at the same path inside the container. An entry that already
// exists counts as success: the goal state is "device visible".
func (l *LXD) Attach(ctx context.Context, devicePath string) error {
	err := l.runner.Run(ctx, l.lxc, "config", "device", "add",
		l.container, entryName(devicePath), "unix-block",
		"source="+devicePath, "path="+devicePath)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			log.G(ctx).WithField("device", devicePath).Debug("device entry already present")
			return nil
		}
		return fmt.Errorf("failed to add %s to container %s: %w", devicePath, l.container, err)
	}
	return nil
}

// Detach removes the device entry for devicePath from the container. A
// missing entry counts as success.
func (l *LXD) Detach(ctx context.Context, devicePath string) error {
	err := l.runner.Run(ctx, l.lxc, "config", "device", "remove",
		l.container, entryName(devicePath))
	if err != nil {
		if strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "doesn't exist") {
			log.G(ctx).WithField("device", devicePath).Debug("device entry already gone")
			return nil
		}
		return fmt.Errorf("failed to remove %s from container %s: %w", devicePath, l.container, err)
	}
	return nil
}

// Attached reports whether the container currently has a device entry for
// devicePath. Entry names are derived from the device path, so the device
// list is authoritative. Used to confirm state after timeouts and during
// startup adoption.
func (l *LXD) Attached(ctx context.Context, devicePath string) (bool, error) {
	names, err := l.lxd.DeviceNames(ctx, l.container)
	if err != nil {
		return false, err
	}
	return slices.Contains(names, entryName(devicePath)), nil
}
