package broker

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/mwhudson/losetup-server/internal/api"
	"github.com/mwhudson/losetup-server/internal/cleanup"
	"github.com/mwhudson/losetup-server/internal/registry"
)

// detach implements the detach flow: container entries are removed first
// (partitions, then the device), the kernel detach runs last. If any
// container removal fails the kernel detach is not attempted at all, so a
// device node never dangles inside the container.
func (b *Broker) detach(ctx context.Context, req api.Request) (api.Response, error) {
	dev, err := b.findTarget(req)
	if err != nil {
		return api.Response{}, err
	}

	b.keys.lock(dev.BackingFile)
	defer b.keys.unlock(dev.BackingFile)

	// Re-read under the lock: a queued request may have detached it already.
	dev, err = b.reg.Find(dev.Path)
	if err != nil {
		return api.Response{}, err
	}

	logger := log.G(ctx).WithField("device", dev.Path).WithField("backingFile", dev.BackingFile)

	if err := b.reg.SetState(dev.Path, registry.Detaching); err != nil {
		return api.Response{}, err
	}
	restore := func() {
		if dev.AttachedToContainer {
			b.reg.SetState(dev.Path, registry.ContainerAttached) //nolint:errcheck
		} else {
			b.reg.SetState(dev.Path, registry.HostAttached) //nolint:errcheck
		}
	}

	// A host-side mount holds the device open; the kernel detach would
	// either fail or linger until the mount goes away. Refuse up front.
	paths := []string{dev.Path}
	for _, p := range dev.Partitions {
		paths = append(paths, p.Path)
	}
	if src, mounted, err := b.exec.MountedOnHost(paths...); err != nil {
		logger.WithError(err).Warn("mountinfo check failed, relying on the kernel to refuse a busy detach")
	} else if mounted {
		restore()
		return api.Response{}, &KernelError{Op: "detach", Device: dev.Path,
			Cause: fmt.Errorf("%s is mounted on the host", src)}
	}

	// Partitions detach in reverse attach order, device last.
	for i := len(dev.Partitions) - 1; i >= 0; i-- {
		p := dev.Partitions[i]
		if !p.AttachedToContainer {
			continue
		}
		if err := b.removeWithConfirm(ctx, p.Path); err != nil {
			restore()
			return api.Response{}, &ReconcileError{Device: dev.Path, Failed: []string{p.Path}, Cause: err}
		}
		if err := b.reg.SetPartitionAttached(dev.Path, p.Path, false); err != nil {
			return api.Response{}, err
		}
	}

	if dev.AttachedToContainer {
		if err := b.removeWithConfirm(ctx, dev.Path); err != nil {
			restore()
			return api.Response{}, &ReconcileError{Device: dev.Path, Failed: []string{dev.Path}, Cause: err}
		}
		if err := b.reg.SetContainerAttached(dev.Path, false); err != nil {
			return api.Response{}, err
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, b.executorTimeout)
	err = b.exec.Detach(execCtx, dev.Path)
	cancel()
	if err != nil {
		if !isTimeout(err) || !b.confirmDetached(ctx, dev.Path) {
			// The record stays in Detaching with no container visibility;
			// a retried detach picks up from the kernel step.
			return api.Response{}, &KernelError{Op: "detach", Device: dev.Path, Cause: err}
		}
	}

	if err := b.reg.Release(dev.Path); err != nil {
		return api.Response{}, err
	}
	logger.Info("detached loop device")

	return api.Response{Path: dev.Path, BackingFile: dev.BackingFile}, nil
}

// findTarget resolves a detach request to a tracked device, by device path
// or by backing file.
func (b *Broker) findTarget(req api.Request) (registry.Device, error) {
	if req.Path != "" {
		return b.reg.Find(req.Path)
	}
	if req.BackingFile == "" {
		return registry.Device{}, &ValidationError{Reason: "either path or backingFile is required"}
	}
	backing, err := b.resolveBackingFile(req.BackingFile)
	if err != nil {
		return registry.Device{}, err
	}
	devs := b.reg.FindByBackingFile(backing)
	if len(devs) == 0 {
		return registry.Device{}, fmt.Errorf("backing file %s: %w", backing, errdefs.ErrNotFound)
	}
	return devs[0], nil
}

// removeWithConfirm removes one device node from the container under the
// injector timeout, re-verifying a timed-out call before failing it.
func (b *Broker) removeWithConfirm(ctx context.Context, devicePath string) error {
	injCtx, cancel := context.WithTimeout(ctx, b.injectorTimeout)
	err := b.inj.Detach(injCtx, devicePath)
	cancel()
	if err == nil {
		return nil
	}
	if !isTimeout(err) {
		return err
	}

	attached := true
	cleanup.Do(ctx, func(ctx context.Context) {
		var cerr error
		attached, cerr = b.inj.Attached(ctx, devicePath)
		if cerr != nil {
			attached = true // unknown, assume still visible
		}
	})
	if !attached {
		return nil
	}
	return &TimeoutError{Op: "container detach", Target: devicePath}
}

// confirmDetached re-queries sysfs after a timed-out kernel detach and
// reports whether the device is in fact gone.
func (b *Broker) confirmDetached(ctx context.Context, devicePath string) bool {
	var present bool
	cleanup.Do(ctx, func(ctx context.Context) {
		var err error
		_, present, err = b.exec.BackingFile(ctx, devicePath)
		if err != nil {
			present = true // unknown, assume still attached
		}
	})
	return !present
}
