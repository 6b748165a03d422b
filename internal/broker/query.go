package broker

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/mwhudson/losetup-server/internal/api"
	"github.com/mwhudson/losetup-server/internal/registry"
)

// list is read-only: exactly the registry's view, in creation order.
func (b *Broker) list(ctx context.Context) (api.Response, error) {
	devices := b.reg.ListActive()
	infos := make([]api.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		info := api.DeviceInfo{
			Path:          d.Path,
			BackingFile:   d.BackingFile,
			ReadOnly:      d.ReadOnly,
			PartitionScan: d.PartitionScan,
			State:         d.State.String(),
		}
		for _, p := range d.Partitions {
			info.Partitions = append(info.Partitions, p.Path)
		}
		infos = append(infos, info)
	}
	return api.Response{Devices: infos}, nil
}

// resize asks the kernel to re-read the backing file size for a tracked
// device.
func (b *Broker) resize(ctx context.Context, req api.Request) (api.Response, error) {
	if req.Path == "" {
		return api.Response{}, &ValidationError{Reason: "path is required"}
	}

	dev, err := b.reg.Find(req.Path)
	if err != nil {
		return api.Response{}, err
	}

	b.keys.lock(dev.BackingFile)
	defer b.keys.unlock(dev.BackingFile)

	dev, err = b.reg.Find(req.Path)
	if err != nil {
		return api.Response{}, err
	}
	if dev.ReadOnly {
		return api.Response{}, &ValidationError{Reason: fmt.Sprintf("device %s is read-only", dev.Path)}
	}
	if err := b.ensureStillAttached(ctx, dev); err != nil {
		return api.Response{}, err
	}

	execCtx, cancel := context.WithTimeout(ctx, b.executorTimeout)
	err = b.exec.Resize(execCtx, dev.Path)
	cancel()
	if err != nil {
		if isTimeout(err) {
			// LOOP_SET_CAPACITY is idempotent; no compensation needed, the
			// caller can simply retry.
			return api.Response{}, &TimeoutError{Op: "resize", Target: dev.Path}
		}
		return api.Response{}, &KernelError{Op: "resize", Device: dev.Path, Cause: err}
	}

	log.G(ctx).WithField("device", dev.Path).Info("resized loop device")
	return api.Response{Path: dev.Path, BackingFile: dev.BackingFile}, nil
}

// setReadOnly flips the read-only flag on a tracked device.
func (b *Broker) setReadOnly(ctx context.Context, req api.Request) (api.Response, error) {
	if req.Path == "" {
		return api.Response{}, &ValidationError{Reason: "path is required"}
	}

	dev, err := b.reg.Find(req.Path)
	if err != nil {
		return api.Response{}, err
	}

	b.keys.lock(dev.BackingFile)
	defer b.keys.unlock(dev.BackingFile)

	dev, err = b.reg.Find(req.Path)
	if err != nil {
		return api.Response{}, err
	}
	if dev.ReadOnly == req.ReadOnly {
		return api.Response{Path: dev.Path, BackingFile: dev.BackingFile}, nil
	}
	if req.ReadOnly && len(dev.AttachedPartitions()) > 0 {
		// The kernel cannot revoke writers the container already has on the
		// partition nodes.
		return api.Response{}, &ValidationError{
			Reason: fmt.Sprintf("device %s has partitions attached to the container", dev.Path)}
	}
	if err := b.ensureStillAttached(ctx, dev); err != nil {
		return api.Response{}, err
	}

	execCtx, cancel := context.WithTimeout(ctx, b.executorTimeout)
	err = b.exec.SetReadOnly(execCtx, dev.Path, req.ReadOnly)
	cancel()
	if err != nil {
		if isTimeout(err) {
			return api.Response{}, &TimeoutError{Op: "set-read-only", Target: dev.Path}
		}
		return api.Response{}, &KernelError{Op: "set-read-only", Device: dev.Path, Cause: err}
	}

	if err := b.reg.SetReadOnly(dev.Path, req.ReadOnly); err != nil {
		return api.Response{}, err
	}
	log.G(ctx).WithField("device", dev.Path).WithField("readOnly", req.ReadOnly).Info("updated read-only flag")
	return api.Response{Path: dev.Path, BackingFile: dev.BackingFile}, nil
}

// ensureStillAttached verifies the kernel still has the device the registry
// thinks it has. The loop namespace is host-wide; if the kernel reclaimed
// the device behind our back, the record is force-released and the caller
// is told the resource no longer exists.
func (b *Broker) ensureStillAttached(ctx context.Context, dev registry.Device) error {
	execCtx, cancel := context.WithTimeout(ctx, b.executorTimeout)
	defer cancel()

	_, present, err := b.exec.BackingFile(execCtx, dev.Path)
	if err != nil {
		return &KernelError{Op: "confirm", Device: dev.Path, Cause: err}
	}
	if !present {
		log.G(ctx).WithField("device", dev.Path).Warn("device vanished from the kernel, releasing record")
		b.reg.ForceRelease(dev.Path)
		return fmt.Errorf("device %s no longer exists: %w", dev.Path, errdefs.ErrNotFound)
	}
	return nil
}
