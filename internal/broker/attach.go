package broker

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/mwhudson/losetup-server/internal/api"
	"github.com/mwhudson/losetup-server/internal/cleanup"
	"github.com/mwhudson/losetup-server/internal/loopdev"
	"github.com/mwhudson/losetup-server/internal/registry"
)

// attach implements the attach flow: kernel attach, registry record,
// partition discovery, then injection of the device and each partition into
// the container. A failure to inject the device itself rolls back the
// kernel attach; partition injection failures leave the device attached
// and are reported as a partial result.
func (b *Broker) attach(ctx context.Context, req api.Request) (api.Response, error) {
	backing, err := b.resolveBackingFile(req.BackingFile)
	if err != nil {
		return api.Response{}, err
	}

	b.keys.lock(backing)
	defer b.keys.unlock(backing)

	if existing := b.reg.FindByBackingFile(backing); len(existing) > 0 && !req.Force {
		return api.Response{}, fmt.Errorf("backing file %s is already attached to %s: %w",
			backing, existing[0].Path, errdefs.ErrAlreadyExists)
	}

	cfg := loopdev.Config{
		ReadOnly:  req.ReadOnly,
		PartScan:  req.PartitionScan,
		Offset:    req.Offset,
		SizeLimit: req.SizeLimit,
	}

	execCtx, cancel := context.WithTimeout(ctx, b.executorTimeout)
	dev, err := b.exec.Attach(execCtx, backing, cfg)
	cancel()
	if err != nil {
		if isTimeout(err) {
			return api.Response{}, b.confirmAttachTimeout(ctx, backing)
		}
		return api.Response{}, &KernelError{Op: "attach", BackingFile: backing, Cause: err}
	}

	logger := log.G(ctx).WithField("device", dev.Path).WithField("backingFile", backing)
	logger.Info("attached loop device")

	if err := b.reg.Create(registry.Device{
		Path:          dev.Path,
		BackingFile:   backing,
		ReadOnly:      req.ReadOnly,
		PartitionScan: req.PartitionScan,
		State:         registry.HostAttached,
	}); err != nil {
		// A live record for this path means our view of the kernel's device
		// table has diverged; undo the attach rather than track two owners.
		b.compensateHostAttach(ctx, dev.Path)
		return api.Response{}, err
	}

	var partitions []string
	if req.PartitionScan {
		pctx, cancel := context.WithTimeout(ctx, b.executorTimeout)
		partitions, err = b.exec.DiscoverPartitions(pctx, dev.Path)
		cancel()
		if err != nil {
			b.reg.ForceRelease(dev.Path)
			b.compensateHostAttach(ctx, dev.Path)
			return api.Response{}, &KernelError{Op: "partition-scan", Device: dev.Path, BackingFile: backing, Cause: err}
		}
		if err := b.reg.RecordPartitions(dev.Path, partitions); err != nil {
			return api.Response{}, err
		}
	}

	if err := b.injectWithConfirm(ctx, dev.Path); err != nil {
		logger.WithError(err).Warn("container injection failed, rolling back host attach")
		b.reg.ForceRelease(dev.Path)
		b.compensateHostAttach(ctx, dev.Path)
		return api.Response{}, &ReconcileError{Device: dev.Path, Failed: []string{dev.Path}, Cause: err}
	}
	if err := b.reg.SetContainerAttached(dev.Path, true); err != nil {
		return api.Response{}, err
	}

	var attached, failed []string
	var firstErr error
	for _, p := range partitions {
		if err := b.injectWithConfirm(ctx, p); err != nil {
			log.G(ctx).WithError(err).WithField("partition", p).Warn("partition injection failed")
			failed = append(failed, p)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := b.reg.SetPartitionAttached(dev.Path, p, true); err != nil {
			return api.Response{}, err
		}
		attached = append(attached, p)
	}
	if len(failed) > 0 {
		return api.Response{}, &ReconcileError{Device: dev.Path, Failed: failed, Attached: attached, Cause: firstErr}
	}

	return api.Response{
		Path:        dev.Path,
		BackingFile: backing,
		Partitions:  attached,
	}, nil
}

// injectWithConfirm makes one device node visible in the container under
// the injector timeout. A timed-out call is re-verified before being
// treated as a failure: the runtime may have completed the add after the
// deadline fired.
func (b *Broker) injectWithConfirm(ctx context.Context, devicePath string) error {
	injCtx, cancel := context.WithTimeout(ctx, b.injectorTimeout)
	err := b.inj.Attach(injCtx, devicePath)
	cancel()
	if err == nil {
		return nil
	}
	if !isTimeout(err) {
		return err
	}

	var attached bool
	cleanup.Do(ctx, func(ctx context.Context) {
		attached, _ = b.inj.Attached(ctx, devicePath)
	})
	if attached {
		return nil
	}
	return &TimeoutError{Op: "container attach", Target: devicePath, ConfirmedAbsent: true}
}

// compensateHostAttach undoes a host-level attach after a downstream
// failure. Best effort: the device may already be gone, and a failure to
// detach here only leaves an unreferenced host device, never a dangling
// container entry.
func (b *Broker) compensateHostAttach(ctx context.Context, devicePath string) {
	cleanup.Do(ctx, func(ctx context.Context) {
		// Remove any container entry the failed injection may have left.
		if err := b.inj.Detach(ctx, devicePath); err != nil {
			log.G(ctx).WithError(err).WithField("device", devicePath).Warn("compensating container detach failed")
		}
		if err := b.exec.Detach(ctx, devicePath); err != nil {
			log.G(ctx).WithError(err).WithField("device", devicePath).Warn("compensating kernel detach failed")
		}
	})
}

// confirmAttachTimeout resolves a timed-out kernel attach. The operation's
// completion status is unknown, so the kernel's device table is re-queried:
// if a device for the backing file exists it is detached again (the caller
// was told nothing succeeded), otherwise there is nothing to undo.
func (b *Broker) confirmAttachTimeout(ctx context.Context, backing string) error {
	tracked := make(map[string]bool)
	for _, d := range b.reg.FindByBackingFile(backing) {
		tracked[d.Path] = true
	}

	confirmed := &TimeoutError{Op: "attach", Target: backing, ConfirmedAbsent: true}
	cleanup.Do(ctx, func(ctx context.Context) {
		devices, err := b.exec.List(ctx)
		if err != nil {
			log.G(ctx).WithError(err).Warn("confirm query after attach timeout failed")
			confirmed.ConfirmedAbsent = false
			return
		}
		for _, d := range devices {
			if d.BackingFile != backing || tracked[d.Path] {
				continue
			}
			// The attach did complete after its deadline; undo it, since
			// the caller is being told the request failed.
			confirmed.ConfirmedAbsent = false
			if err := b.exec.Detach(ctx, d.Path); err != nil {
				log.G(ctx).WithError(err).WithField("device", d.Path).Warn("compensating kernel detach failed")
			} else {
				confirmed.ConfirmedAbsent = true
			}
		}
	})
	return confirmed
}
