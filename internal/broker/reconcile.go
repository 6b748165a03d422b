package broker

import (
	"context"
	"strings"

	"github.com/containerd/log"

	"github.com/mwhudson/losetup-server/internal/registry"
)

// Reconcile rebuilds the registry from live kernel state after a broker
// restart. Loop devices whose backing file lives under the container
// rootfs are re-adopted: as ContainerAttached when the container runtime
// still lists them, as HostAttached otherwise. Nothing is detached here; a
// device the previous broker instance handed to the container keeps
// working across the restart.
func (b *Broker) Reconcile(ctx context.Context) error {
	devices, err := b.exec.List(ctx)
	if err != nil {
		return err
	}

	for _, d := range devices {
		if !strings.HasPrefix(d.BackingFile, b.rootfs+"/") {
			continue
		}
		logger := log.G(ctx).WithField("device", d.Path).WithField("backingFile", d.BackingFile)

		attached, err := b.inj.Attached(ctx, d.Path)
		if err != nil {
			logger.WithError(err).Warn("could not query container attachment, adopting as host-attached")
			attached = false
		}

		rec := registry.Device{
			Path:                d.Path,
			BackingFile:         d.BackingFile,
			ReadOnly:            d.ReadOnly,
			PartitionScan:       d.PartScan,
			AttachedToContainer: attached,
			State:               registry.HostAttached,
		}
		if attached {
			rec.State = registry.ContainerAttached
		}

		if d.PartScan {
			parts, err := b.exec.DiscoverPartitions(ctx, d.Path)
			if err != nil {
				logger.WithError(err).Warn("partition discovery failed during adoption")
			}
			for _, p := range parts {
				pAttached, err := b.inj.Attached(ctx, p)
				if err != nil {
					pAttached = false
				}
				rec.Partitions = append(rec.Partitions, registry.Partition{
					Path:                p,
					AttachedToContainer: pAttached,
				})
			}
		}

		if err := b.reg.Create(rec); err != nil {
			logger.WithError(err).Warn("failed to adopt device")
			continue
		}
		logger.WithField("state", rec.State.String()).Info("adopted existing loop device")
	}
	return nil
}
