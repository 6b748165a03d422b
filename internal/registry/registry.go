// Package registry is the broker's authoritative in-memory record of the
// loop devices it manages and their visibility inside the target container.
// Nothing here touches the kernel: entries are only created for devices the
// executor actually attached, and the whole registry is rebuilt from live
// kernel state when the broker starts.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/containerd/errdefs"
)

// State is the lifecycle state of a managed device.
type State int

const (
	// Requested is the transient state before the host attach completes.
	Requested State = iota
	// HostAttached means the kernel device exists but is not yet visible
	// in the container.
	HostAttached
	// ContainerAttached means the injector confirmed container visibility.
	ContainerAttached
	// Detaching means a detach request is in progress.
	Detaching
	// Released means the record is being discarded.
	Released
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case HostAttached:
		return "host-attached"
	case ContainerAttached:
		return "container-attached"
	case Detaching:
		return "detaching"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// ErrStillAttached is returned by Release while the device or one of its
// partitions is still visible in the container.
var ErrStillAttached = fmt.Errorf("device is still attached to the container")

// Partition is a partition sub-device of a managed loop device. Its
// container attachment has its own lifecycle but never outlives the parent.
type Partition struct {
	Path                string
	AttachedToContainer bool
}

// Device is a snapshot of one managed loop device. Mutations go through
// registry methods; Device values handed out are copies.
type Device struct {
	Path                string
	BackingFile         string
	ReadOnly            bool
	PartitionScan       bool
	Partitions          []Partition
	AttachedToContainer bool
	State               State
	CreatedAt           time.Time

	seq uint64
}

// AttachedPartitions returns the paths of partitions currently visible in
// the container.
func (d Device) AttachedPartitions() []string {
	var paths []string
	for _, p := range d.Partitions {
		if p.AttachedToContainer {
			paths = append(paths, p.Path)
		}
	}
	return paths
}

func (d Device) clone() Device {
	d.Partitions = append([]Partition(nil), d.Partitions...)
	return d
}

// Registry tracks managed devices keyed by device path, with a secondary
// index by backing file. The internal lock only covers map access; the
// coordinator serializes whole operations per backing file on top of this.
type Registry struct {
	mu        sync.RWMutex
	devices   map[string]*Device
	byBacking map[string]map[string]struct{}
	nextSeq   uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		devices:   make(map[string]*Device),
		byBacking: make(map[string]map[string]struct{}),
	}
}

// Create records a device the executor just attached. The record starts in
// the state carried by dev (normally HostAttached). Fails with
// ErrAlreadyExists if the device path is still live: paths are never reused
// while a record for them exists.
func (r *Registry) Create(dev Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[dev.Path]; ok {
		return fmt.Errorf("device %s: %w", dev.Path, errdefs.ErrAlreadyExists)
	}

	d := dev.clone()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	d.seq = r.nextSeq
	r.nextSeq++

	r.devices[d.Path] = &d
	if r.byBacking[d.BackingFile] == nil {
		r.byBacking[d.BackingFile] = make(map[string]struct{})
	}
	r.byBacking[d.BackingFile][d.Path] = struct{}{}
	return nil
}

// Find returns the device record for a device path.
func (r *Registry) Find(path string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[path]
	if !ok {
		return Device{}, fmt.Errorf("device %s: %w", path, errdefs.ErrNotFound)
	}
	return d.clone(), nil
}

// FindByBackingFile returns the devices backed by the given file, oldest
// first. An empty result means the backing file is not tracked.
func (r *Registry) FindByBackingFile(backingFile string) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Device
	for path := range r.byBacking[backingFile] {
		out = append(out, r.devices[path].clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// ListActive returns all tracked devices in creation order.
func (r *Registry) ListActive() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Release discards a record. It refuses while the device or any partition
// is still container-attached: the caller must detach from the container
// first.
func (r *Registry) Release(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[path]
	if !ok {
		return fmt.Errorf("device %s: %w", path, errdefs.ErrNotFound)
	}
	if d.AttachedToContainer {
		return fmt.Errorf("device %s: %w", path, ErrStillAttached)
	}
	for _, p := range d.Partitions {
		if p.AttachedToContainer {
			return fmt.Errorf("partition %s of %s: %w", p.Path, path, ErrStillAttached)
		}
	}

	r.remove(d)
	return nil
}

// ForceRelease discards a record regardless of its container attachment.
// Used when the kernel has already reclaimed the device, or to undo a
// Create during compensation.
func (r *Registry) ForceRelease(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[path]; ok {
		r.remove(d)
	}
}

func (r *Registry) remove(d *Device) {
	d.State = Released
	delete(r.devices, d.Path)
	if set := r.byBacking[d.BackingFile]; set != nil {
		delete(set, d.Path)
		if len(set) == 0 {
			delete(r.byBacking, d.BackingFile)
		}
	}
}

// RecordPartitions replaces the partition set for a device. Partitions that
// were already recorded keep their container-attachment flag, so calling
// this twice with the same discovered set is a no-op.
func (r *Registry) RecordPartitions(path string, partitions []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[path]
	if !ok {
		return fmt.Errorf("device %s: %w", path, errdefs.ErrNotFound)
	}

	attached := make(map[string]bool, len(d.Partitions))
	for _, p := range d.Partitions {
		attached[p.Path] = p.AttachedToContainer
	}

	d.Partitions = d.Partitions[:0]
	for _, p := range partitions {
		d.Partitions = append(d.Partitions, Partition{Path: p, AttachedToContainer: attached[p]})
	}
	return nil
}

// SetState updates the lifecycle state of a device.
func (r *Registry) SetState(path string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[path]
	if !ok {
		return fmt.Errorf("device %s: %w", path, errdefs.ErrNotFound)
	}
	d.State = state
	return nil
}

// SetContainerAttached records the injector's confirmed visibility of the
// device itself.
func (r *Registry) SetContainerAttached(path string, attached bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[path]
	if !ok {
		return fmt.Errorf("device %s: %w", path, errdefs.ErrNotFound)
	}
	d.AttachedToContainer = attached
	if attached {
		d.State = ContainerAttached
	}
	return nil
}

// SetPartitionAttached records the injector's confirmed visibility of one
// partition sub-device.
func (r *Registry) SetPartitionAttached(path, partition string, attached bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[path]
	if !ok {
		return fmt.Errorf("device %s: %w", path, errdefs.ErrNotFound)
	}
	for i := range d.Partitions {
		if d.Partitions[i].Path == partition {
			d.Partitions[i].AttachedToContainer = attached
			return nil
		}
	}
	return fmt.Errorf("partition %s of %s: %w", partition, path, errdefs.ErrNotFound)
}

// SetReadOnly records the device's read-only flag after a successful
// kernel update.
func (r *Registry) SetReadOnly(path string, readOnly bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[path]
	if !ok {
		return fmt.Errorf("device %s: %w", path, errdefs.ErrNotFound)
	}
	d.ReadOnly = readOnly
	return nil
}
