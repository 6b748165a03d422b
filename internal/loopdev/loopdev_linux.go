// Package loopdev manages Linux loop devices through the kernel's loop
// control interface and sysfs. It is the privileged half of the broker: it
// knows nothing about containers.
package loopdev

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// Loop device ioctl constants from <linux/loop.h>
const (
	loopSetFd       = 0x4C00
	loopClrFd       = 0x4C01
	loopSetStatus64 = 0x4C04
	loopGetStatus64 = 0x4C05
	loopSetCapacity = 0x4C07
	loopCtlGetFree  = 0x4C82
)

const (
	loopControlPath = "/dev/loop-control"
	sysBlockPath    = "/sys/block"
)

// partitionScanWindow bounds how long DiscoverPartitions waits for the
// kernel to populate partition sub-devices after LOOP_SET_STATUS64. The
// scan runs asynchronously; on an image with no partition table nothing
// ever appears, so the window has to stay short.
const partitionScanWindow = 2 * time.Second

// ioctlRetry returns a backoff policy for ioctls that can transiently fail
// with EBUSY while the kernel's partition rescan holds the device open.
func ioctlRetry(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 20), ctx)
}

// Attach associates backingFile with a free loop device and configures it
// according to cfg. The kernel picks the device number.
func Attach(ctx context.Context, backingFile string, cfg Config) (*Device, error) {
	flags := unix.O_CLOEXEC
	if cfg.ReadOnly {
		flags |= unix.O_RDONLY
	} else {
		flags |= unix.O_RDWR
	}
	backingFd, err := unix.Open(backingFile, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open backing file %s: %w", backingFile, err)
	}
	defer unix.Close(backingFd)

	ctlFd, err := unix.Open(loopControlPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", loopControlPath, err)
	}
	defer unix.Close(ctlFd)

	devNum, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(ctlFd), loopCtlGetFree, 0)
	if errno != 0 {
		return nil, fmt.Errorf("LOOP_CTL_GET_FREE failed: %w", errno)
	}

	loopPath := fmt.Sprintf("/dev/loop%d", devNum)

	loopFd, err := unix.Open(loopPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open loop device %s: %w", loopPath, err)
	}
	defer unix.Close(loopFd)

	_, _, errno = unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopSetFd, uintptr(backingFd))
	if errno != 0 {
		return nil, fmt.Errorf("LOOP_SET_FD failed for %s: %w", loopPath, errno)
	}

	var info LoopInfo64
	if cfg.ReadOnly {
		info.Flags |= LoFlagsReadOnly
	}
	if cfg.PartScan {
		info.Flags |= LoFlagsPartscan
	}
	info.Offset = cfg.Offset
	info.SizeLimit = cfg.SizeLimit
	copy(info.FileName[:], backingFile)

	// LOOP_SET_STATUS64 can return EBUSY while a previous user of the same
	// device number is still tearing down.
	err = backoff.Retry(func() error {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopSetStatus64, uintptr(unsafe.Pointer(&info)))
		if errno == unix.EBUSY {
			return errno
		}
		if errno != 0 {
			return backoff.Permanent(error(errno))
		}
		return nil
	}, ioctlRetry(ctx))
	if err != nil {
		unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopClrFd, 0)
		return nil, fmt.Errorf("LOOP_SET_STATUS64 failed for %s: %w", loopPath, err)
	}

	return &Device{Path: loopPath, Number: int(devNum)}, nil
}

// Detach clears the loop device at path. Returns nil if the device node is
// gone or the device is already unconfigured.
func Detach(ctx context.Context, path string) error {
	loopFd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open loop device %s: %w", path, err)
	}
	defer unix.Close(loopFd)

	err = backoff.Retry(func() error {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopClrFd, 0)
		switch errno {
		case 0, unix.ENXIO:
			// ENXIO means device not configured, which is fine
			return nil
		case unix.EBUSY:
			return errno
		default:
			return backoff.Permanent(error(errno))
		}
	}, ioctlRetry(ctx))
	if err != nil {
		return fmt.Errorf("LOOP_CLR_FD failed for %s: %w", path, err)
	}
	return nil
}

// DiscoverPartitions waits for the kernel's partition scan of the device at
// path and returns the partition device paths, ordered by partition number.
// An empty result means the scan found no partition table.
func DiscoverPartitions(ctx context.Context, path string) ([]string, error) {
	name := filepath.Base(path)

	deadline := time.Now().Add(partitionScanWindow)
	for {
		entries, err := os.ReadDir(filepath.Join(sysBlockPath, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read sysfs for %s: %w", path, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		if parts := PartitionDevices(name, names); len(parts) > 0 {
			return parts, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// List returns every configured loop device on the host, discovered from
// /sys/block. Unconfigured device nodes are skipped.
func List(ctx context.Context) ([]Attached, error) {
	entries, err := os.ReadDir(sysBlockPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", sysBlockPath, err)
	}

	var devices []Attached
	for _, entry := range entries {
		name := entry.Name()
		num, ok := ParseLoopNumber(name)
		if !ok {
			continue
		}
		backing, err := readSysfsString(filepath.Join(sysBlockPath, name, "loop", "backing_file"))
		if err != nil {
			continue // device not configured
		}
		devices = append(devices, Attached{
			Path:        "/dev/" + name,
			Number:      num,
			BackingFile: backing,
			ReadOnly:    readSysfsUint(filepath.Join(sysBlockPath, name, "ro")) == 1,
			PartScan:    readSysfsUint(filepath.Join(sysBlockPath, name, "loop", "partscan")) == 1,
			Offset:      readSysfsUint(filepath.Join(sysBlockPath, name, "loop", "offset")),
			SizeLimit:   readSysfsUint(filepath.Join(sysBlockPath, name, "loop", "sizelimit")),
		})
	}
	return devices, nil
}

// Resize tells the kernel to re-read the size of the backing file
// (losetup --set-capacity).
func Resize(ctx context.Context, path string) error {
	loopFd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to open loop device %s: %w", path, err)
	}
	defer unix.Close(loopFd)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopSetCapacity, 0)
	if errno != 0 {
		return fmt.Errorf("LOOP_SET_CAPACITY failed for %s: %w", path, errno)
	}
	return nil
}

// SetReadOnly flips the read-only flag on an attached device via a
// LOOP_GET_STATUS64 / LOOP_SET_STATUS64 round trip.
func SetReadOnly(ctx context.Context, path string, readOnly bool) error {
	loopFd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to open loop device %s: %w", path, err)
	}
	defer unix.Close(loopFd)

	var info LoopInfo64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopGetStatus64, uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		return fmt.Errorf("LOOP_GET_STATUS64 failed for %s: %w", path, errno)
	}

	if readOnly {
		info.Flags |= LoFlagsReadOnly
	} else {
		info.Flags &^= LoFlagsReadOnly
	}

	err = backoff.Retry(func() error {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopSetStatus64, uintptr(unsafe.Pointer(&info)))
		if errno == unix.EBUSY {
			return errno
		}
		if errno != 0 {
			return backoff.Permanent(error(errno))
		}
		return nil
	}, ioctlRetry(ctx))
	if err != nil {
		return fmt.Errorf("LOOP_SET_STATUS64 failed for %s: %w", path, err)
	}
	return nil
}

// BackingFile reports whether the device at path is currently configured,
// and with which backing file. Used as the confirm step after a timed-out
// operation, when the kernel's actual state is unknown.
func BackingFile(ctx context.Context, path string) (string, bool, error) {
	name := filepath.Base(path)
	backing, err := readSysfsString(filepath.Join(sysBlockPath, name, "loop", "backing_file"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read sysfs for %s: %w", path, err)
	}
	return backing, true, nil
}

func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func readSysfsUint(path string) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var v uint64
	fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &v)
	return v
}
