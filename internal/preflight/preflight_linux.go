// Package preflight provides system requirement checks for the broker.
package preflight

import (
	"fmt"
	"os"

	"github.com/mwhudson/losetup-server/internal/sysexec"
)

const loopControlPath = "/dev/loop-control"

// Check runs all preflight checks and returns an error if any fail.
// This should be called early in main() to fail fast.
func Check() error {
	if err := CheckRoot(); err != nil {
		return err
	}
	if err := CheckLoopControl(); err != nil {
		return err
	}
	return CheckBinaries()
}

// CheckRoot verifies the broker runs with the privilege the loop ioctls
// and LXD device calls require.
func CheckRoot() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("must run as root (euid %d)", os.Geteuid())
	}
	return nil
}

// CheckLoopControl verifies the kernel exposes the loop control device.
func CheckLoopControl() error {
	if _, err := os.Stat(loopControlPath); err != nil {
		return fmt.Errorf("%s not available (loop module not loaded?): %w", loopControlPath, err)
	}
	return nil
}

// CheckBinaries verifies the external tools the broker shells out to.
func CheckBinaries() error {
	for _, name := range []string{"lxc", "ip"} {
		if !sysexec.LookPath(name) {
			return fmt.Errorf("required command %q not found in PATH", name)
		}
	}
	return nil
}
