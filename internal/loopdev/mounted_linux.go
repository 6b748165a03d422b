package loopdev

import (
	"fmt"

	"github.com/moby/sys/mountinfo"
)

// MountedOnHost reports whether any of the given device paths is the
// source of a host mount. Detaching a device out from under a live mount
// leaves a dangling node, so the broker checks this first.
func MountedOnHost(paths ...string) (string, bool, error) {
	wanted := make(map[string]bool, len(paths))
	for _, p := range paths {
		wanted[p] = true
	}

	var found string
	_, err := mountinfo.GetMounts(func(info *mountinfo.Info) (skip, stop bool) {
		if wanted[info.Source] {
			found = info.Source
			return false, true
		}
		return true, false
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read mountinfo: %w", err)
	}
	return found, found != "", nil
}
