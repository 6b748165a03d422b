package loopdev

import (
	"sort"
	"strconv"
	"strings"
)

// ParseLoopNumber extracts the device number from a loop device name like
// "loop7". Partition names ("loop7p1") do not match.
func ParseLoopNumber(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "loop")
	if !ok || rest == "" {
		return 0, false
	}
	num, err := strconv.Atoi(rest)
	if err != nil || num < 0 {
		return 0, false
	}
	return num, true
}

// PartitionDevices filters sysfs entry names down to the partition
// sub-devices of the named loop device and returns their /dev paths,
// ordered by partition number.
func PartitionDevices(devName string, entries []string) []string {
	prefix := devName + "p"

	type part struct {
		name string
		num  int
	}
	var parts []part
	for _, name := range entries {
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok || rest == "" {
			continue
		}
		num, err := strconv.Atoi(rest)
		if err != nil || num < 1 {
			continue
		}
		parts = append(parts, part{name: name, num: num})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].num < parts[j].num })

	paths := make([]string, 0, len(parts))
	for _, p := range parts {
		paths = append(paths, "/dev/"+p.name)
	}
	return paths
}
