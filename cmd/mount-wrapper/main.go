// mount-wrapper fronts the real mount binary inside a container served by
// losetup-server. When mount would set up a loop device itself (-o loop),
// the wrapper attaches the file through the broker instead, then execs the
// real mount with the assigned device. Everything else passes through
// untouched.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/mwhudson/losetup-server/internal/api"
	"github.com/mwhudson/losetup-server/internal/netdiscover"
	"github.com/mwhudson/losetup-server/internal/sysexec"
)

const defaultPort = 12345

// realMount is where the packaging moved the original binary.
const realMount = "/usr/bin/mount.REAL"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mount-wrapper: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	mountPath := os.Getenv("MOUNT_WRAPPER_REAL")
	if mountPath == "" {
		mountPath = realMount
	}

	inv := parseMountArgs(args)

	useLoop := inv.hasOption("loop") && inv.source != "" && isRegularFile(inv.source)
	if !useLoop {
		return execMount(mountPath, args)
	}

	device, err := attachLoop(context.Background(), inv)
	if err != nil {
		return err
	}

	// Rebuild the command line with the loop device in place of the file
	// and the loop-specific options dropped.
	mountArgs := append([]string{}, inv.flags...)
	if opts := inv.rebuildOptions("loop", "offset", "sizelimit", "partscan"); opts != "" {
		mountArgs = append(mountArgs, "-o", opts)
	}
	mountArgs = append(mountArgs, device)
	if inv.target != "" {
		mountArgs = append(mountArgs, inv.target)
	}

	return execMount(mountPath, mountArgs)
}

// attachLoop asks the broker for a loop device over the parsed mount
// options.
func attachLoop(ctx context.Context, inv *mountInvocation) (string, error) {
	req := api.Request{
		Operation:     api.OpAttach,
		BackingFile:   absPath(inv.source),
		PartitionScan: inv.hasOption("partscan"),
		ReadOnly:      inv.hasOption("ro"),
	}
	if v := inv.option("offset"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid offset %q", v)
		}
		req.Offset = n
	}
	if v := inv.option("sizelimit"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid sizelimit %q", v)
		}
		req.SizeLimit = n
	}

	baseURL := os.Getenv("LOSETUP_SERVER_URL")
	if baseURL == "" {
		gateway, err := netdiscover.DefaultGateway(ctx, &sysexec.Runner{})
		if err != nil {
			return "", err
		}
		baseURL = fmt.Sprintf("http://%s:%d", gateway, defaultPort)
	}

	resp, err := api.NewClient(baseURL).Do(ctx, req)
	if err != nil {
		return "", err
	}
	if resp.Status != api.StatusOK {
		return "", fmt.Errorf("loop setup failed: %s", resp.Message)
	}
	return resp.Path, nil
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// execMount replaces this process with the real mount binary.
func execMount(mountPath string, args []string) error {
	argv := append([]string{mountPath}, args...)
	return unix.Exec(mountPath, argv, os.Environ())
}
