// losetup-client is a drop-in replacement for losetup inside a container
// served by losetup-server. It forwards the operation to the broker on the
// default gateway and renders the reply the way the native tool would.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mwhudson/losetup-server/internal/api"
	"github.com/mwhudson/losetup-server/internal/netdiscover"
	"github.com/mwhudson/losetup-server/internal/sysexec"
)

const defaultPort = 12345

// Exit codes: 1 for operation failures (matching losetup), 2 for usage
// errors, 64 when the broker cannot be reached at all.
const (
	exitFailure   = 1
	exitUsage     = 2
	exitTransport = 64
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "losetup-client: %v\n", err)
		return exitUsage
	}
	req, err := cmd.request()
	if err != nil {
		fmt.Fprintf(os.Stderr, "losetup-client: %v\n", err)
		return exitUsage
	}

	ctx := context.Background()

	baseURL := os.Getenv("LOSETUP_SERVER_URL")
	if baseURL == "" {
		gateway, err := netdiscover.DefaultGateway(ctx, &sysexec.Runner{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "losetup-client: %v\n", err)
			return exitTransport
		}
		baseURL = fmt.Sprintf("http://%s:%d", gateway, defaultPort)
	}

	resp, err := api.NewClient(baseURL).Do(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "losetup-client: %v\n", err)
		return exitTransport
	}

	if resp.Status != api.StatusOK {
		fmt.Fprintf(os.Stderr, "losetup-client: %s\n", resp.Message)
		if resp.ErrorKind == api.KindValidation {
			return exitUsage
		}
		return exitFailure
	}

	render(cmd, resp)
	return 0
}

// render reproduces the native tool's output for each operation. Detach
// and resize are silent on success, like losetup.
func render(cmd *command, resp *api.Response) {
	switch cmd.op {
	case api.OpAttach:
		if cmd.show {
			fmt.Println(resp.Path)
			for _, p := range resp.Partitions {
				fmt.Println(p)
			}
		}
	case api.OpList:
		if len(resp.Devices) == 0 {
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tRO\tBACK-FILE")
		for _, d := range resp.Devices {
			ro := "0"
			if d.ReadOnly {
				ro = "1"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", d.Path, ro, d.BackingFile)
		}
		w.Flush()
	}
}
