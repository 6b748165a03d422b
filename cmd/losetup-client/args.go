package main

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/mwhudson/losetup-server/internal/api"
)

// command is the parsed form of a losetup invocation. Only the argument
// subset the broker brokers is accepted; anything else is a usage error
// rather than silently doing the wrong thing.
type command struct {
	op          api.Operation
	backingFile string
	device      string
	show        bool
	partScan    bool
	readOnly    bool
	force       bool
	offset      uint64
	sizeLimit   uint64
}

// parseArgs interprets losetup-style arguments. The surface has to match
// the native tool's, so this is hand-rolled rather than flag-library
// driven: losetup mixes short flags, long flags with values, and
// positional arguments.
func parseArgs(args []string) (*command, error) {
	cmd := &command{}
	var (
		find       bool
		detach     bool
		list       bool
		resize     bool
		positional []string
	)

	i := 0
	next := func(flag string) (string, error) {
		i++
		if i >= len(args) {
			return "", fmt.Errorf("option %s requires an argument", flag)
		}
		return args[i], nil
	}

	for ; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "-f", "--find":
			find = true
		case "--show":
			cmd.show = true
		case "-P", "--partscan":
			cmd.partScan = true
		case "-r", "--read-only":
			cmd.readOnly = true
		case "--force":
			cmd.force = true
		case "-d", "--detach":
			detach = true
		case "-l", "--list", "-a", "--all":
			list = true
		case "-c", "--set-capacity":
			resize = true
		case "-o", "--offset":
			v, err := next(arg)
			if err != nil {
				return nil, err
			}
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid offset %q", v)
			}
			cmd.offset = n
		case "--sizelimit":
			v, err := next(arg)
			if err != nil {
				return nil, err
			}
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid sizelimit %q", v)
			}
			cmd.sizeLimit = n
		default:
			if len(arg) > 0 && arg[0] == '-' {
				return nil, fmt.Errorf("unsupported option %s", arg)
			}
			positional = append(positional, arg)
		}
	}

	switch {
	case detach:
		if len(positional) != 1 {
			return nil, fmt.Errorf("--detach requires exactly one device argument")
		}
		cmd.op = api.OpDetach
		cmd.device = positional[0]
	case resize:
		if len(positional) != 1 {
			return nil, fmt.Errorf("--set-capacity requires exactly one device argument")
		}
		cmd.op = api.OpResize
		cmd.device = positional[0]
	case find:
		if len(positional) != 1 {
			return nil, fmt.Errorf("--find requires exactly one file argument")
		}
		cmd.op = api.OpAttach
		cmd.backingFile = positional[0]
	case list || len(positional) == 0:
		cmd.op = api.OpList
	default:
		return nil, fmt.Errorf("unsupported invocation; use -f, -d, -c or -l")
	}

	return cmd, nil
}

// request converts the command to a broker request. The backing file is
// made absolute in the container's namespace; the broker resolves it
// against the container rootfs on the host.
func (c *command) request() (api.Request, error) {
	req := api.Request{
		Operation:     c.op,
		Path:          c.device,
		PartitionScan: c.partScan,
		ReadOnly:      c.readOnly,
		Force:         c.force,
		Offset:        c.offset,
		SizeLimit:     c.sizeLimit,
	}
	if c.backingFile != "" {
		abs, err := filepath.Abs(c.backingFile)
		if err != nil {
			return api.Request{}, fmt.Errorf("cannot resolve %s: %w", c.backingFile, err)
		}
		req.BackingFile = abs
	}
	return req, nil
}
