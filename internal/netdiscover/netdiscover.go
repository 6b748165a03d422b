// Package netdiscover finds the addresses the broker and its clients use
// to reach each other, by parsing `ip -j` output. The broker listens on
// the container's bridge; the clients find the broker via their default
// gateway.
package netdiscover

import (
	"context"
	"encoding/json"
	"fmt"
)

// Runner abstracts command execution for testing.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type addrInfo struct {
	Family string `json:"family"`
	Local  string `json:"local"`
}

type iface struct {
	IfName   string     `json:"ifname"`
	AddrInfo []addrInfo `json:"addr_info"`
}

// InterfaceIPv4 returns the first IPv4 address of a network interface.
func InterfaceIPv4(ctx context.Context, runner Runner, ifname string) (string, error) {
	out, err := runner.Output(ctx, "ip", "-j", "addr", "show", ifname)
	if err != nil {
		return "", fmt.Errorf("failed to get interface info for %s: %w", ifname, err)
	}

	var ifaces []iface
	if err := json.Unmarshal(out, &ifaces); err != nil {
		return "", fmt.Errorf("failed to parse ip addr output: %w", err)
	}

	for _, i := range ifaces {
		for _, a := range i.AddrInfo {
			if a.Family == "inet" && a.Local != "" {
				return a.Local, nil
			}
		}
	}
	return "", fmt.Errorf("no IPv4 address found for interface %s", ifname)
}

type route struct {
	Gateway string `json:"gateway"`
}

// DefaultGateway returns the IPv4 default gateway address.
func DefaultGateway(ctx context.Context, runner Runner) (string, error) {
	out, err := runner.Output(ctx, "ip", "-j", "route", "show", "default")
	if err != nil {
		return "", fmt.Errorf("failed to get default route: %w", err)
	}

	var routes []route
	if err := json.Unmarshal(out, &routes); err != nil {
		return "", fmt.Errorf("failed to parse ip route output: %w", err)
	}

	for _, r := range routes {
		if r.Gateway != "" {
			return r.Gateway, nil
		}
	}
	return "", fmt.Errorf("no default gateway found")
}
