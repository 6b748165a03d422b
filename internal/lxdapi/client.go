// Package lxdapi queries LXD instance state through the lxc CLI. The
// broker only reads from it: device mutation goes through the injector.
package lxdapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Runner abstracts command execution for testing.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	Run(ctx context.Context, name string, args ...string) error
}

// Instance is the subset of the LXD instance representation the broker
// reads.
type Instance struct {
	Name            string                       `json:"name"`
	ExpandedDevices map[string]map[string]string `json:"expanded_devices"`
}

// Client reads LXD instance state for one container.
type Client struct {
	runner Runner
	lxc    string
}

// NewClient creates a client that shells out to the given lxc binary.
func NewClient(runner Runner, lxcPath string) *Client {
	if lxcPath == "" {
		lxcPath = "lxc"
	}
	return &Client{runner: runner, lxc: lxcPath}
}

// Query fetches the instance representation for a container.
func (c *Client) Query(ctx context.Context, container string) (*Instance, error) {
	out, err := c.runner.Output(ctx, c.lxc, "query", "/1.0/instances/"+container)
	if err != nil {
		return nil, fmt.Errorf("failed to query container %s: %w", container, err)
	}
	var inst Instance
	if err := json.Unmarshal(out, &inst); err != nil {
		return nil, fmt.Errorf("failed to parse instance state for %s: %w", container, err)
	}
	return &inst, nil
}

// BridgeNetwork returns the network the container's NIC is attached to.
func (inst *Instance) BridgeNetwork() (string, error) {
	for _, device := range inst.ExpandedDevices {
		if device["type"] != "nic" {
			continue
		}
		if network := device["network"]; network != "" {
			return network, nil
		}
	}
	return "", fmt.Errorf("no network device found for container %s", inst.Name)
}

// DeviceNames lists the container's configured device entry names, used to
// recognize previously injected loop devices.
func (c *Client) DeviceNames(ctx context.Context, container string) ([]string, error) {
	out, err := c.runner.Output(ctx, c.lxc, "config", "device", "list", container)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices of %s: %w", container, err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}
