//go:build !linux

// Package preflight provides system requirement checks for the broker.
package preflight

import "fmt"

// Check always fails on non-Linux platforms.
func Check() error {
	return fmt.Errorf("losetup-server requires Linux")
}
