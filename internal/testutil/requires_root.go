// Package testutil has helpers shared by tests that exercise real kernel
// state.
package testutil

import (
	"os"
	"testing"
)

// RequiresRoot skips the test unless it runs with root privilege. Loop
// ioctls and LXD device calls need it.
func RequiresRoot(t testing.TB) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("test requires root")
	}
}
