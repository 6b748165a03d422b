// Package sysexec runs external commands (lxc, ip) with captured output
// and context-based cancellation.
package sysexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/containerd/log"

	"github.com/mwhudson/losetup-server/internal/stringutil"
)

// maxErrOutput bounds how much captured stderr ends up in error messages.
const maxErrOutput = 1024

// Runner executes external commands. The zero value is usable.
type Runner struct{}

// Output runs a command and returns its stdout. On failure the error
// carries the command's stderr (truncated).
func (r *Runner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.G(ctx).WithField("command", name+" "+strings.Join(args, " ")).Debug("executing")

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("%s failed: %w (stderr: %s)",
			name, err, stringutil.TruncateOutput(stderr.Bytes(), maxErrOutput))
	}
	return stdout.Bytes(), nil
}

// Run runs a command and discards its stdout.
func (r *Runner) Run(ctx context.Context, name string, args ...string) error {
	_, err := r.Output(ctx, name, args...)
	return err
}

// LookPath reports whether a command is available in PATH.
func LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
