// Package stringutil has small string helpers shared across the broker.
package stringutil

// TruncateOutput bounds captured command output for inclusion in error
// messages and logs. Anything beyond maxLen bytes is replaced with a
// truncation marker.
func TruncateOutput(out []byte, maxLen int) string {
	if len(out) <= maxLen {
		return string(out)
	}
	if maxLen < 0 {
		maxLen = 0
	}
	return string(out[:maxLen]) + "... (truncated)"
}
