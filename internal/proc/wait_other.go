//go:build !linux

package proc

import "os/exec"

// awaitExit reaps the child. Without a non-reaping wait the group id may be
// reused afterwards, so callers must not signal the group once this returns.
func awaitExit(c *exec.Cmd) (reaped bool, err error) {
	return true, c.Wait()
}
