//go:build linux

package proc

import (
	"errors"
	"os/exec"

	"golang.org/x/sys/unix"
)

// awaitExit blocks until the child exits and leaves it a zombie. The caller
// must reap it with c.Wait. reaped is true only when waitid was unusable and
// this call fell back to c.Wait itself.
func awaitExit(c *exec.Cmd) (reaped bool, err error) {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, c.Process.Pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err == nil {
			return false, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return true, c.Wait()
	}
}
