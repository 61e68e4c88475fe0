//go:build !windows

package pidfile

import "golang.org/x/sys/unix"

func processExists(pid int) bool {
	// Signal 0 performs error checking only.
	return unix.Kill(pid, 0) == nil
}
