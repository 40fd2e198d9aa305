//go:build linux || darwin

package sysinfo

import "golang.org/x/sys/unix"

// DefaultOpenFilesSafetyMargin is subtracted from the OS's soft RLIMIT_NOFILE
// before it's offered as a max_open_files ceiling, leaving headroom for
// stdio, sockets, and anything else the process has open.
const DefaultOpenFilesSafetyMargin = 16

// MaxOpenFiles returns the process's current soft RLIMIT_NOFILE, minus the
// safety margin, clamped to be at least 1. Returns 0 if the limit can't be
// read, in which case callers should fall back to a fixed default.
func MaxOpenFiles() int {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0
	}
	n := int(rl.Cur) - DefaultOpenFilesSafetyMargin
	if n < 1 {
		n = 1
	}
	return n
}
