//go:build !linux && !darwin

package sysinfo

// MaxOpenFiles is unsupported on this platform; callers fall back to a
// fixed default.
func MaxOpenFiles() int { return 0 }
