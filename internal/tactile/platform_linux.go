//go:build linux

package tactile

import "syscall"

// Linux reports ru_maxrss in kilobytes.
func maxRSSBytes(r *syscall.Rusage) int64 {
	return int64(r.Maxrss) * 1024
}
