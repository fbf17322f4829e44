//go:build darwin

package tactile

import "syscall"

// macOS reports ru_maxrss in bytes.
func maxRSSBytes(r *syscall.Rusage) int64 {
	return int64(r.Maxrss)
}
