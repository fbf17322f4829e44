//go:build !windows && !linux && !darwin

package tactile

import "syscall"

func maxRSSBytes(r *syscall.Rusage) int64 {
	return int64(r.Maxrss) * 1024
}
