//go:build linux

package process

import (
	"os"
	"syscall"
)

// maxRSS returns peak resident memory in bytes. Linux reports KiB.
func maxRSS(state *os.ProcessState) uint64 {
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru.Maxrss > 0 {
		return uint64(ru.Maxrss) * 1024
	}
	return 0
}
