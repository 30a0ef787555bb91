//go:build darwin

package process

import (
	"os"
	"syscall"
)

// maxRSS returns peak resident memory in bytes. Darwin reports bytes.
func maxRSS(state *os.ProcessState) uint64 {
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru.Maxrss > 0 {
		return uint64(ru.Maxrss)
	}
	return 0
}
