//go:build unix

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// configureTermination puts the interpreter in its own process group and
// sends SIGTERM to the whole group on cancellation.
func configureTermination(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
			return cmd.Process.Signal(syscall.SIGTERM)
		}
		return nil
	}
}

// terminated reports whether the process died from SIGTERM or SIGKILL.
func terminated(state *os.ProcessState) bool {
	if state == nil {
		return false
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return false
	}
	return ws.Signal() == syscall.SIGTERM || ws.Signal() == syscall.SIGKILL
}
