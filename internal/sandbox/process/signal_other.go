//go:build !unix

package process

import (
	"os"
	"os/exec"
)

func configureTermination(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}

func terminated(*os.ProcessState) bool { return false }
