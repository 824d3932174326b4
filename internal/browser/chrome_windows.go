//go:build windows

package browser

import (
	"os"
	"os/exec"
)

// setChromeProcessGroup is a no-op on Windows, which has no Unix
// process groups.
func setChromeProcessGroup(cmd *exec.Cmd) {
}

// killChromeProcessGroup kills the main process and lets Chrome clean
// up its own children.
func killChromeProcessGroup(cmd *exec.Cmd, force bool) {
	if cmd.Process == nil {
		return
	}
	if force {
		_ = cmd.Process.Kill()
	} else {
		_ = cmd.Process.Signal(os.Interrupt)
	}
}
