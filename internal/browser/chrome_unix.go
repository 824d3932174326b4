//go:build !windows

package browser

import (
	"os/exec"
	"syscall"
)

// setChromeProcessGroup puts Chrome in its own process group so its
// renderer and GPU children share one PGID and die together.
func setChromeProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// killChromeProcessGroup signals the whole group. force picks SIGKILL
// over SIGTERM.
func killChromeProcessGroup(cmd *exec.Cmd, force bool) {
	if cmd.Process == nil {
		return
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	_ = syscall.Kill(-cmd.Process.Pid, sig)
}
