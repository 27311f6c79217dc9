//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// setProcAttributes places the child in its own process group so interrupts
// and kills reach the whole tree, not just the direct child.
func setProcAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interruptTree delivers SIGINT to the process group. Agent CLIs treat it as
// a graceful stop and flush their session state before exiting.
func interruptTree(pid int) error {
	return syscall.Kill(-pid, syscall.SIGINT)
}

// killTree delivers SIGKILL to the process group.
func killTree(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
