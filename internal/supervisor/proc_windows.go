//go:build windows

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

func setProcAttributes(cmd *exec.Cmd) {}

// Windows has no SIGINT delivery to another console process group that works
// reliably for detached children, so both paths collapse to a tree kill.
func interruptTree(pid int) error {
	return killTree(pid)
}

func killTree(pid int) error {
	out, err := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("taskkill pid %d: %w: %s", pid, err, out)
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	defer proc.Release()
	return true
}
