//go:build windows

package sandbox

import "os/exec"

// setSysProcAttr is a no-op on Windows; Setpgid is not available.
func setSysProcAttr(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
