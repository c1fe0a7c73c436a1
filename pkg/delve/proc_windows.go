//go:build windows

package delve

import (
	"os/exec"
	"syscall"
)

// setupProcAttr prevents Delve from creating a console window
func setupProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}
