//go:build !windows

package delve

import (
	"os/exec"
)

// setupProcAttr configures platform-specific process attributes.
// On non-Windows platforms, this is a no-op.
func setupProcAttr(cmd *exec.Cmd) {}
