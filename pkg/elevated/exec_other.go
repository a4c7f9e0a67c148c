//go:build !windows

package elevated

import "os/exec"

func hideWindow(cmd *exec.Cmd) {}
