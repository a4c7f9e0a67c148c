//go:build !windows

package elevated

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
)

// launchElevated starts the helper directly when running as root, otherwise
// through sudo.
func launchElevated(ctx context.Context, exe string, args []string) (LaunchStatus, error) {
	var cmd *exec.Cmd
	if os.Geteuid() == 0 {
		cmd = exec.Command(exe, args...)
	} else {
		sudo, err := exec.LookPath("sudo")
		if err != nil {
			slog.Warn("helper_elevation_unavailable", "reason", "sudo_not_found")
			return NeedsElevation, nil
		}
		cmd = exec.Command(sudo, append([]string{exe}, args...)...)
		cmd.Stdin = os.Stdin
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return NeedsElevation, err
	}
	go cmd.Wait()
	return Launched, nil
}
