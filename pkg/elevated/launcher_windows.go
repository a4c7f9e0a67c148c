//go:build windows

package elevated

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"
)

// launchElevated starts the helper directly when the current token is
// already elevated, otherwise through ShellExecute with the "runas" verb so
// Windows shows a single consent prompt.
func launchElevated(ctx context.Context, exe string, args []string) (LaunchStatus, error) {
	if windows.GetCurrentProcessToken().IsElevated() {
		cmd := exec.Command(exe, args...)
		cmd.SysProcAttr = &syscall.SysProcAttr{
			HideWindow:    true,
			CreationFlags: windows.CREATE_NO_WINDOW,
		}
		if err := cmd.Start(); err != nil {
			return NeedsElevation, err
		}
		go cmd.Wait()
		return Launched, nil
	}

	verb, _ := windows.UTF16PtrFromString("runas")
	file, err := windows.UTF16PtrFromString(exe)
	if err != nil {
		return NeedsElevation, err
	}
	params, err := windows.UTF16PtrFromString(joinArgs(args))
	if err != nil {
		return NeedsElevation, err
	}

	err = windows.ShellExecute(0, verb, file, params, nil, windows.SW_HIDE)
	if errors.Is(err, windows.ERROR_CANCELLED) {
		slog.Warn("helper_elevation_declined")
		return NeedsElevation, nil
	}
	if err != nil {
		return NeedsElevation, err
	}
	return Launched, nil
}

func joinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = syscall.EscapeArg(a)
	}
	return strings.Join(quoted, " ")
}
