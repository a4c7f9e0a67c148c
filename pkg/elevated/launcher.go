package elevated

import (
	"context"
	"log/slog"
	"os"
)

// LaunchStatus is the outcome of asking the OS to start the helper with
// elevated rights.
type LaunchStatus int

const (
	// Launched means the helper process was started and should connect.
	Launched LaunchStatus = iota
	// NeedsElevation means elevation was refused or is unavailable; the
	// helper was not started.
	NeedsElevation
)

func (s LaunchStatus) String() string {
	switch s {
	case Launched:
		return "launched"
	case NeedsElevation:
		return "needs_elevation"
	default:
		return "unknown"
	}
}

// Launcher starts the elevated helper and hands it the channel name.
type Launcher interface {
	Launch(ctx context.Context, channelName string) (LaunchStatus, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, channelName string) (LaunchStatus, error)

func (f LauncherFunc) Launch(ctx context.Context, channelName string) (LaunchStatus, error) {
	return f(ctx, channelName)
}

// ExecLauncher re-executes a binary (normally the running executable) with
// the helper subcommand, requesting elevation from the OS.
type ExecLauncher struct {
	Executable string
	Args       []string
}

// NewSelfLauncher returns a launcher that starts the current executable with
// the given leading arguments, e.g. ["helper", "--log-file", path].
func NewSelfLauncher(args ...string) (*ExecLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return &ExecLauncher{Executable: exe, Args: args}, nil
}

func (l *ExecLauncher) Launch(ctx context.Context, channelName string) (LaunchStatus, error) {
	args := append(append([]string{}, l.Args...), "--channel", channelName)
	slog.Info("helper_launch", "executable", l.Executable, "channel", channelName)
	return launchElevated(ctx, l.Executable, args)
}
