package elevated

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
)

// Executor runs a command on the helper side.
type Executor interface {
	Execute(ctx context.Context, args []string, opts CommandOptions) (*CommandResult, error)
}

// ExecExecutor runs commands with os/exec.
type ExecExecutor struct{}

func (ExecExecutor) Execute(ctx context.Context, args []string, opts CommandOptions) (*CommandResult, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if opts.NoWindow {
		hideWindow(cmd)
	}

	var stdout, stderr bytes.Buffer
	if opts.CaptureOutput {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	} else {
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
	}

	slog.Info("helper_exec", "command", args[0], "argc", len(args))

	result := &CommandResult{Args: args}
	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return nil, err
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	slog.Info("helper_exec_done", "command", args[0], "exit_code", result.ExitCode)
	return result, nil
}
