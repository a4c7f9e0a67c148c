// Package errors provides error wrapping utilities and the typed error kinds
// shared by the installation subsystem.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Is and As are re-exported so callers importing this package under the
// name "errors" keep the standard matching helpers.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

// New is errors.New.
func New(text string) error { return errors.New(text) }

var (
	// ErrConnectionLost means the elevated helper went away. The channel
	// re-launches the helper on the next call.
	ErrConnectionLost = errors.New("elevated helper connection lost")

	// ErrElevationDeclined means the user refused the elevation prompt.
	ErrElevationDeclined = errors.New("elevation declined by user")

	// ErrNoBootManager means no firmware entry describing a platform boot
	// manager was found.
	ErrNoBootManager = errors.New("no boot manager entry found")

	// ErrNoFreeBootSlot means every slot in the scanned range is in use.
	ErrNoFreeBootSlot = errors.New("no free boot entry slot")

	// ErrRunInProgress is returned when a second installation is started
	// while one is active in the same process.
	ErrRunInProgress = errors.New("an installation run is already in progress")
)

// HashMismatchError reports a downloaded file whose content hash differs from
// the expected one. It is recoverable: the caller decides whether to retry.
type HashMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: got %s, expected %s", e.Path, e.Actual, e.Expected)
}

// CommandError is an elevated command that exited non-zero while strict
// checking was requested.
type CommandError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	name := ""
	if len(e.Args) > 0 {
		name = e.Args[0]
	}
	return fmt.Sprintf("command %s exited with code %d: %s", name, e.ExitCode, msg)
}

// RemoteError carries the message of an elevated function call that failed
// inside the helper.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s failed: %s", e.Op, e.Message)
}

// PartitionError marks a failure in one step of the partitioning procedure.
type PartitionError struct {
	Step string
	Err  error
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("partitioning step %s: %v", e.Step, e.Err)
}

func (e *PartitionError) Unwrap() error { return e.Err }
