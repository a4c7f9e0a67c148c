package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	base := fmt.Errorf("disk busy")
	err := Wrap(base, "resize failed")
	if err.Error() != "resize failed: disk busy" {
		t.Errorf("unexpected message: %s", err)
	}
	if !Is(err, base) {
		t.Error("wrapped error should match base")
	}
}

func TestTypedErrorsMatch(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "hash mismatch",
			err:  Wrap(&HashMismatchError{Path: "a.iso", Expected: "aa", Actual: "bb"}, "verify"),
			want: "checksum mismatch for a.iso",
		},
		{
			name: "command stderr preferred",
			err:  &CommandError{Args: []string{"powershell"}, ExitCode: 1, Stdout: "out", Stderr: "boom"},
			want: "exited with code 1: boom",
		},
		{
			name: "command falls back to stdout",
			err:  &CommandError{Args: []string{"mountvol"}, ExitCode: 2, Stdout: "bad path"},
			want: "mountvol exited with code 2: bad path",
		},
		{
			name: "remote",
			err:  &RemoteError{Op: "add_boot_entry", Message: "access denied"},
			want: "remote add_boot_entry failed: access denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(tt.err.Error(), tt.want) {
				t.Errorf("expected %q in %q", tt.want, tt.err.Error())
			}
		})
	}

	var hm *HashMismatchError
	if !As(Wrap(&HashMismatchError{}, "x"), &hm) {
		t.Error("HashMismatchError should be extractable with As")
	}

	pe := &PartitionError{Step: "resize", Err: ErrConnectionLost}
	if !Is(pe, ErrConnectionLost) {
		t.Error("PartitionError should unwrap to its cause")
	}
}
