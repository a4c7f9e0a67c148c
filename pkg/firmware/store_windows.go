//go:build windows

package firmware

import (
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32                        = windows.NewLazySystemDLL("kernel32.dll")
	procGetFirmwareEnvironmentVariable = modkernel32.NewProc("GetFirmwareEnvironmentVariableW")
	procSetFirmwareEnvironmentVariable = modkernel32.NewProc("SetFirmwareEnvironmentVariableW")
)

const errEnvVarNotFound = windows.Errno(203)

// WindowsStore uses the Win32 firmware environment API. Sessions enable
// SeSystemEnvironmentPrivilege on the process token for their duration.
type WindowsStore struct{}

// NewSystemStore returns the firmware store for this platform.
func NewSystemStore() (Opener, error) {
	return &WindowsStore{}, nil
}

func (s *WindowsStore) Session(fn func(Store) error) error {
	var token windows.Token
	if err := windows.OpenProcessToken(windows.CurrentProcess(),
		windows.TOKEN_ADJUST_PRIVILEGES|windows.TOKEN_QUERY, &token); err != nil {
		return fmt.Errorf("failed to open process token: %w", err)
	}
	defer token.Close()

	var luid windows.LUID
	name, _ := windows.UTF16PtrFromString("SeSystemEnvironmentPrivilege")
	if err := windows.LookupPrivilegeValue(nil, name, &luid); err != nil {
		return fmt.Errorf("failed to look up privilege: %w", err)
	}

	enable := windows.Tokenprivileges{
		PrivilegeCount: 1,
		Privileges:     [1]windows.LUIDAndAttributes{{Luid: luid, Attributes: windows.SE_PRIVILEGE_ENABLED}},
	}
	if err := windows.AdjustTokenPrivileges(token, false, &enable, 0, nil, nil); err != nil {
		return fmt.Errorf("failed to enable firmware privilege: %w", err)
	}
	slog.Info("firmware_session_open")

	defer func() {
		disable := windows.Tokenprivileges{
			PrivilegeCount: 1,
			Privileges:     [1]windows.LUIDAndAttributes{{Luid: luid, Attributes: 0}},
		}
		if err := windows.AdjustTokenPrivileges(token, false, &disable, 0, nil, nil); err != nil {
			slog.Warn("firmware_privilege_restore_failed", "error", err)
		}
		slog.Info("firmware_session_closed")
	}()

	return fn(winVars{})
}

type winVars struct{}

func (winVars) Read(name string) ([]byte, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	guidPtr, _ := windows.UTF16PtrFromString("{" + GlobalVariableGUID + "}")

	size := 512
	for size <= 1<<20 {
		buf := make([]byte, size)
		n, _, callErr := procGetFirmwareEnvironmentVariable.Call(
			uintptr(unsafe.Pointer(namePtr)),
			uintptr(unsafe.Pointer(guidPtr)),
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(size),
		)
		if n != 0 {
			return buf[:n], nil
		}
		switch {
		case errors.Is(callErr, errEnvVarNotFound):
			return nil, ErrNotFound
		case errors.Is(callErr, windows.ERROR_INSUFFICIENT_BUFFER):
			size *= 2
		default:
			return nil, fmt.Errorf("failed to read firmware variable %s: %w", name, callErr)
		}
	}
	return nil, fmt.Errorf("firmware variable %s too large", name)
}

func (winVars) Write(name string, data []byte) error {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return err
	}
	guidPtr, _ := windows.UTF16PtrFromString("{" + GlobalVariableGUID + "}")

	var ptr uintptr
	if len(data) > 0 {
		ptr = uintptr(unsafe.Pointer(&data[0]))
	}
	ok, _, callErr := procSetFirmwareEnvironmentVariable.Call(
		uintptr(unsafe.Pointer(namePtr)),
		uintptr(unsafe.Pointer(guidPtr)),
		ptr,
		uintptr(len(data)),
	)
	if ok == 0 {
		return fmt.Errorf("failed to write firmware variable %s: %w", name, callErr)
	}
	return nil
}
