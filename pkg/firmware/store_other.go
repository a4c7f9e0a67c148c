//go:build !windows && !linux

package firmware

import (
	"fmt"
	"runtime"
)

// NewSystemStore returns the firmware store for this platform.
func NewSystemStore() (Opener, error) {
	return nil, fmt.Errorf("firmware variables not supported on %s", runtime.GOOS)
}
