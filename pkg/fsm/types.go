package fsm

import "github.com/spinstage/spinstage/pkg/install"

// RunRequest is the FSM input
type RunRequest struct {
	RunID   string
	Context install.InstallationContext
}

// RunResponse is the FSM output (accumulated across transitions)
type RunResponse struct {
	State install.State

	// Set by the complete state, or by a state that failed
	Result *install.Result
}

// State names
const (
	StateInitialize = "initialize"
	StateDownload   = "download"
	StateVerify     = "verify"
	StatePartition  = "partition"
	StateCopy       = "copy"
	StateBootEntry  = "boot_entry"
	StateComplete   = "complete"
	StateFailed     = "failed"
)
