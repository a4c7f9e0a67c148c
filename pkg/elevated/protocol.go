// Package elevated implements the privileged channel: a duplex, message
// oriented connection between the unprivileged installer and one long-lived
// elevated helper process.
//
// Each request is a JSON record tagged with a type (ping, shutdown,
// subprocess, function). The helper answers with a record of the same type
// carrying either a result payload or an error message. Records are written
// one per line; the transport provides the byte stream.
package elevated

import "encoding/json"

// MessageType tags a request or response record.
type MessageType string

const (
	TypePing       MessageType = "ping"
	TypeShutdown   MessageType = "shutdown"
	TypeSubprocess MessageType = "subprocess"
	TypeFunction   MessageType = "function"
)

// Op names a privileged function the helper knows how to run. The set is
// closed: the helper only dispatches operations present in its Registry and
// the client refuses to send anything else.
type Op string

const (
	OpCopyTree        Op = "copy_tree"
	OpRemoveTree      Op = "remove_tree"
	OpAddBootEntry    Op = "add_boot_entry"
	OpListBootEntries Op = "list_boot_entries"
)

var knownOps = map[Op]struct{}{
	OpCopyTree:        {},
	OpRemoveTree:      {},
	OpAddBootEntry:    {},
	OpListBootEntries: {},
}

// Valid reports whether op is one of the registered privileged operations.
func (o Op) Valid() bool {
	_, ok := knownOps[o]
	return ok
}

// CommandOptions are the kwargs of a subprocess request.
type CommandOptions struct {
	CaptureOutput bool `json:"capture_output"`
	NoWindow      bool `json:"no_window"`
	Check         bool `json:"check"`
}

// CommandResult is the captured outcome of an elevated command.
type CommandResult struct {
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Request is a single record sent to the helper.
type Request struct {
	ID       uint64          `json:"id"`
	Type     MessageType     `json:"type"`
	Function Op              `json:"function,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Kwargs   json.RawMessage `json:"kwargs,omitempty"`
}

// Response mirrors a Request. Error is set instead of Result on failure.
type Response struct {
	ID     uint64          `json:"id"`
	Type   MessageType     `json:"type"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
