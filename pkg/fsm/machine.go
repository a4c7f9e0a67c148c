// Package fsm drives the installation stages on a durable state machine so
// that a run interrupted by a crash or reboot resumes at the last completed
// stage instead of starting over.
package fsm

import (
	"context"

	"github.com/spinstage/spinstage/pkg/errors"
	"github.com/spinstage/spinstage/pkg/install"
	"github.com/superfly/fsm"
)

// Register registers the installation FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[RunRequest, RunResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[RunRequest, RunResponse](manager, "install-run").
		Start(StateInitialize, m.stage(install.Initializing)).
		To(StateDownload, m.stage(install.Downloading)).
		To(StateVerify, m.stage(install.VerifyingChecksum)).
		To(StatePartition, m.stage(install.CreatingTempPartition)).
		To(StateCopy, m.stage(install.CopyingFiles)).
		To(StateBootEntry, m.stage(install.AddingBootEntry)).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
