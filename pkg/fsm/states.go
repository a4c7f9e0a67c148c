package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spinstage/spinstage/pkg/install"
	"github.com/superfly/fsm"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	orch       *install.Orchestrator
	maxRetries int
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(orch *install.Orchestrator, maxRetries int) *Machine {
	return &Machine{orch: orch, maxRetries: maxRetries}
}

// session rebuilds the orchestrator session from the persisted response.
func (m *Machine) session(msg *RunRequest, resp *RunResponse) (*install.Session, *RunResponse) {
	if resp == nil {
		resp = &RunResponse{State: *install.NewState(msg.RunID)}
	}
	if resp.State.RunID == "" {
		resp.State.RunID = msg.RunID
	}
	return m.orch.NewSession(&msg.Context, &resp.State, nil), resp
}

// runStage executes one orchestrator stage against the accumulated response.
// On failure the session has already rolled back and resp.Result holds the
// terminal result.
func (m *Machine) runStage(ctx context.Context, stage install.Stage, retries uint64, msg *RunRequest, resp *RunResponse) (*RunResponse, error) {
	s, resp := m.session(msg, resp)

	// Check retry limit
	if retries >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "run_id", msg.RunID, "stage", stage.String(), "max_retries", m.maxRetries)
		resp.Result = s.Fail(ctx, stage, fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
		return resp, resp.Result.Err
	}

	var run func(context.Context) error
	for _, step := range s.Steps() {
		if step.Stage == stage {
			run = step.Run
		}
	}
	if run == nil {
		return resp, fmt.Errorf("no handler for stage %s", stage)
	}

	if err := run(ctx); err != nil {
		slog.Error("fsm_state_failed", "stage", stage.String(), "run_id", msg.RunID, "error", err)
		resp.Result = s.Fail(ctx, stage, err)
		return resp, resp.Result.Err
	}
	return resp, nil
}

// stage wraps runStage as a transition. A failed stage aborts the FSM; it is
// never retried once rolled back.
func (m *Machine) stage(stage install.Stage) func(context.Context, *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	return func(ctx context.Context, req *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
		slog.Info("fsm_state", "stage", stage.String(), "run_id", req.Msg.RunID)

		resp, err := m.runStage(ctx, stage, fsm.RetryFromContext(ctx), req.Msg, req.W.Msg)
		if err != nil {
			return nil, fsm.Abort(err)
		}
		return fsm.NewResponse(resp), nil
	}
}

// complete detaches the images and records the final result.
func (m *Machine) complete(ctx context.Context, msg *RunRequest, resp *RunResponse) *RunResponse {
	s, resp := m.session(msg, resp)
	resp.Result = s.Finish(ctx)
	return resp
}

// handleComplete marks the FSM as complete
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	slog.Info("fsm_state_complete", "run_id", req.Msg.RunID)

	return fsm.NewResponse(m.complete(ctx, req.Msg, req.W.Msg)), nil
}
