package elevated

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/spinstage/spinstage/pkg/errors"
)

// Handler implements one privileged operation inside the helper.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Registry maps the closed set of operations to their implementations.
type Registry map[Op]Handler

// Connect dials the installer's channel from the helper side, retrying until
// the listener is reachable or ctx expires.
func Connect(ctx context.Context, transport Transport, name string) (net.Conn, error) {
	for {
		conn, err := transport.Dial(ctx, name)
		if err == nil {
			slog.Info("helper_connected", "channel", name)
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(err, "failed to connect to channel")
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Serve answers requests on conn until a shutdown request arrives or the
// installer disappears. A broken pipe is a normal exit: the helper must not
// outlive its parent.
func Serve(ctx context.Context, conn net.Conn, registry Registry, executor Executor) error {
	defer conn.Close()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if isConnectionLost(err) {
				slog.Info("helper_parent_gone", "error", err)
				return nil
			}
			return errors.Wrap(err, "failed to decode request")
		}

		resp := handle(ctx, req, registry, executor)
		if err := enc.Encode(resp); err != nil {
			if isConnectionLost(err) {
				slog.Info("helper_parent_gone", "error", err)
				return nil
			}
			return errors.Wrap(err, "failed to encode response")
		}

		if req.Type == TypeShutdown {
			slog.Info("helper_shutdown")
			return nil
		}
	}
}

func handle(ctx context.Context, req Request, registry Registry, executor Executor) (resp Response) {
	resp = Response{ID: req.ID, Type: req.Type}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("helper_panic", "type", req.Type, "function", req.Function, "panic", r)
			resp.Result = nil
			resp.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	switch req.Type {
	case TypePing, TypeShutdown:
		return resp

	case TypeSubprocess:
		var args []string
		if err := json.Unmarshal(req.Args, &args); err != nil {
			resp.Error = fmt.Sprintf("invalid command args: %v", err)
			return resp
		}
		var opts CommandOptions
		if len(req.Kwargs) > 0 {
			if err := json.Unmarshal(req.Kwargs, &opts); err != nil {
				resp.Error = fmt.Sprintf("invalid command options: %v", err)
				return resp
			}
		}
		result, err := executor.Execute(ctx, args, opts)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		return withResult(resp, result)

	case TypeFunction:
		h, ok := registry[req.Function]
		if !ok {
			slog.Warn("helper_unknown_function", "function", req.Function)
			resp.Error = fmt.Sprintf("unknown operation %q", req.Function)
			return resp
		}
		slog.Info("helper_call", "function", req.Function)
		result, err := h(ctx, req.Args)
		if err != nil {
			slog.Error("helper_call_failed", "function", req.Function, "error", err)
			resp.Error = err.Error()
			return resp
		}
		return withResult(resp, result)

	default:
		resp.Error = fmt.Sprintf("unknown request type %q", req.Type)
		return resp
	}
}

func withResult(resp Response, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		resp.Error = fmt.Sprintf("failed to encode result: %v", err)
		return resp
	}
	resp.Result = data
	return resp
}
