package elevated

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spinstage/spinstage/pkg/errors"
)

const (
	// DefaultConnectTimeout bounds the wait for the helper to dial back,
	// which includes the time the user spends on the consent prompt.
	DefaultConnectTimeout = 2 * time.Minute

	// idleCheck is how long the connection may sit unused before the next
	// call pings the helper first.
	idleCheck = 30 * time.Second
)

// Channel is a reference-counted connection to the elevated helper. The
// helper is launched lazily on the first request and shut down when the last
// reference is released. Requests are serialized: exactly one is in flight.
type Channel struct {
	launcher       Launcher
	transport      Transport
	connectTimeout time.Duration

	mu       sync.Mutex
	conn     net.Conn
	enc      *json.Encoder
	dec      *json.Decoder
	nextID   uint64
	lastUsed time.Time
	launches int

	refMu sync.Mutex
	refs  int
}

// NewChannel creates an unconnected channel.
func NewChannel(launcher Launcher, transport Transport, connectTimeout time.Duration) *Channel {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &Channel{
		launcher:       launcher,
		transport:      transport,
		connectTimeout: connectTimeout,
	}
}

// Acquire takes a reference. Every Acquire must be paired with Release.
func (c *Channel) Acquire() *Channel {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	c.refs++
	return c
}

// Release drops a reference. The last release shuts the helper down.
func (c *Channel) Release() error {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	if c.refs == 0 {
		return nil
	}
	c.refs--
	if c.refs > 0 {
		return nil
	}
	return c.shutdown()
}

// Launches returns how many times the helper has been started.
func (c *Channel) Launches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.launches
}

// Ping checks that the helper is alive, launching it if needed.
func (c *Channel) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensure(ctx); err != nil {
		return err
	}
	_, err := c.roundTrip(ctx, Request{Type: TypePing})
	return err
}

// Run executes a command with elevation and returns its captured result. With
// opts.Check a non-zero exit code is returned as *errors.CommandError.
func (c *Channel) Run(ctx context.Context, args []string, opts CommandOptions) (*CommandResult, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	argData, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode command")
	}
	optData, err := json.Marshal(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode command options")
	}

	resp, err := c.do(ctx, Request{Type: TypeSubprocess, Args: argData, Kwargs: optData})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &errors.RemoteError{Op: string(TypeSubprocess), Message: resp.Error}
	}

	var result CommandResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, errors.Wrap(err, "failed to decode command result")
	}
	if opts.Check && result.ExitCode != 0 {
		return &result, &errors.CommandError{
			Args:     result.Args,
			ExitCode: result.ExitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
		}
	}
	return &result, nil
}

// Call invokes a registered privileged operation. args is encoded as JSON;
// the result is decoded into out when out is non-nil.
func (c *Channel) Call(ctx context.Context, op Op, args any, out any) error {
	if !op.Valid() {
		return fmt.Errorf("operation %q is not registered", op)
	}
	argData, err := json.Marshal(args)
	if err != nil {
		return errors.Wrap(err, "failed to encode call arguments")
	}

	resp, err := c.do(ctx, Request{Type: TypeFunction, Function: op, Args: argData})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return &errors.RemoteError{Op: string(op), Message: resp.Error}
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(resp.Result, out), "failed to decode call result")
}

func (c *Channel) do(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensure(ctx); err != nil {
		return nil, err
	}
	if time.Since(c.lastUsed) > idleCheck {
		if _, err := c.roundTrip(ctx, Request{Type: TypePing}); err != nil {
			slog.Warn("helper_ping_failed", "error", err)
			if err := c.ensure(ctx); err != nil {
				return nil, err
			}
		}
	}
	return c.roundTrip(ctx, req)
}

// ensure launches the helper if there is no live connection. Must be called
// with c.mu held.
func (c *Channel) ensure(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	name := "spinstage-" + uuid.NewString()
	ln, err := c.transport.Listen(name)
	if err != nil {
		return errors.Wrap(err, "failed to open channel")
	}
	defer ln.Close()

	status, err := c.launcher.Launch(ctx, name)
	if err != nil {
		return errors.Wrap(err, "failed to launch helper")
	}
	if status == NeedsElevation {
		return errors.ErrElevationDeclined
	}

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()

	timer := time.NewTimer(c.connectTimeout)
	defer timer.Stop()

	select {
	case a := <-ch:
		if a.err != nil {
			return errors.Wrap(a.err, "failed to accept helper connection")
		}
		c.conn = a.conn
	case <-timer.C:
		return fmt.Errorf("helper did not connect within %s", c.connectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	c.enc = json.NewEncoder(c.conn)
	c.dec = json.NewDecoder(c.conn)
	c.lastUsed = time.Now()
	c.launches++
	slog.Info("helper_channel_ready", "channel", name, "launches", c.launches)
	return nil
}

// roundTrip writes one request and reads its response. Any transport error
// drops the connection; the next request re-launches the helper. Must be
// called with c.mu held.
func (c *Channel) roundTrip(ctx context.Context, req Request) (*Response, error) {
	c.nextID++
	req.ID = c.nextID

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		slog.Warn("helper_set_deadline_failed", "error", err)
	}

	if err := c.enc.Encode(req); err != nil {
		return nil, c.fail(err)
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return nil, c.fail(err)
	}
	if resp.ID != req.ID {
		c.reset()
		return nil, fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID)
	}

	c.lastUsed = time.Now()
	return &resp, nil
}

func (c *Channel) fail(err error) error {
	c.reset()
	if isConnectionLost(err) {
		slog.Warn("helper_connection_lost", "error", err)
		return fmt.Errorf("%w: %v", errors.ErrConnectionLost, err)
	}
	return errors.Wrap(err, "helper channel error")
}

func (c *Channel) reset() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.enc = nil
	c.dec = nil
}

func (c *Channel) shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.roundTrip(ctx, Request{Type: TypeShutdown})
	c.reset()
	if err != nil && !errors.Is(err, errors.ErrConnectionLost) {
		return err
	}
	slog.Info("helper_channel_closed")
	return nil
}
