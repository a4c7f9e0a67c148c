package elevated

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"
)

// Transport creates the single-instance byte stream identified by a channel
// name. The installer listens, the helper dials.
type Transport interface {
	Listen(name string) (net.Listener, error)
	Dial(ctx context.Context, name string) (net.Conn, error)
}

// UnixTransport uses unix domain sockets placed in Dir.
type UnixTransport struct {
	Dir string
}

// maxSocketPath is the smallest sun_path size of the supported platforms
// (104 on BSD and darwin, 108 on Linux), less the terminating NUL.
const maxSocketPath = 103

func (t UnixTransport) path(name string) (string, error) {
	dir := t.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	p := filepath.Join(dir, name+".sock")
	if len(p) > maxSocketPath {
		return "", fmt.Errorf("socket path %s exceeds %d bytes", p, maxSocketPath)
	}
	return p, nil
}

func (t UnixTransport) Listen(name string) (net.Listener, error) {
	p, err := t.path(name)
	if err != nil {
		return nil, err
	}
	_ = os.Remove(p)
	return net.Listen("unix", p)
}

func (t UnixTransport) Dial(ctx context.Context, name string) (net.Conn, error) {
	p, err := t.path(name)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, "unix", p)
}

// isConnectionLost reports whether err means the peer is gone.
func isConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return true
	}
	return isPlatformConnectionLost(err)
}
