//go:build windows

package elevated

import (
	"context"
	"errors"
	"net"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
)

// PipeTransport uses Windows named pipes under \\.\pipe\.
type PipeTransport struct{}

func pipePath(name string) string {
	return `\\.\pipe\` + name
}

func (PipeTransport) Listen(name string) (net.Listener, error) {
	return winio.ListenPipe(pipePath(name), &winio.PipeConfig{
		InputBufferSize:  64 * 1024,
		OutputBufferSize: 64 * 1024,
	})
}

func (PipeTransport) Dial(ctx context.Context, name string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, pipePath(name))
}

// DefaultTransport returns the named pipe transport.
func DefaultTransport() Transport {
	return PipeTransport{}
}

func isPlatformConnectionLost(err error) bool {
	return errors.Is(err, windows.ERROR_BROKEN_PIPE) ||
		errors.Is(err, windows.ERROR_NO_DATA) ||
		errors.Is(err, windows.ERROR_PIPE_NOT_CONNECTED) ||
		errors.Is(err, winio.ErrFileClosed)
}
