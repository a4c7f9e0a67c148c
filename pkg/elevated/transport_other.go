//go:build !windows

package elevated

// DefaultTransport returns a unix socket transport in the system temp dir.
func DefaultTransport() Transport {
	return UnixTransport{}
}

func isPlatformConnectionLost(err error) bool {
	return false
}
