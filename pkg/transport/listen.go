package transport

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
)

// ParseEndpoint splits a socket name into network and address.
// "tcp://host:port" selects TCP, "unix://path" or a bare path selects a unix socket.
func ParseEndpoint(socketName string) (network, address string, err error) {
	switch {
	case socketName == "":
		return "", "", errors.New("empty socket name")
	case strings.HasPrefix(socketName, "tcp://"):
		return "tcp", strings.TrimPrefix(socketName, "tcp://"), nil
	case strings.HasPrefix(socketName, "unix://"):
		return "unix", strings.TrimPrefix(socketName, "unix://"), nil
	case strings.Contains(socketName, "://"):
		return "", "", fmt.Errorf("unsupported socket scheme in %q", socketName)
	default:
		return "unix", socketName, nil
	}
}

// Listen binds the local endpoint. A stale unix socket file left by a previous
// process is removed first. Go opens the descriptor close-on-exec.
func Listen(socketName string) (net.Listener, error) {
	network, address, err := ParseEndpoint(socketName)
	if err != nil {
		return nil, err
	}

	if network == "unix" {
		if err := os.Remove(address); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", address, err)
		}
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", socketName, err)
	}
	return ln, nil
}
