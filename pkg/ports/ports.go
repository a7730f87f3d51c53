package ports

import (
	"errors"
	"fmt"
	"net"
)

// ErrNoneAvailable is returned when every candidate port is already taken.
var ErrNoneAvailable = errors.New("no candidate port available")

// FirstAvailable returns the first port from candidates that can be bound on
// loopback. The bridge's discovery endpoint uses a fixed candidate list so an
// unconfigured extension can probe the same handful of ports.
func FirstAvailable(candidates []int) (int, error) {
	for _, port := range candidates {
		if IsAvailable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: tried %v", ErrNoneAvailable, candidates)
}

// IsAvailable checks whether a loopback port can be bound.
func IsAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// Ephemeral asks the OS for an unused loopback port.
func Ephemeral() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
