package net

import (
	"fmt"
	"net"
)

// FreeListenAddr returns a loopback address with an ephemeral port that was
// free at the time of the call. The port is released again before returning,
// so a small race with other listeners remains.
func FreeListenAddr() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().String(), nil
}
