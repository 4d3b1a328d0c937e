//go:build !linux

package nat

import "net"

// tuneSocket is a no-op outside Linux; DSCP/SO_RCVBUF tuning via
// golang.org/x/sys/unix is Linux-specific, matching the teacher's
// per-platform transport_socket_*.go split.
func tuneSocket(_ net.PacketConn, _, _ int) error {
	return nil
}
