//go:build linux

package nat

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// tuneSocket applies the channel's DSCP marking and receive-buffer depth
// to conn's underlying file descriptor (spec §4.2 creation inputs: DSCP,
// receive-buffer depth), the way the teacher's transport_socket_linux.go
// sets IP_TOS/SO_RCVBUF via golang.org/x/sys/unix. dscp <= 0 or
// rcvBufBytes <= 0 skips the corresponding option.
func tuneSocket(conn net.PacketConn, dscp, rcvBufBytes int) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("nat: tuneSocket: %w", err)
	}

	var opErr error
	ctlErr := raw.Control(func(fd uintptr) {
		if dscp > 0 {
			// DSCP occupies the top 6 bits of the TOS octet.
			if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, dscp<<2); e != nil {
				opErr = fmt.Errorf("set IP_TOS: %w", e)
				return
			}
		}
		if rcvBufBytes > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBufBytes); e != nil {
				opErr = fmt.Errorf("set SO_RCVBUF: %w", e)
				return
			}
		}
	})
	if ctlErr != nil {
		return fmt.Errorf("nat: tuneSocket: %w", ctlErr)
	}
	return opErr
}
