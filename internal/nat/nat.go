// Package nat implements the NAT binding coordinator named in spec §8: a
// client behind a NAT discovers its externally-visible RTP/RTCP ports via
// a STUN binding request/response round trip, and republishes them as the
// PUBPORTS attribute attached to outgoing RTCP reports (spec §4.1).
package nat

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"

	"github.com/wmanley/cisco-vqe-client-sub002/internal/rtcpext"
)

// defaultTimeout bounds a single STUN binding round trip.
const defaultTimeout = 3 * time.Second

// Coordinator discovers and caches the external (server-reflexive)
// RTP/RTCP port mapping for a channel's primary and repair sessions, and
// serves vqecrtp.BaseSession's PubPortsSource.
type Coordinator struct {
	ServerAddr   string // STUN server, "host:port"
	Timeout      time.Duration
	DSCP         int // 0 => leave the socket's current marking alone
	RecvBufBytes int // 0 => leave the socket's current SO_RCVBUF alone

	mu      sync.Mutex
	primary *rtcpext.PubPorts
	repair  *rtcpext.PubPorts
}

// NewCoordinator builds a coordinator targeting the given STUN server,
// applying dscp/recvBufBytes (spec §4.2 creation inputs) to every socket
// it binds.
func NewCoordinator(serverAddr string, dscp, recvBufBytes int) *Coordinator {
	return &Coordinator{ServerAddr: serverAddr, Timeout: defaultTimeout, DSCP: dscp, RecvBufBytes: recvBufBytes}
}

// Bind performs one STUN binding transaction over conn and returns the
// externally-visible (reflexive) address the server observed (spec §8:
// "binding request/response + XOR-MAPPED-ADDRESS round trip").
func (c *Coordinator) Bind(ctx context.Context, conn net.PacketConn) (net.IP, int, error) {
	if err := tuneSocket(conn, c.DSCP, c.RecvBufBytes); err != nil {
		return nil, 0, fmt.Errorf("nat: Bind: %w", err)
	}

	serverAddr, err := net.ResolveUDPAddr("udp", c.ServerAddr)
	if err != nil {
		return nil, 0, fmt.Errorf("nat: Bind: resolve %q: %w", c.ServerAddr, err)
	}

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return nil, 0, fmt.Errorf("nat: Bind: build request: %w", err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, 0, fmt.Errorf("nat: Bind: set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.WriteTo(msg.Raw, serverAddr); err != nil {
		return nil, 0, fmt.Errorf("nat: Bind: send request: %w", err)
	}

	buf := make([]byte, 1500)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("nat: Bind: read response: %w", err)
	}
	raw := buf[:n]
	if !stun.IsMessage(raw) {
		return nil, 0, fmt.Errorf("nat: Bind: response is not a STUN message")
	}

	resp := &stun.Message{Raw: raw}
	if err := resp.Decode(); err != nil {
		return nil, 0, fmt.Errorf("nat: Bind: decode response: %w", err)
	}
	if resp.Type.Class != stun.ClassSuccessResponse || resp.Type.Method != stun.MethodBinding {
		return nil, 0, fmt.Errorf("nat: Bind: unexpected response type %s", resp.Type)
	}
	if resp.TransactionID != msg.TransactionID {
		return nil, 0, fmt.Errorf("nat: Bind: transaction id mismatch")
	}

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(resp); err != nil {
		return nil, 0, fmt.Errorf("nat: Bind: missing XOR-MAPPED-ADDRESS: %w", err)
	}
	return xor.IP, xor.Port, nil
}

// refresh discovers the mapping for a pair of RTP/RTCP sockets and stores
// the result for later retrieval through PubPorts.
func (c *Coordinator) refresh(ctx context.Context, rtpConn, rtcpConn net.PacketConn, mediaSSRC uint32) (rtcpext.PubPorts, error) {
	_, rtpPort, err := c.Bind(ctx, rtpConn)
	if err != nil {
		return rtcpext.PubPorts{}, fmt.Errorf("nat: refresh: rtp binding: %w", err)
	}
	_, rtcpPort, err := c.Bind(ctx, rtcpConn)
	if err != nil {
		return rtcpext.PubPorts{}, fmt.Errorf("nat: refresh: rtcp binding: %w", err)
	}
	return rtcpext.PubPorts{
		SSRCMediaSender: mediaSSRC,
		RtpPort:         uint16(rtpPort),
		RtcpPort:        uint16(rtcpPort),
	}, nil
}

// RefreshPrimary discovers and caches the primary session's NAT mapping.
func (c *Coordinator) RefreshPrimary(ctx context.Context, rtpConn, rtcpConn net.PacketConn, mediaSSRC uint32) error {
	mapping, err := c.refresh(ctx, rtpConn, rtcpConn, mediaSSRC)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.primary = &mapping
	c.mu.Unlock()
	return nil
}

// RefreshRepair discovers and caches the repair session's NAT mapping.
func (c *Coordinator) RefreshRepair(ctx context.Context, rtpConn, rtcpConn net.PacketConn, mediaSSRC uint32) error {
	mapping, err := c.refresh(ctx, rtpConn, rtcpConn, mediaSSRC)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.repair = &mapping
	c.mu.Unlock()
	return nil
}

// PubPorts implements vqecrtp.PubPortsSource: primary sessions report the
// primary mapping, repair sessions the repair mapping. ok is false until
// the corresponding Refresh* call has succeeded at least once.
func (c *Coordinator) PubPorts(primary bool) (rtcpext.PubPorts, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if primary {
		if c.primary == nil {
			return rtcpext.PubPorts{}, false
		}
		return *c.primary, true
	}
	if c.repair == nil {
		return rtcpext.PubPorts{}, false
	}
	return *c.repair, true
}
