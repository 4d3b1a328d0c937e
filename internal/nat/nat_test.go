package nat

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/require"
)

// fakeStunServer answers every binding request on conn with a
// BindingSuccess response carrying the observed source address as
// XOR-MAPPED-ADDRESS, emulating the one round trip Coordinator.Bind needs.
func fakeStunServer(t *testing.T, conn net.PacketConn) {
	t.Helper()
	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			raw := buf[:n]
			if !stun.IsMessage(raw) {
				continue
			}
			req := &stun.Message{Raw: append([]byte(nil), raw...)}
			if err := req.Decode(); err != nil {
				continue
			}
			udpAddr := addr.(*net.UDPAddr)
			resp, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: udpAddr.IP, Port: udpAddr.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			_, _ = conn.WriteTo(resp.Raw, addr)
		}
	}()
}

func TestCoordinatorBindRoundTrip(t *testing.T) {
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()
	fakeStunServer(t, server)

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	c := NewCoordinator(server.LocalAddr().String(), 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ip, port, err := c.Bind(ctx, client)
	require.NoError(t, err)
	require.True(t, ip.IsLoopback())
	require.NotZero(t, port)
}

func TestCoordinatorPubPortsUnsetBeforeRefresh(t *testing.T) {
	c := NewCoordinator("127.0.0.1:3478", 0, 0)
	_, ok := c.PubPorts(true)
	require.False(t, ok)
	_, ok = c.PubPorts(false)
	require.False(t, ok)
}

func TestCoordinatorRefreshPrimaryPopulatesPubPorts(t *testing.T) {
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()
	fakeStunServer(t, server)

	rtpConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer rtpConn.Close()
	rtcpConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer rtcpConn.Close()

	c := NewCoordinator(server.LocalAddr().String(), 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.RefreshPrimary(ctx, rtpConn, rtcpConn, 0xdeadbeef))

	mapping, ok := c.PubPorts(true)
	require.True(t, ok)
	require.EqualValues(t, 0xdeadbeef, mapping.SSRCMediaSender)
	require.NotZero(t, mapping.RtpPort)
	require.NotZero(t, mapping.RtcpPort)

	_, ok = c.PubPorts(false)
	require.False(t, ok)
}
