package vqecrtp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/rtcp"

	"github.com/wmanley/cisco-vqe-client-sub002/internal/dataplane"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/rtcpext"
)

// RemoveContext distinguishes a member removal requested by the host
// (timeout, explicit CLI/API call, BYE) from one triggered re-entrantly
// from within a dataplane upcall handler, rather than relying on a
// global "recursive delete" flag.
type RemoveContext int

const (
	RemoveUserInitiated RemoveContext = iota
	RemoveFromUpcall
)

// RtpSessionOps is the capability set spec §2 assigns to every session:
// construct_report, update_stats, update_receiver_stats,
// process_upcall_event, shutdown_allow_byes, delete_member. Primary and
// repair sessions implement this directly; BaseSession holds a reference
// to the implementor (its "method table", spec §3) so the generic report
// scheduler and member-timeout sweep can call back into overridden
// behaviour without virtual dispatch.
type RtpSessionOps interface {
	ConstructReport(now time.Time, extras []rtcp.Packet, resetXR bool) ([]byte, error)
	UpdateStats(resetXR bool)
	UpdateReceiverStats(m *Member, resetXR bool) error
	ProcessUpcallEvent(ctx context.Context, table []dataplane.SourceEntry) error
	ShutdownAllowByes()
	DeleteMember(id MemberID, rmCtx RemoveContext) error
}

// RTCPBandwidthConfig holds the per-session bandwidth allocation used by
// rtcp_may_send and the report-interval algorithm (spec §4.1, §6).
type RTCPBandwidthConfig struct {
	SenderBW    float64 // bits/sec allocated to this session if it's a sender
	ReceiverBW  float64 // bits/sec allocated if a pure receiver
	PerRcvrBW   float64 // per-receiver share, used when SenderBW+ReceiverBW is not positive
}

// XRConfig selects which RTCP XR blocks this session emits (spec §6).
type XRConfig struct {
	LossRLE            bool
	PerLossRLE         bool
	StatFlags          bool
	MulticastAcq       bool
	DiagnosticCounters bool
	ReducedSize        bool
}

// LocalSource is this session's own identity (spec §3: "own SSRC, CNAME,
// send addresses, RTCP transmit socket").
type LocalSource struct {
	SSRC       uint32
	CNAME      string
	SendAddr   net.IP
	SendPort   uint16
}

// SessionStats mirrors spec §3's "RTCP statistics (sent/received item
// counters, avg packet size, packet-integrity counters)".
type SessionStats struct {
	ReportsSent     uint64
	ReportsReceived uint64
	AvgPacketSize   float64
	MalformedPkts   uint64

	snapshot *SessionStats
}

// Snapshot implements the "clear counters" CLI operation (spec §6) for
// session-level statistics.
func (s *SessionStats) Snapshot() {
	cp := *s
	cp.snapshot = nil
	s.snapshot = &cp
}

// Relative returns counters relative to the last Snapshot.
func (s *SessionStats) Relative() SessionStats {
	if s.snapshot == nil {
		out := *s
		out.snapshot = nil
		return out
	}
	return SessionStats{
		ReportsSent:     s.ReportsSent - s.snapshot.ReportsSent,
		ReportsReceived: s.ReportsReceived - s.snapshot.ReportsReceived,
		MalformedPkts:   s.MalformedPkts - s.snapshot.MalformedPkts,
		AvgPacketSize:   s.AvgPacketSize,
	}
}

// PubPortsSource supplies the externally-visible NAT port mapping used to
// augment outgoing reports with a PUBPORTS attribute (spec §4.1). A
// channel without an active NAT mapping returns ok=false.
type PubPortsSource interface {
	PubPorts(primary bool) (rtcpext.PubPorts, bool)
}

// BaseSession is the shared state and algorithms of spec §4.1: the
// report-interval algorithm, rtcp_may_send policy, member-timeout sweep,
// and BYE emission. PrimarySession and RepairSession embed it.
type BaseSession struct {
	mu sync.Mutex

	Local   LocalSource
	Members *memberTable
	Senders []MemberID // subset of Members currently considered "senders"

	BW  RTCPBandwidthConfig
	XR  XRConfig
	ers *SessionStats

	nextSendTS   time.Time
	lastRecvTS   time.Time
	weSent       bool
	reducedSize  bool

	// TxSocket is nil when RTCP transmit is disabled (send port == 0,
	// spec §4.2/§4.3 creation contracts). Any io.Writer works; a
	// *net.UDPConn is what the host process actually supplies.
	TxSocket io.Writer

	// Pub carries the NAT port-mapping source; nil disables PUBPORTS.
	Pub PubPortsSource
	// IsPrimary selects which mapping PUBPORTS reports (spec §4.1).
	IsPrimary bool

	ops RtpSessionOps
}

// newBaseSession wires ops (the primary/repair session implementing
// RtpSessionOps) into the shared base, matching spec §9's method-table
// description.
func newBaseSession(ops RtpSessionOps, local LocalSource, bw RTCPBandwidthConfig, xr XRConfig) *BaseSession {
	return &BaseSession{
		Local:   local,
		Members: newMemberTable(),
		BW:      bw,
		XR:      xr,
		ers:     &SessionStats{},
		ops:     ops,
	}
}

// Stats returns the session's RTCP statistics.
func (b *BaseSession) Stats() *SessionStats { return b.ers }

// RtcpMaySend implements spec §4.1's rtcp_may_send predicate: true iff
// the session has non-zero allocated RTCP bandwidth and a valid transmit
// socket.
func (b *BaseSession) RtcpMaySend() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	hasBW := b.BW.SenderBW > 0 || b.BW.ReceiverBW > 0 || b.BW.PerRcvrBW > 0
	return hasBW && b.TxSocket != nil
}

// ReportIntervalMicros implements the standard RFC-3550 randomised
// report-interval algorithm (spec §4.1): jitter uniform in [0.5,1.5]x the
// deterministic interval.
func (b *BaseSession) ReportIntervalMicros(weSent bool, avgRTCPSize float64, randSource func() float64) int64 {
	const minInterval = 5.0 // seconds, RFC 3550 minimum
	members := float64(b.Members.len())
	if members < 1 {
		members = 1
	}
	senders := 0.0
	for range b.Senders {
		senders++
	}

	rtcpBW := b.BW.SenderBW + b.BW.ReceiverBW
	if rtcpBW <= 0 {
		rtcpBW = b.BW.PerRcvrBW * members
	}
	if rtcpBW <= 0 {
		rtcpBW = 1
	}

	// RFC 3550 §6.2: when senders are a small fraction of the membership,
	// account against the sender bandwidth share using only the sender
	// count; otherwise divide the full RTCP bandwidth across everyone.
	n := members
	if weSent && senders/members < 0.25 {
		n = senders
		if b.BW.SenderBW > 0 {
			rtcpBW = b.BW.SenderBW
		}
	}

	interval := minInterval
	if avgRTCPSize > 0 && rtcpBW > 0 {
		interval = (avgRTCPSize * 8 * n) / rtcpBW
		if interval < minInterval {
			interval = minInterval
		}
	}

	r := randSource()
	jittered := interval * (0.5 + r)
	return int64(jittered * 1e6)
}

// AugmentWithPubPorts appends a PUBPORTS APP sub-packet to extras when a
// NAT port mapping is active (spec §4.1).
func (b *BaseSession) AugmentWithPubPorts(extras []rtcp.Packet) []rtcp.Packet {
	if b.Pub == nil {
		return extras
	}
	mapping, ok := b.Pub.PubPorts(b.IsPrimary)
	if !ok {
		return extras
	}
	app, err := rtcpext.NewPubPortsApp(b.Local.SSRC, mapping)
	if err != nil {
		return extras
	}
	return append(extras, app)
}

// SendReport builds and transmits a compound RTCP report via ops, per
// spec §4.1's rtcp_send_report. SendReport only performs construction and
// transmission; it does not schedule the next report.
func (b *BaseSession) SendReport(now time.Time, extras []rtcp.Packet, resetXR bool) error {
	if !b.RtcpMaySend() {
		return nil
	}
	extras = b.AugmentWithPubPorts(extras)
	raw, err := b.ops.ConstructReport(now, extras, resetXR)
	if err != nil {
		return fmt.Errorf("vqecrtp: SendReport: construct: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	b.mu.Lock()
	sock := b.TxSocket
	b.mu.Unlock()
	if sock == nil {
		return nil
	}
	if _, err := sock.Write(raw); err != nil {
		return fmt.Errorf("vqecrtp: SendReport: write: %w", err)
	}
	b.ers.ReportsSent++
	return nil
}

// SweepMemberTimeouts removes members that haven't been heard from for
// the given timeout (spec §4.1 "session_timeout_{slist,glist}"). A
// member's delete goes through ops.DeleteMember so repair sessions can
// issue the matching dataplane delete (spec §4.3).
func (b *BaseSession) SweepMemberTimeouts(now time.Time, timeout time.Duration) []MemberID {
	var removed []MemberID
	for _, m := range b.Members.all() {
		if m.Type == MemberTypeLocal {
			continue
		}
		if now.Sub(m.LastArrival) > timeout {
			if err := b.ops.DeleteMember(m.ID, RemoveUserInitiated); err == nil {
				removed = append(removed, m.ID)
			}
		}
	}
	return removed
}

// EmitBye sends one compound RTCP report containing a BYE, per the
// destruction sequencing of spec §4.2. No XR report block is added, even
// when XR is enabled.
func (b *BaseSession) EmitBye(now time.Time, reason string) error {
	if !b.RtcpMaySend() {
		return nil
	}
	bye := &rtcp.Goodbye{Sources: []uint32{b.Local.SSRC}, Reason: reason}
	return b.SendReport(now, []rtcp.Packet{bye}, b.XR.LossRLE || b.XR.StatFlags)
}

func generateSSRC() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("vqecrtp: generateSSRC: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// clampNonNegative floors a duration at zero, matching spec §4.2's "never
// negative — floor at 0" timer scheduling rule.
func clampNonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
