package vqecrtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/rtcp"

	"github.com/wmanley/cisco-vqe-client-sub002/internal/dataplane"
)

// SessionState is the primary/repair session-state enum of spec §3.
type SessionState int

const (
	SessionInactiveWaitFirst SessionState = iota
	SessionActive
	SessionInactive
	SessionError
	SessionShutdown
)

func (s SessionState) String() string {
	switch s {
	case SessionInactiveWaitFirst:
		return "inactive_wait_first"
	case SessionActive:
		return "active"
	case SessionInactive:
		return "inactive"
	case SessionError:
		return "error"
	case SessionShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// PktflowSrc is the single elected pktflow source a primary session
// forwards into its RTP member table (spec §3).
type PktflowSrc struct {
	SSRC      uint32
	SrcAddr   net.IP
	SrcPort   uint16
	ThreshCnt uint32
}

func (p *PktflowSrc) key() dataplane.SourceKey {
	return dataplane.SourceKey{SSRC: p.SSRC, SrcAddr: p.SrcAddr, SrcPort: p.SrcPort}
}

// ChannelEventKind names the events a session reports up to its owning
// channel (spec §4.2: "the channel's chan_event_cb ... is invoked with
// NEW_SOURCE").
type ChannelEventKind int

const NewSourceEvent ChannelEventKind = iota

// PrimaryVariant supplies the two places primary sessions differ: SSM
// multicast ("SSM-RSI receiver") vs point-to-point unicast, per spec
// §4.2. Both expose the same RtpSessionOps capability set; only the
// Inactive-state re-election rule and the member-timeout granularity
// differ.
type PrimaryVariant interface {
	// ElectFromInactive picks the best candidate to promote out of
	// Inactive: SSM orders by LastRxTime, point-to-point by the
	// dataplane's "failover" buffering flag (spec §4.2 table).
	ElectFromInactive(table []dataplane.SourceEntry) (dataplane.SourceEntry, bool)
	// MemberTimeout is this variant's member-timeout granularity.
	MemberTimeout() time.Duration
}

// SsmRsiVariant implements PrimaryVariant for SSM/multicast primary
// sessions (spec §4.2).
type SsmRsiVariant struct{ Timeout time.Duration }

func (v SsmRsiVariant) ElectFromInactive(table []dataplane.SourceEntry) (dataplane.SourceEntry, bool) {
	var best dataplane.SourceEntry
	found := false
	for _, e := range table {
		if e.State != dataplane.SourceActive {
			continue
		}
		if !found || e.LastRxTime > best.LastRxTime {
			best = e
			found = true
		}
	}
	return best, found
}

func (v SsmRsiVariant) MemberTimeout() time.Duration {
	if v.Timeout == 0 {
		return 30 * time.Second
	}
	return v.Timeout
}

// PtpVariant implements PrimaryVariant for unicast point-to-point primary
// sessions (spec §4.2).
type PtpVariant struct{ Timeout time.Duration }

func (v PtpVariant) ElectFromInactive(table []dataplane.SourceEntry) (dataplane.SourceEntry, bool) {
	for _, e := range table {
		if e.State == dataplane.SourceActive && e.BufferForFailover {
			return e, true
		}
	}
	// fall back to any active entry if none carries the failover flag
	for _, e := range table {
		if e.State == dataplane.SourceActive {
			return e, true
		}
	}
	return dataplane.SourceEntry{}, false
}

func (v PtpVariant) MemberTimeout() time.Duration {
	if v.Timeout == 0 {
		return 30 * time.Second
	}
	return v.Timeout
}

// PrimarySessionConfig is the creation contract of spec §4.2.
type PrimarySessionConfig struct {
	StreamID       dataplane.StreamID
	LocalAddr      net.IP
	CNAME          string
	DestAddr       net.IP // multicast address selects the SSM variant
	RecvRTCPPort   uint16 // 0 => RTCP reception disabled
	SendRTCPPort   uint16 // 0 => RTCP transmit disabled
	FeedbackTarget net.IP
	BW             RTCPBandwidthConfig
	XR             XRConfig
	OrigSrcAddr    net.IP
	OrigSrcPort    uint16
	ReducedSize    bool
	IPC            dataplane.IPC
	OnChannelEvent func(ChannelEventKind)
	TxSocket       interface{ Write([]byte) (int, error) }
}

// SessionIdentifier implements spec §4.2's "(orig_src << 32) | orig_port"
// session identifier, using the orig source's last 32 bits as orig_src.
func SessionIdentifier(origAddr net.IP, origPort uint16) uint64 {
	ip4 := origAddr.To4()
	var addr32 uint64
	if ip4 != nil {
		addr32 = uint64(ip4[0])<<24 | uint64(ip4[1])<<16 | uint64(ip4[2])<<8 | uint64(ip4[3])
	}
	return addr32<<32 | uint64(origPort)
}

// PrimarySession implements spec §4.2.
type PrimarySession struct {
	*BaseSession

	streamID dataplane.StreamID
	ipc      dataplane.IPC
	isSSM    bool
	variant  PrimaryVariant

	state     SessionState
	pktflow   *PktflowSrc
	seqOffset int16

	onChanEvent func(ChannelEventKind)

	// repair is consulted (via PrimaryPktflowSrcUpdate) whenever the
	// pktflow source changes and ER is enabled (spec §4.2).
	repair ErRepairNotifiee
}

// ErRepairNotifiee is the narrow interface the primary session uses to
// notify the repair session of a newly-elected pktflow source (spec
// §4.3's primary_pktflow_src_update).
type ErRepairNotifiee interface {
	PrimaryPktflowSrcUpdate(ctx context.Context, ssrc uint32) error
}

// NewPrimarySession constructs a primary session per spec §4.2's
// creation contract.
func NewPrimarySession(cfg PrimarySessionConfig) (*PrimarySession, error) {
	if cfg.IPC == nil {
		return nil, fmt.Errorf("vqecrtp: NewPrimarySession: IPC is required")
	}
	isSSM := cfg.DestAddr != nil && cfg.DestAddr.IsMulticast()

	local := LocalSource{CNAME: cfg.CNAME, SendAddr: cfg.LocalAddr, SendPort: cfg.SendRTCPPort}
	ssrc, err := generateSSRC()
	if err != nil {
		return nil, err
	}
	local.SSRC = ssrc

	p := &PrimarySession{
		streamID:    cfg.StreamID,
		ipc:         cfg.IPC,
		isSSM:       isSSM,
		state:       SessionInactiveWaitFirst,
		onChanEvent: cfg.OnChannelEvent,
	}
	if isSSM {
		p.variant = SsmRsiVariant{}
	} else {
		p.variant = PtpVariant{}
	}

	p.BaseSession = newBaseSession(p, local, cfg.BW, cfg.XR)
	p.BaseSession.IsPrimary = true
	p.BaseSession.reducedSize = cfg.ReducedSize
	if cfg.TxSocket != nil && cfg.SendRTCPPort != 0 {
		p.BaseSession.TxSocket = cfg.TxSocket
	}

	// Create the local source member (spec §4.2: "Select a random 32-bit
	// SSRC for the local source, create the member").
	p.Members.add(&Member{Type: MemberTypeLocal, SSRC: ssrc, CNAME: cfg.CNAME})

	return p, nil
}

// AttachRepair wires the repair session this primary session notifies on
// pktflow-source changes, when ER is enabled on the channel.
func (p *PrimarySession) AttachRepair(r ErRepairNotifiee) { p.repair = r }

// State returns the session's current FSM state (spec §3).
func (p *PrimarySession) State() SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PktflowSource returns the currently elected pktflow source, if any.
func (p *PrimarySession) PktflowSource() (PktflowSrc, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pktflow == nil {
		return PktflowSrc{}, false
	}
	return *p.pktflow, true
}

// ProcessUpcallEvent implements spec §4.2's process_upcall_event table.
func (p *PrimarySession) ProcessUpcallEvent(ctx context.Context, table []dataplane.SourceEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case SessionError:
		return nil // ignore, spec table
	case SessionShutdown:
		return fmt.Errorf("vqecrtp: ProcessUpcallEvent: upcall delivered to shutdown session")

	case SessionInactiveWaitFirst:
		if len(table) == 0 {
			return nil
		}
		if len(table) == 1 {
			e := table[0]
			if e.State == dataplane.SourceActive && e.PktflowPermitted {
				return p.promote(ctx, e, true)
			}
			if e.State == dataplane.SourceInactive {
				p.pktflow = &PktflowSrc{SSRC: e.Key.SSRC, SrcAddr: e.Key.SrcAddr, SrcPort: e.Key.SrcPort, ThreshCnt: 0}
				p.state = SessionInactive
				return nil
			}
		}
		return nil

	case SessionActive:
		return p.processActive(ctx, table)

	case SessionInactive:
		candidate, ok := p.variant.ElectFromInactive(table)
		if !ok {
			return nil
		}
		return p.promote(ctx, candidate, true)
	}
	return nil
}

func (p *PrimarySession) processActive(ctx context.Context, table []dataplane.SourceEntry) error {
	if p.pktflow == nil {
		return nil
	}
	var match *dataplane.SourceEntry
	for i := range table {
		if table[i].Key.Equal(p.pktflow.key()) {
			match = &table[i]
			break
		}
	}
	if match == nil {
		// mismatch: attempt install on the first eligible entry anyway
		for _, e := range table {
			if e.State == dataplane.SourceActive && e.PktflowPermitted {
				return p.promote(ctx, e, true)
			}
		}
		return nil
	}

	if match.State == dataplane.SourceInactive {
		candidate, ok := p.variant.ElectFromInactive(table)
		if !ok {
			p.state = SessionInactive
			return nil
		}
		return p.promote(ctx, candidate, true)
	}

	if match.ThreshCnt > p.pktflow.ThreshCnt {
		return p.promote(ctx, *match, false)
	}
	return nil
}

// promote runs install_new_pktflow_src and updates session state
// accordingly (spec §4.2).
func (p *PrimarySession) promote(ctx context.Context, e dataplane.SourceEntry, isNewAddress bool) error {
	prev := p.pktflow
	seqOffset, err := p.ipc.PermitPktflow(ctx, p.streamID, e.Key)
	if err != nil {
		if errors.Is(err, dataplane.ErrSsrcExists) {
			err = nil
		} else {
			return p.enterErrorState(ctx)
		}
	}

	addrChanged := prev == nil || prev.SSRC != e.Key.SSRC || prev.SrcPort != e.Key.SrcPort || !prev.SrcAddr.Equal(e.Key.SrcAddr)
	p.pktflow = &PktflowSrc{SSRC: e.Key.SSRC, SrcAddr: e.Key.SrcAddr, SrcPort: e.Key.SrcPort, ThreshCnt: e.ThreshCnt}
	p.seqOffset = seqOffset
	p.state = SessionActive

	if _, exists := p.Members.bySSRCLookup(e.Key.SSRC); !exists {
		p.Members.add(&Member{
			Type:    MemberTypeRTPData,
			SSRC:    e.Key.SSRC,
			SrcAddr: e.Key.SrcAddr,
			SrcPort: e.Key.SrcPort,
		})
	}
	if prev != nil && prev.SSRC != e.Key.SSRC {
		_ = p.ipc.DeleteSrc(ctx, p.streamID, prev.key())
		if id, ok := p.Members.bySSRCLookup(prev.SSRC); ok {
			p.Members.remove(id.ID)
		}
	}

	if p.repair != nil {
		if err := p.repair.PrimaryPktflowSrcUpdate(ctx, e.Key.SSRC); err != nil {
			return err
		}
	}
	if addrChanged && p.onChanEvent != nil {
		p.onChanEvent(NewSourceEvent)
	}
	return nil
}

// enterErrorState implements spec §4.2's cleanup: every dataplane source
// with pktflow permitted is deleted and the cached pktflow is cleared.
func (p *PrimarySession) enterErrorState(ctx context.Context) error {
	table, _ := p.ipc.GetSrcTable(ctx, p.streamID)
	for _, e := range table {
		if e.PktflowPermitted {
			_ = p.ipc.DeleteSrc(ctx, p.streamID, e.Key)
		}
	}
	p.pktflow = nil
	p.state = SessionError
	return fmt.Errorf("vqecrtp: primary session entered error state")
}

// UpdateReceiverStats implements spec §4.2's update_receiver_stats.
func (p *PrimarySession) UpdateReceiverStats(m *Member, resetXR bool) error {
	p.mu.Lock()
	streamID := p.streamID
	shutdown := p.state == SessionShutdown
	p.mu.Unlock()
	if shutdown {
		return nil // cached-stats no-op, spec §4.2
	}
	key := dataplane.SourceKey{SSRC: m.SSRC, SrcAddr: m.SrcAddr, SrcPort: m.SrcPort}
	info, _, _, _, _, err := p.ipc.GetSrcInfo(context.Background(), streamID, key, true, resetXR)
	if err != nil {
		return fmt.Errorf("vqecrtp: UpdateReceiverStats: %w", err)
	}
	m.Received = info.Received
	m.Jitter = float64(info.Jitter)
	m.LastArrival = time.Unix(0, info.LastArrival)
	return nil
}

// UpdateStats implements spec §4.1's session-level update_stats.
func (p *PrimarySession) UpdateStats(resetXR bool) {
	// No-op: this hook exists for parity with the capability table (spec
	// §4.1). Header-level stats (avg packet size, integrity counters) are
	// not updated here or anywhere else in this session.
}

// ShutdownAllowByes implements spec §4.2's shutdown sequencing.
func (p *PrimarySession) ShutdownAllowByes() {
	p.mu.Lock()
	active := p.state == SessionActive || p.state == SessionInactive || p.state == SessionInactiveWaitFirst
	var remotes []*Member
	if active {
		for _, m := range p.Members.all() {
			if m.Type != MemberTypeLocal {
				remotes = append(remotes, m)
			}
		}
	}
	p.mu.Unlock()

	// UpdateReceiverStats takes its own lock; it must not be called while
	// holding p.mu.
	for _, m := range remotes {
		_ = p.UpdateReceiverStats(m, true)
	}

	p.mu.Lock()
	if active {
		p.state = SessionShutdown
	}
	p.mu.Unlock()
}

// DeleteMember implements the base member-timeout/BYE removal path; the
// primary session has no dataplane-side cleanup beyond the member table
// itself (spec §4.2; only the repair session's override talks to the
// dataplane, spec §4.3).
func (p *PrimarySession) DeleteMember(id MemberID, _ RemoveContext) error {
	p.Members.remove(id)
	return nil
}

// ConstructReport implements spec §4.1/§4.2's construct_report: a
// compound SR/RR plus any extras (BYE, XR, PUBPORTS, PLII, NCSI) the
// caller supplies.
func (p *PrimarySession) ConstructReport(now time.Time, extras []rtcp.Packet, resetXR bool) ([]byte, error) {
	p.mu.Lock()
	weSent := len(p.Senders) > 0
	ssrc := p.Local.SSRC
	var reports []rtcp.ReceptionReport
	for _, m := range p.Members.all() {
		if m.Type != MemberTypeLocal {
			reports = append(reports, m.ReceptionReport())
		}
	}
	p.mu.Unlock()

	var packets []rtcp.Packet
	if weSent {
		packets = append(packets, &rtcp.SenderReport{SSRC: ssrc, Reports: reports})
	} else {
		packets = append(packets, &rtcp.ReceiverReport{SSRC: ssrc, Reports: reports})
	}
	packets = append(packets, &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{
			Source: ssrc,
			Items: []rtcp.SourceDescriptionItem{
				{Type: rtcp.SDESCNAME, Text: p.Local.CNAME},
			},
		}},
	})
	packets = append(packets, extras...)

	return rtcp.Marshal(packets)
}

// SeqOffset returns the RTP-sequence-number offset used to splice the
// current pktflow source's sequence space onto the previous one (spec
// §4.1 data model: "an RTP-seq-number offset used to splice successive
// sources into a continuous sequence space").
func (p *PrimarySession) SeqOffset() int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seqOffset
}
