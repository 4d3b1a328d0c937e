package channel

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtcp"

	"github.com/wmanley/cisco-vqe-client-sub002/internal/dataplane"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/nat"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/policer"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/rcc"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/rtcpext"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/vqecrtp"
)

// actRccFillTag is the PPDD TLV carrying the server's actual backfill
// duration in milliseconds (spec §4.3 step 4 / §4.4: "an APP whose actual
// fill exceeds rcc_max_fill delivers ReceiveInvalidApp"). PPDD's payload
// is otherwise opaque to this control plane; this one field is the only
// one the RCC FSM needs to look at.
const actRccFillTag uint8 = 1

// NatBindingKind indexes a channel's four NAT bindings (spec §3).
type NatBindingKind int

const (
	NatPrimaryRTP NatBindingKind = iota
	NatPrimaryRTCP
	NatRepairRTP
	NatRepairRTCP
	natBindingCount
)

// NatBinding is one of the four "complete" flags spec §3 names.
type NatBinding struct {
	Complete bool
	IP       net.IP
	Port     int
}

// StreamEndpoint is the address/port/bandwidth inputs shared by the
// primary and repair creation contracts (spec §4.2/§4.3).
type StreamEndpoint struct {
	LocalAddr    net.IP
	DestAddr     net.IP // multicast selects the SSM variant; unused by repair
	RecvRTCPPort uint16
	SendRTCPPort uint16
	BW           vqecrtp.RTCPBandwidthConfig
	TxSocket     interface {
		Write([]byte) (int, error)
	}
}

// Config is the Channel creation contract, covering spec §3's "channel
// configuration (addresses/ports/bandwidths for primary, repair, FEC
// streams; feedback-target address; DSCP; reduced-size-RTCP flag;
// ER-enable, RCC-enable, FEC-enable booleans)".
type Config struct {
	GraphID   uint64
	ChannelID dataplane.ChannelID

	PrimaryStreamID dataplane.StreamID
	RepairStreamID  dataplane.StreamID
	Fec0StreamID    dataplane.StreamID
	Fec1StreamID    dataplane.StreamID

	Primary StreamEndpoint
	Repair  StreamEndpoint

	FeedbackTarget net.IP
	DSCP           int
	ReducedSizeRTCP bool

	ErEnable  bool
	RccEnable bool
	FecEnable bool

	CNAME string
	XR    vqecrtp.XRConfig

	RCC rcc.Config

	PolicerEnabled bool
	PolicerRate    float64
	PolicerBurst   float64

	OrigSrcAddr net.IP
	OrigSrcPort uint16

	// StunServerAddr enables the NAT binding coordinator when non-empty
	// (spec §8). Empty disables NAT/PUBPORTS entirely for this channel.
	StunServerAddr string

	// RecvBufBytes sets SO_RCVBUF on every socket the NAT coordinator
	// binds (spec §4.2 creation input: "receive-buffer depth"). 0 leaves
	// the socket's current buffer size alone.
	RecvBufBytes int

	// ByeCount sets the length of the teardown countdown (spec §3: "a
	// BYE countdown with per-BYE delay"): one BYE goes out per TickBye
	// call. ByeDelay is not read; the spacing between BYEs is the
	// caller's TickBye interval.
	ByeDelay time.Duration
	ByeCount int
}

// Channel is the aggregate of spec §3: it owns the two sessions, the RCC
// FSM, the NAT binding ids, the policer, and the dataplane identifiers.
type Channel struct {
	mu sync.Mutex

	id      dataplane.ChannelID
	graphID uint64
	cfg     Config
	ipc     dataplane.IPC
	module  *Module

	primary *vqecrtp.PrimarySession
	repair  *vqecrtp.RepairSession
	rccFSM  *rcc.Machine
	nat     *nat.Coordinator

	natBindings [natBindingCount]NatBinding
	natDelivered bool // NatBindingComplete is delivered at most once (spec §8 scenario 6)

	tuners map[string]struct{}

	upcallLastGeneration uint64
	upcallRepeatEvents   uint64
	upcallLostEvents     uint64

	rccAdmitted bool
	rccReleased bool

	appArrival time.Time

	shutdown     bool
	byeCountdown int

	logger *slog.Logger
	faults *faultLimiter
}

var _ rcc.Handler = (*Channel)(nil)
var _ vqecrtp.PPDDHandler = (*Channel)(nil)

// New constructs a channel per spec §3/§4.2/§4.3's creation contracts and
// links it into module's registry.
func New(module *Module, cfg Config, ipc dataplane.IPC) (*Channel, error) {
	if ipc == nil {
		return nil, fmt.Errorf("channel: New: IPC is required")
	}

	logger := slog.Default()
	if module != nil {
		logger = module.Logger()
	}

	c := &Channel{
		id:      cfg.ChannelID,
		graphID: cfg.GraphID,
		cfg:     cfg,
		ipc:     ipc,
		module:  module,
		tuners:  make(map[string]struct{}),
		logger:  logger,
		faults:  newFaultLimiter(),
	}

	if cfg.StunServerAddr != "" {
		c.nat = nat.NewCoordinator(cfg.StunServerAddr, cfg.DSCP, cfg.RecvBufBytes)
	}

	primary, err := vqecrtp.NewPrimarySession(vqecrtp.PrimarySessionConfig{
		StreamID:       cfg.PrimaryStreamID,
		LocalAddr:      cfg.Primary.LocalAddr,
		CNAME:          cfg.CNAME,
		DestAddr:       cfg.Primary.DestAddr,
		RecvRTCPPort:   cfg.Primary.RecvRTCPPort,
		SendRTCPPort:   cfg.Primary.SendRTCPPort,
		FeedbackTarget: cfg.FeedbackTarget,
		BW:             cfg.Primary.BW,
		XR:             cfg.XR,
		OrigSrcAddr:    cfg.OrigSrcAddr,
		OrigSrcPort:    cfg.OrigSrcPort,
		ReducedSize:    cfg.ReducedSizeRTCP,
		IPC:            ipc,
		OnChannelEvent: c.onChannelEvent,
		TxSocket:       cfg.Primary.TxSocket,
	})
	if err != nil {
		return nil, fmt.Errorf("channel: New: primary session: %w", err)
	}
	c.primary = primary
	if c.nat != nil {
		c.primary.Pub = c.nat
	}

	if cfg.ErEnable {
		if err := c.ensureRepairSession(); err != nil {
			return nil, err
		}
	}

	rccCfg := cfg.RCC
	rccCfg.Enabled = cfg.RccEnable
	c.rccFSM = rcc.NewMachine(rccCfg, c)

	if module != nil {
		if err := module.Register(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// ensureRepairSession lazily constructs the repair session, used both at
// creation time when ErEnable is set and from AbortNotify, which must
// enable ER immediately on an RCC abort even if the channel wasn't
// originally configured for it (spec §4.4).
func (c *Channel) ensureRepairSession() error {
	if c.repair != nil {
		return nil
	}
	var pol *policer.TokenBucket
	if c.cfg.PolicerEnabled {
		pol = policer.NewTokenBucket(c.cfg.PolicerRate, c.cfg.PolicerBurst, time.Now())
	}
	repair, err := vqecrtp.NewRepairSession(vqecrtp.RepairSessionConfig{
		StreamID: c.cfg.RepairStreamID,
		IPC:      c.ipc,
		Policer:  pol,
		BW:       c.cfg.Repair.BW,
		XR:       c.cfg.XR,
		CNAME:    c.cfg.CNAME,
		OnPPDD:   c,
		TxSocket: c.cfg.Repair.TxSocket,
	})
	if err != nil {
		return fmt.Errorf("channel: ensureRepairSession: %w", err)
	}
	if c.nat != nil {
		repair.Pub = c.nat
	}
	c.repair = repair
	c.primary.AttachRepair(repair)
	return nil
}

// ID returns the channel's dataplane identifier.
func (c *Channel) ID() dataplane.ChannelID { return c.id }

// onChannelEvent is the primary session's chan_event_cb (spec §4.2): the
// only event it produces today is NEW_SOURCE, which this control plane
// has no further reaction to beyond what promote() already did.
func (c *Channel) onChannelEvent(vqecrtp.ChannelEventKind) {}

// BindTuner adds an output tuner to the channel's bound-tuners list
// (spec §3). The channel is considered live as long as at least one
// tuner remains bound.
func (c *Channel) BindTuner(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tuners[name] = struct{}{}
}

// UnbindTuner removes a tuner. When the last tuner unbinds, the channel
// begins its shutdown sequence (spec §3 lifecycle: "lives until the last
// tuner unbinds and all scheduled BYEs have been sent").
func (c *Channel) UnbindTuner(name string) {
	c.mu.Lock()
	delete(c.tuners, name)
	empty := len(c.tuners) == 0
	alreadyShutdown := c.shutdown
	c.mu.Unlock()

	if empty && !alreadyShutdown {
		c.beginShutdown()
	}
}

// TunerCount reports how many tuners are currently bound.
func (c *Channel) TunerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tuners)
}

// beginShutdown implements spec §4.2/§4.3's shutdown_allow_byes sequence
// and arms the BYE countdown (spec §3/§5).
func (c *Channel) beginShutdown() {
	c.primary.ShutdownAllowByes()
	c.mu.Lock()
	repair := c.repair
	c.shutdown = true
	count := c.cfg.ByeCount
	if count <= 0 {
		count = 1
	}
	c.byeCountdown = count
	c.mu.Unlock()
	if repair != nil {
		repair.ShutdownAllowByes()
	}
}

// TickBye decrements the BYE countdown by one, emitting a BYE on the
// primary (and repair, if present) session, and reports whether the
// channel has been fully reclaimed and should be dropped from the
// module's registry (spec §5/§8).
func (c *Channel) TickBye(now time.Time) (done bool, err error) {
	c.mu.Lock()
	if !c.shutdown || c.byeCountdown <= 0 {
		reclaimed := c.shutdown
		c.mu.Unlock()
		return reclaimed, nil
	}
	c.byeCountdown--
	remaining := c.byeCountdown
	repair := c.repair
	c.mu.Unlock()

	if sendErr := c.primary.EmitBye(now, "channel unbound"); sendErr != nil {
		err = sendErr
	}
	if repair != nil {
		if sendErr := repair.EmitBye(now, "channel unbound"); sendErr != nil && err == nil {
			err = sendErr
		}
	}

	if remaining == 0 {
		if c.module != nil {
			c.module.Unregister(c.id)
		}
		return true, err
	}
	return false, err
}

// ProcessUpcall implements spec §5/§6's upcall dispatch: generation-
// number freshness checking followed by routing to the owning session or
// the RCC FSM.
func (c *Channel) ProcessUpcall(ctx context.Context, u dataplane.Upcall) error {
	c.mu.Lock()
	if u.Generation <= c.upcallLastGeneration && c.upcallLastGeneration != 0 {
		if u.Generation == c.upcallLastGeneration {
			c.upcallRepeatEvents++
		} else {
			c.upcallLostEvents++
		}
		c.mu.Unlock()
		return nil
	}
	c.upcallLastGeneration = u.Generation
	c.mu.Unlock()

	switch u.Kind {
	case dataplane.UpcallSourceTableChanged, dataplane.UpcallPrimaryInactive:
		if err := c.primary.ProcessUpcallEvent(ctx, u.Table); err != nil {
			c.logFault("primary_upcall_ipc_err", err)
			return c.DeliverRCC(ctx, rcc.EvRccIpcErr)
		}
		if c.repair != nil {
			if err := c.repair.ProcessUpcallEvent(ctx, u.Table); err != nil {
				c.logFault("repair_upcall_ipc_err", err)
				return c.DeliverRCC(ctx, rcc.EvRccIpcErr)
			}
		}
		return nil

	case dataplane.UpcallBurstDone, dataplane.UpcallNcsiReady:
		status, err := c.ipc.GetRCCStatus(ctx, c.id)
		if err != nil {
			c.logFault("get_rcc_status_ipc_err", err)
			return c.DeliverRCC(ctx, rcc.EvRccIpcErr)
		}
		return c.rccFSM.HandleBurstDone(ctx, status)

	case dataplane.UpcallFastFillDone:
		return nil

	case dataplane.UpcallAbort:
		return c.DeliverRCC(ctx, rcc.EvRccInternalErr)

	case dataplane.UpcallFecUpdate:
		if c.cfg.FecEnable {
			c.rccFSM.SetFecRecvBw(c.cfg.RCC.FecRecvBw)
		}
		return nil
	}
	return nil
}

// UpcallCounters exposes the out-of-order/repeat bookkeeping for CLI
// introspection (spec §5: upcall_repeat_events, upcall_lost_events).
func (c *Channel) UpcallCounters() (repeat, lost uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upcallRepeatEvents, c.upcallLostEvents
}

// StartRCC delivers the channel-bind-time RapidChannelChange or
// SlowChannelChange event, admitting an RCC slot from the module's
// concurrent-RCC counter when RCC is enabled (spec §3/§4.4).
func (c *Channel) StartRCC(ctx context.Context) error {
	c.mu.Lock()
	enabled := c.cfg.RccEnable
	c.mu.Unlock()

	if !enabled {
		return c.DeliverRCC(ctx, rcc.EvSlowChannelChange)
	}

	admitted := true
	if c.module != nil {
		admitted = c.module.AdmitRCC()
	}
	if !admitted {
		return c.DeliverRCC(ctx, rcc.EvSlowChannelChange)
	}
	c.mu.Lock()
	c.rccAdmitted = true
	c.mu.Unlock()
	return c.DeliverRCC(ctx, rcc.EvRapidChannelChange)
}

// DeliverRCC runs one event through the RCC FSM and releases the
// concurrent-RCC admission slot once the machine reaches a terminal state
// (spec §3: "consumes exactly one concurrent RCC slot ... until RCC
// terminates").
func (c *Channel) DeliverRCC(ctx context.Context, event string, args ...interface{}) error {
	err := c.rccFSM.Deliver(ctx, event, args...)

	c.mu.Lock()
	state := c.rccFSM.Current()
	shouldRelease := c.rccAdmitted && !c.rccReleased && (state == rcc.StateFinSuccess || state == rcc.StateAbort)
	if shouldRelease {
		c.rccReleased = true
	}
	c.mu.Unlock()

	if shouldRelease && c.module != nil {
		c.module.ReleaseRCC()
	}
	return err
}

// RCCState returns the RCC FSM's current state.
func (c *Channel) RCCState() string { return c.rccFSM.Current() }

// RCCFailReason returns the RCC FSM's fail_reason (spec §4.4).
func (c *Channel) RCCFailReason() string { return c.rccFSM.FailReason() }

// RCCLog returns the RCC FSM's 16-slot event/state ring log (spec §3/§6).
func (c *Channel) RCCLog() []rcc.LogEntry { return c.rccFSM.Log() }

// CompleteNatBinding records a NAT binding as resolved and, for the
// primary RTCP binding specifically, delivers NatBindingComplete to the
// RCC FSM exactly once (spec §8 scenario 6: "Deliver rtp_nat_update -
// FSM does not fire. Deliver rtcp_nat_update - FSM receives
// NatBindingComplete exactly once").
func (c *Channel) CompleteNatBinding(ctx context.Context, kind NatBindingKind, ip net.IP, port int) error {
	c.mu.Lock()
	c.natBindings[kind] = NatBinding{Complete: true, IP: ip, Port: port}
	deliver := kind == NatPrimaryRTCP && !c.natDelivered
	if deliver {
		c.natDelivered = true
	}
	c.mu.Unlock()

	if !deliver {
		return nil
	}
	return c.DeliverRCC(ctx, rcc.EvNatBindingComplete)
}

// NatBindingState returns the current state of one of the four NAT
// bindings (spec §3/§6 CLI surface).
func (c *Channel) NatBindingState(kind NatBindingKind) NatBinding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.natBindings[kind]
}

// SendPLINak implements rcc.Handler: it builds the PSFB-PLI + PLII
// compound and transmits it on the primary session (spec §4.4).
func (c *Channel) SendPLINak(ctx context.Context, payload rtcpext.PLIIPayload) error {
	pli := rtcpext.NewPLIForRCC(c.primary.Local.SSRC)
	app, err := rtcpext.NewPLII(c.primary.Local.SSRC, payload)
	if err != nil {
		return fmt.Errorf("channel: SendPLINak: %w", err)
	}
	return c.primary.SendReport(time.Now(), []rtcp.Packet{pli, app}, false)
}

// AbortNotify implements rcc.Handler's rcc_abort_notify: error repair is
// enabled immediately (constructing the repair session if it doesn't
// exist yet). The dataplane IPC surface this control plane consumes
// (spec §6) has no distinct "abort burst" call; once ER takes over, the
// gap reporter supersedes the in-flight RCC burst, which is the abort's
// only externally observable effect from the core's side.
func (c *Channel) AbortNotify(ctx context.Context) error {
	c.mu.Lock()
	c.cfg.ErEnable = true
	c.mu.Unlock()
	return c.ensureRepairSession()
}

// SendNCSI implements rcc.Handler: it builds the NCSI APP sub-packet and
// transmits it on the primary session (spec §4.4).
func (c *Channel) SendNCSI(ctx context.Context, payload rtcpext.NCSIPayload) error {
	app, err := rtcpext.NewNCSI(c.primary.Local.SSRC, payload)
	if err != nil {
		return fmt.Errorf("channel: SendNCSI: %w", err)
	}
	return c.primary.SendReport(time.Now(), []rtcp.Packet{app}, false)
}

// HandlePPDD implements vqecrtp.PPDDHandler (spec §4.3 step 4): the
// decoded PPDD TLVs are inspected for the actual-fill field and turned
// into the matching RCC APP-reception event.
func (c *Channel) HandlePPDD(ctx context.Context, tlvs []rtcpext.TLV) error {
	var actualFill uint32
	found := false
	for _, t := range tlvs {
		if t.Type == actRccFillTag && len(t.Value) == 4 {
			actualFill = binary.BigEndian.Uint32(t.Value)
			found = true
			break
		}
	}

	c.mu.Lock()
	maxFill := c.cfg.RCC.MaxFillMsec
	c.mu.Unlock()

	if !found || actualFill == 0 {
		return c.DeliverRCC(ctx, rcc.EvReceiveNullApp)
	}
	if actualFill > maxFill {
		return c.DeliverRCC(ctx, rcc.EvReceiveInvalidApp)
	}

	c.mu.Lock()
	c.appArrival = time.Now()
	c.mu.Unlock()
	return c.DeliverRCC(ctx, rcc.EvReceiveValidApp)
}

// AppArrival returns when the last valid APP packet was recorded (spec
// §4.4: "stop timer; record APP arrival").
func (c *Channel) AppArrival() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appArrival
}

// PollGaps implements spec §4.5's ER poll: it pulls a gap report, builds
// policed Generic-NACK FCIs, and transmits them on the repair session if
// any were produced.
func (c *Channel) PollGaps(ctx context.Context, now time.Time) error {
	if c.repair == nil || !c.cfg.ErEnable {
		return nil
	}
	pktflow, ok := c.primary.PktflowSource()
	if !ok {
		return nil
	}
	nack, err := c.repair.BuildNackReport(ctx, c.id, pktflow.SSRC)
	if err != nil {
		c.logFault("poll_gaps_ipc_err", err)
		return fmt.Errorf("channel: PollGaps: %w", err)
	}
	if nack == nil {
		return nil
	}
	return c.repair.SendReport(now, []rtcp.Packet{nack}, false)
}

// RefreshNat performs the STUN round trips for both primary and (if
// present) repair sessions over the supplied sockets and records the
// resulting bindings (spec §8). rtp_nat_update never reaches the RCC
// FSM; only the rtcp binding's completion does (spec §8 scenario 6).
func (c *Channel) RefreshNat(ctx context.Context, primaryRTP, primaryRTCP, repairRTP, repairRTCP net.PacketConn) error {
	if c.nat == nil {
		return nil
	}

	if primaryRTP != nil {
		if ip, port, err := c.nat.Bind(ctx, primaryRTP); err == nil {
			_ = c.CompleteNatBinding(ctx, NatPrimaryRTP, ip, port)
		}
	}
	if primaryRTCP != nil {
		ip, port, err := c.nat.Bind(ctx, primaryRTCP)
		if err != nil {
			return fmt.Errorf("channel: RefreshNat: primary rtcp: %w", err)
		}
		if err := c.nat.RefreshPrimary(ctx, primaryRTP, primaryRTCP, c.primary.Local.SSRC); err != nil {
			return fmt.Errorf("channel: RefreshNat: primary mapping: %w", err)
		}
		if err := c.CompleteNatBinding(ctx, NatPrimaryRTCP, ip, port); err != nil {
			return err
		}
	}

	if c.repair == nil {
		return nil
	}
	if repairRTP != nil {
		if ip, port, err := c.nat.Bind(ctx, repairRTP); err == nil {
			_ = c.CompleteNatBinding(ctx, NatRepairRTP, ip, port)
		}
	}
	if repairRTCP != nil {
		ip, port, err := c.nat.Bind(ctx, repairRTCP)
		if err != nil {
			return fmt.Errorf("channel: RefreshNat: repair rtcp: %w", err)
		}
		if err := c.nat.RefreshRepair(ctx, repairRTP, repairRTCP, c.repair.Local.SSRC); err != nil {
			return fmt.Errorf("channel: RefreshNat: repair mapping: %w", err)
		}
		if err := c.CompleteNatBinding(ctx, NatRepairRTCP, ip, port); err != nil {
			return err
		}
	}
	return nil
}

// ClearCounters implements spec §6's "clear counters" CLI operation at
// the per-channel level: every monotonic counter this channel owns is
// snapshotted.
func (c *Channel) ClearCounters() {
	c.primary.Stats().Snapshot()
	if c.repair != nil {
		c.repair.Stats().Snapshot()
		c.repair.SnapshotGapCounters()
	}
}

// Primary and Repair expose the owned sessions for CLI/read-only access
// (spec §6's CLI surface reads session stats directly).
func (c *Channel) Primary() *vqecrtp.PrimarySession { return c.primary }
func (c *Channel) Repair() *vqecrtp.RepairSession    { return c.repair }
