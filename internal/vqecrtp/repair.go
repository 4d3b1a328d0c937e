package vqecrtp

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/rtcp"

	"github.com/wmanley/cisco-vqe-client-sub002/internal/dataplane"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/policer"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/rtcpext"
)

// defaultMaxKnownSources bounds the repair session's known-source table
// (spec §4.3/§8: "MAX_KNOWN_SOURCES (= 3 by default)"). A table that
// would grow the cache past this bound is a resource-exhaustion error,
// not something to silently evict around.
const defaultMaxKnownSources = 3

// PPDDHandler receives the decoded TLV list from a PPDD APP sub-packet,
// forwarded to whichever RCC handler owns burst-fill bookkeeping for this
// channel (spec §4.3 step 4).
type PPDDHandler interface {
	HandlePPDD(ctx context.Context, tlvs []rtcpext.TLV) error
}

// RepairSessionConfig is the creation contract of spec §4.3.
type RepairSessionConfig struct {
	StreamID        dataplane.StreamID
	IPC             dataplane.IPC
	MaxKnownSources int // 0 => defaultMaxKnownSources
	Policer         *policer.TokenBucket
	BW              RTCPBandwidthConfig
	XR              XRConfig
	CNAME           string
	OnPPDD          PPDDHandler
	TxSocket        interface{ Write([]byte) (int, error) }
}

// knownSource is one entry of the repair session's bounded known-sources
// table (spec §4.3: "reconciled against the primary's pktflow source via
// AddSsrcFilter, bounded by MAX_KNOWN_SOURCES").
type knownSource struct {
	key       dataplane.SourceKey
	installed time.Time
}

// RepairSession implements spec §4.3: APP sub-packet processing (PPDD),
// ER gap-report-driven Generic NACK construction, and known-source
// reconciliation against the primary session's elected pktflow source.
type RepairSession struct {
	*BaseSession

	streamID        dataplane.StreamID
	ipc             dataplane.IPC
	maxKnownSources int
	gapReporter     *policer.GapReporter
	onPPDD          PPDDHandler

	state        SessionState
	primarySSRC  uint32
	filterActive bool
	known        []knownSource // ordered oldest-first
}

var _ RtpSessionOps = (*RepairSession)(nil)
var _ ErRepairNotifiee = (*RepairSession)(nil)

// NewRepairSession constructs a repair session per spec §4.3.
func NewRepairSession(cfg RepairSessionConfig) (*RepairSession, error) {
	if cfg.IPC == nil {
		return nil, fmt.Errorf("vqecrtp: NewRepairSession: IPC is required")
	}
	maxKnown := cfg.MaxKnownSources
	if maxKnown <= 0 {
		maxKnown = defaultMaxKnownSources
	}

	local := LocalSource{CNAME: cfg.CNAME}
	ssrc, err := generateSSRC()
	if err != nil {
		return nil, err
	}
	local.SSRC = ssrc

	r := &RepairSession{
		streamID:        cfg.StreamID,
		ipc:             cfg.IPC,
		maxKnownSources: maxKnown,
		gapReporter:     policer.NewGapReporter(cfg.Policer),
		onPPDD:          cfg.OnPPDD,
		state:           SessionInactiveWaitFirst,
	}
	r.BaseSession = newBaseSession(r, local, cfg.BW, cfg.XR)
	if cfg.TxSocket != nil {
		r.BaseSession.TxSocket = cfg.TxSocket
	}
	r.Members.add(&Member{Type: MemberTypeLocal, SSRC: ssrc, CNAME: cfg.CNAME})

	return r, nil
}

// PrimaryPktflowSrcUpdate implements spec §4.3's primary_pktflow_src_update:
// whenever the primary session elects a new pktflow source, the repair
// session installs (or refreshes) an SSRC filter on its own stream so the
// dataplane only forwards repair packets correlated with that source.
func (r *RepairSession) PrimaryPktflowSrcUpdate(ctx context.Context, ssrc uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filterActive && r.primarySSRC == ssrc {
		return nil
	}
	if r.filterActive {
		_ = r.ipc.DelSsrcFilter(ctx, r.streamID)
	}
	table, err := r.ipc.AddSsrcFilter(ctx, r.streamID, ssrc)
	if err != nil {
		return fmt.Errorf("vqecrtp: PrimaryPktflowSrcUpdate: %w", err)
	}
	r.primarySSRC = ssrc
	r.filterActive = true
	return r.reconcileLocked(ctx, table, false)
}

// validateTableLocked implements spec §4.3's source-table error checks:
// every entry must carry the installed filter's SSRC, and no SSRC may
// appear twice with a different (addr, port). r.mu must be held.
func (r *RepairSession) validateTableLocked(table []dataplane.SourceEntry) error {
	seen := make(map[uint32]dataplane.SourceKey, len(table))
	for _, e := range table {
		if r.filterActive && e.Key.SSRC != r.primarySSRC {
			return fmt.Errorf("source table entry ssrc %d does not match installed filter ssrc %d", e.Key.SSRC, r.primarySSRC)
		}
		if prev, ok := seen[e.Key.SSRC]; ok {
			if prev.SrcPort != e.Key.SrcPort || !prev.SrcAddr.Equal(e.Key.SrcAddr) {
				return fmt.Errorf("source table has duplicate ssrc %d at differing (addr, port)", e.Key.SSRC)
			}
		}
		seen[e.Key.SSRC] = e.Key
	}
	return nil
}

// enterErrorStateLocked implements the Error transition spec §4.3's
// reconciliation checks all funnel into. r.mu must be held.
func (r *RepairSession) enterErrorStateLocked(cause error) error {
	r.state = SessionError
	return fmt.Errorf("vqecrtp: repair session entered error state: %w", cause)
}

// reconcileLocked implements spec §4.3's source-table reconciliation: the
// table is validated (§4.3 step 2), the known-sources cache is grown to
// include every new entry up to MAX_KNOWN_SOURCES, stale entries no
// longer present in table are pruned (step 1, scenario 5), and the
// resulting cache is checked for multiset equality against table. A
// failed validation or equality check gets one retry against a freshly
// fetched table before the session enters Error. r.mu must be held.
func (r *RepairSession) reconcileLocked(ctx context.Context, table []dataplane.SourceEntry, retried bool) error {
	if err := r.validateTableLocked(table); err != nil {
		return r.reconcileRetryOrErrorLocked(ctx, retried, err)
	}

	seen := make(map[uint32]struct{}, len(table))
	for _, e := range table {
		seen[e.Key.SSRC] = struct{}{}
		if _, ok := r.Members.bySSRCLookup(e.Key.SSRC); ok {
			continue
		}
		if len(r.known) >= r.maxKnownSources {
			return r.reconcileRetryOrErrorLocked(ctx, retried,
				fmt.Errorf("%w: known-source cache full at %d", dataplane.ErrMaxSources, r.maxKnownSources))
		}
		r.known = append(r.known, knownSource{key: e.Key, installed: time.Now()})
		r.Members.add(&Member{
			Type:    MemberTypeRTPData,
			SSRC:    e.Key.SSRC,
			SrcAddr: e.Key.SrcAddr,
			SrcPort: e.Key.SrcPort,
		})
	}

	// Prune cached sources the dataplane no longer reports. The deletes
	// run under RemoveFromUpcall: the dataplane's own table drove this
	// removal, so no further dataplane-side delete is issued.
	for i := len(r.known) - 1; i >= 0; i-- {
		if _, ok := seen[r.known[i].key.SSRC]; ok {
			continue
		}
		ks := r.known[i]
		r.known = append(r.known[:i], r.known[i+1:]...)
		if id, ok := r.Members.bySSRCLookup(ks.key.SSRC); ok {
			_ = r.deleteMemberLocked(id.ID, RemoveFromUpcall)
		}
	}

	if len(r.known) != len(table) {
		return r.reconcileRetryOrErrorLocked(ctx, retried,
			fmt.Errorf("known-source cache (%d entries) does not match dataplane table (%d entries) after reconcile", len(r.known), len(table)))
	}
	for _, e := range table {
		cached := false
		for _, ks := range r.known {
			if ks.key.Equal(e.Key) {
				cached = true
				break
			}
		}
		if !cached {
			return r.reconcileRetryOrErrorLocked(ctx, retried,
				fmt.Errorf("dataplane table entry %s has no matching known-source cache entry after reconcile", e.Key))
		}
	}

	r.state = SessionActive
	return nil
}

// reconcileRetryOrErrorLocked implements spec §4.3's single re-fetch on a
// failed reconciliation check: a fresh GetSrcTable is tried once before
// the session is moved to Error. r.mu must be held.
func (r *RepairSession) reconcileRetryOrErrorLocked(ctx context.Context, retried bool, cause error) error {
	if !retried {
		if fresh, err := r.ipc.GetSrcTable(ctx, r.streamID); err == nil {
			return r.reconcileLocked(ctx, fresh, true)
		}
	}
	return r.enterErrorStateLocked(cause)
}

// ProcessUpcallEvent reconciles an out-of-band source-table-changed
// upcall the same way PrimaryPktflowSrcUpdate reconciles the table it
// receives back from AddSsrcFilter (spec §4.3).
func (r *RepairSession) ProcessUpcallEvent(ctx context.Context, table []dataplane.SourceEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == SessionShutdown || r.state == SessionError {
		return nil
	}
	return r.reconcileLocked(ctx, table, false)
}

// ProcessAppPacket implements spec §4.3 steps 1-4: an APP sub-packet
// named PPDD is TLV-decoded and handed to the registered PPDDHandler; any
// other name, or a malformed PPDD, is a protocol violation (spec §7) that
// this method reports but does not treat as fatal to the session.
func (r *RepairSession) ProcessAppPacket(ctx context.Context, pkt *rtcpext.App) error {
	if !pkt.Is(rtcpext.PPDDName) {
		return &rtcpext.AppParseError{Cause: "Unexp", Err: fmt.Errorf("unexpected APP name %q", string(pkt.Name[:]))}
	}
	tlvs, err := rtcpext.DecodePPDD(pkt.Data)
	if err != nil {
		return err
	}
	if r.onPPDD == nil {
		return nil
	}
	return r.onPPDD.HandlePPDD(ctx, tlvs)
}

// BuildNackReport implements spec §4.5: the repair session pulls the
// current gap report from the dataplane, turns it into Generic NACK FCIs
// through its policed gap reporter, and returns the feedback packet ready
// to be passed as an extra to ConstructReport.
func (r *RepairSession) BuildNackReport(ctx context.Context, chanID dataplane.ChannelID, mediaSSRC uint32) (*rtcp.TransportLayerNack, error) {
	gaps, err := r.ipc.GetGapReport(ctx, chanID)
	if err != nil {
		return nil, fmt.Errorf("vqecrtp: BuildNackReport: %w", err)
	}
	if len(gaps) == 0 {
		return nil, nil
	}
	pairs := r.gapReporter.BuildNackPairs(time.Now(), gaps)
	if len(pairs) == 0 {
		return nil, nil
	}
	return rtcpext.NewGenericNack(r.Local.SSRC, mediaSSRC, pairs), nil
}

// GapCounters returns the gap reporter's counters relative to the last
// SnapshotGapCounters call (spec §6 CLI surface). Policer token levels
// are not included.
func (r *RepairSession) GapCounters() policer.Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gapReporter.Counters.Relative()
}

// SnapshotGapCounters implements the "clear counters" CLI operation
// (spec §6) for the gap reporter's monotonic counters.
func (r *RepairSession) SnapshotGapCounters() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gapReporter.Counters.Snapshot()
}

// ConstructReport implements spec §4.1/§4.3's construct_report for the
// repair session: a compound RR plus SDES and whatever feedback/APP
// extras the caller supplies (typically a Generic NACK from
// BuildNackReport).
func (r *RepairSession) ConstructReport(now time.Time, extras []rtcp.Packet, resetXR bool) ([]byte, error) {
	r.mu.Lock()
	ssrc := r.Local.SSRC
	var reports []rtcp.ReceptionReport
	for _, m := range r.Members.all() {
		if m.Type != MemberTypeLocal {
			reports = append(reports, m.ReceptionReport())
		}
	}
	r.mu.Unlock()

	packets := []rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: ssrc, Reports: reports},
		&rtcp.SourceDescription{
			Chunks: []rtcp.SourceDescriptionChunk{{
				Source: ssrc,
				Items: []rtcp.SourceDescriptionItem{
					{Type: rtcp.SDESCNAME, Text: r.Local.CNAME},
				},
			}},
		},
	}
	packets = append(packets, extras...)
	return rtcp.Marshal(packets)
}

// UpdateStats is a no-op for the repair session; its counters are
// maintained incrementally by BuildNackReport and the policer (spec
// §4.3).
func (r *RepairSession) UpdateStats(resetXR bool) {}

// UpdateReceiverStats implements spec §4.3's update_receiver_stats.
func (r *RepairSession) UpdateReceiverStats(m *Member, resetXR bool) error {
	r.mu.Lock()
	streamID := r.streamID
	r.mu.Unlock()
	key := dataplane.SourceKey{SSRC: m.SSRC, SrcAddr: m.SrcAddr, SrcPort: m.SrcPort}
	info, _, _, _, _, err := r.ipc.GetSrcInfo(context.Background(), streamID, key, true, resetXR)
	if err != nil {
		return fmt.Errorf("vqecrtp: UpdateReceiverStats: %w", err)
	}
	m.Received = info.Received
	m.Jitter = float64(info.Jitter)
	m.LastArrival = time.Unix(0, info.LastArrival)
	return nil
}

// ShutdownAllowByes implements spec §4.3's destruction sequencing: the
// SSRC filter is torn down and any known sources are dropped from the
// dataplane before the session's own BYE goes out.
func (r *RepairSession) ShutdownAllowByes() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filterActive {
		_ = r.ipc.DelSsrcFilter(context.Background(), r.streamID)
		r.filterActive = false
	}
	for _, ks := range r.known {
		_ = r.ipc.DeleteSrc(context.Background(), r.streamID, ks.key)
	}
	r.known = nil
	r.state = SessionShutdown
}

// DeleteMember implements spec §4.3's delete_member override: a removal
// requested from user/timeout context also tears down the matching
// dataplane source, while a removal triggered re-entrantly from within an
// upcall handler (the dataplane already deleted it) only updates the
// local member table, avoiding the recursive-delete hazard spec §9 calls
// out.
func (r *RepairSession) DeleteMember(id MemberID, rmCtx RemoveContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteMemberLocked(id, rmCtx)
}

// deleteMemberLocked is DeleteMember's lock-free body, reused by
// reconcileLocked's prune pass (already holding r.mu). r.mu must be held.
func (r *RepairSession) deleteMemberLocked(id MemberID, rmCtx RemoveContext) error {
	m, ok := r.Members.byIDLookup(id)
	if !ok {
		return nil
	}
	if rmCtx == RemoveUserInitiated {
		key := dataplane.SourceKey{SSRC: m.SSRC, SrcAddr: m.SrcAddr, SrcPort: m.SrcPort}
		_ = r.ipc.DeleteSrc(context.Background(), r.streamID, key)
		for i := range r.known {
			if r.known[i].key.Equal(key) {
				r.known = append(r.known[:i], r.known[i+1:]...)
				break
			}
		}
	}
	r.Members.remove(id)
	return nil
}
