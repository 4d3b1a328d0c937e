// Package dataplane defines the IPC boundary between the VQE-C control
// plane and the (external, out of scope) dataplane that actually buffers
// and forwards media packets. Everything in this package is a consumed
// interface per spec §6: the control plane calls IPC, the dataplane calls
// back with upcalls. The dataplane implementation itself lives outside
// this module; fake_test.go's FakeIPC exists only so the control-plane
// packages have something to drive in tests.
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// IPC result causes. These are counted as error causes per spec §7 and
// surfaced through Channel's fault counters.
var (
	ErrNotFound      = errors.New("dataplane: source not found")
	ErrInvalidArgs   = errors.New("dataplane: invalid arguments")
	ErrSsrcExists    = errors.New("dataplane: ssrc already exists")
	ErrMaxSources    = errors.New("dataplane: source table full")
	ErrIPCFailed     = errors.New("dataplane: ipc call failed")
	ErrStreamUnknown = errors.New("dataplane: unknown input stream id")
)

// StreamID identifies one of a channel's four dataplane input streams
// (primary, repair, fec0, fec1).
type StreamID uint32

// ChannelID identifies a dataplane channel (distinct from the graph id
// used to bind tuners).
type ChannelID uint32

// SourceKey is the (ssrc, ip, port) tuple the dataplane uses to identify a
// source within a stream's source table.
type SourceKey struct {
	SSRC    uint32
	SrcAddr net.IP
	SrcPort uint16
}

// Equal reports whether k and o name the same (ssrc, ip, port) source.
// SourceKey holds a net.IP, so it cannot be compared with ==.
func (k SourceKey) Equal(o SourceKey) bool {
	return k.SSRC == o.SSRC && k.SrcPort == o.SrcPort && k.SrcAddr.Equal(o.SrcAddr)
}

// String renders a SourceKey for log lines.
func (k SourceKey) String() string {
	return fmt.Sprintf("%08x@%s:%d", k.SSRC, k.SrcAddr, k.SrcPort)
}

// SourceState is the dataplane's view of a source's liveness.
type SourceState int

const (
	SourceActive SourceState = iota
	SourceInactive
)

func (s SourceState) String() string {
	if s == SourceActive {
		return "active"
	}
	return "inactive"
}

// SourceEntry is one row of a dataplane source table (spec §3, "Dataplane
// source table entry (observed)").
type SourceEntry struct {
	Key               SourceKey
	State             SourceState
	PktflowPermitted  bool
	BufferForFailover bool // unicast "failover" flag used by the Inactive re-election rule
	ThreshCnt         uint32
	LastRxTime        int64 // unix nanos
	SessionSeqOffset  int16 // RTP-seq-number offset for splicing this source's sequence space
}

// SourceInfo is the per-source statistics blob returned by GetSrcInfo.
type SourceInfo struct {
	Received    uint32
	Lost        uint32
	Jitter      uint32
	LastArrival int64
}

// XRStats, XRMAStats, and XRDiagStats are opaque carriers for the XR
// caches named in spec §3/§4.2 (post-error-repair loss RLE, multicast
// acquisition, diagnostic counters). The control plane only copies these
// through; their internal layout is dataplane-defined.
type XRStats struct{ Raw []byte }
type XRMAStats struct{ Raw []byte }
type XRDiagStats struct{ Raw []byte }

// SessionInfo carries dataplane-side session accounting referenced by
// update_stats (spec §4.1).
type SessionInfo struct {
	PacketsSent uint64
	OctetsSent  uint64
}

// GapEntry is one (start_seq, extent) gap reported by the dataplane's loss
// tracker (spec §4.5).
type GapEntry struct {
	StartSeq uint16
	Extent   uint16
}

// RCCStatus is the dataplane's burst-fill telemetry, consumed by the RCC
// FSM for backfill accounting.
type RCCStatus struct {
	ActualFillMsec      uint32
	FirstMcastSeqNumber uint16
	FirstMcastRecvMsec  uint32
}

// UpcallKind enumerates the events the dataplane delivers asynchronously
// to the control plane (spec §6).
type UpcallKind int

const (
	UpcallPrimaryInactive UpcallKind = iota
	UpcallFecUpdate
	UpcallNcsiReady
	UpcallBurstDone
	UpcallFastFillDone
	UpcallAbort
	UpcallSourceTableChanged
)

// Upcall is one event delivered from the dataplane, tagged with a
// generation number for the out-of-order/duplicate detection required by
// spec §5.
type Upcall struct {
	Kind       UpcallKind
	Generation uint64
	ChannelID  ChannelID
	Table      []SourceEntry // valid for UpcallSourceTableChanged / UpcallPrimaryInactive
}

// IPC is the set of synchronous dataplane calls the control plane issues,
// per spec §6. The control plane holds no single global lock around these
// calls; channels and sessions each guard their own state with their own
// mutex.
type IPC interface {
	GetSrcInfo(ctx context.Context, stream StreamID, key SourceKey, wantStats bool, resetXR bool) (SourceInfo, XRStats, XRStats, XRMAStats, SessionInfo, error)
	GetSrcTable(ctx context.Context, stream StreamID) ([]SourceEntry, error)
	DeleteSrc(ctx context.Context, stream StreamID, key SourceKey) error
	PermitPktflow(ctx context.Context, stream StreamID, key SourceKey) (seqOffset int16, err error)
	AddSsrcFilter(ctx context.Context, stream StreamID, ssrc uint32) ([]SourceEntry, error)
	DelSsrcFilter(ctx context.Context, stream StreamID) error
	GetGapReport(ctx context.Context, chanID ChannelID) ([]GapEntry, error)
	GetRCCStatus(ctx context.Context, chanID ChannelID) (RCCStatus, error)
	GetPCR(ctx context.Context, chanID ChannelID) (uint64, error)
	GetPTS(ctx context.Context, chanID ChannelID) (uint64, error)
}
