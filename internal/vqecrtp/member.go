// Package vqecrtp implements the RTP/RTCP session base and its primary
// and repair derivations (spec §4.1-4.3): member tables, RTCP report
// scheduling and construction, and the process_upcall_event source
// reconciliation state machines.
package vqecrtp

import (
	"net"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// MemberID is a small handle indexing a session's member table,
// matching the "no back-pointer" ownership model of spec §9: members
// hold no pointer back to the session or channel.
type MemberID uint16

// MemberType distinguishes the session's own local source from remote
// senders discovered via RTP or RTCP (spec §3, "RTP member").
type MemberType int

const (
	MemberTypeLocal MemberType = iota
	MemberTypeRTPData
	MemberTypeRTCPOnly
)

// XRStatSet carries the optional standard and post-error-repair XR
// statistics pointers named in spec §3. Either may be nil.
type XRStatSet struct {
	Standard     []byte
	PostRepair   []byte
}

// Member is one entry of a session's remote-member cache (spec §3, "RTP
// member"): identity plus per-sender statistics.
type Member struct {
	ID      MemberID
	Type    MemberType
	Subtype int
	SSRC    uint32
	SrcAddr net.IP
	SrcPort uint16
	CNAME   string

	// Per-sender statistics (RFC 3550 §6.4.1 plus local extensions).
	Received       uint32
	Cycles         uint32
	MaxSeq         uint16
	BaseSeq        uint16
	BadSeq         uint32
	Transit        int64
	Jitter         float64
	SeqJumps       uint32
	InitSeqCount   uint32
	OutOfOrder     uint32
	LastArrival    time.Time

	// priorExpected/priorReceived snapshot ExpectedPackets/Received as of
	// the last ReceptionReport call, so FractionLost covers only the
	// interval since the previous RTCP report (RFC 3550 §6.4.1).
	priorExpected uint32
	priorReceived uint32

	XR *XRStatSet // optional, nil unless XR is enabled on the session
}

// ExtendedMaxSeq returns the 32-bit extended sequence number (cycles<<16
// | max_seq) used for loss computation and for RTCP highest-seq fields.
func (m *Member) ExtendedMaxSeq() uint32 {
	return uint32(m.Cycles)<<16 | uint32(m.MaxSeq)
}

// ExpectedPackets mirrors RFC 3550 Appendix A.3's expected-packet count.
func (m *Member) ExpectedPackets() uint32 {
	return m.ExtendedMaxSeq() - uint32(m.BaseSeq) + 1
}

// FractionLost computes the RFC 3550 8-bit fraction-lost field since the
// last report, given the previously observed expected/received counts.
func FractionLost(expectedDelta int64, receivedDelta int64) uint8 {
	lost := expectedDelta - receivedDelta
	if expectedDelta <= 0 || lost <= 0 {
		return 0
	}
	frac := (lost << 8) / expectedDelta
	if frac > 255 {
		frac = 255
	}
	return uint8(frac)
}

// ReceptionReport builds this member's RFC 3550 §6.4.1 reception report
// block for the next compound RTCP packet and advances the
// fraction-lost baseline to the current expected/received counts.
func (m *Member) ReceptionReport() rtcp.ReceptionReport {
	expected := m.ExpectedPackets()
	expectedDelta := int64(expected) - int64(m.priorExpected)
	receivedDelta := int64(m.Received) - int64(m.priorReceived)

	rr := rtcp.ReceptionReport{
		SSRC:               m.SSRC,
		FractionLost:       FractionLost(expectedDelta, receivedDelta),
		TotalLost:          expected - m.Received,
		LastSequenceNumber: m.ExtendedMaxSeq(),
		Jitter:             uint32(m.Jitter),
	}

	m.priorExpected = expected
	m.priorReceived = m.Received
	return rr
}

// UpdateJitter applies the RFC 3550 Appendix A.8 recursive jitter
// estimator to a newly-arrived packet.
func (m *Member) UpdateJitter(pkt *rtp.Packet, arrivalRTPUnits int64) {
	transit := arrivalRTPUnits - int64(pkt.Header.Timestamp)
	if m.Transit != 0 {
		d := transit - m.Transit
		if d < 0 {
			d = -d
		}
		m.Jitter += (float64(d) - m.Jitter) / 16.0
	}
	m.Transit = transit
}

// memberTable is the handle-indexed member table owned by a session
// (spec §9), held as maps keyed by MemberID and by SSRC.
type memberTable struct {
	next    MemberID
	byID    map[MemberID]*Member
	bySSRC  map[uint32]MemberID
}

func newMemberTable() *memberTable {
	return &memberTable{
		byID:   make(map[MemberID]*Member),
		bySSRC: make(map[uint32]MemberID),
	}
}

func (t *memberTable) add(m *Member) MemberID {
	id := t.next
	t.next++
	m.ID = id
	t.byID[id] = m
	t.bySSRC[m.SSRC] = id
	return id
}

func (t *memberTable) byIDLookup(id MemberID) (*Member, bool) {
	m, ok := t.byID[id]
	return m, ok
}

func (t *memberTable) bySSRCLookup(ssrc uint32) (*Member, bool) {
	id, ok := t.bySSRC[ssrc]
	if !ok {
		return nil, false
	}
	return t.byID[id], true
}

func (t *memberTable) remove(id MemberID) {
	if m, ok := t.byID[id]; ok {
		delete(t.bySSRC, m.SSRC)
		delete(t.byID, id)
	}
}

func (t *memberTable) len() int {
	return len(t.byID)
}

func (t *memberTable) all() []*Member {
	out := make([]*Member, 0, len(t.byID))
	for _, m := range t.byID {
		out = append(out, m)
	}
	return out
}
