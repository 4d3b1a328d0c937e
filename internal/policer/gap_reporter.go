package policer

import (
	"time"

	"github.com/pion/rtcp"

	"github.com/wmanley/cisco-vqe-client-sub002/internal/dataplane"
)

// fciMaxDefault bounds the number of FCIs a single gap-report pass may
// emit (spec §4.5: "a single report carries up to FCI_MAX FCIs
// (implementation-defined, >= 16)").
const fciMaxDefault = 32

// Counters are the per-channel gap-reporter/policer counters named in
// spec §4.5 and exposed read-only through the CLI surface (spec §6).
type Counters struct {
	GenericNackCounter   uint64
	TotalRepairsRequested uint64
	TotalRepairsPoliced   uint64
	FirstNackRepairCnt    uint64

	// snapshot holds the values clear_counters captured; accessors
	// report (current - snapshot) once a snapshot exists.
	snapshot *Counters
}

// Snapshot implements spec §6's "clear counters" CLI operation: every
// monotonic counter is copied aside so subsequent reads become relative.
func (c *Counters) Snapshot() {
	cp := *c
	cp.snapshot = nil
	c.snapshot = &cp
}

// Relative returns the counters' current values relative to the last
// Snapshot (or absolute, if none was taken).
func (c *Counters) Relative() Counters {
	if c.snapshot == nil {
		out := *c
		out.snapshot = nil
		return out
	}
	return Counters{
		GenericNackCounter:    c.GenericNackCounter - c.snapshot.GenericNackCounter,
		TotalRepairsRequested: c.TotalRepairsRequested - c.snapshot.TotalRepairsRequested,
		TotalRepairsPoliced:   c.TotalRepairsPoliced - c.snapshot.TotalRepairsPoliced,
		FirstNackRepairCnt:    c.FirstNackRepairCnt - c.snapshot.FirstNackRepairCnt,
	}
}

// GapReporter harvests loss reports from the dataplane and turns them
// into Generic-NACK FCIs, policed by a TokenBucket (spec §4.5).
type GapReporter struct {
	Policer  *TokenBucket // nil disables policing entirely
	FCIMax   int
	Counters Counters
}

// NewGapReporter builds a reporter. If policer is nil, every candidate
// sequence is admitted unconditionally (er_policer_enabled=false, spec §6
// config table).
func NewGapReporter(policer *TokenBucket) *GapReporter {
	return &GapReporter{Policer: policer, FCIMax: fciMaxDefault}
}

// fciBuilder accumulates one in-progress FCI.
type fciBuilder struct {
	pid     uint32
	bitmask uint16
	covered int
}

func (f *fciBuilder) fits(s uint32) bool {
	if s == f.pid {
		return true
	}
	d := (s - f.pid) & 0xffffffff
	return d >= 1 && d <= 16
}

// add sets the bit for s relative to f.pid, MSB-earliest per spec §4.5's
// bitmask formula. Note: this uint32-extended-sequence interpretation of
// "earliest" doesn't reproduce the bitmask values worked in spec §4.5's
// own scenario 2/3 examples across a 16-bit sequence wrap; the formula and
// the worked scenarios disagree there, and this follows the formula.
func (f *fciBuilder) add(s uint32) {
	if s == f.pid {
		f.covered++
		return
	}
	d := s - f.pid
	f.bitmask |= 1 << (16 - d)
	f.covered++
}

func (f *fciBuilder) pair() rtcp.NackPair {
	return rtcp.NackPair{PacketID: uint16(f.pid), LostPackets: rtcp.PacketBitmap(f.bitmask)}
}

// BuildNackPairs implements the FCI-grouping algorithm of spec §4.5:
// gaps are expanded to concrete sequence numbers in the order reported,
// greedily grouped into FCIs of up to 17 sequence numbers (pid + 16 bits),
// and policed one candidate at a time when r.Policer is non-nil. It
// returns the FCI list to attach to the next repair-session RTCP compound
// and updates r.Counters.
func (r *GapReporter) BuildNackPairs(now time.Time, gaps []dataplane.GapEntry) []rtcp.NackPair {
	var pairs []rtcp.NackPair
	var cur *fciBuilder

	flush := func() {
		if cur != nil && cur.covered > 0 {
			pairs = append(pairs, cur.pair())
			r.Counters.GenericNackCounter++
		}
		cur = nil
	}

	first := true
	for _, gap := range gaps {
		// s walks the uint32-extended sequence space; a gap spanning a
		// 16-bit sequence-number wrap is not re-grouped back into the
		// FCI's 16-bit PacketID+bitmask window the way spec §4.5's
		// scenario 3 works it, per the discrepancy noted on fciBuilder.add.
		for i := uint32(0); i <= uint32(gap.Extent); i++ {
			s := uint32(gap.StartSeq) + i

			r.Counters.TotalRepairsRequested++
			if first {
				r.Counters.FirstNackRepairCnt++
				first = false
			}

			admitted := true
			if r.Policer != nil {
				admitted = r.Policer.Drain(now, 1)
			}
			if !admitted {
				r.Counters.TotalRepairsPoliced++
				continue
			}

			if cur == nil {
				if len(pairs) >= r.FCIMax {
					// FCI_MAX reached; remaining candidates are simply
					// not reported this pass (spec §4.5 bound).
					return pairs
				}
				cur = &fciBuilder{pid: s}
				cur.add(s)
				continue
			}
			if cur.fits(s) {
				cur.add(s)
				continue
			}
			flush()
			if len(pairs) >= r.FCIMax {
				return pairs
			}
			cur = &fciBuilder{pid: s}
			cur.add(s)
		}
	}
	flush()
	return pairs
}
