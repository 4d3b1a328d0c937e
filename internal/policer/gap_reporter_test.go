package policer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wmanley/cisco-vqe-client-sub002/internal/dataplane"
)

func TestBuildNackPairsSingleGapNoPolicer(t *testing.T) {
	r := NewGapReporter(nil)
	now := time.Unix(0, 0)

	pairs := r.BuildNackPairs(now, []dataplane.GapEntry{{StartSeq: 0, Extent: 2}})

	require.Len(t, pairs, 1)
	require.Equal(t, uint16(0), pairs[0].PacketID)
	// d=1 -> bit15 (0x8000), d=2 -> bit14 (0x4000).
	require.Equal(t, uint16(0xC000), uint16(pairs[0].LostPackets))
	require.EqualValues(t, 3, r.Counters.TotalRepairsRequested)
	require.EqualValues(t, 0, r.Counters.TotalRepairsPoliced)
	require.EqualValues(t, 1, r.Counters.GenericNackCounter)
}

func TestBuildNackPairsSplitsAcrossWideGap(t *testing.T) {
	r := NewGapReporter(nil)
	now := time.Unix(0, 0)

	// 20 consecutive missing sequence numbers: first FCI covers pid..pid+16,
	// the remaining 3 open a second FCI.
	pairs := r.BuildNackPairs(now, []dataplane.GapEntry{{StartSeq: 100, Extent: 19}})

	require.Len(t, pairs, 2)
	require.Equal(t, uint16(100), pairs[0].PacketID)
	require.Equal(t, uint16(117), pairs[1].PacketID)
}

func TestBuildNackPairsPolicerCapsAdmission(t *testing.T) {
	bucket := NewTokenBucket(0, 4, time.Unix(0, 0)) // rate=0 so no mid-run credit
	r := NewGapReporter(bucket)
	now := time.Unix(0, 0)

	pairs := r.BuildNackPairs(now, []dataplane.GapEntry{{StartSeq: 65528, Extent: 7}})

	require.Len(t, pairs, 1)
	require.Equal(t, uint16(65528), pairs[0].PacketID)
	require.EqualValues(t, 8, r.Counters.TotalRepairsRequested)
	require.EqualValues(t, 4, r.Counters.TotalRepairsPoliced)

	// Exactly 4 admitted total: pid itself plus 3 bitmask bits (d=1,2,3).
	mask := uint16(pairs[0].LostPackets)
	require.Equal(t, uint16(0xE000), mask)
}

func TestBuildNackPairsSeqWrapsAcrossExtendedSpace(t *testing.T) {
	r := NewGapReporter(nil)
	now := time.Unix(0, 0)

	// Extended (unwrapped) sequence numbers 65534..65537 all land in one
	// FCI; the PID truncates to its low 16 bits on the wire.
	pairs := r.BuildNackPairs(now, []dataplane.GapEntry{{StartSeq: 65534, Extent: 3}})

	require.Len(t, pairs, 1)
	require.Equal(t, uint16(65534), pairs[0].PacketID)
}

func TestTokenBucketForbidAllWhenBurstZero(t *testing.T) {
	b := NewTokenBucket(100, 0, time.Unix(0, 0))
	require.False(t, b.Drain(time.Unix(1, 0), 1))
}

func TestTokenBucketCreditsOverTime(t *testing.T) {
	start := time.Unix(0, 0)
	b := NewTokenBucket(1, 2, start) // starts full at burst=2
	require.True(t, b.Drain(start, 2))
	require.False(t, b.Drain(start, 1))

	later := start.Add(3 * time.Second)
	require.True(t, b.Drain(later, 2)) // 3s * 1/s credited, saturates at burst=2
}
