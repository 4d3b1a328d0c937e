package channel

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wmanley/cisco-vqe-client-sub002/internal/dataplane"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/rcc"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/rtcpext"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/vqecrtp"
)

func fillTLV(msec uint32) []rtcpext.TLV {
	b := make([]byte, 4)
	b[0] = byte(msec >> 24)
	b[1] = byte(msec >> 16)
	b[2] = byte(msec >> 8)
	b[3] = byte(msec)
	return []rtcpext.TLV{{Type: actRccFillTag, Value: b}}
}

func baseConfig(id dataplane.ChannelID) (Config, *bytes.Buffer, *bytes.Buffer) {
	var primaryTx, repairTx bytes.Buffer
	cfg := Config{
		ChannelID:       id,
		PrimaryStreamID: 1,
		RepairStreamID:  2,
		CNAME:           "host@example",
		Primary: StreamEndpoint{
			SendRTCPPort: 5005,
			BW:           vqecrtp.RTCPBandwidthConfig{ReceiverBW: 1000},
			TxSocket:     &primaryTx,
		},
		Repair: StreamEndpoint{
			SendRTCPPort: 5007,
			BW:           vqecrtp.RTCPBandwidthConfig{ReceiverBW: 1000},
			TxSocket:     &repairTx,
		},
		ErEnable:  true,
		RccEnable: true,
		RCC: rcc.Config{
			MinFillMsec:  100,
			MaxFillMsec:  1000,
			MaxRecvBwRcc: 5000,
		},
		ByeCount: 2,
	}
	return cfg, &primaryTx, &repairTx
}

func TestChannelStartRCCSendsPLINakOnNatBindingComplete(t *testing.T) {
	ipc := dataplane.NewFakeIPC()
	module := NewModule(0)
	cfg, primaryTx, _ := baseConfig(1)

	c, err := New(module, cfg, ipc)
	require.NoError(t, err)

	require.NoError(t, c.StartRCC(context.Background()))
	require.Equal(t, rcc.StateWaitApp, c.RCCState())
	require.Equal(t, 1, module.ConcurrentRCC())

	require.NoError(t, c.CompleteNatBinding(context.Background(), NatPrimaryRTCP, nil, 0))
	require.Equal(t, rcc.StateWaitApp, c.RCCState())
	require.Positive(t, primaryTx.Len())

	// A second rtcp binding completion must not re-deliver the event.
	lenBefore := primaryTx.Len()
	require.NoError(t, c.CompleteNatBinding(context.Background(), NatPrimaryRTCP, nil, 0))
	require.Equal(t, lenBefore, primaryTx.Len())
}

func TestChannelHandlePPDDValidFillReachesFinSuccess(t *testing.T) {
	ipc := dataplane.NewFakeIPC()
	module := NewModule(0)
	cfg, _, _ := baseConfig(2)

	c, err := New(module, cfg, ipc)
	require.NoError(t, err)
	require.NoError(t, c.StartRCC(context.Background()))
	require.NoError(t, c.CompleteNatBinding(context.Background(), NatPrimaryRTCP, nil, 0))

	err = c.HandlePPDD(context.Background(), fillTLV(500))
	require.NoError(t, err)
	require.Equal(t, rcc.StateFinSuccess, c.RCCState())
	require.Equal(t, "NONE", c.RCCFailReason())
	require.Equal(t, 0, module.ConcurrentRCC())
	require.False(t, c.AppArrival().IsZero())
}

func TestChannelHandlePPDDExcessiveFillAborts(t *testing.T) {
	ipc := dataplane.NewFakeIPC()
	module := NewModule(0)
	cfg, _, _ := baseConfig(3)

	c, err := New(module, cfg, ipc)
	require.NoError(t, err)
	require.NoError(t, c.StartRCC(context.Background()))

	err = c.HandlePPDD(context.Background(), fillTLV(5000))
	require.NoError(t, err)
	require.Equal(t, rcc.StateAbort, c.RCCState())
	require.Equal(t, "INVALID_APP", c.RCCFailReason())
}

func TestChannelRccDisabledGoesStraightToFinSuccess(t *testing.T) {
	ipc := dataplane.NewFakeIPC()
	module := NewModule(0)
	cfg, _, _ := baseConfig(4)
	cfg.RccEnable = false

	c, err := New(module, cfg, ipc)
	require.NoError(t, err)
	require.NoError(t, c.StartRCC(context.Background()))
	require.Equal(t, rcc.StateFinSuccess, c.RCCState())
	require.Equal(t, "RCC_DISABLED", c.RCCFailReason())
}

func TestModuleAdmitRCCRespectsMaxConcurrent(t *testing.T) {
	module := NewModule(1)
	require.True(t, module.AdmitRCC())
	require.False(t, module.AdmitRCC())
	module.ReleaseRCC()
	require.True(t, module.AdmitRCC())
}

func TestChannelUnbindLastTunerArmsByeCountdownAndReaps(t *testing.T) {
	ipc := dataplane.NewFakeIPC()
	module := NewModule(0)
	cfg, primaryTx, _ := baseConfig(5)

	c, err := New(module, cfg, ipc)
	require.NoError(t, err)
	c.BindTuner("tuner-0")
	require.Equal(t, 1, c.TunerCount())

	c.UnbindTuner("tuner-0")
	require.Equal(t, 0, c.TunerCount())

	_, ok := module.Lookup(5)
	require.True(t, ok)

	done, err := c.TickBye(time.Now())
	require.NoError(t, err)
	require.False(t, done)
	require.Positive(t, primaryTx.Len())

	done, err = c.TickBye(time.Now())
	require.NoError(t, err)
	require.True(t, done)

	_, ok = module.Lookup(5)
	require.False(t, ok)
}

func TestChannelPollGapsSendsNackAfterPktflowElected(t *testing.T) {
	ipc := dataplane.NewFakeIPC()
	module := NewModule(0)
	cfg, _, repairTx := baseConfig(6)

	c, err := New(module, cfg, ipc)
	require.NoError(t, err)

	key := dataplane.SourceKey{SSRC: 0x1234, SrcAddr: nil, SrcPort: 5004}
	ipc.SetTable(cfg.PrimaryStreamID, []dataplane.SourceEntry{{Key: key, State: dataplane.SourceActive, PktflowPermitted: true}})
	require.NoError(t, c.ProcessUpcall(context.Background(), dataplane.Upcall{
		Kind:       dataplane.UpcallSourceTableChanged,
		Generation: 1,
		Table:      []dataplane.SourceEntry{{Key: key, State: dataplane.SourceActive, PktflowPermitted: true}},
	}))

	ipc.SetGapReport(cfg.ChannelID, []dataplane.GapEntry{{StartSeq: 10, Extent: 0}})
	require.NoError(t, c.PollGaps(context.Background(), time.Now()))
	require.Positive(t, repairTx.Len())
}

func TestChannelClearCountersSnapshotsSessionStats(t *testing.T) {
	ipc := dataplane.NewFakeIPC()
	module := NewModule(0)
	cfg, primaryTx, _ := baseConfig(7)

	c, err := New(module, cfg, ipc)
	require.NoError(t, err)
	require.NoError(t, c.primary.SendReport(time.Now(), nil, false))
	require.Positive(t, primaryTx.Len())

	c.ClearCounters()
	require.EqualValues(t, 0, c.Primary().Stats().Relative().ReportsSent)
}
