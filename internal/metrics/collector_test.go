package metrics

import (
	"bytes"
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/wmanley/cisco-vqe-client-sub002/internal/channel"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/dataplane"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/rcc"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/vqecrtp"
)

// drainCollect gathers every metric a Collector emits into a slice, for
// assertions that don't need a full prometheus registry.
func drainCollect(c prometheus.Collector) []prometheus.Metric {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	var out []prometheus.Metric
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	if pb.Gauge != nil {
		return pb.Gauge.GetValue()
	}
	return pb.Counter.GetValue()
}

func newTestChannel(t *testing.T, module *channel.Module, id dataplane.ChannelID) *channel.Channel {
	t.Helper()
	var primaryTx, repairTx bytes.Buffer
	cfg := channel.Config{
		ChannelID:       id,
		PrimaryStreamID: dataplane.StreamID(id*10 + 1),
		RepairStreamID:  dataplane.StreamID(id*10 + 2),
		CNAME:           "host@example",
		Primary: channel.StreamEndpoint{
			SendRTCPPort: 5005,
			BW:           vqecrtp.RTCPBandwidthConfig{ReceiverBW: 1000},
			TxSocket:     &primaryTx,
		},
		Repair: channel.StreamEndpoint{
			SendRTCPPort: 5007,
			BW:           vqecrtp.RTCPBandwidthConfig{ReceiverBW: 1000},
			TxSocket:     &repairTx,
		},
		ErEnable:  true,
		RccEnable: false,
		RCC: rcc.Config{
			MinFillMsec:  100,
			MaxFillMsec:  1000,
			MaxRecvBwRcc: 5000,
		},
		ByeCount: 1,
	}
	c, err := channel.New(module, cfg, dataplane.NewFakeIPC())
	require.NoError(t, err)
	return c
}

func TestCollectorReportsConcurrentRCCGauge(t *testing.T) {
	module := channel.NewModule(4)
	_ = newTestChannel(t, module, 1)
	require.True(t, module.AdmitRCC())

	c := NewCollector(module)
	metrics := drainCollect(c)

	found := false
	for _, m := range metrics {
		if m.Desc() == c.d.concurrentRCC {
			require.Equal(t, float64(1), metricValue(t, m))
			found = true
		}
	}
	require.True(t, found, "concurrent RCC gauge not emitted")
}

func TestCollectorReportsPerChannelRCCState(t *testing.T) {
	module := channel.NewModule(0)
	ch := newTestChannel(t, module, 2)
	require.NoError(t, ch.StartRCC(context.Background()))

	c := NewCollector(module)
	metrics := drainCollect(c)

	found := false
	for _, m := range metrics {
		if m.Desc() == c.d.rccState {
			require.Equal(t, rccStateValue[rcc.StateFinSuccess], metricValue(t, m))
			found = true
		}
	}
	require.True(t, found, "rcc state gauge not emitted for the registered channel")
}

func TestCollectorReportsSessionCountersAfterSend(t *testing.T) {
	module := channel.NewModule(0)
	ch := newTestChannel(t, module, 3)
	require.NoError(t, ch.Primary().SendReport(time.Now(), nil, false))

	c := NewCollector(module)
	metrics := drainCollect(c)

	found := false
	for _, m := range metrics {
		if m.Desc() == c.d.reportsSent {
			if metricValue(t, m) > 0 {
				found = true
			}
		}
	}
	require.True(t, found, "expected at least one non-zero reports_sent series")
}
