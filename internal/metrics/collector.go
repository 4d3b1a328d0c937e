// Package metrics implements a custom prometheus.Collector (spec §6's CLI
// "show" surface, exported for scraping instead of line-mode text) that
// walks every channel currently registered in a channel.Module and reports
// its RTCP session counters, RCC state, gap-reporter/policer counters and
// upcall counters. Policer token levels are not reported.
package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wmanley/cisco-vqe-client-sub002/internal/channel"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/rcc"
)

const namespace = "vqec"

var rccStateValue = map[string]float64{
	rcc.StateInit:       0,
	rcc.StateWaitApp:    1,
	rcc.StateFinSuccess: 2,
	rcc.StateAbort:      3,
}

type desc struct {
	reportsSent         *prometheus.Desc
	reportsReceived     *prometheus.Desc
	malformedPkts       *prometheus.Desc
	rccState            *prometheus.Desc
	concurrentRCC       *prometheus.Desc
	gapNackCounter      *prometheus.Desc
	gapRepairsRequested *prometheus.Desc
	gapRepairsPoliced   *prometheus.Desc
	upcallRepeat        *prometheus.Desc
	upcallLost          *prometheus.Desc
}

func newDesc() desc {
	chanLabels := []string{"channel_id", "session"}
	return desc{
		reportsSent: prometheus.NewDesc(
			fmt.Sprintf("%s_rtcp_reports_sent_total", namespace),
			"RTCP compound reports sent on this session since the last clear-counters.",
			chanLabels, nil,
		),
		reportsReceived: prometheus.NewDesc(
			fmt.Sprintf("%s_rtcp_reports_received_total", namespace),
			"RTCP compound reports received on this session since the last clear-counters.",
			chanLabels, nil,
		),
		malformedPkts: prometheus.NewDesc(
			fmt.Sprintf("%s_rtcp_malformed_packets_total", namespace),
			"Malformed RTCP packets dropped on this session since the last clear-counters.",
			chanLabels, nil,
		),
		rccState: prometheus.NewDesc(
			fmt.Sprintf("%s_rcc_state", namespace),
			"Current RCC FSM state: 0=Init 1=WaitApp 2=FinSuccess 3=Abort.",
			[]string{"channel_id"}, nil,
		),
		concurrentRCC: prometheus.NewDesc(
			fmt.Sprintf("%s_module_concurrent_rcc", namespace),
			"Number of channels currently holding a concurrent-RCC admission slot.",
			nil, nil,
		),
		gapNackCounter: prometheus.NewDesc(
			fmt.Sprintf("%s_er_generic_nack_total", namespace),
			"Generic NACK FCIs emitted by the error-repair policer since the last clear-counters.",
			[]string{"channel_id"}, nil,
		),
		gapRepairsRequested: prometheus.NewDesc(
			fmt.Sprintf("%s_er_repairs_requested_total", namespace),
			"Repair packets requested by the error-repair gap reporter since the last clear-counters.",
			[]string{"channel_id"}, nil,
		),
		gapRepairsPoliced: prometheus.NewDesc(
			fmt.Sprintf("%s_er_repairs_policed_total", namespace),
			"Repair requests suppressed by the token bucket since the last clear-counters.",
			[]string{"channel_id"}, nil,
		),
		upcallRepeat: prometheus.NewDesc(
			fmt.Sprintf("%s_upcall_repeat_events_total", namespace),
			"Dataplane upcalls dropped as stale repeats of the last seen generation number.",
			[]string{"channel_id"}, nil,
		),
		upcallLost: prometheus.NewDesc(
			fmt.Sprintf("%s_upcall_lost_events_total", namespace),
			"Dataplane upcalls dropped as out-of-order relative to the last seen generation number.",
			[]string{"channel_id"}, nil,
		),
	}
}

// Collector implements prometheus.Collector over a channel.Module's live
// registry. It holds no state of its own; every Collect call re-walks the
// registry, so metrics always reflect channels currently bound rather than
// ones that have been torn down.
type Collector struct {
	module *channel.Module
	d      desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds a Collector over module. Register it with a
// prometheus.Registry the way the host process wires up any other
// collector.
func NewCollector(module *channel.Module) *Collector {
	return &Collector{module: module, d: newDesc()}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.d.reportsSent
	ch <- c.d.reportsReceived
	ch <- c.d.malformedPkts
	ch <- c.d.rccState
	ch <- c.d.concurrentRCC
	ch <- c.d.gapNackCounter
	ch <- c.d.gapRepairsRequested
	ch <- c.d.gapRepairsPoliced
	ch <- c.d.upcallRepeat
	ch <- c.d.upcallLost
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.d.concurrentRCC, prometheus.GaugeValue, float64(c.module.ConcurrentRCC()))

	for _, ch0 := range c.module.Channels() {
		c.collectChannel(ch, ch0)
	}
}

func (c *Collector) collectChannel(ch chan<- prometheus.Metric, ch0 *channel.Channel) {
	id := strconv.FormatUint(uint64(uint32(ch0.ID())), 10)

	if p := ch0.Primary(); p != nil {
		s := p.Stats().Relative()
		ch <- prometheus.MustNewConstMetric(c.d.reportsSent, prometheus.CounterValue, float64(s.ReportsSent), id, "primary")
		ch <- prometheus.MustNewConstMetric(c.d.reportsReceived, prometheus.CounterValue, float64(s.ReportsReceived), id, "primary")
		ch <- prometheus.MustNewConstMetric(c.d.malformedPkts, prometheus.CounterValue, float64(s.MalformedPkts), id, "primary")
	}

	if r := ch0.Repair(); r != nil {
		s := r.Stats().Relative()
		ch <- prometheus.MustNewConstMetric(c.d.reportsSent, prometheus.CounterValue, float64(s.ReportsSent), id, "repair")
		ch <- prometheus.MustNewConstMetric(c.d.reportsReceived, prometheus.CounterValue, float64(s.ReportsReceived), id, "repair")
		ch <- prometheus.MustNewConstMetric(c.d.malformedPkts, prometheus.CounterValue, float64(s.MalformedPkts), id, "repair")

		gc := r.GapCounters()
		ch <- prometheus.MustNewConstMetric(c.d.gapNackCounter, prometheus.CounterValue, float64(gc.GenericNackCounter), id)
		ch <- prometheus.MustNewConstMetric(c.d.gapRepairsRequested, prometheus.CounterValue, float64(gc.TotalRepairsRequested), id)
		ch <- prometheus.MustNewConstMetric(c.d.gapRepairsPoliced, prometheus.CounterValue, float64(gc.TotalRepairsPoliced), id)
	}

	if v, ok := rccStateValue[ch0.RCCState()]; ok {
		ch <- prometheus.MustNewConstMetric(c.d.rccState, prometheus.GaugeValue, v, id)
	}

	repeat, lost := ch0.UpcallCounters()
	ch <- prometheus.MustNewConstMetric(c.d.upcallRepeat, prometheus.CounterValue, float64(repeat), id)
	ch <- prometheus.MustNewConstMetric(c.d.upcallLost, prometheus.CounterValue, float64(lost), id)
}
