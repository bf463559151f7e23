package e1000

import "github.com/rcrowley/go-metrics"

// Counter names in the driver's metrics registry.
const (
	MetricTxPackets   = "tx.packets"
	MetricTxBytes     = "tx.bytes"
	MetricTxBusy      = "tx.busy"
	MetricTxReclaimed = "tx.reclaimed"
	MetricRxPackets   = "rx.packets"
	MetricRxBytes     = "rx.bytes"
	MetricRxDropped   = "rx.dropped.nobuf"
	MetricInterrupts  = "interrupts"
)

type stats struct {
	registry metrics.Registry

	txPackets   metrics.Counter
	txBytes     metrics.Counter
	txBusy      metrics.Counter
	txReclaimed metrics.Counter
	rxPackets   metrics.Counter
	rxBytes     metrics.Counter
	rxDropped   metrics.Counter
	interrupts  metrics.Counter
}

func newStats(r metrics.Registry) *stats {
	return &stats{
		registry:    r,
		txPackets:   metrics.GetOrRegisterCounter(MetricTxPackets, r),
		txBytes:     metrics.GetOrRegisterCounter(MetricTxBytes, r),
		txBusy:      metrics.GetOrRegisterCounter(MetricTxBusy, r),
		txReclaimed: metrics.GetOrRegisterCounter(MetricTxReclaimed, r),
		rxPackets:   metrics.GetOrRegisterCounter(MetricRxPackets, r),
		rxBytes:     metrics.GetOrRegisterCounter(MetricRxBytes, r),
		rxDropped:   metrics.GetOrRegisterCounter(MetricRxDropped, r),
		interrupts:  metrics.GetOrRegisterCounter(MetricInterrupts, r),
	}
}
