// Package ifacestat snapshots and reports driver counters.
package ifacestat

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"

	"github.com/romshark/e1000-go/e1000"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	TxBusy
	RxPackets
	RxBytes
	RxDropped
	Interrupts
)

// All lists every counter in report order.
var All = []Counter{TxPackets, TxBytes, TxBusy, RxPackets, RxBytes, RxDropped, Interrupts}

// String returns the metric name the driver registers the counter under.
func (c Counter) String() string {
	switch c {
	case TxPackets:
		return e1000.MetricTxPackets
	case TxBytes:
		return e1000.MetricTxBytes
	case TxBusy:
		return e1000.MetricTxBusy
	case RxPackets:
		return e1000.MetricRxPackets
	case RxBytes:
		return e1000.MetricRxBytes
	case RxDropped:
		return e1000.MetricRxDropped
	case Interrupts:
		return e1000.MetricInterrupts
	}
	return ""
}

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// Snapshot reads counters from the registry of every named interface.
// Counters missing from a registry read as 0.
func Snapshot(ifaces map[string]metrics.Registry, counters ...Counter) Stats {
	if len(counters) == 0 {
		counters = All
	}
	s := make(Stats, len(ifaces))
	for name, r := range ifaces {
		vals := make(IfaceStats, len(counters))
		for _, ctr := range counters {
			vals[ctr] = 0
			if c, ok := r.Get(ctr.String()).(metrics.Counter); ok {
				vals[ctr] = uint64(c.Count())
			}
		}
		s[name] = vals
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]

		txPkts := stats[TxPackets]
		txBytes := stats[TxBytes]
		rxPkts := stats[RxPackets]
		rxBytes := stats[RxBytes]

		var err error
		if alias, ok := aliases[iface]; ok {
			_, err = fmt.Fprintf(w, "%s (%s):\n", iface, alias)
		} else {
			_, err = fmt.Fprintf(w, "%s :\n", iface)
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)  busy %s\n",
			txPkts, humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)),
			humanize.Comma(int64(stats[TxBusy])),
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)  dropped %s\n",
			rxPkts, humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
			humanize.Comma(int64(stats[RxDropped])),
		)
		if irq, ok := stats[Interrupts]; ok {
			fmt.Fprintf(w, "  IRQ  %s\n", humanize.Comma(int64(irq)))
		}
	}

	return nil
}
