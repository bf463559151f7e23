package ifacestat_test

import (
	"bytes"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/e1000-go/e1000"
	"github.com/romshark/e1000-go/ifacestat"
)

func registry(txPkts, txBytes int64) metrics.Registry {
	r := metrics.NewRegistry()
	metrics.GetOrRegisterCounter(e1000.MetricTxPackets, r).Inc(txPkts)
	metrics.GetOrRegisterCounter(e1000.MetricTxBytes, r).Inc(txBytes)
	return r
}

func TestSnapshotSince(t *testing.T) {
	a, b := registry(10, 640), registry(1, 64)
	ifaces := map[string]metrics.Registry{"a": a, "b": b}

	before := ifacestat.Snapshot(ifaces)
	assert.EqualValues(t, 10, before["a"][ifacestat.TxPackets])
	assert.EqualValues(t, 0, before["a"][ifacestat.RxPackets], "unregistered counter")
	assert.Len(t, before["b"], len(ifacestat.All))

	metrics.GetOrRegisterCounter(e1000.MetricTxPackets, a).Inc(5)
	metrics.GetOrRegisterCounter(e1000.MetricTxBytes, a).Inc(320)

	diff := ifacestat.Snapshot(ifaces).Since(before)
	assert.EqualValues(t, 5, diff["a"][ifacestat.TxPackets])
	assert.EqualValues(t, 320, diff["a"][ifacestat.TxBytes])
	assert.EqualValues(t, 0, diff["b"][ifacestat.TxPackets])
}

func TestSnapshotSelectedCounters(t *testing.T) {
	s := ifacestat.Snapshot(map[string]metrics.Registry{"a": registry(3, 192)},
		ifacestat.TxPackets)
	assert.Equal(t, ifacestat.IfaceStats{ifacestat.TxPackets: 3}, s["a"])
}

func TestPrint(t *testing.T) {
	s := ifacestat.Stats{
		"nic1": {ifacestat.TxPackets: 1000, ifacestat.TxBytes: 1_500_000},
		"nic0": {ifacestat.RxPackets: 2, ifacestat.RxBytes: 128, ifacestat.RxDropped: 1},
	}
	var buf bytes.Buffer
	require.NoError(t, ifacestat.Print(&buf, s, map[string]string{"nic0": "loopback"}))

	out := buf.String()
	assert.Contains(t, out, "nic0 (loopback):")
	assert.Contains(t, out, "nic1 :")
	assert.Contains(t, out, "≈ 1.5 MB   (1,500,000)")
	assert.Contains(t, out, "≈ 128 B    (128)")
	assert.Contains(t, out, "dropped 1")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("nic0")), bytes.Index(buf.Bytes(), []byte("nic1")))
}
