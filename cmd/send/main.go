//go:build linux

// Command send transmits generated UDP frames through an e1000 driven from
// userspace.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000-go/dma"
	"github.com/romshark/e1000-go/e1000"
	"github.com/romshark/e1000-go/ifacestat"
	"github.com/romshark/e1000-go/mbuf"
	"github.com/romshark/e1000-go/mmio"
	"github.com/romshark/e1000-go/pktgen"
	"github.com/romshark/e1000-go/ratelimit"
)

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	fPCI := flag.String("pci", "", "PCI address of the device, e.g. 0000:00:03.0")
	fBAR := flag.Int("bar", 0, "memory BAR holding the registers")
	fUnbind := flag.Bool("unbind", false, "unbind the kernel driver first")
	fSrcMAC := flag.String("m", e1000.DefaultMAC.String(), "Source MAC")
	fDestMACStr := flag.String("d", "", "Destination MAC")
	fSrcIPStr := flag.String("s", "", "Source IP")
	fDestIPStr := flag.String("D", "", "Destination IP")
	fPort := flag.Int("p", 0, "Destination port")
	fCount := flag.Uint64("n", 0, "Frames to send")
	fPktSize := flag.Uint("l", 1360, "Frame size")
	fRate := flag.Uint64("rate", 0, "Frames per second, 0 for unlimited")
	fRing := flag.Uint("r", 256, "Ring size")
	fVerbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	l := logrus.New()
	if *fVerbose {
		l.SetLevel(logrus.DebugLevel)
	}

	srcMAC, err := net.ParseMAC(*fSrcMAC)
	must(err)
	dstMAC, err := net.ParseMAC(*fDestMACStr)
	must(err)
	srcIP := net.ParseIP(*fSrcIPStr).To4()
	dstIP := net.ParseIP(*fDestIPStr).To4()

	const srcPort = 12345
	builder, err := pktgen.NewBuilder(pktgen.Template{
		SrcMAC:    srcMAC,
		DstMAC:    dstMAC,
		SrcIP:     srcIP,
		DstIP:     dstIP,
		SrcPort:   srcPort,
		DstPort:   uint16(*fPort),
		FrameSize: int(*fPktSize),
	})
	must(err)

	if *fUnbind {
		must(mmio.UnbindDriver(*fPCI))
	}
	vendor, device, err := mmio.ReadID(*fPCI)
	must(err)
	must(mmio.EnableBusMaster(*fPCI))
	bar, err := mmio.MapBAR(*fPCI, *fBAR)
	must(err)
	defer bar.Close()

	mem, err := dma.OpenHugepages()
	must(err)
	defer mem.Close()

	pool, err := mbuf.NewPool(mem, mbuf.PoolConfig{NumBuffers: 4 * uint32(*fRing)})
	must(err)

	drv, err := e1000.New(l, bar, mem, pool, e1000.IngressFunc(pool.Free), e1000.Config{
		TxRingSize: uint32(*fRing),
		RxRingSize: uint32(*fRing),
		MAC:        srcMAC,
	})
	must(err)
	defer drv.Close()

	fmt.Fprintf(os.Stderr,
		"e1000 TX:\npci=%s id=%04x:%04x dst_mac=%s src_ip=%s dst_ip=%s dst_port=%d count=%d\n",
		*fPCI, vendor, device, dstMAC, srcIP, dstIP, *fPort, *fCount,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Received frames go straight back to the pool.
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		_ = drv.Poll(ctx, time.Millisecond)
	}()

	throttle := ratelimit.New(*fRate)
	backoff := ratelimit.Backoff{Max: 100 * time.Microsecond, Retries: 10_000}

	var (
		seq  uint32
		sent uint64
	)
	start := time.Now()

	for sent < *fCount && ctx.Err() == nil {
		throttle.ThrottleN(1)

		buf := pool.Alloc(0)
		if buf == nil {
			// Everything is parked in the tx ring waiting for reuse.
			time.Sleep(time.Millisecond)
			continue
		}
		frame, err := builder.Build(seq)
		must(err)
		must(buf.Append(frame))

		err = backoff.Do(ctx, func() error { return drv.Transmit(buf) }, e1000.ErrBusy)
		if err != nil {
			pool.Free(buf)
			l.WithError(err).WithField("seq", seq).Error("transmit failed")
			break
		}
		seq++
		sent++
	}

	elapsed := time.Since(start)
	stop()
	<-pollDone

	pps := float64(sent) / elapsed.Seconds()
	s := ifacestat.Snapshot(map[string]metrics.Registry{*fPCI: drv.Metrics()})[*fPCI]

	fmt.Fprintf(os.Stderr,
		"finished: sent=%s busy=%s bytes=%s | duration=%s | rate=%s pps\n",
		humanize.Comma(int64(sent)),
		humanize.Comma(int64(s[ifacestat.TxBusy])),
		humanize.Bytes(s[ifacestat.TxBytes]),
		elapsed,
		humanize.Comma(int64(pps)),
	)
}
