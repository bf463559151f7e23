// Command bench runs a loopback benchmark between two driver instances on
// simulated devices connected back to back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/e1000-go/dma"
	"github.com/romshark/e1000-go/e1000"
	"github.com/romshark/e1000-go/ifacestat"
	"github.com/romshark/e1000-go/mbuf"
	"github.com/romshark/e1000-go/nicsim"
	"github.com/romshark/e1000-go/pktgen"
	"github.com/romshark/e1000-go/ratelimit"
)

type Config struct {
	Egress struct {
		MAC      string `yaml:"mac"`
		RingSize uint32 `yaml:"ring-size"`
		// ManualTx makes the link drain the egress device in batches, so
		// the sender runs into a full ring.
		ManualTx  bool   `yaml:"manual-tx"`
		LinkBatch int    `yaml:"link-batch"`
		SrcIP     string `yaml:"src-ip"` // Not CLI-overwritable.
		DstIP     string `yaml:"dst-ip"`
		SrcPort   int    `yaml:"src-port"`
		DstPort   int    `yaml:"dst-port"`
	} `yaml:"egress"`

	Ingress struct {
		MAC      string `yaml:"mac"`
		RingSize uint32 `yaml:"ring-size"`
	} `yaml:"ingress"`

	Buffers   uint32 `yaml:"buffers"`
	FrameSize int    `yaml:"frame-size"`
	Count     uint64 `yaml:"count"`
	Rate      uint64 `yaml:"rate"`
	LogLevel  string `yaml:"log-level"`
	LogFormat string `yaml:"log-format"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "bench.yaml", "path to config YAML file")
	fCount := flag.Uint64("n", 0, "frame count")
	fFrameSize := flag.Int("l", 0, "frame size")
	fRing := flag.Uint("r", 0, "ring size of both devices")
	fRate := flag.Uint64("rate", 0, "frames per second, 0 for unlimited")
	fManual := flag.Bool("m", false, "manual tx completion on the egress device")
	fLogLevel := flag.String("log", "", "log level")

	flag.Parse()

	var conf Config
	b, err := os.ReadFile(*fConfig)
	switch {
	case errors.Is(err, os.ErrNotExist) && !isFlagSet("config"):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fFrameSize != 0 {
		conf.FrameSize = *fFrameSize
	}
	if *fRing != 0 {
		conf.Egress.RingSize, conf.Ingress.RingSize = uint32(*fRing), uint32(*fRing)
	}
	if *fRate != 0 {
		conf.Rate = *fRate
	}
	if *fManual {
		conf.Egress.ManualTx = true
	}
	if *fLogLevel != "" {
		conf.LogLevel = *fLogLevel
	}

	// Defaults

	if conf.Egress.MAC == "" {
		conf.Egress.MAC = "52:54:00:12:34:56"
	}
	if conf.Ingress.MAC == "" {
		conf.Ingress.MAC = "52:54:00:12:34:57"
	}
	if conf.Egress.SrcIP == "" {
		conf.Egress.SrcIP = "10.0.0.1"
	}
	if conf.Egress.DstIP == "" {
		conf.Egress.DstIP = "10.0.0.2"
	}
	if conf.Egress.SrcPort == 0 {
		conf.Egress.SrcPort = 9000
	}
	if conf.Egress.DstPort == 0 {
		conf.Egress.DstPort = 12345
	}
	if conf.Egress.LinkBatch == 0 {
		conf.Egress.LinkBatch = 8
	}
	if conf.Buffers == 0 {
		conf.Buffers = 4096
	}
	if conf.FrameSize == 0 {
		conf.FrameSize = 1024
	}
	if conf.Count == 0 {
		conf.Count = 100_000
	}
	if conf.LogLevel == "" {
		conf.LogLevel = "info"
	}

	// Validate

	for _, mac := range []string{conf.Egress.MAC, conf.Ingress.MAC} {
		if _, err := net.ParseMAC(mac); err != nil {
			return nil, fmt.Errorf("invalid mac %q: %w", mac, err)
		}
	}
	if conf.Egress.MAC == conf.Ingress.MAC {
		return nil, errors.New("egress.mac and ingress.mac must differ")
	}
	if net.ParseIP(conf.Egress.SrcIP) == nil {
		return nil, fmt.Errorf("invalid egress.src-ip %q", conf.Egress.SrcIP)
	}
	if net.ParseIP(conf.Egress.DstIP) == nil {
		return nil, fmt.Errorf("invalid egress.dst-ip %q", conf.Egress.DstIP)
	}
	if conf.Egress.DstPort <= 0 || conf.Egress.DstPort > 65535 {
		return nil, errors.New("egress.dst-port must be between 1-65535")
	}
	if conf.Egress.SrcPort <= 0 || conf.Egress.SrcPort > 65535 {
		return nil, errors.New("egress.src-port must be between 1-65535")
	}
	if conf.FrameSize < pktgen.MinFrameSize || conf.FrameSize > pktgen.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", pktgen.ErrFrameSize, conf.FrameSize)
	}
	if conf.Egress.LinkBatch < 0 {
		return nil, errors.New("egress.link-batch must be >= 0")
	}

	return &conf, nil
}

func isFlagSet(name string) (set bool) {
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func newLogger(level, format string) (*logrus.Logger, error) {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l.SetLevel(lvl)
	switch format {
	case "", "text":
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return l, nil
}

// nic is one driver on its own simulated device.
type nic struct {
	dev  *nicsim.Device
	pool *mbuf.Pool
	drv  *e1000.Driver
}

func newNIC(
	l *logrus.Logger, mem *dma.Heap, mac string, ringSize, buffers uint32,
	simConf nicsim.Config, in e1000.Ingress,
) (*nic, error) {
	hw, _ := net.ParseMAC(mac)
	pool, err := mbuf.NewPool(mem, mbuf.PoolConfig{NumBuffers: buffers})
	if err != nil {
		return nil, err
	}
	dev := nicsim.New(l, mem, simConf)
	drv, err := e1000.New(l, dev, mem, pool, in, e1000.Config{
		TxRingSize: ringSize,
		RxRingSize: ringSize,
		MAC:        hw,
	})
	if err != nil {
		return nil, err
	}
	dev.Connect(func() { drv.HandleInterrupt() })
	return &nic{dev: dev, pool: pool, drv: drv}, nil
}

type Stats struct {
	Received  atomic.Uint64
	Malformed atomic.Uint64
	Reordered atomic.Uint64
	Missed    atomic.Uint64
	Elapsed   atomic.Int64
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	l, err := newLogger(conf.LogLevel, conf.LogFormat)
	fatalIf(err, "configuring logger")

	// Print final resolved config
	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	mem := dma.NewHeap()

	var (
		stats           Stats
		lastSeq         atomic.Int64
		ingress, egress *nic
	)
	lastSeq.Store(-1)
	ingress, err = newNIC(l, mem, conf.Ingress.MAC, conf.Ingress.RingSize, conf.Buffers,
		nicsim.Config{}, e1000.IngressFunc(func(b *mbuf.Buffer) {
			defer ingress.pool.Free(b)
			f, err := pktgen.Decode(b.Bytes())
			if err != nil {
				stats.Malformed.Add(1)
				return
			}
			if int64(f.Seq) <= lastSeq.Swap(int64(f.Seq)) {
				stats.Reordered.Add(1)
			}
			stats.Received.Add(1)
		}))
	fatalIf(err, "ingress nic")
	defer ingress.drv.Close()

	egress, err = newNIC(l, mem, conf.Egress.MAC, conf.Egress.RingSize, conf.Buffers,
		nicsim.Config{ManualTx: conf.Egress.ManualTx}, e1000.IngressFunc(func(b *mbuf.Buffer) {
			egress.pool.Free(b) // nothing is sent to the egress side
		}))
	fatalIf(err, "egress nic")
	defer egress.drv.Close()

	builder, err := pktgen.NewBuilder(pktgen.Template{
		SrcMAC:    egress.drv.MAC(),
		DstMAC:    ingress.drv.MAC(),
		SrcIP:     net.ParseIP(conf.Egress.SrcIP),
		DstIP:     net.ParseIP(conf.Egress.DstIP),
		SrcPort:   uint16(conf.Egress.SrcPort),
		DstPort:   uint16(conf.Egress.DstPort),
		FrameSize: conf.FrameSize,
	})
	fatalIf(err, "frame template")

	ifaces := map[string]metrics.Registry{
		"egress":  egress.drv.Metrics(),
		"ingress": ingress.drv.Metrics(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// The wire. Transmit callbacks run under the egress tx lock, so frames
	// are carried to the ingress device from a separate goroutine.
	wire := make(chan []byte, 1024)
	egress.dev.OnTransmit(func(frame []byte) {
		select {
		case wire <- frame:
		case <-ctx.Done():
		}
	})

	var sent atomic.Uint64
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case frame := <-wire:
				err := ingress.dev.Inject(frame)
				switch {
				case errors.Is(err, nicsim.ErrNoDescriptors):
					stats.Missed.Add(1)
				case err != nil:
					return fmt.Errorf("wire: %w", err)
				}
			}
		}
	})

	if conf.Egress.ManualTx {
		g.Go(func() error {
			for ctx.Err() == nil {
				if egress.dev.CompleteTx(conf.Egress.LinkBatch) == 0 {
					time.Sleep(10 * time.Microsecond)
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		last := ifacestat.Snapshot(ifaces)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				now := ifacestat.Snapshot(ifaces)
				_ = ifacestat.Print(os.Stdout, now.Since(last), nil)
				last = now
			}
		}
	})

	g.Go(func() error {
		throttle := ratelimit.New(conf.Rate)
		backoff := ratelimit.Backoff{Retries: 1 << 20}
		start := time.Now()
		defer func() { stats.Elapsed.Store(time.Since(start).Nanoseconds()) }()

		for seq := range conf.Count {
			if ctx.Err() != nil {
				return nil
			}
			throttle.ThrottleN(1)

			buf := egress.pool.Alloc(0)
			if buf == nil {
				return errors.New("egress buffer pool exhausted")
			}
			frame, err := builder.Build(uint32(seq))
			if err != nil {
				return err
			}
			if err := buf.Append(frame); err != nil {
				return err
			}

			err = backoff.Do(ctx, func() error { return egress.drv.Transmit(buf) }, e1000.ErrBusy)
			if err != nil {
				egress.pool.Free(buf)
				return fmt.Errorf("transmitting frame %d: %w", seq, err)
			}
			sent.Add(1)
		}
		return nil
	})

	// Stop once every frame sent arrived or was missed, or the link idles.
	g.Go(func() error {
		idle := 0
		var last uint64
		for range time.Tick(10 * time.Millisecond) {
			if ctx.Err() != nil {
				return nil
			}
			done := stats.Received.Load() + stats.Missed.Load() + stats.Malformed.Load()
			if done >= conf.Count {
				cancel()
				return nil
			}
			if done == last && sent.Load() == conf.Count {
				if idle++; idle > 100 {
					l.WithField("outstanding", conf.Count-done).Warn("link idle, giving up")
					cancel()
					return nil
				}
			} else {
				idle = 0
			}
			last = done
		}
		return nil
	})

	fatalIf(g.Wait(), "running benchmark")

	txPackets := sent.Load()
	rxPackets := stats.Received.Load()
	final := ifacestat.Snapshot(ifaces)
	txBytes := final["egress"][ifacestat.TxBytes]
	rxBytes := final["ingress"][ifacestat.RxBytes]

	drops := txPackets - rxPackets
	elapsed := float64(stats.Elapsed.Load()) / 1e9
	txAvgPPS := uint64(float64(txPackets) / elapsed)
	rxAvgPPS := uint64(float64(rxPackets) / elapsed)
	txAvgMbps := float64(txBytes*8) / 1e6 / elapsed
	rxAvgMbps := float64(rxBytes*8) / 1e6 / elapsed

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d frames\n", txPackets)
	p.Printf(" RX:                %d frames\n", rxPackets)
	p.Printf(" TX busy:           %d\n", final["egress"][ifacestat.TxBusy])
	p.Printf(" TX Avg PPS:        %d\n", txAvgPPS)
	p.Printf(" RX Avg PPS:        %d\n", rxAvgPPS)
	p.Printf(" TX Avg rate:       %.1f Mbps\n", txAvgMbps)
	p.Printf(" RX Avg rate:       %.1f Mbps\n", rxAvgMbps)
	p.Printf(" Missed:            %d\n", stats.Missed.Load())
	p.Printf(" Reordered:         %d\n", stats.Reordered.Load())
	p.Printf(" Dropped:           %d (%.4f%%)\n",
		drops, float64(drops)/float64(txPackets)*100)
	fmt.Println()
	fatalIf(ifacestat.Print(os.Stdout, final, map[string]string{
		"egress":  conf.Egress.MAC,
		"ingress": conf.Ingress.MAC,
	}), "printing counters")
}
