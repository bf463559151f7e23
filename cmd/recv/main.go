//go:build linux

// Command recv receives frames through an e1000 driven from userspace and
// reports the receive rate.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/romshark/e1000-go/dma"
	"github.com/romshark/e1000-go/e1000"
	"github.com/romshark/e1000-go/ifacestat"
	"github.com/romshark/e1000-go/mbuf"
	"github.com/romshark/e1000-go/mmio"
	"github.com/romshark/e1000-go/pktgen"
)

type Config struct {
	PCI          string        `yaml:"pci"`
	BAR          int           `yaml:"bar"`
	Unbind       bool          `yaml:"unbind"`
	MAC          string        `yaml:"mac"`
	RingSize     uint32        `yaml:"ring-size"`
	Buffers      uint32        `yaml:"buffers"`
	PollInterval time.Duration `yaml:"poll-interval"`

	Stats struct {
		Listen    string        `yaml:"listen"`
		Path      string        `yaml:"path"`
		Namespace string        `yaml:"namespace"`
		Subsystem string        `yaml:"subsystem"`
		Interval  time.Duration `yaml:"interval"`
	} `yaml:"stats"`

	LogLevel  string `yaml:"log-level"`
	LogFormat string `yaml:"log-format"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fPCI := flag.String("pci", "", "PCI address of the device")
	fMAC := flag.String("m", "", "MAC to accept")
	fListen := flag.String("listen", "", "Prometheus listen address")
	fLogLevel := flag.String("log", "", "log level")
	flag.Parse()

	var conf Config
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if *fPCI != "" {
		conf.PCI = *fPCI
	}
	if *fMAC != "" {
		conf.MAC = *fMAC
	}
	if *fListen != "" {
		conf.Stats.Listen = *fListen
	}
	if *fLogLevel != "" {
		conf.LogLevel = *fLogLevel
	}

	// Defaults

	if conf.MAC == "" {
		conf.MAC = e1000.DefaultMAC.String()
	}
	if conf.RingSize == 0 {
		conf.RingSize = 256
	}
	if conf.Buffers == 0 {
		conf.Buffers = 4 * conf.RingSize
	}
	if conf.PollInterval == 0 {
		conf.PollInterval = 100 * time.Microsecond
	}
	if conf.Stats.Path == "" {
		conf.Stats.Path = "/metrics"
	}
	if conf.Stats.Interval == 0 {
		conf.Stats.Interval = 10 * time.Second
	}
	if conf.LogLevel == "" {
		conf.LogLevel = "info"
	}

	// Validate

	if conf.PCI == "" {
		return nil, errors.New("pci must be set (or use -pci)")
	}
	if _, err := net.ParseMAC(conf.MAC); err != nil {
		return nil, fmt.Errorf("invalid mac %q: %w", conf.MAC, err)
	}
	if conf.Buffers <= conf.RingSize {
		return nil, errors.New("buffers must exceed ring-size")
	}

	return &conf, nil
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

// serveStats exports the registry to Prometheus until ctx is done.
func serveStats(ctx context.Context, l *logrus.Logger, conf *Config, r metrics.Registry) error {
	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(r, conf.Stats.Namespace, conf.Stats.Subsystem, pr, conf.Stats.Interval)
	go pClient.UpdatePrometheusMetrics()

	mux := http.NewServeMux()
	mux.Handle(conf.Stats.Path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
	srv := &http.Server{Addr: conf.Stats.Listen, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	l.Infof("Prometheus stats listening on %s at %s", conf.Stats.Listen, conf.Stats.Path)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	l, err := newLogger(conf.LogLevel, conf.LogFormat)
	fatalIf(err, "configuring logger")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	if conf.Unbind {
		fatalIf(mmio.UnbindDriver(conf.PCI), "unbinding kernel driver")
	}
	fatalIf(mmio.EnableBusMaster(conf.PCI), "enabling bus mastering")
	bar, err := mmio.MapBAR(conf.PCI, conf.BAR)
	fatalIf(err, "mapping BAR%d", conf.BAR)
	defer bar.Close()

	mem, err := dma.OpenHugepages()
	fatalIf(err, "allocating hugepages")
	defer mem.Close()

	pool, err := mbuf.NewPool(mem, mbuf.PoolConfig{NumBuffers: conf.Buffers})
	fatalIf(err, "creating buffer pool")

	var (
		udpFrames atomic.Uint64
		gaps      atomic.Uint64
		nextSeq   = map[string]uint32{}
	)
	in := e1000.IngressFunc(func(b *mbuf.Buffer) {
		defer pool.Free(b)
		f, err := pktgen.Decode(b.Bytes())
		if err != nil {
			return
		}
		udpFrames.Add(1)
		// Delivery is serialized by the dispatcher, nextSeq needs no lock.
		src := f.SrcIP.String()
		if want, ok := nextSeq[src]; ok && f.Seq != want {
			gaps.Add(1)
		}
		nextSeq[src] = f.Seq + 1
	})

	mac, _ := net.ParseMAC(conf.MAC)
	reg := metrics.NewRegistry()
	drv, err := e1000.New(l, bar, mem, pool, in, e1000.Config{
		TxRingSize: conf.RingSize,
		RxRingSize: conf.RingSize,
		MAC:        mac,
		Metrics:    reg,
	})
	fatalIf(err, "initializing device")

	metrics.NewRegisteredFunctionalGauge("rx.udp", reg, func() int64 { return int64(udpFrames.Load()) })
	metrics.NewRegisteredFunctionalGauge("rx.seq.gaps", reg, func() int64 { return int64(gaps.Load()) })

	fmt.Fprintf(os.Stderr, "e1000 RX: pci=%s mac=%s ring=%d poll=%s\n",
		conf.PCI, mac, conf.RingSize, conf.PollInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := drv.Poll(ctx, conf.PollInterval); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if conf.Stats.Listen != "" {
		g.Go(func() error { return serveStats(ctx, l, conf, reg) })
	}

	g.Go(func() error {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		var (
			maxPPS  float64
			maxMbps float64
		)
		ifaces := map[string]metrics.Registry{conf.PCI: reg}
		last := ifacestat.Snapshot(ifaces)
		lastTime := time.Now()

		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				elapsed := now.Sub(lastTime).Seconds()
				s := ifacestat.Snapshot(ifaces)
				cur := s.Since(last)[conf.PCI]

				pps := float64(cur[ifacestat.RxPackets]) / elapsed
				mbps := float64(cur[ifacestat.RxBytes]*8) / elapsed / 1e6
				maxPPS = max(maxPPS, pps)
				maxMbps = max(maxMbps, mbps)

				fmt.Printf(
					"total=%d udp=%d gaps=%d | cur=%.0f pps %.2f Mbit/s | max=%.0f pps %.2f Mbit/s\n",
					s[conf.PCI][ifacestat.RxPackets],
					udpFrames.Load(),
					gaps.Load(),
					pps,
					mbps,
					maxPPS,
					maxMbps,
				)

				last, lastTime = s, now
			}
		}
	})

	err = g.Wait()
	fatalIf(errors.Join(err, drv.Close()), "receiving")

	fmt.Println()
	fatalIf(ifacestat.Print(os.Stdout,
		ifacestat.Snapshot(map[string]metrics.Registry{conf.PCI: reg}),
		map[string]string{conf.PCI: conf.MAC}), "printing counters")
}
