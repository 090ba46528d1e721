// Network clock service

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"example.com/netclock/base/zaplog"

	"example.com/netclock/benchmark"

	"example.com/netclock/core/client"
	"example.com/netclock/core/config"
	"example.com/netclock/core/discovery"
	"example.com/netclock/core/monitor"
	"example.com/netclock/core/netclock"
	"example.com/netclock/core/server"
	"example.com/netclock/core/timebase"

	"example.com/netclock/driver/clock"

	"example.com/netclock/ui"
)

const (
	toolExchangeTimeout = 5 * time.Second
	toolPollInterval    = time.Second
)

var (
	log *zap.Logger
)

func initLogger(verbose bool) {
	c := zap.NewDevelopmentConfig()
	c.DisableStacktrace = true
	c.EncoderConfig.EncodeCaller = func(
		caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		p := caller.TrimmedPath()
		if len(p) > 30 {
			p = "..." + p[len(p)-27:]
		}
		enc.AppendString(fmt.Sprintf("%30s", p))
	}
	if !verbose {
		c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	var err error
	log, err = c.Build()
	if err != nil {
		panic(err)
	}
	zaplog.SetLogger(log)
}

// initTUILogger keeps log output from tearing the terminal view.
func initTUILogger(verbose bool) {
	c := zap.NewDevelopmentConfig()
	c.DisableStacktrace = true
	c.OutputPaths = []string{"netclock.log"}
	c.ErrorOutputPaths = []string{"netclock.log"}
	if !verbose {
		c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	var err error
	log, err = c.Build()
	if err != nil {
		panic(err)
	}
	zaplog.SetLogger(log)
}

func loadConfig(configFile string) config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal("failed to load configuration", zap.String("file", configFile), zap.Error(err))
	}
	return cfg
}

func registerLocalClock(stepThreshold time.Duration) *clock.SystemClock {
	lclk := &clock.SystemClock{Log: log, StepThreshold: stepThreshold}
	timebase.RegisterClock(lclk)
	return lclk
}

func newTransport(cfg *config.Config, lclk *clock.SystemClock) client.Transport {
	switch cfg.Transport {
	case config.TransportSNTP:
		return &client.SNTPClient{Log: log}
	default:
		c := &client.IPClient{
			Log:   log,
			DSCP:  cfg.DSCP,
			Clock: lclk,
		}
		if cfg.LocalAddr != "" {
			c.LocalAddr = &net.UDPAddr{IP: net.ParseIP(cfg.LocalAddr)}
		}
		return c
	}
}

// servers merges the configured servers with those found via mDNS and
// applies the max_servers selection.
func servers(ctx context.Context, cfg *config.Config) []string {
	ss := slices.Clone(cfg.Servers)
	if cfg.Discovery.Enabled {
		found, err := discovery.Browse(ctx, discovery.Config{
			Log:     log,
			Service: cfg.Discovery.Service,
			Domain:  cfg.Discovery.Domain,
			Timeout: time.Duration(cfg.Discovery.Timeout),
		})
		if err != nil {
			log.Error("failed to discover servers", zap.Error(err))
		}
		for _, s := range found {
			if !slices.Contains(ss, s) {
				ss = append(ss, s)
			}
		}
	}
	if len(ss) == 0 {
		log.Fatal("no servers available")
	}
	ss, err := cfg.SelectServers(ss)
	if err != nil {
		log.Fatal("failed to select servers", zap.Error(err))
	}
	return ss
}

func newNetworkClock(ctx context.Context, cfg *config.Config, lclk *clock.SystemClock) *netclock.NetworkClock {
	ncfg := cfg.NetClockConfig()
	ncfg.Log = log
	ncfg.Servers = servers(ctx, cfg)
	ncfg.Transport = newTransport(cfg, lclk)
	ncfg.Clock = lclk
	clk, err := netclock.New(ncfg)
	if err != nil {
		log.Fatal("failed to create network clock", zap.Error(err))
	}
	return clk
}

func startNetworkClock(clk *netclock.NetworkClock) {
	clk.SetOffsetUpdated(func(off time.Duration) {
		log.Info("network offset updated", zap.Duration("clock offset", off))
	})
	clk.StartWithCompletion(func(ok bool) {
		if ok {
			log.Info("network clock determined", zap.Duration("clock offset", clk.NetworkOffset()))
		} else {
			log.Warn("network clock not determined within startup timeout")
		}
	})
}

func runMonitor(ctx context.Context, g *errgroup.Group, cfg *config.Config, clk *netclock.NetworkClock) {
	if cfg.Monitor.Address == "" {
		return
	}
	g.Go(func() error {
		return monitor.ListenAndServe(ctx, log, cfg.Monitor.Address, clk)
	})
}

func runClient(configFile string, tui bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig(configFile)
	lclk := registerLocalClock(time.Duration(cfg.Clock.StepThreshold))
	clk := newNetworkClock(ctx, &cfg, lclk)
	defer clk.Finish()

	g, ctx := errgroup.WithContext(ctx)
	runMonitor(ctx, g, &cfg, clk)
	if tui {
		sub := clk.Subscribe(16)
		g.Go(func() error {
			defer sub.Cancel()
			err := ui.Run(ctx, clk, sub.C())
			stop()
			return err
		})
	}
	startNetworkClock(clk)

	<-ctx.Done()
	err := g.Wait()
	if err != nil {
		log.Fatal("client failed", zap.Error(err))
	}
}

func runServer(configFile string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig(configFile)
	lclk := registerLocalClock(time.Duration(cfg.Clock.StepThreshold))
	clk := newNetworkClock(ctx, &cfg, lclk)
	defer clk.Finish()

	g, ctx := errgroup.WithContext(ctx)
	runMonitor(ctx, g, &cfg, clk)

	srv := &server.Server{
		Log:       log,
		Source:    clk,
		DSCP:      cfg.DSCP,
		Workers:   cfg.Server.Workers,
		RateLimit: rate.Limit(cfg.Server.RateLimit),
		RateBurst: cfg.Server.RateBurst,
	}
	if cfg.Server.RateLimit == 0 {
		srv.RateLimit = -1
	}
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.Server.Address)
	})

	if cfg.Server.Advertise != "" {
		port, err := serverPort(cfg.Server.Address)
		if err != nil {
			log.Fatal("failed to parse server address", zap.Error(err))
		}
		err = discovery.Advertise(ctx, discovery.Config{
			Log:     log,
			Service: cfg.Discovery.Service,
			Domain:  cfg.Discovery.Domain,
		}, cfg.Server.Advertise, port)
		if err != nil {
			log.Error("failed to advertise server", zap.Error(err))
		}
	}
	startNetworkClock(clk)

	err := g.Wait()
	if err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func serverPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}

func runTool(remote string, n int, sntp bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lclk := registerLocalClock(0)
	var t client.Transport
	histo := hdrhistogram.New(1, 5_000_000, 3)
	if sntp {
		t = &client.SNTPClient{Log: log}
	} else {
		t = &client.IPClient{Log: log, DSCP: config.DSCP, Clock: lclk, Histo: histo}
	}
	remotes := strings.Split(remote, ",")

	for i := range n {
		if i != 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(toolPollInterval):
			}
		}
		mctx, cancel := context.WithTimeout(ctx, toolExchangeTimeout)
		m, err := client.MeasureClockOffsets(mctx, log, t, lclk, remotes)
		cancel()
		if err != nil {
			log.Fatal("failed to measure clock offset",
				zap.Strings("to", remotes),
				zap.Error(err),
			)
		}
		fmt.Printf("%s offset %v delay %v\n",
			m.Timestamp.Format(time.RFC3339Nano), m.Offset, m.Delay)
	}
	if histo.TotalCount() > 1 {
		fmt.Printf("round trip delay p50 %v p90 %v max %v\n",
			time.Duration(histo.ValueAtQuantile(50))*time.Microsecond,
			time.Duration(histo.ValueAtQuantile(90))*time.Microsecond,
			time.Duration(histo.Max())*time.Microsecond)
	}
}

func runBenchmark(remote string, numClients, numRequests int) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lclk := registerLocalClock(0)
	res, err := benchmark.Run(ctx, benchmark.Config{
		Log:         log,
		Transport:   &client.IPClient{Log: zap.NewNop(), Clock: lclk},
		Server:      remote,
		NumClients:  numClients,
		NumRequests: numRequests,
	})
	if err != nil {
		log.Fatal("benchmark failed", zap.Error(err))
	}
	err = res.Report(os.Stdout)
	if err != nil {
		log.Fatal("failed to write report", zap.Error(err))
	}
}

func exitWithUsage() {
	fmt.Println("usage: netclock client -config <file> [-tui] [-verbose]")
	fmt.Println("       netclock server -config <file> [-verbose]")
	fmt.Println("       netclock tool -remote <host[:port]>[,...] [-n <count>] [-sntp] [-verbose]")
	fmt.Println("       netclock benchmark -remote <host[:port]> [-clients <n>] [-requests <n>] [-verbose]")
	os.Exit(1)
}

func main() {
	var (
		verbose     bool
		configFile  string
		tui         bool
		remote      string
		count       int
		sntp        bool
		numClients  int
		numRequests int
	)

	clientFlags := flag.NewFlagSet("client", flag.ExitOnError)
	serverFlags := flag.NewFlagSet("server", flag.ExitOnError)
	toolFlags := flag.NewFlagSet("tool", flag.ExitOnError)
	benchmarkFlags := flag.NewFlagSet("benchmark", flag.ExitOnError)

	clientFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	clientFlags.StringVar(&configFile, "config", "", "Config file")
	clientFlags.BoolVar(&tui, "tui", false, "Show live status view")

	serverFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	serverFlags.StringVar(&configFile, "config", "", "Config file")

	toolFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	toolFlags.StringVar(&remote, "remote", "", "Remote address(es), comma separated")
	toolFlags.IntVar(&count, "n", 1, "Number of measurements")
	toolFlags.BoolVar(&sntp, "sntp", false, "Use the SNTP transport")

	benchmarkFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	benchmarkFlags.StringVar(&remote, "remote", "", "Remote address")
	benchmarkFlags.IntVar(&numClients, "clients", benchmark.DefaultNumClients, "Concurrent clients")
	benchmarkFlags.IntVar(&numRequests, "requests", benchmark.DefaultNumRequests, "Requests per client")

	if len(os.Args) < 2 {
		exitWithUsage()
	}

	switch os.Args[1] {
	case clientFlags.Name():
		err := clientFlags.Parse(os.Args[2:])
		if err != nil || clientFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		if tui {
			initTUILogger(verbose)
		} else {
			initLogger(verbose)
		}
		runClient(configFile, tui)
	case serverFlags.Name():
		err := serverFlags.Parse(os.Args[2:])
		if err != nil || serverFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		initLogger(verbose)
		runServer(configFile)
	case toolFlags.Name():
		err := toolFlags.Parse(os.Args[2:])
		if err != nil || toolFlags.NArg() != 0 {
			exitWithUsage()
		}
		if remote == "" || count < 1 {
			exitWithUsage()
		}
		initLogger(verbose)
		runTool(remote, count, sntp)
	case benchmarkFlags.Name():
		err := benchmarkFlags.Parse(os.Args[2:])
		if err != nil || benchmarkFlags.NArg() != 0 {
			exitWithUsage()
		}
		if remote == "" {
			exitWithUsage()
		}
		initLogger(verbose)
		runBenchmark(remote, numClients, numRequests)
	default:
		exitWithUsage()
	}
}
