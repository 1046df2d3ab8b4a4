package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/l2l3/softrouter/internal/arpcache"
	"github.com/l2l3/softrouter/internal/debugapi"
	"github.com/l2l3/softrouter/internal/ifconfig"
	"github.com/l2l3/softrouter/internal/metrics"
	"github.com/l2l3/softrouter/internal/nat"
	"github.com/l2l3/softrouter/internal/pipeline"
	"github.com/l2l3/softrouter/internal/routing"
	"github.com/l2l3/softrouter/internal/ticker"
	"github.com/l2l3/softrouter/internal/transport"
)

var (
	configPath  string
	verbose     bool
	metricsAddr string
	debugAddr   string

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "softrouter",
	Short: "A software IPv4 router with integrated NAPT",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("softrouter %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the router's forwarding pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRouter()
	},
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Inspect the static routing table",
}

var routesDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the static routing table of a running router (see --debug-addr)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetchAndPrint(fmt.Sprintf("http://%s/routes", debugAddr))
	},
}

var arpCmd = &cobra.Command{
	Use:   "arp",
	Short: "Inspect the ARP cache",
}

var arpDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the live ARP cache of a running router (see --debug-addr)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetchAndPrint(fmt.Sprintf("http://%s/arp", debugAddr))
	},
}

var natCmd = &cobra.Command{
	Use:   "nat",
	Short: "Inspect the NAT table",
}

var natDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the live NAT mapping table of a running router (see --debug-addr)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetchAndPrint(fmt.Sprintf("http://%s/nat", debugAddr))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/softrouter/config.json", "path to the router's JSON configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&debugAddr, "debug-addr", "127.0.0.1:7080", "address of a running router's debug API")

	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "address to serve Prometheus metrics on")

	routesCmd.AddCommand(routesDumpCmd)
	arpCmd.AddCommand(arpDumpCmd)
	natCmd.AddCommand(natDumpCmd)
	rootCmd.AddCommand(runCmd, routesCmd, arpCmd, natCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func runRouter() error {
	log := newLogger()
	slog.SetDefault(log)

	cfg, err := ifconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	routes, err := routing.NewTable(cfg.Routes, cfg.Interfaces)
	if err != nil {
		return fmt.Errorf("build routing table: %w", err)
	}

	clock := clockwork.NewRealClock()
	arp := arpcache.New(clock, log.With("component", "arpcache"))
	natTable := nat.NewTable(cfg.NAT.ICMPTimeout, cfg.NAT.TCPIdle, cfg.NAT.TransitoryIdle, clock, log.With("component", "nat"))

	reg := prometheus.DefaultRegisterer
	m := metrics.New(reg)

	ifaceNames := make([]string, 0, len(cfg.Interfaces))
	for _, i := range cfg.Interfaces {
		ifaceNames = append(ifaceNames, i.Name)
	}
	tr, err := transport.Open(ifaceNames, pipeline.MTU, log.With("component", "transport"))
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer tr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	emitFrame := func(f pipeline.OutFrame) {
		if err := tr.Send(f.Iface, f.Data); err != nil {
			log.Error("router: emit frame", "iface", f.Iface, "error", err)
		}
	}
	pl := pipeline.New(cfg, routes, arp, natTable, clock, log.With("component", "pipeline"), m, emitFrame)

	tk := ticker.New(clock, 1*time.Second, tickerAdapter{p: pl, emit: emitFrame}, metricsUpdater{nat: natTable, arp: arp, m: m})
	go tk.Run(ctx)

	go serveMetrics(ctx, log)
	go serveDebugAPI(ctx, log, routes, arp, natTable)

	log.Info("router: forwarding started", "interfaces", ifaceNames, "nat_enabled", cfg.NAT.Enabled)

	for frame := range tr.Frames(ctx) {
		for _, out := range pl.HandleFrame(ctx, frame.Data, frame.InIface) {
			if err := tr.Send(out.Iface, out.Data); err != nil {
				log.Error("router: send frame", "iface", out.Iface, "error", err)
			}
		}
	}

	log.Info("router: forwarding stopped")
	return nil
}

// tickerAdapter satisfies internal/ticker.Worker by driving the
// pipeline's periodic pass and transmitting whatever it produces.
type tickerAdapter struct {
	p    *pipeline.Pipeline
	emit func(pipeline.OutFrame)
}

func (a tickerAdapter) Tick() {
	for _, out := range a.p.Tick() {
		a.emit(out)
	}
}

// metricsUpdater satisfies internal/ticker.Worker by pushing a fresh
// snapshot of the NAT table and ARP cache into the Prometheus gauges
// each tick.
type metricsUpdater struct {
	nat *nat.Table
	arp *arpcache.Cache
	m   *metrics.Metrics
}

func (u metricsUpdater) Tick() {
	counts := map[nat.MappingType]int{}
	for _, mapping := range u.nat.Snapshot() {
		counts[mapping.Type]++
	}
	for _, typ := range []nat.MappingType{nat.MappingICMP, nat.MappingTCP} {
		u.m.NATMappings.WithLabelValues(typ.String()).Set(float64(counts[typ]))
	}

	inUse, total := u.nat.AuxUtilization()
	u.m.NATAuxInUse.Set(float64(inUse))
	u.m.NATAuxTotal.Set(float64(total))

	u.m.ARPEntries.Set(float64(len(u.arp.Snapshot())))
	pending, queued := u.arp.PendingStats()
	u.m.ARPPending.Set(float64(pending))
	u.m.ARPQueueDepth.Set(float64(queued))
}

func serveMetrics(ctx context.Context, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info("router: metrics server starting", "address", metricsAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("router: metrics server stopped", "error", err)
	}
}

func serveDebugAPI(ctx context.Context, log *slog.Logger, routes *routing.Table, arp *arpcache.Cache, natTable *nat.Table) {
	srv := debugapi.New(routes, arp, natTable,
		debugapi.WithLogger(log.With("component", "debugapi")),
		debugapi.WithListenAddr(debugAddr),
	)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Run(); err != nil {
		log.Error("router: debug api stopped", "error", err)
	}
}

func fetchAndPrint(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
