// vxlantund is a userspace VXLAN tunnel endpoint daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vxlantun/vxlantund/internal/config"
	"github.com/vxlantun/vxlantund/internal/control"
	"github.com/vxlantun/vxlantund/internal/datapath"
	"github.com/vxlantun/vxlantund/internal/endpoint"
	"github.com/vxlantun/vxlantund/internal/metrics"
	"github.com/vxlantun/vxlantund/internal/neigh"
	"github.com/vxlantun/vxlantund/internal/notify"
	"github.com/vxlantun/vxlantund/internal/socket"
	appversion "github.com/vxlantun/vxlantund/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("vxlantund starting",
		slog.String("version", appversion.Version),
		slog.String("control_addr", cfg.Control.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	sockets := socket.New(logger)
	pub := notify.New(logger)
	resolver := neigh.NewNetlinkResolver()

	// endpoint.Manager needs its FrameReceiver (the datapath.Engine) at
	// construction, but the Engine needs the Manager for its transmit
	// path's local-delivery short-circuit: build both twice to break the
	// cycle, the same way internal/datapath's tests do.
	mgr := endpoint.NewManager(sockets, resolver, pub, nil, logger)
	device := &loggingDevice{logger: logger}
	eng := datapath.New(mgr, device, pub)
	mgr = endpoint.NewManager(sockets, resolver, pub, eng, logger)
	// The manager's FrameReceiver is eng, which was built against the
	// first, empty manager; ReceiveFrame works only on the endpoint it is
	// given. The engine built here against the final manager is not kept,
	// since the daemon itself never calls Transmit.
	datapath.New(mgr, device, pub)

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(mgr))

	if err := reconcileEndpoints(cfg, mgr, logger); err != nil {
		logger.Error("initial endpoint reconciliation failed", slog.String("error", err.Error()))
		return 1
	}

	if err := runServers(cfg, mgr, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("vxlantund exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("vxlantund stopped")
	return 0
}

// loggingDevice is a minimal datapath.Device: the bridge/network-device
// framework that receives decapsulated frames is explicitly out of scope
// (spec 1), so this stub only logs delivery for observability.
type loggingDevice struct {
	logger *slog.Logger
}

func (d *loggingDevice) DeliverUp(ep *endpoint.Endpoint, inner []byte) error {
	d.logger.Debug("frame delivered upstream",
		slog.Uint64("vni", uint64(ep.VNI)),
		slog.Int("bytes", len(inner)),
	)
	return nil
}

// runServers sets up and runs the control-plane and metrics HTTP servers
// using an errgroup with signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	mgr *endpoint.Manager,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	controlAPI := control.New(mgr, logger)
	controlSrv := &http.Server{
		Addr:              cfg.Control.Addr,
		Handler:           controlAPI.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	startHTTPServers(gCtx, g, cfg, controlSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, mgr, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, controlSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	controlSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("control server listening", slog.String("addr", cfg.Control.Addr))
		return listenAndServe(ctx, &lc, controlSrv, cfg.Control.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	mgr *endpoint.Manager,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, mgr, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + declarative endpoint reconciliation
// -------------------------------------------------------------------------

func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	mgr *endpoint.Manager,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, mgr, logger)
		}
	}
}

func reloadConfig(
	configPath string,
	logLevel *slog.LevelVar,
	mgr *endpoint.Manager,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	if err := reconcileEndpoints(newCfg, mgr, logger); err != nil {
		logger.Error("endpoint reconciliation had errors", slog.String("error", err.Error()))
	}
}

// reconcileEndpoints diffs the declarative endpoints from the config
// against the manager's current endpoint set: missing endpoints are
// created and brought up, endpoints no longer listed are deleted.
func reconcileEndpoints(cfg *config.Config, mgr *endpoint.Manager, logger *slog.Logger) error {
	desired := make(map[string]config.EndpointConfig, len(cfg.Endpoints))
	for _, ec := range cfg.Endpoints {
		desired[ec.EndpointKey()] = ec
	}

	existing := make(map[string]*endpoint.Endpoint)
	for _, ep := range mgr.All() {
		key := config.EndpointConfig{VNI: ep.VNI, Namespace: ep.Namespace, DstPort: ep.DstPort}.EndpointKey()
		existing[key] = ep
	}

	var errs error
	created, destroyed := 0, 0

	for key, ec := range desired {
		if _, ok := existing[key]; ok {
			continue
		}
		epCfg, err := endpointConfigToDomain(ec)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("endpoint %s: %w", key, err))
			continue
		}
		ep, err := mgr.CreateEndpoint(epCfg)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("create endpoint %s: %w", key, err))
			continue
		}
		if err := ep.Up(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("bring up endpoint %s: %w", key, err))
			continue
		}
		created++
	}

	for key, ep := range existing {
		if _, ok := desired[key]; ok {
			continue
		}
		if err := mgr.DeleteEndpoint(ep.VNI, ep.Namespace, ep.DstPort); err != nil {
			errs = errors.Join(errs, fmt.Errorf("delete endpoint %s: %w", key, err))
			continue
		}
		destroyed++
	}

	logger.Info("endpoint reconciliation complete",
		slog.Int("created", created),
		slog.Int("destroyed", destroyed),
	)

	return errs
}

// endpointConfigToDomain converts a declarative config.EndpointConfig to
// an endpoint.Config, the static-config analogue of
// internal/control/messages.go's CreateEndpointRequest.toConfig.
func endpointConfigToDomain(ec config.EndpointConfig) (endpoint.Config, error) {
	var flags endpoint.Flags
	if ec.Learning {
		flags |= endpoint.FlagLearn
	}
	if ec.Proxy {
		flags |= endpoint.FlagProxy
	}
	if ec.RSC {
		flags |= endpoint.FlagRSC
	}
	if ec.L2Miss {
		flags |= endpoint.FlagL2Miss
	}
	if ec.L3Miss {
		flags |= endpoint.FlagL3Miss
	}

	cfg := endpoint.Config{
		VNI:            ec.VNI,
		Namespace:      ec.Namespace,
		LinkIndex:      ec.LinkIndex,
		TOS:            ec.TOS,
		TTL:            ec.TTL,
		Flags:          flags,
		AgeIntervalSec: ec.AgeIntervalSec,
		FDBMaxEntries:  ec.FDBMaxEntries,
		SrcPortLo:      ec.SrcPortLo,
		SrcPortHi:      ec.SrcPortHi,
		DstPort:        ec.DstPort,
	}

	if ec.DefaultRemote != "" {
		addr, err := netip.ParseAddr(ec.DefaultRemote)
		if err != nil {
			return endpoint.Config{}, fmt.Errorf("default_remote: %w", err)
		}
		cfg.DefaultRemote = addr
	}

	if ec.LocalSourceIP != "" {
		addr, err := netip.ParseAddr(ec.LocalSourceIP)
		if err != nil {
			return endpoint.Config{}, fmt.Errorf("local_source_ip: %w", err)
		}
		cfg.LocalSourceIP = addr
	}

	if ec.LocalMAC != "" {
		mac, err := net.ParseMAC(ec.LocalMAC)
		if err != nil {
			return endpoint.Config{}, fmt.Errorf("local_mac: %w", err)
		}
		cfg.LocalMAC = mac
	}

	if ec.MulticastIface != "" {
		iface, err := net.InterfaceByName(ec.MulticastIface)
		if err != nil {
			return endpoint.Config{}, fmt.Errorf("multicast_iface: %w", err)
		}
		cfg.MulticastIface = iface
	}

	return cfg, nil
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
