// Command bondarbd is the bandwidth-arbitration daemon: it loads
// configuration, wires the stream source, download clients, optional
// link probe, and event/metrics sinks, then runs the polling monitor
// until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/thelastdreamer/bondarb/internal/adapter/torrenta"
	_ "github.com/thelastdreamer/bondarb/internal/adapter/torrentb"
	_ "github.com/thelastdreamer/bondarb/internal/adapter/torrentc"
	_ "github.com/thelastdreamer/bondarb/internal/adapter/usenetb"
	_ "github.com/thelastdreamer/bondarb/internal/adapter/usenetmb"
	"github.com/thelastdreamer/bondarb/internal/clientset"
	"github.com/thelastdreamer/bondarb/internal/config"
	"github.com/thelastdreamer/bondarb/internal/controlapi"
	"github.com/thelastdreamer/bondarb/internal/eventsink"
	"github.com/thelastdreamer/bondarb/internal/linkprobe"
	"github.com/thelastdreamer/bondarb/internal/metricssink"
	"github.com/thelastdreamer/bondarb/internal/monitor"
	"github.com/thelastdreamer/bondarb/internal/reservation"
	"github.com/thelastdreamer/bondarb/internal/sessionbw"
	"github.com/thelastdreamer/bondarb/internal/streamsource"
	"github.com/thelastdreamer/bondarb/pkg/metrics"
)

const version = "1.0.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Printf("bondarbd v%s\n", version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}
	run()
}

func run() {
	fs := flag.NewFlagSet("bondarbd", flag.ExitOnError)
	configFile := fs.String("config", "configs/bondarb.yaml", "Path to configuration file")
	listenAddr := fs.String("listen", ":8085", "Control API / event websocket listen address")
	tuningFile := fs.String("tuning-file", "", "Optional hot-reloadable tuning file (safety_net_percent, stream_overhead_percent)")
	fs.Parse(os.Args[1:])

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	arbCfg, err := config.LoadArbiterConfig(*configFile)
	if err != nil {
		log.Error("failed to load configuration", "error", err, "path", *configFile)
		os.Exit(1)
	}
	snapshot, err := arbCfg.ToSnapshot()
	if err != nil {
		log.Error("failed to build configuration snapshot", "error", err)
		os.Exit(1)
	}

	if len(arbCfg.Clients) == 0 {
		log.Error("configuration must declare at least one client")
		os.Exit(1)
	}

	clients, err := clientset.New(arbCfg.Clients, log)
	if err != nil {
		log.Error("failed to build client set", "error", err)
		os.Exit(1)
	}

	if arbCfg.StreamSource.BaseURL == "" {
		log.Error("stream_source.base_url is required")
		os.Exit(1)
	}
	src := streamsource.New(arbCfg.StreamSource.BaseURL, arbCfg.StreamSource.Token, log)

	var probe linkprobe.LinkProbe
	if arbCfg.LinkProbe.Enabled {
		ifIndex, err := resolveWANInterfaceIndex(arbCfg.LinkProbe, log)
		if err != nil {
			log.Error("failed to resolve link probe interface", "error", err)
			os.Exit(1)
		}
		probe = linkprobe.NewSNMPProbe(linkprobe.Config{
			Host:      arbCfg.LinkProbe.Host,
			Port:      uint16(arbCfg.LinkProbe.Port),
			Community: arbCfg.LinkProbe.Community,
			Timeout:   2 * time.Second,
			Interface: ifIndex,
		}, log)
	}

	reservations := reservation.New()
	sessionBW := sessionbw.New()

	events := eventsink.NewWSFanout(log)
	collector := metrics.NewCollector(metrics.DefaultMetricsConfig())
	if err := collector.Start(); err != nil {
		log.Error("failed to start metrics collector", "error", err)
		os.Exit(1)
	}
	defer collector.Stop()
	exporter := metrics.NewExporter(collector)
	metricsSink := metricssink.NewCollectorSink(collector)

	pollCfg := monitor.Config{
		PollInterval:                time.Duration(arbCfg.Polling.IntervalSeconds) * time.Second,
		ConsecutiveFailureThreshold: arbCfg.Polling.ConsecutiveFailureThreshold,
	}
	mon := monitor.New(snapshot, clients, src, probe, reservations, sessionBW, events, metricsSink, log, pollCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mon.Start(ctx); err != nil {
		log.Error("failed to start polling monitor", "error", err)
		os.Exit(1)
	}

	if *tuningFile != "" {
		go watchTuningFile(ctx, *tuningFile, mon, log)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", events.HandleWebSocket)
	controlapi.Register(mux, mon, exporter, log)
	httpServer := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		log.Info("control API listening", "addr", *listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control API server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	log.Info("bondarbd running", "config", *configFile)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = httpServer.Shutdown(shutdownCtx)
	shutdownCancel()

	if err := mon.Stop(); err != nil {
		log.Error("polling monitor stop reported an error", "error", err)
	}
	_ = events.Close()

	log.Info("bondarbd stopped")
}

// resolveWANInterfaceIndex turns the configured interface name (or a
// blank value, meaning "guess") into the SNMP ifIndex NewSNMPProbe
// needs, using a throwaway probe purely for discovery.
func resolveWANInterfaceIndex(cfg config.LinkProbeConfig, log *slog.Logger) (int, error) {
	discovery := linkprobe.NewSNMPProbe(linkprobe.Config{
		Host:      cfg.Host,
		Port:      uint16(cfg.Port),
		Community: cfg.Community,
		Timeout:   2 * time.Second,
	}, log)
	defer discovery.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if cfg.Interface == "" {
		iface, err := discovery.SuggestWAN(ctx)
		if err != nil {
			return 0, fmt.Errorf("suggest wan interface: %w", err)
		}
		log.Info("link probe auto-selected WAN interface", "interface", iface.Name, "index", iface.Index)
		return iface.Index, nil
	}

	ifaces, err := discovery.ListInterfaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Name == cfg.Interface {
			return iface.Index, nil
		}
	}
	return 0, fmt.Errorf("interface %q not found among discovered interfaces", cfg.Interface)
}

// watchTuningFile loads an operator-editable JSON file of live tuning
// knobs (safety_net_percent, stream_overhead_percent) and re-applies it
// to the running monitor whenever the file's mtime changes, without
// requiring a full configuration reload.
func watchTuningFile(ctx context.Context, path string, mon *monitor.Monitor, log *slog.Logger) {
	hc := config.NewHotConfig(path)
	applyTuning := func() {
		var safetyNet, overhead *float64
		if v, ok := hc.Get("safety_net_percent"); ok {
			if f, ok := v.(float64); ok {
				safetyNet = &f
			}
		}
		if v, ok := hc.Get("stream_overhead_percent"); ok {
			if f, ok := v.(float64); ok {
				overhead = &f
			}
		}
		if safetyNet != nil || overhead != nil {
			mon.ApplyTuningOverrides(safetyNet, overhead)
		}
	}

	if err := hc.Load(); err != nil {
		log.Warn("tuning file not loaded, skipping", "path", path, "error", err)
		return
	}
	applyTuning()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := hc.Reload()
			if err != nil {
				log.Warn("tuning file reload failed", "error", err)
				continue
			}
			if changed {
				log.Info("tuning file changed, reapplying")
				applyTuning()
			}
		}
	}
}

func printHelp() {
	fmt.Printf("bondarbd v%s - bandwidth arbitration daemon\n\n", version)
	fmt.Println("Usage:")
	fmt.Println("  bondarbd [--config path] [--listen addr]")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  --config <file>   Path to configuration file (default: configs/bondarb.yaml)")
	fmt.Println("  --listen <addr>   Control API / event websocket listen address (default: :8085)")
	fmt.Println("")
}
