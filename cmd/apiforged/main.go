// Package main provides the apiforged daemon binary: the HTTP API
// load-testing engine's single control-surface process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bc-dunia/apiforge/internal/artifacts"
	"github.com/bc-dunia/apiforge/internal/config"
	"github.com/bc-dunia/apiforge/internal/controlsurface"
	"github.com/bc-dunia/apiforge/internal/coordinator"
	"github.com/bc-dunia/apiforge/internal/metrics"
	"github.com/bc-dunia/apiforge/internal/otel"
	"github.com/bc-dunia/apiforge/internal/persistence"
	"github.com/bc-dunia/apiforge/internal/pidlock"
	"github.com/bc-dunia/apiforge/internal/retention"
	"github.com/bc-dunia/apiforge/internal/sandbox"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8089", "control-surface listen address (loopback only)")
	dbPath := flag.String("db", "apiforge.db", "path to the SQLite persistence file (':memory:' to disable durability)")
	dataDir := flag.String("data-dir", ".", "directory holding daemon state (PID lock file, and db/artifacts defaults when relative)")
	sandboxPoolSize := flag.Int("sandbox-pool-size", config.DefaultContextPoolSize, "pre_request/test script JS runtime pool size")
	scriptBudgetMs := flag.Int("script-budget-ms", 250, "per-script execution budget before interruption")
	gracePeriodMs := flag.Int("grace-period-ms", config.DefaultGracePeriodMs, "in-flight drain grace period applied when a run's strategy finishes (stop cancels in-flight requests at once)")
	artifactsDir := flag.String("artifacts-dir", "", "directory for per-run report artifacts (empty disables artifact capture)")
	artifactsTTLHours := flag.Int("artifacts-ttl-hours", 0, "artifact and run retention TTL in hours (0 uses the 7-day default)")
	tracingEnabled := flag.Bool("tracing-enabled", false, "enable OpenTelemetry tracing")
	tracingExporter := flag.String("tracing-exporter", string(otel.ExporterNone), "trace exporter: none, stdout, otlp-grpc, otlp-http")
	tracingEndpoint := flag.String("tracing-endpoint", "", "OTLP endpoint for tracing (host:port)")
	metricsEnabled := flag.Bool("metrics-enabled", false, "enable OpenTelemetry metrics")
	metricsExporter := flag.String("metrics-exporter", string(otel.ExporterNone), "metrics exporter: none, stdout, otlp-grpc, otlp-http")
	metricsEndpoint := flag.String("metrics-endpoint", "", "OTLP endpoint for metrics (host:port)")
	devMode := flag.Bool("dev", false, "development mode: in-memory store, stdout tracing and metrics")
	rateLimitEnabled := flag.Bool("rate-limit-enabled", false, "enable per-client token-bucket rate limiting on the control surface")
	rateLimitRPS := flag.Float64("rate-limit-rps", 100, "sustained requests/second per client when rate limiting is enabled")
	rateLimitBurst := flag.Int("rate-limit-burst", 200, "burst capacity per client when rate limiting is enabled")
	flag.Parse()

	if *devMode {
		*dbPath = ":memory:"
		*tracingEnabled = true
		*tracingExporter = string(otel.ExporterStdout)
		*metricsEnabled = true
		*metricsExporter = string(otel.ExporterStdout)
		fmt.Println("apiforged: development mode (in-memory store, stdout telemetry)")
	}

	lock, err := pidlock.Acquire(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error acquiring PID lock: %v\n", err)
		os.Exit(1)
	}

	traceCfg := otel.DefaultConfig()
	traceCfg.Enabled = *tracingEnabled
	traceCfg.ExporterType = otel.ExporterType(*tracingExporter)
	traceCfg.OTLPEndpoint = *tracingEndpoint
	tracer, err := otel.NewTracer(context.Background(), traceCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing tracer: %v\n", err)
		os.Exit(1)
	}
	otel.SetGlobalTracer(tracer)

	metricsCfg := otel.DefaultMetricsConfig()
	metricsCfg.Enabled = *metricsEnabled
	metricsCfg.ExporterType = otel.ExporterType(*metricsExporter)
	metricsCfg.OTLPEndpoint = *metricsEndpoint
	om, err := otel.NewMetrics(context.Background(), metricsCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing metrics: %v\n", err)
		os.Exit(1)
	}
	otel.SetGlobalMetrics(om)

	var store *persistence.Store
	if *dbPath != ":memory:" {
		store, err = persistence.Open(*dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening persistence store at %s: %v\n", *dbPath, err)
			os.Exit(1)
		}
	}

	sb := sandbox.New(*sandboxPoolSize, time.Duration(*scriptBudgetMs)*time.Millisecond)

	broker := controlsurface.NewBroadcaster()
	promSink := metrics.NewPrometheusSink()
	coord := coordinator.New(storeAdapter(store), sb, metrics.Fanout(broker.Publish, promSink.Observe))
	coord.SetGracePeriod(time.Duration(*gracePeriodMs) * time.Millisecond)

	var retentionMgr *retention.Manager
	if *artifactsDir != "" {
		artifactStore, err := artifacts.NewFilesystemStore(*artifactsDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening artifacts directory %s: %v\n", *artifactsDir, err)
			os.Exit(1)
		}
		coord.SetArtifactStore(artifactStore)

		if store != nil {
			retentionCfg := retention.DefaultConfig()
			if *artifactsTTLHours > 0 {
				retentionCfg.ArtifactsTTLHours = *artifactsTTLHours
				retentionCfg.RunHistoryTTLHours = *artifactsTTLHours
			}
			retentionMgr = retention.NewManager(retentionCfg, artifactStore, retention.NewPersistenceStoreAdapter(store))
			retentionMgr.Start()
		}
	}

	registry := config.NewRegistry()
	server := controlsurface.New(*addr, coord, store, registry, broker)
	server.SetMetricsHandler(promSink.Handler())
	rlCfg := controlsurface.DefaultRateLimiterConfig()
	rlCfg.Enabled = *rateLimitEnabled
	rlCfg.RequestsPerSecond = *rateLimitRPS
	rlCfg.BurstSize = *rateLimitBurst
	server.SetRateLimiterConfig(rlCfg)

	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting control surface: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("apiforge control surface listening on %s\n", server.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	for _, run := range coord.List() {
		if err := coord.Stop(run.ID); err != nil {
			slog.Warn("failed to stop run during shutdown", "run_id", run.ID, "error", err)
		}
	}
	coord.Shutdown()
	if retentionMgr != nil {
		retentionMgr.Stop()
	}

	if err := server.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Error during control-surface shutdown: %v\n", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("tracer shutdown failed", "error", err)
	}
	if err := om.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown failed", "error", err)
	}
	if store != nil {
		if err := store.Close(); err != nil {
			slog.Warn("persistence store close failed", "error", err)
		}
	}
	if err := lock.Release(); err != nil {
		slog.Warn("pid lock release failed", "error", err)
	}

	fmt.Println("apiforged stopped")
}

// storeAdapter returns store typed as coordinator.Store, passing through a
// true nil interface (not a non-nil interface wrapping a nil *Store) when
// persistence is disabled.
func storeAdapter(store *persistence.Store) coordinator.Store {
	if store == nil {
		return nil
	}
	return store
}
