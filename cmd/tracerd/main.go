// Package main — cmd/tracerd/main.go
//
// Tracer daemon entrypoint.
//
// Startup sequence:
//  1. Parse flags, load and validate config from /etc/tracer/config.yaml.
//  2. Initialise structured logger (zap, JSON format by default).
//  3. Open the BoltDB-backed pricing catalog cache.
//  4. Load include/exclude rules into the rule engine.
//  5. Start the Prometheus metrics server.
//  6. Start the kernel probe's process-event pipeline, falling back to the
//     procfs poller on load/attach failure or a non-Linux GOOS.
//  7. Start the Docker container-lifecycle watcher (unless disabled).
//  8. Construct the exporter's configured sink (http or sql) and start its
//     batching loop.
//  9. Resolve cloud-instance pricing once, best-effort.
// 10. Start the HTTP control plane.
// 11. Start trigger-consumption workers, the metric poll ticker, and the
//     system-metrics ticker.
// 12. Register SIGHUP (config hot-reload) and SIGINT/SIGTERM (shutdown)
//     handlers and block.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context, which stops every producer goroutine and
//     begins the control plane's and metrics server's HTTP Shutdown.
//  2. Wait for the trigger-consumption workers to drain (the channel closes
//     once its producer goroutine observes cancellation).
//  3. Wait (bounded) for the exporter's final flush to complete.
//  4. Close the Docker client, BPF objects, and BoltDB handle.
//  5. Flush the logger and exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tracer-cloud/tracer/internal/bpf"
	"github.com/tracer-cloud/tracer/internal/config"
	"github.com/tracer-cloud/tracer/internal/controlplane"
	"github.com/tracer-cloud/tracer/internal/docker"
	"github.com/tracer-cloud/tracer/internal/exporter"
	"github.com/tracer-cloud/tracer/internal/kernel"
	"github.com/tracer-cloud/tracer/internal/observability"
	"github.com/tracer-cloud/tracer/internal/pricing"
	"github.com/tracer-cloud/tracer/internal/procfs"
	"github.com/tracer-cloud/tracer/internal/recorder"
	"github.com/tracer-cloud/tracer/internal/rules"
	"github.com/tracer-cloud/tracer/internal/state"
	"github.com/tracer-cloud/tracer/internal/storage"
	"github.com/tracer-cloud/tracer/internal/sysmetrics"
	"github.com/tracer-cloud/tracer/internal/trigger"
)

func main() {
	// ── Flags ────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/tracer/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("tracerd %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Load config ──────────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Logger ───────────────────────────────────────────────────────────────
	logLevel := cfg.Observability.LogLevel
	if v := os.Getenv("TRACER_LOG_LEVEL"); v != "" {
		logLevel = v
	}
	log, atomicLevel, err := buildLogger(logLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("tracer starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Pricing catalog cache ────────────────────────────────────────────────
	db, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Error("pricing catalog cache open failed; pricing disabled", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
		cfg.Pricing.Enabled = false
	} else {
		defer db.Close() //nolint:errcheck
		log.Info("pricing catalog cache opened", zap.String("path", cfg.Storage.DBPath))
	}

	// ── Rule engine ──────────────────────────────────────────────────────────
	engine, err := rules.LoadFiles(cfg.Rules.IncludePath, cfg.Rules.ExcludePath, log)
	if err != nil {
		log.Fatal("rule engine load failed", zap.Error(err))
	}
	log.Info("rule engine loaded",
		zap.String("include_path", cfg.Rules.IncludePath),
		zap.String("exclude_path", cfg.Rules.ExcludePath))

	// ── Metrics ──────────────────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Process-event pipeline: kernel probe with procfs fallback ───────────
	triggerCh, bpfObjs := startTriggerSource(ctx, cfg, metrics, log)
	if bpfObjs != nil {
		defer bpfObjs.Close() //nolint:errcheck
	}

	// ── Docker watcher ───────────────────────────────────────────────────────
	var dockerWatcher *docker.Watcher
	if !cfg.Agent.DisableDockerWatcher {
		w, err := docker.New(log)
		if err != nil {
			log.Warn("docker watcher unavailable, container context disabled", zap.Error(err))
		} else {
			dockerWatcher = w
			go func() {
				if err := w.Run(ctx); err != nil && ctx.Err() == nil {
					log.Warn("docker watcher stopped", zap.Error(err))
				}
			}()
			log.Info("docker watcher started")
		}
	}
	if dockerWatcher != nil {
		defer dockerWatcher.Close() //nolint:errcheck
	}

	// ── Exporter ─────────────────────────────────────────────────────────────
	sink, err := buildSink(ctx, cfg)
	if err != nil {
		log.Fatal("export sink construction failed", zap.Error(err))
	}
	exp := exporter.New(sink, exporter.Config{
		BatchInterval:          cfg.Export.BatchInterval,
		MaxRetries:             cfg.Export.MaxRetries,
		InitialBackoff:         cfg.Export.InitialBackoff,
		MaxBackoff:             cfg.Export.MaxBackoff,
		SourceType:             "tracer",
		InstrumentationVersion: config.Version,
		InstrumentationType:    "daemon",
		NodeID:                 cfg.NodeID,
	}, metrics, log)

	exporterDone := make(chan struct{})
	go func() {
		defer close(exporterDone)
		exp.Run(ctx)
	}()
	log.Info("exporter started", zap.String("sink", sink.Name()), zap.Duration("batch_interval", cfg.Export.BatchInterval))

	rec := recorder.New(exp.In)
	seedInitialMetadata(rec, cfg)

	// ── Process state manager ───────────────────────────────────────────────
	stateMgr := state.New(engine, recorder.NewStateSink(rec), metrics, log, state.Config{
		DedupWindow:  cfg.State.DedupWindow,
		OOMVictimTTL: cfg.State.OOMVictimTTL,
		ExitGrace:    cfg.State.ExitGraceWindow,
		MaxTracked:   cfg.State.MaxTrackedPIDs,
	})
	if dockerWatcher != nil {
		w := dockerWatcher
		stateMgr.SetContainerLookup(func(pid int32) string {
			if c, ok := w.LookupForPID(pid); ok {
				return c.ID
			}
			return ""
		})
	}

	sysCollector := sysmetrics.New([]string{"/", filepath.Dir(cfg.Storage.DBPath)})

	// ── Pricing enrichment (best-effort, once at startup) ───────────────────
	costSummary := resolvePricing(ctx, cfg, db, log, metrics)

	// ── Control plane ────────────────────────────────────────────────────────
	pipelineName := cfg.NodeID
	if v := os.Getenv("TRACER_PIPELINE_NAME"); v != "" {
		pipelineName = v
	}

	reload := func() error {
		newCfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		if lvl, err := parseLevel(newCfg.Observability.LogLevel); err == nil {
			atomicLevel.SetLevel(lvl)
		}
		return nil
	}

	ctrl := controlplane.NewServer(controlplane.Config{
		PipelineName: pipelineName,
		Tracker:      stateMgr,
		Metadata:     rec,
		Recorder:     rec,
		Reload:       reload,
		Cancel:       cancel,
	}, log)

	if costSummary != nil {
		ctrl.SetCostSummary(&controlplane.CostSummary{
			InstanceType:  costSummary.InstanceType,
			Region:        costSummary.Region,
			CostPerHour:   costSummary.CostPerHour,
			CostPerMinute: costSummary.CostPerMinute,
		})
	}

	go func() {
		if err := ctrl.ListenAndServe(ctx, cfg.ControlPlane.ListenAddr); err != nil {
			log.Error("control plane server error", zap.Error(err))
		}
	}()
	log.Info("control plane listening", zap.String("addr", cfg.ControlPlane.ListenAddr))

	// ── Trigger-consumption workers ──────────────────────────────────────────
	var workers sync.WaitGroup
	for i := 0; i < cfg.Agent.MaxGoroutines; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			consumeTriggers(ctx, triggerCh, stateMgr, sysCollector)
		}()
	}
	log.Info("trigger workers started", zap.Int("count", cfg.Agent.MaxGoroutines))

	// ── Metric poll + system metrics tickers ────────────────────────────────
	go runMetricPollLoop(ctx, cfg, stateMgr, sysCollector, rec, log)
	go runSystemMetricsLoop(ctx, cfg, sysCollector, rec, costSummary, log)

	// ── SIGHUP hot-reload ────────────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sighup:
				log.Info("SIGHUP received, reloading config")
				if err := reload(); err != nil {
					log.Error("config reload failed, retaining previous config", zap.Error(err))
				} else {
					log.Info("config reload succeeded")
				}
			}
		}
	}()

	// ── Block for shutdown signal ────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	workers.Wait()

	select {
	case <-exporterDone:
		log.Info("exporter final flush complete")
	case <-time.After(10 * time.Second):
		log.Warn("exporter final flush timed out")
	}

	log.Info("tracer shutdown complete")
}

// startTriggerSource attempts the kernel probe adapter and falls back to
// the procfs poller on any load, attach, or platform failure. Returns the
// non-nil *bpf.Objects only when the kernel path is active, so main can
// schedule its Close.
func startTriggerSource(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, log *zap.Logger) (<-chan trigger.Event, *bpf.Objects) {
	fallback := func(reason string, err error) (<-chan trigger.Event, *bpf.Objects) {
		if err != nil {
			log.Warn(reason, zap.Error(err))
		} else {
			log.Info(reason)
		}
		poller := procfs.New(cfg.Agent.ProcfsPollInterval, log)
		return poller.Run(ctx), nil
	}

	if cfg.Agent.DisableKernelProbe {
		return fallback("kernel probe disabled by config, using procfs poller", nil)
	}
	if runtime.GOOS != "linux" {
		return fallback("kernel probe unsupported on this platform, using procfs poller", nil)
	}

	objs, err := bpf.Load()
	if err != nil {
		return fallback("kernel probe load failed, using procfs poller", err)
	}

	processor := kernel.NewProcessor(objs, metrics, log, cfg.Agent.EventQueueSize)
	ch, err := processor.Run(ctx)
	if err != nil {
		_ = objs.Close()
		return fallback("kernel event processor failed to start, using procfs poller", err)
	}

	log.Info("kernel probe active")
	return ch, objs
}

// consumeTriggers is a trigger-consumption worker's main loop: it dispatches
// each trigger.Event to the matching state.Manager handler until ch closes.
// The osVisible probe doubles as the initial resource reading for a newly
// matched PID — sampling it seeds the collector's I/O delta counters — and
// tells the manager to emit the short-lived variant when the process is
// already gone from the OS view.
func consumeTriggers(ctx context.Context, ch <-chan trigger.Event, mgr *state.Manager, sys *sysmetrics.Collector) {
	osVisible := func(pid int32) bool {
		return len(sys.RefreshSelected(ctx, []int32{pid})) > 0
	}
	for ev := range ch {
		switch v := ev.(type) {
		case trigger.ProcessStart:
			mgr.HandleStart(v, osVisible)
		case trigger.ProcessEnd:
			sys.Forget(v.PID)
			mgr.HandleEnd(v)
		case trigger.OutOfMemory:
			mgr.HandleOOM(v)
		}
	}
}

// runMetricPollLoop polls resource usage for every monitored PID on
// Agent.MetricPollInterval, emitting a ToolMetricEvent per PID, and removes
// (with a synthesized exit) any PID missing from the OS view for longer
// than State.ExitGraceWindow without an explicit ProcessEnd having arrived.
func runMetricPollLoop(ctx context.Context, cfg *config.Config, mgr *state.Manager, sys *sysmetrics.Collector, rec *recorder.Recorder, log *zap.Logger) {
	ticker := time.NewTicker(cfg.Agent.MetricPollInterval)
	defer ticker.Stop()

	missingSince := make(map[int32]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.EvictExpiredOOMVictims(time.Now())

			pairs := mgr.MonitoredPIDs()
			pids := make([]int32, len(pairs))
			entryByPID := make(map[int32]state.MonitoredEntry, len(pairs))
			for i, p := range pairs {
				pids[i] = p.PID
				entryByPID[p.PID] = p
			}

			snaps := sys.RefreshSelected(ctx, pids)
			seen := make(map[int32]bool, len(snaps))
			now := time.Now()

			for _, snap := range snaps {
				seen[snap.PID] = true
				delete(missingSince, snap.PID)
				rec.Log(metricEvent(entryByPID[snap.PID], snap))
			}

			for _, p := range pairs {
				if seen[p.PID] {
					continue
				}
				first, tracked := missingSince[p.PID]
				if !tracked {
					missingSince[p.PID] = now
					continue
				}
				if now.Sub(first) < cfg.State.ExitGraceWindow {
					continue
				}
				delete(missingSince, p.PID)
				sys.Forget(p.PID)
				mgr.HandleEnd(trigger.ProcessEnd{
					PID:        p.PID,
					FinishedAt: now,
					ExitReason: trigger.ExitReason{Kind: trigger.ExitUnknown},
					Source:     "metric-grace",
				})
				log.Debug("process removed from monitoring after grace window", zap.Int32("pid", p.PID), zap.String("label", p.Label))
			}
		}
	}
}

func metricEvent(entry state.MonitoredEntry, snap sysmetrics.ProcessSnapshot) exporter.Event {
	return exporter.Event{
		Body:          entry.Label,
		EventType:     "ToolMetricEvent",
		ProcessStatus: "running",
		JobID:         entry.ToolID,
		Attributes: exporter.Attributes{
			Kind: exporter.AttrSystemMetric,
			SystemMetric: &exporter.SystemMetricAttrs{
				CPUUtilizationPercent: snap.CPUPercent,
				MemUsedBytes:          snap.RSSBytes,
			},
			Process: &exporter.ProcessAttrs{PID: snap.PID, ProcessName: entry.Label},
		},
	}
}

// runSystemMetricsLoop samples global system resource usage on
// Agent.SystemMetricsInterval and, when cost resolution succeeded at
// startup, attaches the same cost figure to a companion SystemProperties
// event on every tick.
func runSystemMetricsLoop(ctx context.Context, cfg *config.Config, sys *sysmetrics.Collector, rec *recorder.Recorder, cost *pricing.CostSummary, log *zap.Logger) {
	ticker := time.NewTicker(cfg.Agent.SystemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := sys.System(ctx)
			if err != nil {
				log.Warn("system metrics sample failed", zap.Error(err))
				continue
			}
			rec.Log(exporter.Event{
				Body:      "system metrics",
				EventType: "SystemMetricEvent",
				Attributes: exporter.Attributes{
					Kind: exporter.AttrSystemMetric,
					SystemMetric: &exporter.SystemMetricAttrs{
						CPUUtilizationPercent: snap.CPUUtilizationPercent,
						MemUsedBytes:          snap.MemUsedBytes,
						MemAvailableBytes:     snap.MemAvailableBytes,
						MemUtilizationPercent: snap.MemUtilizationPercent,
					},
				},
			})

			if cost != nil {
				rec.Log(exporter.Event{
					Body:      "system properties",
					EventType: "SystemPropertiesEvent",
					Attributes: exporter.Attributes{
						Kind: exporter.AttrSystemProperties,
						SystemProperties: &exporter.SystemPropertiesAttrs{
							InstanceType:  cost.InstanceType,
							Region:        cost.Region,
							CostPerHour:   cost.CostPerHour,
							CostPerMinute: cost.CostPerMinute,
						},
					},
				})
			}
		}
	}
}

// resolvePricing resolves the host's cloud-instance cost once at startup.
// Soft-fails to nil on any error — the daemon runs unmodified without a
// cost figure.
func resolvePricing(ctx context.Context, cfg *config.Config, db *storage.DB, log *zap.Logger, metrics *observability.Metrics) *pricing.CostSummary {
	if !cfg.Pricing.Enabled {
		log.Info("pricing enrichment disabled by config")
		return nil
	}

	enricher, err := pricing.NewEnricher(pricing.DefaultAWSConfigLoader{}, db, cfg.Pricing.TopN, cfg.Pricing.CatalogCacheTTL, log)
	if err != nil {
		log.Warn("pricing enricher init failed, continuing without cost enrichment", zap.Error(err))
		return nil
	}

	resolveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cost, err := enricher.Resolve(resolveCtx)
	if err != nil {
		log.Warn("pricing resolution failed", zap.Error(err))
		return nil
	}
	if cost == nil {
		log.Info("pricing resolution skipped (non-AWS host or no catalog match)")
		return nil
	}

	metrics.PricingCostPerHour.Set(cost.CostPerHour)
	log.Info("pricing resolved",
		zap.String("instance_type", cost.InstanceType),
		zap.String("region", cost.Region),
		zap.Float64("cost_per_hour", cost.CostPerHour),
		zap.Float64("match_percentage", cost.MatchPercentage))
	return cost
}

// buildSink constructs the exporter's configured sink through the sink
// registry. The "sql" sink's DSN is taken from USE_LOCAL_CREDENTIALS +
// DATABASE_USER/DATABASE_PASSWORD when set, falling back to
// Export.DatabaseURL otherwise.
func buildSink(ctx context.Context, cfg *config.Config) (exporter.Sink, error) {
	return exporter.NewSink(ctx, cfg.Export.Sink, exporter.SinkOptions{
		HTTPEndpoint: cfg.Export.HTTPEndpoint,
		DatabaseURL:  sqlConnString(cfg),
	})
}

func sqlConnString(cfg *config.Config) string {
	if os.Getenv("USE_LOCAL_CREDENTIALS") == "" {
		return cfg.Export.DatabaseURL
	}
	user := os.Getenv("DATABASE_USER")
	pass := os.Getenv("DATABASE_PASSWORD")
	return fmt.Sprintf("postgres://%s:%s@localhost:5432/tracer?sslmode=disable", user, pass)
}

// seedInitialMetadata stamps the recorder with the daemon's initial pipeline
// metadata from environment variables, ahead of any /start or /tag call.
func seedInitialMetadata(rec *recorder.Recorder, cfg *config.Config) {
	pipelineName := cfg.NodeID
	if v := os.Getenv("TRACER_PIPELINE_NAME"); v != "" {
		pipelineName = v
	}
	tags := make(map[string]string)
	if v := os.Getenv("TRACER_USER_ID"); v != "" {
		tags["user_id"] = v
	}
	rec.SetMetadata(recorder.PipelineMetadata{
		PipelineName: pipelineName,
		RunName:      os.Getenv("TRACER_RUN_NAME"),
		Tags:         tags,
	})
}

// buildLogger constructs a zap.Logger with the given level and format,
// returning the AtomicLevel so SIGHUP/refresh-config can adjust verbosity
// without a restart.
func buildLogger(level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	zapLevel, err := parseLevel(level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	atomicLevel := zap.NewAtomicLevelAt(zapLevel)
	cfg.Level = atomicLevel

	log, err := cfg.Build()
	return log, atomicLevel, err
}

func parseLevel(level string) (zapcore.Level, error) {
	// zap has no trace level; "trace" maps to its most verbose level, debug.
	if level == "trace" {
		return zapcore.DebugLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}
