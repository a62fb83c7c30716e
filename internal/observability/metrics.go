// Package observability — metrics.go
//
// Prometheus metrics for the Tracer daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: tracer_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Event/tool labels use the matched tool display name, not the raw pid
//     or command string (unbounded cardinality).
//   - Per-PID metrics are aggregated before recording.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for Tracer.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Triggers (kernel probe / procfs) ────────────────────────────────────

	// TriggersReceivedTotal counts triggers consumed from the probe/poller,
	// by source (ebpf, procfs, docker) and kind (start, exit, oom).
	TriggersReceivedTotal *prometheus.CounterVec

	// TriggersDroppedTotal counts triggers dropped due to queue overflow.
	TriggersDroppedTotal *prometheus.CounterVec

	// TriggerQueueDepth is the current in-memory trigger queue depth.
	TriggerQueueDepth prometheus.Gauge

	// ─── Rule engine ──────────────────────────────────────────────────────────

	// RuleMatchesTotal counts successful tool-label matches, by label.
	RuleMatchesTotal *prometheus.CounterVec

	// RuleExclusionsTotal counts processes not labelled: no include rule
	// matched, or an exclude rule matched.
	RuleExclusionsTotal prometheus.Counter

	// ─── Process state manager ────────────────────────────────────────────────

	// DuplicateTriggersTotal counts ProcessStart triggers dropped as
	// duplicates of an already-tracked process.
	DuplicateTriggersTotal prometheus.Counter

	// TrackedProcesses is the current number of processes in the monitoring set.
	TrackedProcesses prometheus.Gauge

	// OOMCorrelationsTotal counts exit records upgraded to OomKilled.
	OOMCorrelationsTotal prometheus.Counter

	// OOMVictimsPending is the current size of the OOM victim correlation table.
	OOMVictimsPending prometheus.Gauge

	// ─── Exporter ─────────────────────────────────────────────────────────────

	// EventsExportedTotal counts events successfully written to the sink.
	EventsExportedTotal prometheus.Counter

	// ExportBatchesTotal counts flushed batches, by sink and outcome.
	ExportBatchesTotal *prometheus.CounterVec

	// ExportRetriesTotal counts retried sink submissions.
	ExportRetriesTotal prometheus.Counter

	// ExportDroppedBatchesTotal counts batches abandoned after exhausting retries.
	ExportDroppedBatchesTotal prometheus.Counter

	// ExportBatchSize records the distribution of flushed batch sizes.
	ExportBatchSize prometheus.Histogram

	// ─── Pricing enricher ─────────────────────────────────────────────────────

	// PricingCostPerHour is the resolved hourly cost for the current instance.
	PricingCostPerHour prometheus.Gauge

	// PricingCacheHitsTotal counts catalog lookups served from the BoltDB cache.
	PricingCacheHitsTotal prometheus.Counter

	// ─── Daemon ───────────────────────────────────────────────────────────────

	// DaemonUptimeSeconds is the number of seconds since daemon start.
	DaemonUptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all Tracer Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		TriggersReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracer",
			Subsystem: "triggers",
			Name:      "received_total",
			Help:      "Total process lifecycle triggers received, by source and kind.",
		}, []string{"source", "kind"}),

		TriggersDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracer",
			Subsystem: "triggers",
			Name:      "dropped_total",
			Help:      "Total triggers dropped due to queue overflow, by source.",
		}, []string{"source"}),

		TriggerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tracer",
			Subsystem: "triggers",
			Name:      "queue_depth",
			Help:      "Current depth of the in-memory trigger queue.",
		}),

		RuleMatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracer",
			Subsystem: "rules",
			Name:      "matches_total",
			Help:      "Total tool-label matches, by label.",
		}, []string{"label"}),

		RuleExclusionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracer",
			Subsystem: "rules",
			Name:      "exclusions_total",
			Help:      "Total processes not labelled (no include rule matched, or an exclude rule matched).",
		}),

		DuplicateTriggersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracer",
			Subsystem: "state",
			Name:      "duplicate_triggers_total",
			Help:      "Total ProcessStart triggers dropped as duplicates.",
		}),

		TrackedProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tracer",
			Subsystem: "state",
			Name:      "tracked_processes",
			Help:      "Current number of processes in the monitoring set.",
		}),

		OOMCorrelationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracer",
			Subsystem: "state",
			Name:      "oom_correlations_total",
			Help:      "Total exit records upgraded to OomKilled via correlation.",
		}),

		OOMVictimsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tracer",
			Subsystem: "state",
			Name:      "oom_victims_pending",
			Help:      "Current size of the OOM victim correlation table.",
		}),

		EventsExportedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracer",
			Subsystem: "export",
			Name:      "events_total",
			Help:      "Total events successfully written to the configured sink.",
		}),

		ExportBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracer",
			Subsystem: "export",
			Name:      "batches_total",
			Help:      "Total flushed batches, by sink and outcome.",
		}, []string{"sink", "outcome"}),

		ExportRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracer",
			Subsystem: "export",
			Name:      "retries_total",
			Help:      "Total retried sink submissions.",
		}),

		ExportDroppedBatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracer",
			Subsystem: "export",
			Name:      "dropped_batches_total",
			Help:      "Total batches abandoned after exhausting retries.",
		}),

		ExportBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tracer",
			Subsystem: "export",
			Name:      "batch_size",
			Help:      "Distribution of flushed batch sizes (event count).",
			Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000},
		}),

		PricingCostPerHour: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tracer",
			Subsystem: "pricing",
			Name:      "cost_per_hour",
			Help:      "Resolved hourly cost (EC2 + EBS) for the current instance.",
		}),

		PricingCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracer",
			Subsystem: "pricing",
			Name:      "cache_hits_total",
			Help:      "Total pricing catalog lookups served from the local cache.",
		}),

		DaemonUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tracer",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.TriggersReceivedTotal,
		m.TriggersDroppedTotal,
		m.TriggerQueueDepth,
		m.RuleMatchesTotal,
		m.RuleExclusionsTotal,
		m.DuplicateTriggersTotal,
		m.TrackedProcesses,
		m.OOMCorrelationsTotal,
		m.OOMVictimsPending,
		m.EventsExportedTotal,
		m.ExportBatchesTotal,
		m.ExportRetriesTotal,
		m.ExportDroppedBatchesTotal,
		m.ExportBatchSize,
		m.PricingCostPerHour,
		m.PricingCacheHitsTotal,
		m.DaemonUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the DaemonUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.DaemonUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
