// Package config provides configuration loading, validation, and hot-reload
// for the Tracer daemon.
//
// Configuration file: /etc/tracer/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Only the log level is applied to the running daemon.
//   - Every other setting (poll intervals, tags, storage path, control-plane
//     bind address) takes effect on restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (durations positive, weights >= 0).
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for Tracer.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is a unique identifier for this Tracer instance, stamped on
	// events that don't carry a more specific run identifier.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	// Agent configures the userspace daemon behaviour.
	Agent AgentConfig `yaml:"agent"`

	// Rules configures the rule engine's file locations.
	Rules RulesConfig `yaml:"rules"`

	// State configures the process state manager.
	State StateConfig `yaml:"state"`

	// Export configures the batched event exporter and its sink.
	Export ExportConfig `yaml:"export"`

	// Pricing configures the AWS cloud-pricing enrichment subsystem.
	Pricing PricingConfig `yaml:"pricing"`

	// Storage configures the BoltDB-backed pricing catalog cache.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// ControlPlane configures the daemon's HTTP control surface.
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
}

// AgentConfig holds daemon-level operational parameters.
type AgentConfig struct {
	// MaxGoroutines is the number of worker goroutines draining the trigger
	// channel produced by the kernel probe and procfs poller.
	// Default: 4.
	MaxGoroutines int `yaml:"max_goroutines"`

	// EventQueueSize is the in-memory trigger queue depth between the
	// probe/poller producers and the state manager consumer.
	// If full, new triggers are dropped and the drop counter is incremented.
	// Default: 10000.
	EventQueueSize int `yaml:"event_queue_size"`

	// ProcfsPollInterval is the fallback poller's scan cadence.
	// Default: 5ms. NOTE: on hosts with tens of thousands of processes this
	// has not been verified to be load-safe; operators running at that scale
	// should raise it and watch daemon CPU usage.
	ProcfsPollInterval time.Duration `yaml:"procfs_poll_interval"`

	// MetricPollInterval is the cadence at which monitored PIDs are polled
	// for resource metrics.
	// Default: 5s.
	MetricPollInterval time.Duration `yaml:"metric_poll_interval"`

	// SystemMetricsInterval is the cadence for global system metric sampling.
	// Default: 10s.
	SystemMetricsInterval time.Duration `yaml:"system_metrics_interval"`

	// DisableKernelProbe forces the daemon to rely solely on the procfs
	// fallback poller, even on platforms where the kernel probe is available.
	DisableKernelProbe bool `yaml:"disable_kernel_probe"`

	// DisableDockerWatcher disables container-context attribution.
	DisableDockerWatcher bool `yaml:"disable_docker_watcher"`
}

// RulesConfig holds the rule engine's file locations.
type RulesConfig struct {
	// IncludePath is the path to the include rules YAML file.
	// Default: /etc/tracer/tracer.rules.yml.
	IncludePath string `yaml:"include_path"`

	// ExcludePath is the path to the exclude rules YAML file.
	// Default: /etc/tracer/exclude.yml.
	ExcludePath string `yaml:"exclude_path"`
}

// StateConfig holds process state manager parameters.
type StateConfig struct {
	// DedupWindow bounds how close two ProcessStart triggers' started_at
	// values must be (alongside matching pid and command_string) to be
	// considered duplicates of one another. Default: equal to
	// Agent.ProcfsPollInterval when zero.
	DedupWindow time.Duration `yaml:"dedup_window"`

	// OOMVictimTTL is how long an OOM victim record is retained while
	// waiting for a matching exit trigger. Default: Agent.MetricPollInterval * 4
	// when zero.
	OOMVictimTTL time.Duration `yaml:"oom_victim_ttl"`

	// ExitGraceWindow is how long a PID may be absent from the OS process
	// view before the state manager schedules it for exit emission absent
	// an explicit ProcessEnd trigger. Default: 2s.
	ExitGraceWindow time.Duration `yaml:"exit_grace_window"`

	// MaxTrackedPIDs bounds the size of the live process table.
	// Default: 65536.
	MaxTrackedPIDs int `yaml:"max_tracked_pids"`
}

// ExportConfig holds exporter and sink parameters.
type ExportConfig struct {
	// BatchInterval is how often buffered events are flushed to the sink.
	// Default: 5s.
	BatchInterval time.Duration `yaml:"batch_interval"`

	// Sink selects the registered sink implementation ("http" or "sql").
	// Default: http.
	Sink string `yaml:"sink"`

	// HTTPEndpoint is the log-forward endpoint URL for the http sink.
	HTTPEndpoint string `yaml:"http_endpoint"`

	// DatabaseURL is the Postgres connection string for the sql sink.
	// Ignored when USE_LOCAL_CREDENTIALS is set (see environment variables).
	DatabaseURL string `yaml:"database_url"`

	// MaxRetries bounds retry attempts for a retryable sink failure.
	// Default: 5.
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoff is the first retry delay; doubled (with jitter) on
	// each subsequent attempt up to MaxBackoff. Default: 500ms.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the retry delay. Default: 30s.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// PricingConfig holds cloud-pricing enrichment parameters.
type PricingConfig struct {
	// Enabled controls whether the pricing enricher runs at daemon startup.
	// Default: true. Safe to disable on non-AWS hosts to skip the IMDS probe
	// timeout; the enricher would otherwise soft-degrade automatically.
	Enabled bool `yaml:"enabled"`

	// TopN is the number of best-matching catalog candidates to retain.
	// Default: 2.
	TopN int `yaml:"top_n"`

	// CatalogCacheTTL is how long a cached pricing-catalog lookup for a
	// given (instance_type, region) pair remains valid before a fresh AWS
	// Pricing API query is issued. Default: 24h.
	CatalogCacheTTL time.Duration `yaml:"catalog_cache_ttl"`
}

// StorageConfig holds BoltDB parameters for the pricing catalog cache.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	// Default: /var/lib/tracer/tracer.db.
	DBPath string `yaml:"db_path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (trace, debug, info, warn, error).
	// Default: info. TRACER_LOG_LEVEL overrides this at startup.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// ControlPlaneConfig holds the HTTP control-plane bind parameters.
type ControlPlaneConfig struct {
	// ListenAddr is the control-plane HTTP bind address.
	// Default: 127.0.0.1:8722.
	ListenAddr string `yaml:"listen_addr"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Agent: AgentConfig{
			MaxGoroutines:         4,
			EventQueueSize:        10000,
			ProcfsPollInterval:    5 * time.Millisecond,
			MetricPollInterval:    5 * time.Second,
			SystemMetricsInterval: 10 * time.Second,
		},
		Rules: RulesConfig{
			IncludePath: "/etc/tracer/tracer.rules.yml",
			ExcludePath: "/etc/tracer/exclude.yml",
		},
		State: StateConfig{
			MaxTrackedPIDs:  65536,
			ExitGraceWindow: 2 * time.Second,
			// DedupWindow and OOMVictimTTL are resolved from Agent/Metric
			// intervals in Normalize() when left at zero.
		},
		Export: ExportConfig{
			BatchInterval:  5 * time.Second,
			Sink:           "http",
			MaxRetries:     5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
		},
		Pricing: PricingConfig{
			Enabled:         true,
			TopN:            2,
			CatalogCacheTTL: 24 * time.Hour,
		},
		Storage: StorageConfig{
			DBPath: DefaultDBPath,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		ControlPlane: ControlPlaneConfig{
			ListenAddr: "127.0.0.1:8722",
		},
	}
}

// DefaultDBPath mirrors the storage package constant for use in config defaults.
const DefaultDBPath = "/var/lib/tracer/tracer.db"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values), with
// zero-valued derived fields resolved via Normalize.
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	cfg.Normalize()

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Normalize resolves derived defaults that depend on other fields and are
// left unset (zero) after YAML decoding: State.DedupWindow defaults to
// Agent.ProcfsPollInterval, and State.OOMVictimTTL defaults to
// Agent.MetricPollInterval * 4, per the OOM victim TTL design decision.
func (c *Config) Normalize() {
	if c.State.DedupWindow == 0 {
		c.State.DedupWindow = c.Agent.ProcfsPollInterval
	}
	if c.State.OOMVictimTTL == 0 {
		c.State.OOMVictimTTL = c.Agent.MetricPollInterval * 4
	}
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Agent.MaxGoroutines < 1 || cfg.Agent.MaxGoroutines > 64 {
		errs = append(errs, fmt.Sprintf("agent.max_goroutines must be in [1, 64], got %d", cfg.Agent.MaxGoroutines))
	}
	if cfg.Agent.EventQueueSize < 100 {
		errs = append(errs, fmt.Sprintf("agent.event_queue_size must be >= 100, got %d", cfg.Agent.EventQueueSize))
	}
	if cfg.Agent.ProcfsPollInterval <= 0 {
		errs = append(errs, "agent.procfs_poll_interval must be > 0")
	}
	if cfg.Agent.MetricPollInterval <= 0 {
		errs = append(errs, "agent.metric_poll_interval must be > 0")
	}
	if cfg.Agent.SystemMetricsInterval <= 0 {
		errs = append(errs, "agent.system_metrics_interval must be > 0")
	}
	if cfg.Rules.IncludePath == "" {
		errs = append(errs, "rules.include_path must not be empty")
	}
	if cfg.State.MaxTrackedPIDs < 1 {
		errs = append(errs, fmt.Sprintf("state.max_tracked_pids must be >= 1, got %d", cfg.State.MaxTrackedPIDs))
	}
	if cfg.State.ExitGraceWindow <= 0 {
		errs = append(errs, "state.exit_grace_window must be > 0")
	}
	if cfg.Export.BatchInterval <= 0 {
		errs = append(errs, "export.batch_interval must be > 0")
	}
	switch cfg.Export.Sink {
	case "http":
		if cfg.Export.HTTPEndpoint == "" {
			errs = append(errs, "export.http_endpoint is required when export.sink is \"http\"")
		}
	case "sql":
		if cfg.Export.DatabaseURL == "" && os.Getenv("USE_LOCAL_CREDENTIALS") == "" {
			errs = append(errs, "export.database_url is required when export.sink is \"sql\" (unless USE_LOCAL_CREDENTIALS is set)")
		}
	default:
		errs = append(errs, fmt.Sprintf("export.sink must be \"http\" or \"sql\", got %q", cfg.Export.Sink))
	}
	if cfg.Export.MaxRetries < 0 {
		errs = append(errs, "export.max_retries must be >= 0")
	}
	if cfg.Pricing.TopN < 1 {
		errs = append(errs, fmt.Sprintf("pricing.top_n must be >= 1, got %d", cfg.Pricing.TopN))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.ControlPlane.ListenAddr == "" {
		errs = append(errs, "control_plane.listen_addr must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
