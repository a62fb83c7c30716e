package exporter

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tracer-cloud/tracer/internal/observability"
)

// Config bundles the exporter's tunables, mirroring config.ExportConfig.
type Config struct {
	BatchInterval  time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	SourceType             string
	InstrumentationVersion string
	InstrumentationType    string
	NodeID                 string
}

// Exporter batches events arriving on In and flushes them to Sink on a time
// trigger.
type Exporter struct {
	In chan Event

	sink    Sink
	cfg     Config
	metrics *observability.Metrics
	log     *zap.Logger
}

// New constructs an Exporter. The caller owns the returned In channel's
// writers; Run owns draining it.
func New(sink Sink, cfg Config, metrics *observability.Metrics, log *zap.Logger) *Exporter {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 5 * time.Second
	}
	return &Exporter{
		In:      make(chan Event, 4096),
		sink:    sink,
		cfg:     cfg,
		metrics: metrics,
		log:     log,
	}
}

// Run drains In on cfg.BatchInterval until ctx is cancelled, at which point
// it performs one final flush before returning. The daemon's shutdown
// sequencing depends on this final flush happening before the sink
// connection is closed.
func (x *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(x.cfg.BatchInterval)
	defer ticker.Stop()

	var batch []Event

	flush := func() {
		if len(batch) == 0 {
			return
		}
		x.flush(ctx, batch)
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			x.drain(&batch)
			flush()
			return
		case ev := <-x.In:
			batch = append(batch, ev)
		case <-ticker.C:
			flush()
		}
	}
}

// drain empties any events still buffered in In without blocking, so the
// final flush on shutdown captures events queued just before cancellation.
func (x *Exporter) drain(batch *[]Event) {
	for {
		select {
		case ev := <-x.In:
			*batch = append(*batch, ev)
		default:
			return
		}
	}
}

func (x *Exporter) flush(ctx context.Context, batch []Event) {
	rows := make([]ExportRow, 0, len(batch))
	for _, ev := range batch {
		row, err := ev.ToRow(x.cfg.SourceType, x.cfg.InstrumentationVersion, x.cfg.InstrumentationType, x.cfg.NodeID, nil)
		if err != nil {
			x.log.Warn("exporter: dropping unconvertible event", zap.Error(err))
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return
	}

	retryCfg := retryConfig{
		MaxAttempts:  x.cfg.MaxRetries,
		InitialDelay: x.cfg.InitialBackoff,
		MaxDelay:     x.cfg.MaxBackoff,
		Multiplier:   2.0,
	}
	if retryCfg.MaxAttempts <= 0 {
		retryCfg.MaxAttempts = 5
	}
	if retryCfg.InitialDelay <= 0 {
		retryCfg.InitialDelay = 200 * time.Millisecond
	}
	if retryCfg.MaxDelay <= 0 {
		retryCfg.MaxDelay = 30 * time.Second
	}

	err := retryWrite(ctx, retryCfg, func(attempt int, err error, delay time.Duration) {
		if x.metrics != nil {
			x.metrics.ExportRetriesTotal.Inc()
		}
		x.log.Warn("exporter: retrying batch write", zap.Int("attempt", attempt), zap.Error(err), zap.Duration("delay", delay))
	}, func(ctx context.Context) error {
		return x.sink.Write(ctx, rows)
	})

	outcome := "success"
	if err != nil {
		outcome = "dropped"
		if x.metrics != nil {
			x.metrics.ExportDroppedBatchesTotal.Inc()
		}
		x.log.Error("exporter: batch write failed, surrendering batch", zap.Int("rows", len(rows)), zap.Error(err))
	} else if x.metrics != nil {
		x.metrics.EventsExportedTotal.Add(float64(len(rows)))
	}

	if x.metrics != nil {
		x.metrics.ExportBatchesTotal.WithLabelValues(x.sink.Name(), outcome).Inc()
		x.metrics.ExportBatchSize.Observe(float64(len(rows)))
	}
}
