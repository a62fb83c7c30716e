// Package kernel — events.go
//
// Ring buffer event processor for the Tracer kernel probe adapter.
//
// This package consumes raw process exec/exit/OOM events from the BPF ring
// buffer, resolves argv via /proc/<pid>/cmdline, and converts each record
// into the shared trigger.Event types consumed by the process state
// manager (internal/state).
//
// Architecture:
//
//	[BPF Ring Buffer]
//	      ↓  (cilium/ebpf ringbuf.Reader)
//	[Event Processor goroutine]
//	      ↓  (buffered channel, cap=EventQueueSize)
//	[Process state manager]
//
// Backpressure:
//   - If the in-memory channel is full, new events are dropped and
//     TriggersDroppedTotal{source="ebpf"} is incremented.
//   - Ring buffer overflow (kernel side) is tracked via the per-CPU drop
//     counter map and exposed as TriggersDroppedTotal{source="ebpf_ringbuf"}.
//
// Shutdown:
//   - ctx cancellation stops the reader goroutine cleanly.
//   - The event channel is closed once the reader goroutine exits.
package kernel

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"

	bpfpkg "github.com/tracer-cloud/tracer/internal/bpf"
	"github.com/tracer-cloud/tracer/internal/observability"
	"github.com/tracer-cloud/tracer/internal/trigger"
)

// Processor reads kernel events from the BPF ring buffer and converts them
// into trigger.Event values.
type Processor struct {
	objs     *bpfpkg.Objects
	metrics  *observability.Metrics
	log      *zap.Logger
	queue    chan trigger.Event
	queueCap int
}

// NewProcessor creates a Processor with the given queue capacity. queueCap
// must be > 0 (config.Agent.EventQueueSize).
func NewProcessor(
	objs *bpfpkg.Objects,
	metrics *observability.Metrics,
	log *zap.Logger,
	queueCap int,
) *Processor {
	return &Processor{
		objs:     objs,
		metrics:  metrics,
		log:      log,
		queue:    make(chan trigger.Event, queueCap),
		queueCap: queueCap,
	}
}

// Run starts the ring buffer reader and returns the trigger event channel.
// Run returns at once; a background reader closes the channel once ctx is
// cancelled.
//
// Failure modes:
//   - If the ring buffer reader fails to open: returns error immediately.
//   - If an individual record is malformed: logged and skipped (not fatal).
//   - If the queue is full: event dropped, metric incremented.
func (p *Processor) Run(ctx context.Context) (<-chan trigger.Event, error) {
	rd, err := ringbuf.NewReader(p.objs.Events)
	if err != nil {
		return nil, fmt.Errorf("ringbuf.NewReader: %w", err)
	}

	go func() {
		defer close(p.queue)
		defer rd.Close()

		dropTicker := time.NewTicker(5 * time.Second)
		defer dropTicker.Stop()

		var lastDropCount uint64

		for {
			select {
			case <-ctx.Done():
				return
			case <-dropTicker.C:
				total, err := p.objs.ReadDropCount()
				if err != nil {
					p.log.Warn("failed to read drop counter", zap.Error(err))
					continue
				}
				delta := total - lastDropCount
				if delta > 0 {
					p.metrics.TriggersDroppedTotal.WithLabelValues("ebpf_ringbuf").Add(float64(delta))
					lastDropCount = total
				}
			default:
				// SetDeadline lets us check ctx cancellation periodically.
				_ = rd.SetDeadline(time.Now().Add(100 * time.Millisecond))
				record, err := rd.Read()
				if err != nil {
					if ringbuf.IsUnrecoverableError(err) {
						p.log.Error("unrecoverable ring buffer error", zap.Error(err))
						return
					}
					continue
				}

				raw, err := bpfpkg.ParseEvent(record.RawSample)
				if err != nil {
					p.log.Warn("malformed kernel event", zap.Error(err),
						zap.Int("raw_len", len(record.RawSample)))
					continue
				}

				ev, kind := toTrigger(raw)
				p.metrics.TriggersReceivedTotal.WithLabelValues("ebpf", kind).Inc()
				p.metrics.TriggerQueueDepth.Set(float64(len(p.queue)))

				select {
				case p.queue <- ev:
				default:
					p.metrics.TriggersDroppedTotal.WithLabelValues("ebpf").Inc()
					p.log.Debug("trigger queue full, dropping event",
						zap.Uint32("pid", raw.PID), zap.String("type", kind))
				}
			}
		}
	}()

	return p.queue, nil
}

// toTrigger converts a raw KernelEvent into its trigger.Event and returns a
// metric label for the kind. For process exec events, argv is resolved
// best-effort from /proc/<pid>/cmdline since the ring buffer record does
// not carry it.
func toTrigger(raw bpfpkg.KernelEvent) (trigger.Event, string) {
	switch raw.EventType {
	case bpfpkg.EventProcessExec:
		argv := readCmdline(raw.PID)
		commandString := strings.Join(argv, " ")
		comm := raw.Comm()
		if comm == "" && len(argv) > 0 {
			comm = baseName(argv[0])
		}
		return trigger.ProcessStart{
			PID:           int32(raw.PID),
			PPID:          int32(raw.PPID),
			Comm:          comm,
			FileName:      raw.FileName(),
			Argv:          argv,
			CommandString: commandString,
			StartedAt:     time.Unix(0, int64(raw.TimestampNS)),
			Source:        "ebpf",
		}, "start"

	case bpfpkg.EventProcessExit:
		reason := trigger.ExitReason{Kind: trigger.ExitUnknown}
		switch raw.ExitReason {
		case bpfpkg.ExitReasonSignal:
			reason = trigger.ExitReason{Kind: trigger.ExitSignal, Signal: raw.ExitCode}
		case bpfpkg.ExitReasonCode:
			reason = trigger.ExitReason{Kind: trigger.ExitCode, Code: raw.ExitCode}
		}
		return trigger.ProcessEnd{
			PID:        int32(raw.PID),
			FinishedAt: time.Unix(0, int64(raw.TimestampNS)),
			ExitReason: reason,
			Source:     "ebpf",
		}, "exit"

	default: // bpfpkg.EventOOMKill
		return trigger.OutOfMemory{
			PID:       int32(raw.PID),
			PPID:      int32(raw.PPID),
			Comm:      raw.Comm(),
			Timestamp: time.Unix(0, int64(raw.TimestampNS)),
		}, "oom"
	}
}

// readCmdline reads and splits /proc/<pid>/cmdline (NUL-separated args).
// Returns nil if the process has already exited or the read fails — this
// is expected under heavy process churn and is not logged as an error.
func readCmdline(pid uint32) []string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil || len(data) == 0 {
		return nil
	}
	parts := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
