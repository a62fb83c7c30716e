// Package procfs implements the fallback process-table poller used when
// the kernel probe adapter is unavailable or disabled. On a
// fixed interval it reads the process table, diffs it against the previous
// snapshot, and synthesises ProcessStart / ProcessEnd trigger.Event values
// for new and departed PIDs.
package procfs

import (
	"context"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/tracer-cloud/tracer/internal/trigger"
)

// Poller periodically diffs the process table and emits trigger events on
// a channel, mirroring the channel-based handoff used by the kernel probe
// adapter (internal/kernel) so the state manager can consume either
// source identically.
type Poller struct {
	interval time.Duration
	log      *zap.Logger

	prev map[int32]trigger.ProcessStart
}

// New creates a Poller with the given poll interval (config.Agent.ProcfsPollInterval).
func New(interval time.Duration, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		interval: interval,
		log:      log,
		prev:     make(map[int32]trigger.ProcessStart),
	}
}

// Run ticks at the configured interval, emitting trigger.Event values on
// the returned channel until ctx is cancelled, at which point the channel
// is closed.
func (p *Poller) Run(ctx context.Context) <-chan trigger.Event {
	out := make(chan trigger.Event, 256)

	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.poll(ctx, out)
			}
		}
	}()

	return out
}

func (p *Poller) poll(ctx context.Context, out chan<- trigger.Event) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		p.log.Warn("procfs: failed to list pids", zap.Error(err))
		return
	}

	now := time.Now()
	current := make(map[int32]trigger.ProcessStart, len(pids))

	for _, pid := range pids {
		if _, seen := p.prev[pid]; seen {
			current[pid] = p.prev[pid]
			continue
		}

		start, ok := p.describe(ctx, pid, now)
		if !ok {
			continue
		}
		current[pid] = start
		select {
		case out <- start:
		default:
			p.log.Debug("procfs: trigger channel full, dropping start", zap.Int32("pid", pid))
		}
	}

	for pid, start := range p.prev {
		if _, stillRunning := current[pid]; stillRunning {
			continue
		}
		end := trigger.ProcessEnd{
			PID:        pid,
			FinishedAt: now,
			ExitReason: trigger.ExitReason{Kind: trigger.ExitUnknown},
			Source:     "procfs",
		}
		select {
		case out <- end:
		default:
			p.log.Debug("procfs: trigger channel full, dropping end", zap.Int32("pid", pid))
		}
		_ = start
	}

	p.prev = current
}

// describe reads /proc/<pid>/{comm,cmdline,stat} equivalents via gopsutil to
// build a ProcessStart record for a newly observed PID.
func (p *Poller) describe(ctx context.Context, pid int32, observedAt time.Time) (trigger.ProcessStart, bool) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return trigger.ProcessStart{}, false
	}

	argv, err := proc.CmdlineSliceWithContext(ctx)
	if err != nil || len(argv) == 0 {
		return trigger.ProcessStart{}, false
	}

	comm, err := proc.NameWithContext(ctx)
	if err != nil {
		comm = filepath.Base(argv[0])
	}

	ppid, _ := proc.PpidWithContext(ctx)

	commandString := argv[0]
	for _, a := range argv[1:] {
		commandString += " " + a
	}

	started := observedAt
	if createMs, err := proc.CreateTimeWithContext(ctx); err == nil && createMs > 0 {
		started = time.UnixMilli(createMs)
	}

	return trigger.ProcessStart{
		PID:           pid,
		PPID:          ppid,
		Comm:          comm,
		FileName:      argv[0],
		Argv:          argv,
		CommandString: commandString,
		StartedAt:     started,
		Source:        "procfs",
	}, true
}
