// Package state implements the process state manager: the component that
// deduplicates incoming triggers, runs the rule engine, tracks
// currently-monitored processes, correlates OOM kills with exits, and
// produces the events fed to the recorder.
//
// State is a PID→ProcessStart table plus a label→PID-set monitoring index,
// each mutation serialised under one guard. The OOM victim table evicts by
// recency so entries whose exit never arrives do not accumulate.
package state

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tracer-cloud/tracer/internal/observability"
	"github.com/tracer-cloud/tracer/internal/rules"
	"github.com/tracer-cloud/tracer/internal/trigger"
)

// ToolExecution is emitted when a process is newly matched by the rule
// engine. Visible is false when the process had already exited by the time
// the match was produced (a short-lived process with zeroed metrics).
// ToolID is the stable pid+start-time identifier correlating this event
// with the eventual FinishedToolExecution; ParentToolID is the tool id of
// the nearest observed ancestor, when one exists.
type ToolExecution struct {
	ToolID       string
	ParentToolID string
	ToolName     string
	PID          int32
	Argv         []string
	StartedAt    time.Time
	ContainerID  string
	Visible      bool
}

// FinishedToolExecution is emitted when a monitored process's matching exit
// has been observed.
type FinishedToolExecution struct {
	ToolID      string
	ToolName    string
	PID         int32
	DurationSec float64
	ExitReason  trigger.ExitReason
	StartedAt   time.Time
	EndedAt     time.Time
}

// toolID derives the stable start/exit correlation identifier for a
// process: pid plus start time, unique across pid reuse.
func toolID(pid int32, startedAt time.Time) string {
	return fmt.Sprintf("%d-%d", pid, startedAt.UnixNano())
}

// Sink receives the events produced by the state manager's pipelines. The
// recorder (internal/recorder) implements this.
type Sink interface {
	RecordToolExecution(ToolExecution)
	RecordFinishedToolExecution(FinishedToolExecution)
}

// monitoredProcess pairs a tracked ProcessStart with its tool label.
type monitoredProcess struct {
	start trigger.ProcessStart
	label string
}

// Manager owns the authoritative view of tracked processes. The zero value
// is not usable; construct with New.
type Manager struct {
	mu sync.RWMutex

	processes  map[int32]trigger.ProcessStart
	monitoring map[string]map[int32]*monitoredProcess
	oomVictims map[int32]trigger.OOMRecord

	dedupWindow  time.Duration
	oomVictimTTL time.Duration
	exitGrace    time.Duration
	maxTracked   int

	containerLookup func(pid int32) string

	engine  *rules.Engine
	sink    Sink
	metrics *observability.Metrics
	log     *zap.Logger
}

// Config bundles the Manager's tunable windows, mirroring
// config.StateConfig.
type Config struct {
	DedupWindow  time.Duration
	OOMVictimTTL time.Duration
	ExitGrace    time.Duration
	MaxTracked   int
}

// New constructs an empty Manager.
func New(engine *rules.Engine, sink Sink, metrics *observability.Metrics, log *zap.Logger, cfg Config) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		processes:    make(map[int32]trigger.ProcessStart),
		monitoring:   make(map[string]map[int32]*monitoredProcess),
		oomVictims:   make(map[int32]trigger.OOMRecord),
		dedupWindow:  cfg.DedupWindow,
		oomVictimTTL: cfg.OOMVictimTTL,
		exitGrace:    cfg.ExitGrace,
		maxTracked:   cfg.MaxTracked,
		engine:       engine,
		sink:         sink,
		metrics:      metrics,
		log:          log,
	}
}

// SetContainerLookup installs the docker watcher's pid-to-container
// resolver, consulted on each matched start to attach container context.
// Must be called before the trigger workers start.
func (m *Manager) SetContainerLookup(fn func(pid int32) string) {
	m.containerLookup = fn
}

// HandleStart runs the start pipeline: dedup against an existing equivalent
// trigger, insert into processes, run the rule engine, and emit a
// ToolExecution for a match.
func (m *Manager) HandleStart(p trigger.ProcessStart, osVisible func(pid int32) bool) {
	m.mu.Lock()
	if existing, ok := m.processes[p.PID]; ok {
		_, cmd := existing.Key()
		_, newCmd := p.Key()
		if cmd == newCmd && absDuration(existing.StartedAt.Sub(p.StartedAt)) <= m.dedupWindow {
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.DuplicateTriggersTotal.Inc()
			}
			return
		}
	}
	if m.maxTracked > 0 && len(m.processes) >= m.maxTracked {
		if _, replacing := m.processes[p.PID]; !replacing {
			m.mu.Unlock()
			m.log.Warn("process table at capacity, dropping start trigger",
				zap.Int32("pid", p.PID), zap.Int("max_tracked", m.maxTracked))
			return
		}
	}
	var parentToolID string
	if parent, ok := m.processes[p.PPID]; ok {
		parentToolID = toolID(parent.PID, parent.StartedAt)
	}
	m.processes[p.PID] = p
	m.mu.Unlock()

	label, matched := m.engine.Identify(&p)
	if !matched {
		if m.metrics != nil {
			m.metrics.RuleExclusionsTotal.Inc()
		}
		return
	}

	m.mu.Lock()
	bucket, ok := m.monitoring[label]
	if !ok {
		bucket = make(map[int32]*monitoredProcess)
		m.monitoring[label] = bucket
	}
	bucket[p.PID] = &monitoredProcess{start: p, label: label}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RuleMatchesTotal.WithLabelValues(label).Inc()
		m.metrics.TrackedProcesses.Set(float64(m.countProcesses()))
	}

	containerID := p.ContainerID
	if containerID == "" && m.containerLookup != nil {
		containerID = m.containerLookup(p.PID)
	}

	visible := osVisible == nil || osVisible(p.PID)
	m.sink.RecordToolExecution(ToolExecution{
		ToolID:       toolID(p.PID, p.StartedAt),
		ParentToolID: parentToolID,
		ToolName:     label,
		PID:          p.PID,
		Argv:         p.Argv,
		StartedAt:    p.StartedAt,
		ContainerID:  containerID,
		Visible:      visible,
	})
}

// HandleOOM records an OutOfMemory trigger as a pending victim for the OOM
// correlator. A trigger is recorded when its PID is present in processes,
// or when walking the ppid chain from o.PPID finds an ancestor in the
// monitoring set. Any other OOM is ignored.
func (m *Manager) HandleOOM(o trigger.OutOfMemory) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isTrackedLineageLocked(o.PID, o.PPID) {
		return
	}
	m.oomVictims[o.PID] = trigger.OOMRecord{PID: o.PID, Comm: o.Comm, Timestamp: o.Timestamp}
	if m.metrics != nil {
		m.metrics.OOMVictimsPending.Set(float64(len(m.oomVictims)))
	}
}

// isTrackedLineageLocked reports whether pid is itself an observed process
// (the pre-existing direct check), or descends from one currently under
// rule-engine monitoring, by walking the ppid chain starting at ppid. Each
// step checks pidMonitoredLocked before following the chain one level
// further via the ancestor's own recorded PPID, so an OOM'd grandchild of a
// monitored tool process is still attributed. The walk is bounded by a
// visited-PID set so malformed or cyclic ppid data cannot loop
// indefinitely, and stops as soon as it reaches a PID this manager never
// observed, since it has no further ancestry to offer. Must be called with
// m.mu held.
func (m *Manager) isTrackedLineageLocked(pid, ppid int32) bool {
	if _, ok := m.processes[pid]; ok {
		return true
	}

	visited := map[int32]bool{pid: true}
	current := ppid
	for current != 0 && !visited[current] {
		visited[current] = true
		if m.pidMonitoredLocked(current) {
			return true
		}
		ancestor, ok := m.processes[current]
		if !ok {
			return false
		}
		current = ancestor.PPID
	}
	return false
}

// pidMonitoredLocked reports whether pid appears under any label in the
// monitoring set. Must be called with m.mu held.
func (m *Manager) pidMonitoredLocked(pid int32) bool {
	for _, bucket := range m.monitoring {
		if _, ok := bucket[pid]; ok {
			return true
		}
	}
	return false
}

// HandleEnd runs the exit pipeline: removes the PID from
// processes, upgrades the exit reason to OomKilled if a pending victim
// entry matches, and emits FinishedToolExecution for any monitored process.
func (m *Manager) HandleEnd(e trigger.ProcessEnd) {
	m.mu.Lock()

	delete(m.processes, e.PID)

	if victim, ok := m.oomVictims[e.PID]; ok {
		e.ExitReason = trigger.ExitReason{Kind: trigger.ExitOOMKilled}
		delete(m.oomVictims, e.PID)
		if m.metrics != nil {
			m.metrics.OOMCorrelationsTotal.Inc()
			m.metrics.OOMVictimsPending.Set(float64(len(m.oomVictims)))
		}
		m.log.Debug("exit upgraded to OomKilled",
			zap.Int32("pid", e.PID), zap.String("comm", victim.Comm))
	}

	var finished *monitoredProcess
	var label string
	for l, bucket := range m.monitoring {
		if mp, ok := bucket[e.PID]; ok {
			finished = mp
			label = l
			delete(bucket, e.PID)
			if len(bucket) == 0 {
				delete(m.monitoring, l)
			}
			break
		}
	}
	m.mu.Unlock()

	if finished == nil {
		return
	}

	if m.metrics != nil {
		m.metrics.TrackedProcesses.Set(float64(m.countProcesses()))
	}

	m.sink.RecordFinishedToolExecution(FinishedToolExecution{
		ToolID:      toolID(e.PID, finished.start.StartedAt),
		ToolName:    label,
		PID:         e.PID,
		DurationSec: e.FinishedAt.Sub(finished.start.StartedAt).Seconds(),
		ExitReason:  e.ExitReason,
		StartedAt:   finished.start.StartedAt,
		EndedAt:     e.FinishedAt,
	})
}

// EvictExpiredOOMVictims drops oom_victims entries older than the
// configured TTL without a matching exit. Intended to be called
// periodically (e.g. alongside the metric poll tick).
func (m *Manager) EvictExpiredOOMVictims(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pid, v := range m.oomVictims {
		if now.Sub(v.Timestamp) > m.oomVictimTTL {
			delete(m.oomVictims, pid)
		}
	}
	if m.metrics != nil {
		m.metrics.OOMVictimsPending.Set(float64(len(m.oomVictims)))
	}
}

// MonitoredEntry is one (label, pid, tool id) triple in the monitoring-set
// snapshot handed to the metric poll loop.
type MonitoredEntry struct {
	Label  string
	PID    int32
	ToolID string
}

// MonitoredPIDs returns a snapshot of the processes currently under metric
// polling, so the caller can release the read guard before doing any I/O.
func (m *Manager) MonitoredPIDs() []MonitoredEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []MonitoredEntry
	for label, bucket := range m.monitoring {
		for pid, mp := range bucket {
			out = append(out, MonitoredEntry{
				Label:  label,
				PID:    pid,
				ToolID: toolID(pid, mp.start.StartedAt),
			})
		}
	}
	return out
}

// RemoveIfAbsent removes pid from the label's monitoring bucket; the caller
// decides that the PID is gone from the OS process view, per the metric
// pipeline's grace-window handling. Returns true if the PID was removed.
func (m *Manager) RemoveIfAbsent(label string, pid int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.monitoring[label]
	if !ok {
		return false
	}
	if _, ok := bucket[pid]; !ok {
		return false
	}
	delete(bucket, pid)
	if len(bucket) == 0 {
		delete(m.monitoring, label)
	}
	return true
}

// Processes returns the distinct set of tool labels currently monitored,
// for the control plane's /info snapshot.
func (m *Manager) Processes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.monitoring))
	for label := range m.monitoring {
		out = append(out, label)
	}
	return out
}

// TaskCounts returns, for each monitored tool label, the number of
// currently-tracked PIDs under that label, for the control plane's /info
// snapshot.
func (m *Manager) TaskCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.monitoring))
	for label, bucket := range m.monitoring {
		out[label] = len(bucket)
	}
	return out
}

func (m *Manager) countProcesses() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, bucket := range m.monitoring {
		n += len(bucket)
	}
	return n
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
