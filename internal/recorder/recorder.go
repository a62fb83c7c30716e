// Package recorder implements the thin pipeline-metadata-stamping wrapper
// that sits between the process state manager / system metrics collector
// and the exporter. It reads the current pipeline metadata under
// a lock, stamps it onto outgoing events, and pushes them to the
// exporter's channel.
package recorder

import (
	"sync"
	"time"

	"github.com/tracer-cloud/tracer/internal/exporter"
)

// PipelineMetadata is mutated only through the control-plane component and
// read by the recorder to stamp every event.
type PipelineMetadata struct {
	PipelineName string
	RunName      string
	RunID        string
	Tags         map[string]string
}

// Recorder owns the current PipelineMetadata and pushes stamped events to
// the exporter.
type Recorder struct {
	mu       sync.RWMutex
	metadata PipelineMetadata

	out chan<- exporter.Event
}

// New constructs a Recorder feeding the given exporter input channel.
func New(out chan<- exporter.Event) *Recorder {
	return &Recorder{out: out}
}

// SetMetadata replaces the current pipeline metadata. Called by the
// control plane (internal/controlplane) on /tag and /start.
func (r *Recorder) SetMetadata(md PipelineMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata = md
}

// Metadata returns a copy of the current pipeline metadata.
func (r *Recorder) Metadata() PipelineMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metadata
}

// Log stamps ev with the current pipeline metadata and pushes it to the
// exporter.
func (r *Recorder) Log(ev exporter.Event) {
	r.mu.RLock()
	md := r.metadata
	r.mu.RUnlock()
	r.logWithMetadata(ev, md)
}

// LogWithMetadata stamps ev with an already-held metadata snapshot,
// avoiding a second lock acquisition for callers that fetched Metadata()
// themselves (e.g. a batch of events stamped from one snapshot).
func (r *Recorder) LogWithMetadata(ev exporter.Event, md PipelineMetadata) {
	r.logWithMetadata(ev, md)
}

func (r *Recorder) logWithMetadata(ev exporter.Event, md PipelineMetadata) {
	ev.Timestamp = timeNow()
	ev.PipelineName = md.PipelineName
	ev.RunName = md.RunName
	ev.RunID = md.RunID
	ev.Tags = md.Tags

	select {
	case r.out <- ev:
	default:
		// The exporter input is effectively unbounded; a full channel
		// here means the exporter goroutine has stalled. Drop
		// rather than block the caller, which is typically a hot path
		// (the metric poll tick or the rule match path).
	}
}

func timeNow() time.Time {
	return time.Now()
}
