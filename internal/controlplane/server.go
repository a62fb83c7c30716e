// Package controlplane implements Tracer's HTTP control surface: the
// daemon's run-lifecycle mutations and its status snapshot. The Server
// guards itself with a semaphore-limited concurrent-connection cap and a
// maxRequestBytes ceiling, and follows internal/observability's
// http.Server{ReadTimeout, WriteTimeout, IdleTimeout} +
// context-cancellation-triggered Shutdown idiom.
//
// Endpoints: POST /log, /alert, /start, /end, /terminate, /tag,
// /refresh-config, /upload; PUT /log-short-lived-process; GET /info.
package controlplane

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tracer-cloud/tracer/internal/exporter"
	"github.com/tracer-cloud/tracer/internal/recorder"
)

const (
	maxConcurrentConns = 64
	maxRequestBytes    = 1 << 20 // 1 MiB, generous enough for /upload bodies.
)

// RunState is the daemon's run state machine: Idle <-> Running, terminal
// Shutdown reached only via cancellation.
type RunState int

const (
	RunIdle RunState = iota
	RunRunning
)

func (s RunState) String() string {
	if s == RunRunning {
		return "running"
	}
	return "idle"
}

// CostSummary is the control plane's view of the pricing enricher's result,
// kept independent of internal/pricing so this package has no dependency on
// AWS SDK types — main.go converts pricing.CostSummary into this shape.
type CostSummary struct {
	InstanceType  string  `json:"instance_type"`
	Region        string  `json:"region"`
	CostPerHour   float64 `json:"cost_per_hour"`
	CostPerMinute float64 `json:"cost_per_minute"`
}

// ProcessTracker is implemented by the process state manager
// (internal/state.Manager) and read by GET /info.
type ProcessTracker interface {
	Processes() []string
	TaskCounts() map[string]int
}

// MetadataSink receives the current pipeline metadata on every control-plane
// mutation. Implemented by internal/recorder.Recorder.
type MetadataSink interface {
	SetMetadata(recorder.PipelineMetadata)
}

// InfoResponse is GET /info's body: processes is a set of
// currently-monitored tool labels, tasks is a per-label execution count.
type InfoResponse struct {
	PipelineName    string          `json:"pipeline_name"`
	RunName         string          `json:"run_name,omitempty"`
	RunID           string          `json:"run_id,omitempty"`
	StartTime       *time.Time      `json:"start_time,omitempty"`
	Processes       []string        `json:"processes"`
	Tasks           map[string]int  `json:"tasks"`
	CostSummary     *CostSummary    `json:"cost_summary,omitempty"`
	FormattedRuntime string         `json:"formatted_runtime"`
}

// Server is the daemon's HTTP control plane.
type Server struct {
	mu sync.RWMutex

	state        RunState
	pipelineName string
	runName      string
	runID        string
	startTime    time.Time
	tags         map[string]string
	tagNames     []string
	cost         *CostSummary

	tracker  ProcessTracker
	metadata MetadataSink
	recorder *recorder.Recorder
	reload   func() error
	cancel   context.CancelFunc

	log *zap.Logger
	sem chan struct{}
}

// Config bundles Server's collaborators.
type Config struct {
	// PipelineName seeds the initial pipeline name (e.g. from
	// TRACER_PIPELINE_NAME), overridable per /start request.
	PipelineName string

	Tracker  ProcessTracker
	Metadata MetadataSink
	Recorder *recorder.Recorder

	// Reload is invoked by POST /refresh-config; typically re-reads the
	// config file from disk. May be nil.
	Reload func() error

	// Cancel is invoked by POST /terminate to begin daemon shutdown.
	Cancel context.CancelFunc
}

// NewServer constructs a control-plane Server in the Idle state.
func NewServer(cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		state:        RunIdle,
		pipelineName: cfg.PipelineName,
		tags:         make(map[string]string),
		tracker:      cfg.Tracker,
		metadata:     cfg.Metadata,
		recorder:     cfg.Recorder,
		reload:       cfg.Reload,
		cancel:       cfg.Cancel,
		log:          log,
		sem:          make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the control-plane HTTP server on addr. Blocks until
// ctx is cancelled, at which point it drains in-flight requests (via the
// standard Shutdown grace period) before returning.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /log", s.limitConns(s.handleLog))
	mux.HandleFunc("POST /alert", s.limitConns(s.handleAlert))
	mux.HandleFunc("POST /start", s.limitConns(s.handleStart))
	mux.HandleFunc("POST /end", s.limitConns(s.handleEnd))
	mux.HandleFunc("POST /terminate", s.limitConns(s.handleTerminate))
	mux.HandleFunc("POST /tag", s.limitConns(s.handleTag))
	mux.HandleFunc("POST /refresh-config", s.limitConns(s.handleRefreshConfig))
	mux.HandleFunc("POST /upload", s.limitConns(s.handleUpload))
	mux.HandleFunc("PUT /log-short-lived-process", s.limitConns(s.handleShortLivedProcess))
	mux.HandleFunc("GET /info", s.limitConns(s.handleInfo))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("control plane listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control plane on %s: %w", addr, err)
	}
	return nil
}

// limitConns wraps h with the semaphore-limited concurrent-connection guard
// and the maxRequestBytes ceiling.
func (s *Server) limitConns(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		default:
			http.Error(w, "control plane at capacity", http.StatusServiceUnavailable)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
		h(w, r)
	}
}

// ── /start ──────────────────────────────────────────────────────────────

type startRequest struct {
	PipelineName string            `json:"pipeline_name,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

type startResponse struct {
	PipelineName string `json:"pipeline_name"`
	RunName      string `json:"run_name"`
	RunID        string `json:"run_id"`
}

// handleStart implements Idle->Running and the implicit Running->Running
// restart: a new run_id and run_name are always assigned.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	_ = decodeJSONBody(r, &req) // an empty body is valid; keep current pipeline_name

	s.mu.Lock()
	if req.PipelineName != "" {
		s.pipelineName = req.PipelineName
	}
	if req.Tags != nil {
		s.tags = req.Tags
	}
	s.state = RunRunning
	s.runID = newRunID()
	s.runName = newRunName()
	s.startTime = time.Now().UTC()
	snapshot := s.metadataLocked()
	resp := startResponse{PipelineName: s.pipelineName, RunName: s.runName, RunID: s.runID}
	s.mu.Unlock()

	s.pushMetadata(snapshot)
	s.recorder.Log(exporter.Event{
		Body: "run started", Severity: "info", EventType: "NewRun",
		Attributes: exporter.Attributes{Kind: exporter.AttrNewRun, NewRun: &exporter.NewRunAttrs{TraceID: resp.RunID}},
	})

	writeJSON(w, http.StatusOK, resp)
}

// ── /end ────────────────────────────────────────────────────────────────

// handleEnd implements Running->Idle. Returns 202 Accepted.
func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.state = RunIdle
	s.runID = ""
	s.runName = ""
	s.cost = nil
	snapshot := s.metadataLocked()
	s.mu.Unlock()

	s.pushMetadata(snapshot)
	w.WriteHeader(http.StatusAccepted)
}

// ── /terminate ──────────────────────────────────────────────────────────

// handleTerminate always returns success and initiates shutdown via the
// cancellation func supplied at construction; the exporter's final flush
// and every ticking loop's exit happen downstream of that cancellation.
func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	s.log.Info("control plane: terminate requested")
	if s.cancel != nil {
		s.cancel()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ── /tag ────────────────────────────────────────────────────────────────

type tagRequest struct {
	Names []string `json:"names"`
}

func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	var req tagRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.tagNames = append(s.tagNames, req.Names...)
	snapshot := s.metadataLocked()
	s.mu.Unlock()

	s.pushMetadata(snapshot)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ── /refresh-config ─────────────────────────────────────────────────────

func (s *Server) handleRefreshConfig(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	if err := s.reload(); err != nil {
		s.log.Warn("control plane: config reload failed", zap.Error(err))
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ── /log, /alert ────────────────────────────────────────────────────────

type logRequest struct {
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var req logRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Severity == "" {
		req.Severity = "info"
	}
	s.recorder.Log(exporter.Event{Body: req.Message, Severity: req.Severity, EventType: "Log"})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	var req logRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Severity == "" {
		req.Severity = "warn"
	}
	s.recorder.Log(exporter.Event{Body: req.Message, Severity: req.Severity, EventType: "Alert"})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ── PUT /log-short-lived-process ───────────────────────────────────────

type shortLivedProcessRequest struct {
	ToolName      string `json:"tool_name"`
	PID           int32  `json:"pid"`
	CommandString string `json:"command_string"`
}

// handleShortLivedProcess records a process whose start and exit were both
// observed before the metric poll tick had a chance to run.
func (s *Server) handleShortLivedProcess(w http.ResponseWriter, r *http.Request) {
	var req shortLivedProcessRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.recorder.Log(exporter.Event{
		Body: fmt.Sprintf("short-lived process: %s", req.ToolName), EventType: "ProcessShort",
		Attributes: exporter.Attributes{
			Kind: exporter.AttrProcessShort,
			Process: &exporter.ProcessAttrs{
				PID: req.PID, ProcessName: req.ToolName, CommandString: req.CommandString, Short: true,
			},
		},
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ── /upload ─────────────────────────────────────────────────────────────

type uploadRequest struct {
	FileName  string `json:"file_name"`
	SizeBytes int64  `json:"size_bytes"`
}

// handleUpload records receipt of an out-of-band log/artifact bundle. The
// daemon does not itself stage uploads to a destination store; it records
// the upload as an event so it is visible in the exported stream alongside
// the run it belongs to.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.recorder.Log(exporter.Event{
		Body: fmt.Sprintf("upload received: %s (%d bytes)", req.FileName, req.SizeBytes),
		EventType: "Upload", Severity: "info",
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ── GET /info ───────────────────────────────────────────────────────────

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	resp := InfoResponse{
		PipelineName: s.pipelineName,
		RunName:      s.runName,
		RunID:        s.runID,
		CostSummary:  s.cost,
	}
	if s.state == RunRunning {
		st := s.startTime
		resp.StartTime = &st
		resp.FormattedRuntime = time.Since(st).Round(time.Second).String()
	}
	s.mu.RUnlock()

	if s.tracker != nil {
		resp.Processes = s.tracker.Processes()
		resp.Tasks = s.tracker.TaskCounts()
	}
	if resp.Processes == nil {
		resp.Processes = []string{}
	}
	if resp.Tasks == nil {
		resp.Tasks = map[string]int{}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ── Metadata plumbing ───────────────────────────────────────────────────

// SetCostSummary records the pricing enricher's resolved cost so GET /info
// can surface it. Called once at startup (and optionally on periodic
// re-resolution) from main.go.
func (s *Server) SetCostSummary(c *CostSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cost = c
}

// metadataLocked builds a recorder.PipelineMetadata snapshot. Caller must
// hold s.mu.
func (s *Server) metadataLocked() recorder.PipelineMetadata {
	tags := make(map[string]string, len(s.tags)+1)
	for k, v := range s.tags {
		tags[k] = v
	}
	if len(s.tagNames) > 0 {
		joined := s.tagNames[0]
		for _, n := range s.tagNames[1:] {
			joined += "," + n
		}
		tags["tags"] = joined
	}
	return recorder.PipelineMetadata{
		PipelineName: s.pipelineName,
		RunName:      s.runName,
		RunID:        s.runID,
		Tags:         tags,
	}
}

func (s *Server) pushMetadata(md recorder.PipelineMetadata) {
	if s.metadata != nil {
		s.metadata.SetMetadata(md)
	}
}

// ── helpers ─────────────────────────────────────────────────────────────

func decodeJSONBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newRunID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
