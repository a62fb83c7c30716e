package controlplane

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/tracer-cloud/tracer/internal/exporter"
	"github.com/tracer-cloud/tracer/internal/recorder"
)

type fakeTracker struct {
	processes []string
	tasks     map[string]int
}

func (f *fakeTracker) Processes() []string     { return f.processes }
func (f *fakeTracker) TaskCounts() map[string]int { return f.tasks }

func newTestServer() (*Server, chan exporter.Event) {
	out := make(chan exporter.Event, 16)
	rec := recorder.New(out)
	tracker := &fakeTracker{processes: []string{"bwa"}, tasks: map[string]int{"bwa": 1}}
	s := NewServer(Config{
		PipelineName: "rnaseq",
		Tracker:      tracker,
		Metadata:     rec,
		Recorder:     rec,
	}, nil)
	return s, out
}

func TestHandleStartTransitionsToRunning(t *testing.T) {
	s, out := newTestServer()

	req := httptest.NewRequest("POST", "/start", bytes.NewBufferString(`{"pipeline_name":"wgs"}`))
	w := httptest.NewRecorder()
	s.handleStart(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp startResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PipelineName != "wgs" || resp.RunID == "" || resp.RunName == "" {
		t.Errorf("unexpected response: %+v", resp)
	}

	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state != RunRunning {
		t.Errorf("state = %v, want RunRunning", state)
	}

	select {
	case ev := <-out:
		if ev.EventType != "NewRun" {
			t.Errorf("expected a NewRun event, got %q", ev.EventType)
		}
	default:
		t.Fatal("expected a NewRun event to be recorded")
	}
}

func TestHandleEndTransitionsToIdle(t *testing.T) {
	s, _ := newTestServer()
	s.state = RunRunning
	s.runID = "run-1"

	w := httptest.NewRecorder()
	s.handleEnd(w, httptest.NewRequest("POST", "/end", nil))

	if w.Code != 202 {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != RunIdle || s.runID != "" {
		t.Errorf("expected Idle state with cleared runID, got state=%v runID=%q", s.state, s.runID)
	}
}

func TestHandleTerminateInvokesCancel(t *testing.T) {
	s, _ := newTestServer()
	cancelled := false
	s.cancel = func() { cancelled = true }

	w := httptest.NewRecorder()
	s.handleTerminate(w, httptest.NewRequest("POST", "/terminate", nil))

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !cancelled {
		t.Error("expected handleTerminate to invoke the cancel function")
	}
}

func TestHandleInfoReportsTrackerSnapshot(t *testing.T) {
	s, _ := newTestServer()

	w := httptest.NewRecorder()
	s.handleInfo(w, httptest.NewRequest("GET", "/info", nil))

	var resp InfoResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PipelineName != "rnaseq" {
		t.Errorf("PipelineName = %q, want rnaseq", resp.PipelineName)
	}
	if len(resp.Processes) != 1 || resp.Processes[0] != "bwa" {
		t.Errorf("Processes = %v, want [bwa]", resp.Processes)
	}
	if resp.Tasks["bwa"] != 1 {
		t.Errorf("Tasks = %v, want bwa:1", resp.Tasks)
	}
}

func TestHandleTagAccumulatesNames(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest("POST", "/tag", bytes.NewBufferString(`{"names":["dev","fast"]}`))
	w := httptest.NewRecorder()
	s.handleTag(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.tagNames) != 2 {
		t.Errorf("tagNames = %v, want 2 entries", s.tagNames)
	}
}

func TestHandleLogDefaultsSeverityToInfo(t *testing.T) {
	s, out := newTestServer()

	req := httptest.NewRequest("POST", "/log", bytes.NewBufferString(`{"message":"hello"}`))
	w := httptest.NewRecorder()
	s.handleLog(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	ev := <-out
	if ev.Severity != "info" || ev.Body != "hello" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestHandleAlertDefaultsSeverityToWarn(t *testing.T) {
	s, out := newTestServer()

	req := httptest.NewRequest("POST", "/alert", bytes.NewBufferString(`{"message":"disk full"}`))
	w := httptest.NewRecorder()
	s.handleAlert(w, req)

	ev := <-out
	if ev.Severity != "warn" {
		t.Errorf("Severity = %q, want warn", ev.Severity)
	}
}

func TestHandleRefreshConfigSurfacesReloadError(t *testing.T) {
	s, _ := newTestServer()
	s.reload = func() error { return errTestReload }

	w := httptest.NewRecorder()
	s.handleRefreshConfig(w, httptest.NewRequest("POST", "/refresh-config", nil))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestHandleRefreshConfigNilReloadIsNoop(t *testing.T) {
	s, _ := newTestServer()
	s.reload = nil

	w := httptest.NewRecorder()
	s.handleRefreshConfig(w, httptest.NewRequest("POST", "/refresh-config", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestHandleShortLivedProcessRecordsEvent(t *testing.T) {
	s, out := newTestServer()

	body := `{"tool_name":"fastqc","pid":42,"command_string":"fastqc in.fq"}`
	req := httptest.NewRequest("PUT", "/log-short-lived-process", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.handleShortLivedProcess(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	ev := <-out
	if ev.Attributes.Process == nil || ev.Attributes.Process.PID != 42 || !ev.Attributes.Process.Short {
		t.Errorf("unexpected process attrs: %+v", ev.Attributes.Process)
	}
}

type testReloadError struct{ msg string }

func (e *testReloadError) Error() string { return e.msg }

var errTestReload = &testReloadError{msg: "boom"}
