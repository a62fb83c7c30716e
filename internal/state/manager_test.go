package state

import (
	"testing"
	"time"

	"github.com/tracer-cloud/tracer/internal/rules"
	"github.com/tracer-cloud/tracer/internal/trigger"
)

type fakeSink struct {
	starts   []ToolExecution
	finishes []FinishedToolExecution
}

func (f *fakeSink) RecordToolExecution(e ToolExecution)                 { f.starts = append(f.starts, e) }
func (f *fakeSink) RecordFinishedToolExecution(e FinishedToolExecution) { f.finishes = append(f.finishes, e) }

func catEngine(t *testing.T) *rules.Engine {
	t.Helper()
	doc := []byte(`
rules:
  - display_name: "cat"
    condition:
      process_name_is: cat
`)
	parsed, skipped, err := rules.ParseDocument(doc)
	if err != nil || len(skipped) != 0 {
		t.Fatalf("ParseDocument: err=%v skipped=%v", err, skipped)
	}
	return rules.NewEngine(&rules.RuleSet{Include: parsed}, nil)
}

func TestHandleStartEmitsMatchedToolExecution(t *testing.T) {
	sink := &fakeSink{}
	m := New(catEngine(t), sink, nil, nil, Config{DedupWindow: time.Millisecond})

	m.HandleStart(trigger.ProcessStart{
		PID: 100, Comm: "cat", Argv: []string{"cat", "f"}, CommandString: "cat f",
		StartedAt: time.Now(),
	}, func(int32) bool { return true })

	if len(sink.starts) != 1 {
		t.Fatalf("expected 1 ToolExecution, got %d", len(sink.starts))
	}
	if sink.starts[0].ToolName != "cat" {
		t.Errorf("ToolName = %q, want cat", sink.starts[0].ToolName)
	}
}

func TestHandleStartDropsDuplicate(t *testing.T) {
	sink := &fakeSink{}
	m := New(catEngine(t), sink, nil, nil, Config{DedupWindow: time.Second})

	now := time.Now()
	p := trigger.ProcessStart{PID: 200, Comm: "cat", Argv: []string{"cat"}, CommandString: "cat", StartedAt: now}
	m.HandleStart(p, nil)
	m.HandleStart(trigger.ProcessStart{PID: 200, Comm: "cat", Argv: []string{"cat"}, CommandString: "cat", StartedAt: now.Add(10 * time.Millisecond)}, nil)

	if len(sink.starts) != 1 {
		t.Fatalf("expected duplicate to be dropped, got %d starts", len(sink.starts))
	}
}

func TestHandleEndEmitsFinishedExecution(t *testing.T) {
	sink := &fakeSink{}
	m := New(catEngine(t), sink, nil, nil, Config{DedupWindow: time.Millisecond})

	started := time.Now()
	m.HandleStart(trigger.ProcessStart{PID: 300, Comm: "cat", Argv: []string{"cat"}, CommandString: "cat", StartedAt: started}, nil)

	ended := started.Add(2 * time.Second)
	m.HandleEnd(trigger.ProcessEnd{PID: 300, FinishedAt: ended, ExitReason: trigger.ExitReason{Kind: trigger.ExitCode, Code: 0}})

	if len(sink.finishes) != 1 {
		t.Fatalf("expected 1 FinishedToolExecution, got %d", len(sink.finishes))
	}
	f := sink.finishes[0]
	if f.DurationSec < 1.9 || f.DurationSec > 2.1 {
		t.Errorf("DurationSec = %v, want ~2.0", f.DurationSec)
	}
}

func TestOOMCorrelationUpgradesExitReason(t *testing.T) {
	sink := &fakeSink{}
	m := New(catEngine(t), sink, nil, nil, Config{DedupWindow: time.Millisecond, OOMVictimTTL: time.Minute})

	started := time.Now()
	m.HandleStart(trigger.ProcessStart{PID: 400, Comm: "cat", Argv: []string{"cat"}, CommandString: "cat", StartedAt: started}, nil)
	m.HandleOOM(trigger.OutOfMemory{PID: 400, Comm: "cat", Timestamp: started.Add(time.Second)})
	m.HandleEnd(trigger.ProcessEnd{PID: 400, FinishedAt: started.Add(2 * time.Second), ExitReason: trigger.ExitReason{Kind: trigger.ExitUnknown}})

	if len(sink.finishes) != 1 {
		t.Fatalf("expected 1 finish, got %d", len(sink.finishes))
	}
	if sink.finishes[0].ExitReason.Kind != trigger.ExitOOMKilled {
		t.Errorf("expected exit reason upgraded to OomKilled, got %v", sink.finishes[0].ExitReason.Kind)
	}
}

// TestOOMCorrelationAttributesChildOfMonitoredTool covers descendant
// attribution: a grandchild of a monitored "cat" process is OOM-killed. Its own exec event was dropped (the common reason
// a child is never directly in processes — a ring-buffer drop or a probe
// race), but its ppid chain walks back through an observed intermediate
// shell to the monitored "cat" ancestor, so the victim is still recorded
// and its eventual exit is upgraded to OomKilled.
func TestOOMCorrelationAttributesChildOfMonitoredTool(t *testing.T) {
	sink := &fakeSink{}
	m := New(catEngine(t), sink, nil, nil, Config{DedupWindow: time.Millisecond, OOMVictimTTL: time.Minute})

	started := time.Now()
	m.HandleStart(trigger.ProcessStart{PID: 10, PPID: 1, Comm: "cat", Argv: []string{"cat"}, CommandString: "cat", StartedAt: started}, nil)
	// The intermediate shell (pid 11) is observed but never rule-matched.
	// The grandchild (pid 12) is never started at all — its exec event was
	// dropped — so it only ever appears via the OOM trigger itself.
	m.HandleStart(trigger.ProcessStart{PID: 11, PPID: 10, Comm: "sh", Argv: []string{"sh", "-c", "x"}, CommandString: "sh -c x", StartedAt: started}, nil)

	m.HandleOOM(trigger.OutOfMemory{PID: 12, PPID: 11, Comm: "sh", Timestamp: started.Add(time.Second)})
	if len(m.oomVictims) != 1 {
		t.Fatalf("expected the grandchild OOM to be attributed via the ppid chain, got %d victims", len(m.oomVictims))
	}

	m.HandleEnd(trigger.ProcessEnd{PID: 12, FinishedAt: started.Add(2 * time.Second), ExitReason: trigger.ExitReason{Kind: trigger.ExitUnknown}})
	if len(m.oomVictims) != 0 {
		t.Fatalf("expected the victim entry to be consumed by HandleEnd, got %d remaining", len(m.oomVictims))
	}
}

// TestOOMIgnoredWhenAncestryNeverObserved ensures an OOM for a PID whose
// ppid chain was never observed at all (not a descendant of anything
// tracked) does not get recorded.
func TestOOMIgnoredWhenAncestryNeverObserved(t *testing.T) {
	sink := &fakeSink{}
	m := New(catEngine(t), sink, nil, nil, Config{OOMVictimTTL: time.Minute})

	m.HandleOOM(trigger.OutOfMemory{PID: 900, PPID: 901, Comm: "ghost", Timestamp: time.Now()})

	if len(m.oomVictims) != 0 {
		t.Errorf("expected OOM with wholly unobserved ancestry to be ignored, got %d victims", len(m.oomVictims))
	}
}

// TestOOMLineageWalkBoundedByCycle ensures a cyclic ppid chain (malformed
// kernel data) terminates the walk instead of looping forever.
func TestOOMLineageWalkBoundedByCycle(t *testing.T) {
	sink := &fakeSink{}
	m := New(catEngine(t), sink, nil, nil, Config{DedupWindow: time.Millisecond, OOMVictimTTL: time.Minute})

	started := time.Now()
	// pid 20 claims ppid 21 and pid 21 claims ppid 20: a two-node cycle,
	// neither of which is ever rule-matched.
	m.HandleStart(trigger.ProcessStart{PID: 20, PPID: 21, Comm: "sh", Argv: []string{"sh"}, CommandString: "sh", StartedAt: started}, nil)
	m.HandleStart(trigger.ProcessStart{PID: 21, PPID: 20, Comm: "sh", Argv: []string{"sh"}, CommandString: "sh", StartedAt: started}, nil)

	done := make(chan struct{})
	go func() {
		m.HandleOOM(trigger.OutOfMemory{PID: 22, PPID: 21, Comm: "sh", Timestamp: started.Add(time.Second)})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleOOM did not return — cyclic ppid walk did not terminate")
	}
	if len(m.oomVictims) != 0 {
		t.Errorf("expected no victim recorded for an unmonitored cyclic lineage, got %d", len(m.oomVictims))
	}
}

func TestOOMIgnoredForUntrackedPID(t *testing.T) {
	sink := &fakeSink{}
	m := New(catEngine(t), sink, nil, nil, Config{OOMVictimTTL: time.Minute})

	m.HandleOOM(trigger.OutOfMemory{PID: 999, Comm: "ghost", Timestamp: time.Now()})
	m.EvictExpiredOOMVictims(time.Now())

	if len(m.oomVictims) != 0 {
		t.Errorf("expected untracked OOM to be ignored, got %d victims", len(m.oomVictims))
	}
}

func TestEvictExpiredOOMVictims(t *testing.T) {
	sink := &fakeSink{}
	m := New(catEngine(t), sink, nil, nil, Config{OOMVictimTTL: 10 * time.Millisecond})

	m.HandleStart(trigger.ProcessStart{PID: 500, Comm: "cat", Argv: []string{"cat"}, CommandString: "cat", StartedAt: time.Now()}, nil)
	m.HandleOOM(trigger.OutOfMemory{PID: 500, Comm: "cat", Timestamp: time.Now()})

	m.EvictExpiredOOMVictims(time.Now().Add(time.Hour))

	if len(m.oomVictims) != 0 {
		t.Errorf("expected expired victim to be evicted, got %d", len(m.oomVictims))
	}
}

// TestToolIDCorrelatesStartAndFinish checks the pid+start-time tool id is
// identical on the ToolExecution and its FinishedToolExecution, so the two
// can be joined downstream.
func TestToolIDCorrelatesStartAndFinish(t *testing.T) {
	sink := &fakeSink{}
	m := New(catEngine(t), sink, nil, nil, Config{DedupWindow: time.Millisecond})

	started := time.Now()
	m.HandleStart(trigger.ProcessStart{PID: 600, Comm: "cat", Argv: []string{"cat"}, CommandString: "cat", StartedAt: started}, nil)
	m.HandleEnd(trigger.ProcessEnd{PID: 600, FinishedAt: started.Add(time.Second)})

	if len(sink.starts) != 1 || len(sink.finishes) != 1 {
		t.Fatalf("expected 1 start and 1 finish, got %d/%d", len(sink.starts), len(sink.finishes))
	}
	if sink.starts[0].ToolID == "" || sink.starts[0].ToolID != sink.finishes[0].ToolID {
		t.Errorf("tool ids do not correlate: start=%q finish=%q", sink.starts[0].ToolID, sink.finishes[0].ToolID)
	}
}

// TestParentToolIDAttributed checks a matched child of an observed parent
// carries the parent's tool id.
func TestParentToolIDAttributed(t *testing.T) {
	sink := &fakeSink{}
	m := New(catEngine(t), sink, nil, nil, Config{DedupWindow: time.Millisecond})

	started := time.Now()
	m.HandleStart(trigger.ProcessStart{PID: 700, PPID: 1, Comm: "cat", Argv: []string{"cat"}, CommandString: "cat parent", StartedAt: started}, nil)
	m.HandleStart(trigger.ProcessStart{PID: 701, PPID: 700, Comm: "cat", Argv: []string{"cat"}, CommandString: "cat child", StartedAt: started.Add(time.Second)}, nil)

	if len(sink.starts) != 2 {
		t.Fatalf("expected 2 starts, got %d", len(sink.starts))
	}
	if sink.starts[1].ParentToolID != sink.starts[0].ToolID {
		t.Errorf("child ParentToolID = %q, want parent's ToolID %q", sink.starts[1].ParentToolID, sink.starts[0].ToolID)
	}
}

// TestMaxTrackedDropsNewStarts checks the process table does not grow past
// the configured bound.
func TestMaxTrackedDropsNewStarts(t *testing.T) {
	sink := &fakeSink{}
	m := New(catEngine(t), sink, nil, nil, Config{DedupWindow: time.Millisecond, MaxTracked: 2})

	started := time.Now()
	for pid := int32(800); pid < 804; pid++ {
		m.HandleStart(trigger.ProcessStart{PID: pid, Comm: "cat", Argv: []string{"cat"}, CommandString: "cat", StartedAt: started}, nil)
		started = started.Add(time.Second)
	}

	if len(m.processes) != 2 {
		t.Errorf("expected the process table capped at 2, got %d", len(m.processes))
	}
	if len(sink.starts) != 2 {
		t.Errorf("expected only the first 2 starts emitted, got %d", len(sink.starts))
	}
}
