package recorder

import (
	"testing"

	"github.com/tracer-cloud/tracer/internal/exporter"
	"github.com/tracer-cloud/tracer/internal/state"
	"github.com/tracer-cloud/tracer/internal/trigger"
)

func TestStateSinkRecordToolExecutionVisible(t *testing.T) {
	out := make(chan exporter.Event, 1)
	sink := NewStateSink(New(out))

	sink.RecordToolExecution(state.ToolExecution{
		PID: 10, ToolName: "bwa", Argv: []string{"bwa", "mem", "ref.fa"}, Visible: true,
	})

	ev := <-out
	if ev.Attributes.Kind != exporter.AttrProcessFull {
		t.Errorf("expected AttrProcessFull for a visible process, got %v", ev.Attributes.Kind)
	}
	if ev.Attributes.Process == nil || ev.Attributes.Process.Short {
		t.Errorf("expected Process.Short=false for a visible process, got %+v", ev.Attributes.Process)
	}
	if ev.Attributes.Process.CommandString != "bwa mem ref.fa" {
		t.Errorf("CommandString = %q", ev.Attributes.Process.CommandString)
	}
}

func TestStateSinkRecordToolExecutionShortLived(t *testing.T) {
	out := make(chan exporter.Event, 1)
	sink := NewStateSink(New(out))

	sink.RecordToolExecution(state.ToolExecution{PID: 11, ToolName: "samtools", Visible: false})

	ev := <-out
	if ev.Attributes.Kind != exporter.AttrProcessShort {
		t.Errorf("expected AttrProcessShort for a non-visible process, got %v", ev.Attributes.Kind)
	}
	if !ev.Attributes.Process.Short {
		t.Error("expected Process.Short=true")
	}
}

func TestStateSinkRecordFinishedToolExecutionExitCode(t *testing.T) {
	out := make(chan exporter.Event, 1)
	sink := NewStateSink(New(out))

	sink.RecordFinishedToolExecution(state.FinishedToolExecution{
		PID: 12, ToolName: "bwa", DurationSec: 3.5,
		ExitReason: trigger.ExitReason{Kind: trigger.ExitCode, Code: 1},
	})

	ev := <-out
	if ev.Attributes.Kind != exporter.AttrCompletedProcess {
		t.Fatalf("expected AttrCompletedProcess, got %v", ev.Attributes.Kind)
	}
	cp := ev.Attributes.CompletedProcess
	if cp.ExitCode != 1 || cp.ExitSignal != 0 {
		t.Errorf("exit fields = code=%d signal=%d, want code=1 signal=0", cp.ExitCode, cp.ExitSignal)
	}
}

func TestStateSinkRecordFinishedToolExecutionSignal(t *testing.T) {
	out := make(chan exporter.Event, 1)
	sink := NewStateSink(New(out))

	sink.RecordFinishedToolExecution(state.FinishedToolExecution{
		PID: 13, ToolName: "bwa",
		ExitReason: trigger.ExitReason{Kind: trigger.ExitSignal, Signal: 9},
	})

	ev := <-out
	cp := ev.Attributes.CompletedProcess
	if cp.ExitSignal != 9 || cp.ExitCode != 0 {
		t.Errorf("exit fields = code=%d signal=%d, want code=0 signal=9", cp.ExitCode, cp.ExitSignal)
	}
}

func TestStateSinkRecordFinishedToolExecutionOOM(t *testing.T) {
	out := make(chan exporter.Event, 1)
	sink := NewStateSink(New(out))

	sink.RecordFinishedToolExecution(state.FinishedToolExecution{
		PID: 14, ToolName: "STAR", ToolID: "14-12345",
		ExitReason: trigger.ExitReason{Kind: trigger.ExitOOMKilled},
	})

	ev := <-out
	if ev.EventType != "FinishedToolExecution" {
		t.Errorf("EventType = %q, want FinishedToolExecution", ev.EventType)
	}
	if ev.JobID != "14-12345" {
		t.Errorf("JobID = %q, want the tool id", ev.JobID)
	}
	cp := ev.Attributes.CompletedProcess
	if cp.ExitReason != "OomKilled" {
		t.Errorf("ExitReason = %q, want OomKilled", cp.ExitReason)
	}
	if cp.ExitCode != 0 || cp.ExitSignal != 0 {
		t.Errorf("expected zero code/signal for an OOM kill, got code=%d signal=%d", cp.ExitCode, cp.ExitSignal)
	}
}
