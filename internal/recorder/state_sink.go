package recorder

import (
	"strings"

	"github.com/tracer-cloud/tracer/internal/exporter"
	"github.com/tracer-cloud/tracer/internal/state"
	"github.com/tracer-cloud/tracer/internal/trigger"
)

// StateSink adapts a Recorder to the process state manager's state.Sink
// interface, converting ToolExecution/FinishedToolExecution into the
// exporter's Event/Attributes shape.
type StateSink struct {
	r *Recorder
}

// NewStateSink wraps r for use as a state.Manager's Sink.
func NewStateSink(r *Recorder) *StateSink {
	return &StateSink{r: r}
}

// RecordToolExecution emits a ToolExecution event, using the Process(Short)
// variant when the process had already exited by match time.
func (s *StateSink) RecordToolExecution(t state.ToolExecution) {
	kind := exporter.AttrProcessFull
	if !t.Visible {
		kind = exporter.AttrProcessShort
	}
	s.r.Log(exporter.Event{
		Body:          t.ToolName,
		EventType:     "ToolExecution",
		ProcessStatus: "started",
		JobID:         t.ToolID,
		ParentJobID:   t.ParentToolID,
		Attributes: exporter.Attributes{
			Kind: kind,
			Process: &exporter.ProcessAttrs{
				PID:           t.PID,
				ProcessName:   t.ToolName,
				CommandString: strings.Join(t.Argv, " "),
				ContainerID:   t.ContainerID,
				Short:         !t.Visible,
			},
		},
	})
}

// RecordFinishedToolExecution emits a CompletedProcess event, mapping the
// trigger package's tagged ExitReason into the flat exit_code/exit_signal
// columns of CompletedProcessAttrs.
func (s *StateSink) RecordFinishedToolExecution(f state.FinishedToolExecution) {
	exitCode, exitSignal := exitReasonFields(f.ExitReason)
	s.r.Log(exporter.Event{
		Body:          f.ToolName,
		EventType:     "FinishedToolExecution",
		ProcessStatus: "finished",
		JobID:         f.ToolID,
		Attributes: exporter.Attributes{
			Kind: exporter.AttrCompletedProcess,
			CompletedProcess: &exporter.CompletedProcessAttrs{
				PID:         f.PID,
				ProcessName: f.ToolName,
				DurationSec: f.DurationSec,
				ExitReason:  f.ExitReason.Kind.String(),
				ExitCode:    exitCode,
				ExitSignal:  exitSignal,
			},
		},
	})
}

func exitReasonFields(r trigger.ExitReason) (exitCode int32, exitSignal int32) {
	switch r.Kind {
	case trigger.ExitSignal:
		return 0, r.Signal
	case trigger.ExitCode:
		return r.Code, 0
	default:
		return 0, 0
	}
}
