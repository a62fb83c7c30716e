// Package trigger defines the tagged process-lifecycle records produced by
// the kernel probe adapter (internal/bpf, internal/kernel), the procfs
// fallback poller (internal/procfs), and consumed by the process state
// manager (internal/state).
//
// A Trigger is one of ProcessStart, ProcessEnd, or OutOfMemory. Both
// producers emit the same Go types so the state manager can treat probe
// and procfs signals identically, deduplicating where they overlap.
package trigger

import "time"

// Event is implemented by ProcessStart, ProcessEnd, and OutOfMemory. It
// lets the kernel probe adapter and the procfs fallback poller share one
// output channel type, dispatched on by the process state manager via a
// type switch.
type Event interface {
	isTriggerEvent()
}

// ExitReason classifies why a process terminated.
type ExitReason struct {
	Kind   ExitReasonKind
	Signal int32 // valid when Kind == ExitSignal
	Code   int32 // valid when Kind == ExitCode
}

// ExitReasonKind enumerates the tagged variants of ExitReason.
type ExitReasonKind uint8

const (
	ExitUnknown ExitReasonKind = iota
	ExitOOMKilled
	ExitSignal
	ExitCode
)

func (k ExitReasonKind) String() string {
	switch k {
	case ExitOOMKilled:
		return "OomKilled"
	case ExitSignal:
		return "Signal"
	case ExitCode:
		return "Code"
	default:
		return "Unknown"
	}
}

// ProcessStart is a process-creation record, sourced from either the kernel
// probe or the procfs fallback poller.
//
// Invariant: FileName (argv[0]) is present; Comm is the last path component
// of FileName when the source did not supply a /proc/<pid>/comm value;
// StartedAt is derived from the kernel monotonic clock on the probe path and
// wall-clock on the procfs path.
type ProcessStart struct {
	PID            int32
	PPID           int32
	Comm           string
	FileName       string
	Argv           []string
	CommandString  string
	StartedAt      time.Time
	ContainerID    string // set by the docker watcher when attributable, else ""
	Source         string // "ebpf" | "procfs"
}

// Key returns the dedup identity tuple used by the state manager's
// equivalent-trigger comparison: (pid, command_string). Callers additionally
// compare |Δstarted_at| against the configured dedup window.
func (p ProcessStart) Key() (int32, string) {
	return p.PID, p.CommandString
}

// ProcessEnd is a process-termination record.
type ProcessEnd struct {
	PID        int32
	FinishedAt time.Time
	ExitReason ExitReason
	Source     string // "ebpf" | "procfs"
}

// OutOfMemory is an OOM-kill notification for a PID, emitted by the kernel
// probe's OOM tracepoint attachment. PPID lets the state manager's OOM
// correlator attribute the kill to a tracked ancestor when the victim itself
// was never rule-matched.
type OutOfMemory struct {
	PID       int32
	PPID      int32
	Comm      string
	Timestamp time.Time
}

// OOMRecord is the process state manager's pending-correlation entry for an
// OutOfMemory trigger awaiting a matching ProcessEnd.
type OOMRecord struct {
	PID       int32
	Comm      string
	Timestamp time.Time
}

func (ProcessStart) isTriggerEvent() {}
func (ProcessEnd) isTriggerEvent()   {}
func (OutOfMemory) isTriggerEvent()  {}
