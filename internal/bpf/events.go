// Package bpf — events.go
//
// KernelEvent mirrors the struct tracer_event defined in the companion
// tracepoint program (process exec, process exit, and OOM-kill). The Go
// struct must have identical memory layout to the C struct so the ring
// buffer consumer can cast raw bytes directly without copying.
//
// C layout (296 bytes, 8-byte aligned):
//
//	[0..3]    pid            u32
//	[4..7]    ppid           u32
//	[8]       event_type     u8
//	[9]       exit_reason    u8
//	[10..11]  _pad           u8[2]
//	[12..15]  exit_code      s32
//	[16..23]  timestamp_ns   u64
//	[24..39]  comm           u8[16]     (TASK_COMM_LEN, NUL-padded)
//	[40..295] filename       u8[256]    (truncated, NUL-padded)
//
// Argv is not carried over the ring buffer — it exceeds a practical
// per-record size, so the adapter re-reads /proc/<pid>/cmdline for the
// argument vector immediately after an exec event arrives (best-effort; the
// process may have already exited under heavy churn, in which case the
// procfs fallback poller's own read covers the gap).
//
// Go struct uses explicit padding fields to match this layout exactly.
// unsafe.Sizeof(KernelEvent{}) must equal 296.
package bpf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"
)

// EventType mirrors tracer_event_type_t in the BPF program.
type EventType uint8

const (
	EventProcessExec EventType = 1
	EventProcessExit EventType = 2
	EventOOMKill      EventType = 3
)

// String returns a human-readable event type name.
func (e EventType) String() string {
	switch e {
	case EventProcessExec:
		return "process_exec"
	case EventProcessExit:
		return "process_exit"
	case EventOOMKill:
		return "oom_kill"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}

// ExitReason mirrors tracer_exit_reason_t; only meaningful when EventType ==
// EventProcessExit.
type ExitReason uint8

const (
	ExitReasonCode   ExitReason = 0
	ExitReasonSignal ExitReason = 1
)

const (
	commLen     = 16
	filenameLen = 256
)

// KernelEvent is the Go representation of struct tracer_event.
// Layout must match the C struct exactly (verified by init() below).
type KernelEvent struct {
	PID         uint32                  // [0..3]
	PPID        uint32                  // [4..7]
	EventType   EventType               // [8]
	ExitReason  ExitReason              // [9]
	_pad        [2]uint8                // [10..11]
	ExitCode    int32                   // [12..15]
	TimestampNS uint64                  // [16..23]
	CommRaw     [commLen]byte           // [24..39]
	FileNameRaw [filenameLen]byte       // [40..295]
}

// expectedEventSize is the expected size of KernelEvent in bytes. Must match
// sizeof(struct tracer_event) in the BPF C source.
const expectedEventSize = 296

func init() {
	if sz := unsafe.Sizeof(KernelEvent{}); sz != expectedEventSize {
		panic(fmt.Sprintf(
			"KernelEvent size mismatch: Go=%d bytes, expected=%d bytes. "+
				"Check struct padding against the BPF program's struct tracer_event.",
			sz, expectedEventSize,
		))
	}
}

// Comm returns the NUL-terminated task command name.
func (e KernelEvent) Comm() string {
	return cString(e.CommRaw[:])
}

// FileName returns the NUL-terminated executable path.
func (e KernelEvent) FileName() string {
	return cString(e.FileNameRaw[:])
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// ParseEvent deserialises a raw ring buffer record into a KernelEvent.
// The record must be at least expectedEventSize bytes; bytes beyond that
// are ignored.
//
// Byte order: little-endian (all supported kernel targets are x86_64/arm64
// little-endian).
func ParseEvent(raw []byte) (KernelEvent, error) {
	if len(raw) < expectedEventSize {
		return KernelEvent{}, fmt.Errorf(
			"event record too short: got %d bytes, expected %d",
			len(raw), expectedEventSize,
		)
	}

	var e KernelEvent
	e.PID = binary.LittleEndian.Uint32(raw[0:4])
	e.PPID = binary.LittleEndian.Uint32(raw[4:8])
	e.EventType = EventType(raw[8])
	e.ExitReason = ExitReason(raw[9])
	// raw[10..11] are padding — skip.
	e.ExitCode = int32(binary.LittleEndian.Uint32(raw[12:16]))
	e.TimestampNS = binary.LittleEndian.Uint64(raw[16:24])
	copy(e.CommRaw[:], raw[24:40])
	copy(e.FileNameRaw[:], raw[40:296])
	return e, nil
}
