// Package exporter implements the batching, sink-dispatching event
// exporter: events arrive on an unbounded channel, are batched on a time
// trigger, serialised to ExportRow, and written to the configured Sink,
// with retry/backoff and a Serialization|Network|Server|Conversion error
// taxonomy.
package exporter

import "time"

// AttributeKind is the closed variant set an Event's Attributes may carry.
type AttributeKind uint8

const (
	AttrNone AttributeKind = iota
	AttrProcessFull
	AttrProcessShort
	AttrCompletedProcess
	AttrSystemMetric
	AttrSystemProperties
	AttrProcessDatasetStats
	AttrContainerEvents
	AttrNextflowLog
	AttrSyslog
	AttrTaskMatch
	AttrNewRun
)

// Attributes is the fixed-schema payload attached to an Event, keyed by
// Kind. Exactly one of the pointer fields matching Kind is populated.
type Attributes struct {
	Kind AttributeKind

	Process           *ProcessAttrs
	CompletedProcess  *CompletedProcessAttrs
	SystemMetric      *SystemMetricAttrs
	SystemProperties  *SystemPropertiesAttrs
	ProcessDatasetStats *ProcessDatasetStatsAttrs
	ContainerEvents   *ContainerEventsAttrs
	NextflowLog       *NextflowLogAttrs
	Syslog            *SyslogAttrs
	TaskMatch         *TaskMatchAttrs
	NewRun            *NewRunAttrs
}

type ProcessAttrs struct {
	PID           int32
	ProcessName   string
	CommandString string
	ContainerID   string
	Short         bool // true for the Process(Short) variant
}

type CompletedProcessAttrs struct {
	PID         int32
	ProcessName string
	DurationSec float64
	ExitReason  string // OomKilled | Signal | Code | Unknown
	ExitCode    int32
	ExitSignal  int32
}

type SystemMetricAttrs struct {
	CPUUtilizationPercent float64
	MemUsedBytes          uint64
	MemAvailableBytes     uint64
	MemUtilizationPercent float64
}

type SystemPropertiesAttrs struct {
	InstanceType  string
	Region        string
	CostPerHour   float64
	CostPerMinute float64
}

type ProcessDatasetStatsAttrs struct {
	PID            int32
	DatasetBytes   uint64
	DatasetRecords uint64
}

type ContainerEventsAttrs struct {
	ContainerID string
	State       string
}

type NextflowLogAttrs struct {
	RawLine string
}

type SyslogAttrs struct {
	RawLine string
}

type TaskMatchAttrs struct {
	ToolName string
	PID      int32
}

type NewRunAttrs struct {
	TraceID string
}

// Event is the normalised record pushed by the recorder and consumed by the
// exporter.
type Event struct {
	Timestamp     time.Time
	Body          string
	Severity      string
	EventType     string
	ProcessType   string
	ProcessStatus string

	RunID        string
	RunName      string
	PipelineName string

	// JobID and ParentJobID carry the tool id correlating a matched
	// process's start, metric, and exit events.
	JobID       string
	ParentJobID string

	Tags map[string]string

	Attributes Attributes
}
