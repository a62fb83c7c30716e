package exporter

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExportRow is the flat 31-column row every Event converts to for the SQL
// sink: temporal/body fields, provenance, context, identifiers, extracted
// metrics, classification, and three JSON blobs.
type ExportRow struct {
	// Temporal and body.
	Timestamp time.Time
	Body      string
	Severity  string

	// Provenance.
	SourceType             string
	InstrumentationVersion string
	InstrumentationType    string

	// Context.
	Environment    string
	PipelineType   string
	UserID         string
	OrganizationID string
	Department     string

	// Identifiers.
	RunID           string
	RunName         string
	PipelineName    string
	JobID           string
	ParentJobID     string
	ChildJobIDs     string
	WorkflowEngine  string

	// Extracted metrics.
	CPUUsage        float64
	MemUsed         uint64
	EC2CostPerHour  float64
	ProcessedDataset uint64

	// Classification.
	ProcessStatus string
	EventType     string
	ProcessType   string

	// Identity, so every row is independently addressable without
	// re-deriving PID from the attributes JSON blob.
	PID         int32
	ProcessName string
	NodeID      string

	// JSON blobs.
	AttributesJSON        string
	ResourceAttributesJSON string
	TagsJSON              string
}

// NumColumns is the fixed column count of ExportRow, used by the SQL sink
// to compute chunk sizes against the bind-parameter limit.
const NumColumns = 31

// ToRow converts an Event into its ExportRow. Every Event must be
// convertible to exactly one row; JSON marshalling failures surface as a
// Conversion error.
func (e Event) ToRow(sourceType, instrumentationVersion, instrumentationType, nodeID string, resourceAttrs map[string]string) (ExportRow, error) {
	tagsJSON, err := marshalOrEmpty(e.Tags)
	if err != nil {
		return ExportRow{}, &Error{Kind: ErrConversion, Err: fmt.Errorf("marshal tags: %w", err)}
	}
	resAttrsJSON, err := marshalOrEmpty(resourceAttrs)
	if err != nil {
		return ExportRow{}, &Error{Kind: ErrConversion, Err: fmt.Errorf("marshal resource_attributes: %w", err)}
	}
	attrsJSON, err := marshalOrEmpty(e.Attributes)
	if err != nil {
		return ExportRow{}, &Error{Kind: ErrConversion, Err: fmt.Errorf("marshal attributes: %w", err)}
	}

	row := ExportRow{
		Timestamp:              e.Timestamp,
		Body:                   e.Body,
		Severity:                e.Severity,
		SourceType:             sourceType,
		InstrumentationVersion: instrumentationVersion,
		InstrumentationType:    instrumentationType,
		RunID:                  e.RunID,
		RunName:                e.RunName,
		PipelineName:           e.PipelineName,
		JobID:                  e.JobID,
		ParentJobID:            e.ParentJobID,
		ProcessStatus:          e.ProcessStatus,
		EventType:              e.EventType,
		ProcessType:            e.ProcessType,
		NodeID:                 nodeID,
		AttributesJSON:         attrsJSON,
		ResourceAttributesJSON: resAttrsJSON,
		TagsJSON:               tagsJSON,
	}

	if tags := e.Tags; tags != nil {
		row.Environment = tags["environment"]
		row.PipelineType = tags["pipeline_type"]
		row.UserID = tags["user_id"]
		row.OrganizationID = tags["organization_id"]
		row.Department = tags["department"]
	}

	switch e.Attributes.Kind {
	case AttrSystemMetric:
		if sm := e.Attributes.SystemMetric; sm != nil {
			row.CPUUsage = sm.CPUUtilizationPercent
			row.MemUsed = sm.MemUsedBytes
		}
	case AttrSystemProperties:
		if sp := e.Attributes.SystemProperties; sp != nil {
			row.EC2CostPerHour = sp.CostPerHour
		}
	case AttrProcessDatasetStats:
		if ds := e.Attributes.ProcessDatasetStats; ds != nil {
			row.ProcessedDataset = ds.DatasetBytes
			row.PID = ds.PID
		}
	}
	if p := e.Attributes.Process; p != nil {
		row.PID = p.PID
		row.ProcessName = p.ProcessName
	}
	if cp := e.Attributes.CompletedProcess; cp != nil {
		row.PID = cp.PID
		row.ProcessName = cp.ProcessName
	}

	return row, nil
}

func marshalOrEmpty(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
