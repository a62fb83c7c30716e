package exporter

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxBindParams is Postgres's hard limit on bind parameters per statement.
const maxBindParams = 65535

// rowsPerChunk is the largest batch size whose parameter count
// (rows * exporter.NumColumns) stays under maxBindParams.
const rowsPerChunk = maxBindParams / NumColumns

// SQLSink writes export rows to Postgres via chunked batch INSERTs.
// Registered under the name "sql".
type SQLSink struct {
	pool  *pgxpool.Pool
	table string
}

func init() {
	RegisterSinkFactory("sql", func(ctx context.Context, opts SinkOptions) (Sink, error) {
		pool, err := pgxpool.New(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("sql sink: %w", err)
		}
		return NewSQLSink(pool, opts.Table), nil
	})
}

// NewSQLSink constructs a SQLSink against the given pgxpool.Pool. table
// defaults to "batch_jobs_logs".
func NewSQLSink(pool *pgxpool.Pool, table string) *SQLSink {
	if table == "" {
		table = "batch_jobs_logs"
	}
	return &SQLSink{pool: pool, table: table}
}

func (s *SQLSink) Name() string { return "sql" }

// Write inserts rows in chunks of at most rowsPerChunk, each chunk one
// multi-row INSERT. When the whole batch needs more than one chunk
// (rows*NumColumns >= maxBindParams), every chunk is executed inside a
// single transaction spanning the whole Write call, committed once at the
// end; a batch that fits in one chunk runs outside a transaction entirely.
func (s *SQLSink) Write(ctx context.Context, rows []ExportRow) error {
	if len(rows) == 0 {
		return nil
	}
	if len(rows) <= rowsPerChunk {
		return s.writeChunk(ctx, rows)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	for _, chunk := range splitChunks(rows) {
		query, args := buildInsert(s.table, chunk)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return classifyPgError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(err)
	}
	return nil
}

// splitChunks slices rows into consecutive chunks of at most rowsPerChunk.
func splitChunks(rows []ExportRow) [][]ExportRow {
	var chunks [][]ExportRow
	for start := 0; start < len(rows); start += rowsPerChunk {
		end := start + rowsPerChunk
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}

// writeChunk executes a single chunk's INSERT outside any transaction, used
// when the whole batch already fits under rowsPerChunk.
func (s *SQLSink) writeChunk(ctx context.Context, chunk []ExportRow) error {
	query, args := buildInsert(s.table, chunk)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return classifyPgError(err)
	}
	return nil
}

var insertColumns = []string{
	"timestamp", "body", "severity",
	"source_type", "instrumentation_version", "instrumentation_type",
	"environment", "pipeline_type", "user_id", "organization_id", "department",
	"run_id", "run_name", "pipeline_name", "job_id", "parent_job_id", "child_job_ids", "workflow_engine",
	"cpu_usage", "mem_used", "ec2_cost_per_hour", "processed_dataset",
	"process_status", "event_type", "process_type",
	"pid", "process_name", "node_id",
	"attributes", "resource_attributes", "tags",
}

// buildInsert renders a parameterised multi-row INSERT statement for chunk.
// Column order matches insertColumns and ExportRow.values exactly.
func buildInsert(table string, chunk []ExportRow) (string, []any) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table, strings.Join(insertColumns, ", "))

	args := make([]any, 0, len(chunk)*NumColumns)
	paramIdx := 1
	for i, row := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		rowArgs := row.values()
		for j := range rowArgs {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", paramIdx)
			paramIdx++
		}
		sb.WriteString(")")
		args = append(args, rowArgs...)
	}

	return sb.String(), args
}

// values returns r's fields in insertColumns order.
func (r ExportRow) values() []any {
	return []any{
		r.Timestamp, r.Body, r.Severity,
		r.SourceType, r.InstrumentationVersion, r.InstrumentationType,
		r.Environment, r.PipelineType, r.UserID, r.OrganizationID, r.Department,
		r.RunID, r.RunName, r.PipelineName, r.JobID, r.ParentJobID, r.ChildJobIDs, r.WorkflowEngine,
		r.CPUUsage, r.MemUsed, r.EC2CostPerHour, r.ProcessedDataset,
		r.ProcessStatus, r.EventType, r.ProcessType,
		r.PID, r.ProcessName, r.NodeID,
		r.AttributesJSON, r.ResourceAttributesJSON, r.TagsJSON,
	}
}

// classifyPgError wraps a pgx error into the exporter's taxonomy: a closed
// transaction indicates a dropped connection and is Network (retryable);
// anything else from the server is treated as a non-retryable Server error,
// since a malformed INSERT will not succeed on retry.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	switch err {
	case pgx.ErrTxClosed, pgx.ErrTxCommitRollback:
		return &Error{Kind: ErrNetwork, Err: err}
	}
	return &Error{Kind: ErrServer, Err: err}
}

func (s *SQLSink) Close() error {
	s.pool.Close()
	return nil
}
