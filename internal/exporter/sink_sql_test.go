package exporter

import (
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestBuildInsertParameterizesAllRows(t *testing.T) {
	chunk := []ExportRow{{Body: "a"}, {Body: "b"}, {Body: "c"}}
	query, args := buildInsert("batch_jobs_logs", chunk)

	if !strings.HasPrefix(query, "INSERT INTO batch_jobs_logs (") {
		t.Fatalf("unexpected query prefix: %s", query)
	}
	if !strings.Contains(query, "$1") || !strings.Contains(query, "$93") {
		t.Errorf("expected placeholders spanning 3 rows x %d columns, got: %s", NumColumns, query)
	}
	if len(args) != len(chunk)*NumColumns {
		t.Errorf("len(args) = %d, want %d", len(args), len(chunk)*NumColumns)
	}
}

func TestRowsPerChunkStaysUnderBindLimit(t *testing.T) {
	if rowsPerChunk*NumColumns > maxBindParams {
		t.Fatalf("rowsPerChunk*NumColumns = %d exceeds maxBindParams %d", rowsPerChunk*NumColumns, maxBindParams)
	}
}

func TestClassifyPgErrorNetworkOnClosedTx(t *testing.T) {
	err := classifyPgError(pgx.ErrTxClosed)
	expErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if expErr.Kind != ErrNetwork || !expErr.IsRetryable() {
		t.Errorf("expected a retryable Network error for a closed tx, got %+v", expErr)
	}
}

func TestClassifyPgErrorServerOtherwise(t *testing.T) {
	err := classifyPgError(pgx.ErrNoRows)
	expErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if expErr.Kind != ErrServer || expErr.IsRetryable() {
		t.Errorf("expected a non-retryable Server error, got %+v", expErr)
	}
}

func TestClassifyPgErrorNilIsNil(t *testing.T) {
	if classifyPgError(nil) != nil {
		t.Error("expected nil error to stay nil")
	}
}

func TestNewSQLSinkDefaultsTableName(t *testing.T) {
	s := NewSQLSink(nil, "")
	if s.table != "batch_jobs_logs" {
		t.Errorf("table = %q, want batch_jobs_logs", s.table)
	}
}

// 3000 rows at 31 params each is 93,000 binds: over the limit, so the batch
// must split into chunks each staying under 65,535 binds.
func TestSplitChunksFor3000Rows(t *testing.T) {
	rows := make([]ExportRow, 3000)
	chunks := splitChunks(rows)

	if len(chunks) < 2 {
		t.Fatalf("expected >= 2 chunks for 3000 rows, got %d", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		if len(c)*NumColumns > maxBindParams {
			t.Errorf("chunk of %d rows exceeds the bind limit", len(c))
		}
		total += len(c)
	}
	if total != 3000 {
		t.Errorf("chunks cover %d rows, want 3000", total)
	}
}
