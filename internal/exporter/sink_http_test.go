package exporter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPSinkWritePostsJSONArray(t *testing.T) {
	var gotRows []ExportRow
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotRows); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL)
	rows := []ExportRow{{Body: "hello"}, {Body: "world"}}
	if err := sink.Write(context.Background(), rows); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(gotRows) != 2 || gotRows[0].Body != "hello" {
		t.Errorf("server received unexpected rows: %+v", gotRows)
	}
}

func TestHTTPSinkWrite5xxIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL)
	err := sink.Write(context.Background(), []ExportRow{{Body: "x"}})
	expErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T (%v)", err, err)
	}
	if !expErr.IsRetryable() {
		t.Errorf("expected 503 to be retryable")
	}
}

func TestHTTPSinkWrite4xxIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL)
	err := sink.Write(context.Background(), []ExportRow{{Body: "x"}})
	expErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T (%v)", err, err)
	}
	if expErr.IsRetryable() {
		t.Errorf("expected 400 to be non-retryable")
	}
}

func TestHTTPSinkName(t *testing.T) {
	if got := NewHTTPSink("http://example.invalid").Name(); got != "http" {
		t.Errorf("Name() = %q, want %q", got, "http")
	}
}
