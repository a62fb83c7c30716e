package exporter

import (
	"context"
	"testing"
)

func TestNewSinkHTTPFromRegistry(t *testing.T) {
	s, err := NewSink(context.Background(), "http", SinkOptions{HTTPEndpoint: "http://localhost:4318/v1/logs"})
	if err != nil {
		t.Fatalf("NewSink(http): %v", err)
	}
	if s.Name() != "http" {
		t.Errorf("Name() = %q, want http", s.Name())
	}
}

func TestNewSinkHTTPRequiresEndpoint(t *testing.T) {
	if _, err := NewSink(context.Background(), "http", SinkOptions{}); err == nil {
		t.Fatal("expected an error for a missing endpoint")
	}
}

func TestNewSinkUnknownName(t *testing.T) {
	if _, err := NewSink(context.Background(), "kafka", SinkOptions{}); err == nil {
		t.Fatal("expected an error for an unregistered sink name")
	}
}

func TestListSinksIncludesBuiltins(t *testing.T) {
	names := map[string]bool{}
	for _, n := range ListSinks() {
		names[n] = true
	}
	if !names["http"] || !names["sql"] {
		t.Errorf("expected builtin sinks registered, got %v", ListSinks())
	}
}
