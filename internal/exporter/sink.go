// Sink registry: a name-keyed map of factories, guarded by a RWMutex,
// panicking on duplicate registration. Factories rather than instances are
// registered because sinks need runtime connection config.
package exporter

import (
	"context"
	"fmt"
	"sync"
)

// Sink is the pluggable export destination. Built-in sinks are "http" and
// "sql"; additional sinks may be registered by packages that import this
// one and call RegisterSinkFactory from an init().
type Sink interface {
	// Name returns the unique identifier used as the config key
	// (config.ExportConfig.Sink).
	Name() string

	// Write durably writes a batch of rows. A returned *Error with
	// IsRetryable() true causes the exporter to retry with backoff; any
	// other error surrenders the batch.
	Write(ctx context.Context, rows []ExportRow) error

	// Close releases any held resources (connections, files).
	Close() error
}

// SinkOptions carries the connection parameters a factory may need. Only
// the fields relevant to the selected sink are consulted.
type SinkOptions struct {
	// HTTPEndpoint is the log-forward URL for the "http" sink.
	HTTPEndpoint string

	// DatabaseURL is the Postgres connection string for the "sql" sink.
	DatabaseURL string

	// Table overrides the "sql" sink's target table.
	Table string
}

// SinkFactory constructs a Sink from its options.
type SinkFactory func(ctx context.Context, opts SinkOptions) (Sink, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]SinkFactory)
)

// RegisterSinkFactory registers a factory under name. Panics if a factory
// with the same name is already registered. Call from init() functions in
// sink implementation files.
func RegisterSinkFactory(name string, f SinkFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("exporter: sink %q already registered", name))
	}
	registry[name] = f
}

// NewSink constructs the sink registered under name.
func NewSink(ctx context.Context, name string, opts SinkOptions) (Sink, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("exporter: sink %q not registered (available: %v)", name, ListSinks())
	}
	return f(ctx, opts)
}

// ListSinks returns the names of all registered sinks.
func ListSinks() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}
