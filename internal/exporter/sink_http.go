package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSink forwards export rows as a JSON array in a single POST request
// to the configured log-forward endpoint. Registered under the name
// "http".
type HTTPSink struct {
	endpoint string
	client   *http.Client
}

func init() {
	RegisterSinkFactory("http", func(_ context.Context, opts SinkOptions) (Sink, error) {
		if opts.HTTPEndpoint == "" {
			return nil, fmt.Errorf("http sink: endpoint not configured")
		}
		return NewHTTPSink(opts.HTTPEndpoint), nil
	})
}

// NewHTTPSink constructs an HTTPSink posting to endpoint.
func NewHTTPSink(endpoint string) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (s *HTTPSink) Name() string { return "http" }

// Write POSTs rows as a JSON array. Non-2xx responses with status >= 500,
// and any transport-level failure, are wrapped as retryable errors; 4xx
// responses are wrapped as non-retryable server errors.
func (s *HTTPSink) Write(ctx context.Context, rows []ExportRow) error {
	body, err := json.Marshal(rows)
	if err != nil {
		return &Error{Kind: ErrSerialization, Err: fmt.Errorf("marshal rows: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: ErrNetwork, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return &Error{Kind: ErrNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{
			Kind:   ErrServer,
			Status: resp.StatusCode,
			Body:   string(respBody),
			Err:    fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}
	return nil
}

func (s *HTTPSink) Close() error { return nil }
