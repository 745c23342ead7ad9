package payments

import (
	"net/http"
	"time"
)

// ClientConfig holds settings for the gateway HTTP client.
type ClientConfig struct {
	Timeout    time.Duration
	Retries    int           // extra attempts on 5xx or transport errors
	MinBackoff time.Duration // e.g., 50ms
	MaxBackoff time.Duration // e.g., 500ms
}

const (
	defaultMinBackoff = 50 * time.Millisecond
	defaultMaxBackoff = 500 * time.Millisecond
)

// NewHTTPClient creates the HTTP client used for a single gateway attempt.
// Retries are driven by the caller.
func NewHTTPClient(cfg ClientConfig) *http.Client {
	return &http.Client{
		Transport: http.DefaultTransport,
		Timeout:   cfg.Timeout,
	}
}
