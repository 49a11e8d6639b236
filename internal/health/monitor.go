// Package health polls inference server health endpoints until they
// answer or a deadline passes.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ErrHealthTimeout means the server never answered its health endpoint
// within the wait window.
var ErrHealthTimeout = fmt.Errorf("server did not become healthy in time")

const (
	DefaultInterval       = 2 * time.Second
	DefaultRequestTimeout = 5 * time.Second
	DefaultMaxWait        = 120 * time.Second
)

// Monitor polls health endpoints. The zero values of interval and
// maxWait fall back to the defaults, which keeps test configs short.
type Monitor struct {
	client   *http.Client
	interval time.Duration
	maxWait  time.Duration
}

func NewMonitor(interval, maxWait time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Monitor{
		client:   &http.Client{Timeout: DefaultRequestTimeout},
		interval: interval,
		maxWait:  maxWait,
	}
}

// WaitHealthy polls healthURL until it answers 2xx, the wait window
// elapses (ErrHealthTimeout), or ctx is cancelled. The first probe
// fires immediately.
func (m *Monitor) WaitHealthy(ctx context.Context, healthURL string) error {
	deadline := time.Now().Add(m.maxWait)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if m.probe(ctx, healthURL) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrHealthTimeout, healthURL, m.maxWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Watch runs WaitHealthy in the background and reports the outcome
// through exactly one of the two callbacks.
func (m *Monitor) Watch(ctx context.Context, id, healthURL string, onHealthy func(), onUnhealthy func(error)) {
	go func() {
		if err := m.WaitHealthy(ctx, healthURL); err != nil {
			slog.Warn("server failed health check", "id", id, "url", healthURL, "error", err)
			onUnhealthy(err)
			return
		}
		slog.Info("server is healthy", "id", id, "url", healthURL)
		onHealthy()
	}()
}

func (m *Monitor) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
