package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"adminops/internal/apperr"
	"adminops/internal/models"

	"k8s.io/utils/clock"
)

// UserAgent is sent with every probe request.
const UserAgent = "adminops-health/1.0"

var errProbeOnly = errors.New("http prober does not support data sync")

// HTTPProber checks a system's health endpoint. It has no data access, so
// syncs against it fail terminally.
type HTTPProber struct {
	client *http.Client
	target string
	clock  clock.PassiveClock
}

// NewHTTPProber probes target with GET. A nil client gets a default one;
// the probe deadline always comes from the caller's context.
func NewHTTPProber(target string, client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProber{client: client, target: target, clock: clock.RealClock{}}
}

func (p *HTTPProber) Probe(ctx context.Context) models.ProbeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.target, nil)
	if err != nil {
		return models.ProbeResult{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", UserAgent)

	started := p.clock.Now()
	resp, err := p.client.Do(req)
	latency := p.clock.Since(started)
	if err != nil {
		return models.ProbeResult{Latency: latency, Err: fmt.Errorf("failed to execute request: %w", err)}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.ProbeResult{Latency: latency, Err: fmt.Errorf("health endpoint returned %s", resp.Status)}
	}
	return models.ProbeResult{Healthy: true, Latency: latency}
}

func (p *HTTPProber) FetchChanges(context.Context, time.Time) ([]models.Record, error) {
	return nil, apperr.Terminal(errProbeOnly)
}

func (p *HTTPProber) ApplyWrites(context.Context, []models.Record) ([]models.WriteOutcome, error) {
	return nil, apperr.Terminal(errProbeOnly)
}
