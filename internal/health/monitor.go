// Package health probes registered systems on their own intervals and keeps
// a debounced Healthy/Unhealthy state per system. Entering Unhealthy raises
// exactly one alert; returning to Healthy needs a run of good probes.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"adminops/internal/apperr"
	"adminops/internal/config"
	"adminops/internal/domain"
	"adminops/internal/events"
	"adminops/internal/metrics"
	"adminops/internal/models"
	"adminops/internal/ticker"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// Systems is the view of the system registry the monitor needs.
type Systems interface {
	List() []models.SystemConnection
	Get(id string) (models.SystemConnection, error)
	Connector(id string) (domain.Connector, error)
	UpdateHealth(id string, at time.Time, fn func(h *models.HealthStatus)) (prev, next models.HealthStatus, err error)
}

type Option func(*Monitor)

func WithClock(c clock.WithTicker) Option {
	return func(m *Monitor) { m.clock = c }
}

func WithPublisher(p domain.EventPublisher) Option {
	return func(m *Monitor) { m.publisher = p }
}

// WithSubmitter enables alert tasks on entry into Unhealthy.
func WithSubmitter(s domain.TaskSubmitter) Option {
	return func(m *Monitor) { m.submitter = s }
}

func WithLogger(l *zerolog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithAlertRetries sets max_retries on submitted alert tasks.
func WithAlertRetries(n int) Option {
	return func(m *Monitor) { m.alertRetries = n }
}

type Monitor struct {
	cfg          config.HealthConfig
	systems      Systems
	submitter    domain.TaskSubmitter
	publisher    domain.EventPublisher
	clock        clock.WithTicker
	logger       *zerolog.Logger
	alertRetries int

	mu       sync.Mutex
	windows  map[string]*window
	inFlight map[string]bool
}

func NewMonitor(cfg config.HealthConfig, systems Systems, opts ...Option) *Monitor {
	nop := zerolog.Nop()
	m := &Monitor{
		cfg:          withDefaults(cfg),
		systems:      systems,
		clock:        clock.RealClock{},
		logger:       &nop,
		alertRetries: models.DefaultMaxRetries,
		windows:      make(map[string]*window),
		inFlight:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func withDefaults(cfg config.HealthConfig) config.HealthConfig {
	if cfg.Tick <= 0 {
		cfg.Tick = models.DefaultHealthTick
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = models.DefaultCheckInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = models.DefaultProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = models.DefaultFailureThreshold
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = models.DefaultRecoveryThreshold
	}
	if cfg.ErrorRateWindow <= 0 {
		cfg.ErrorRateWindow = models.DefaultErrorRateWindow
	}
	return cfg
}

// Run ticks at cfg.Tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	return ticker.New("health", m.cfg.Tick, m.tick, m.clock, m.logger).Run(ctx)
}

// Status returns the last known health of a system.
func (m *Monitor) Status(id string) (models.HealthStatus, error) {
	sys, err := m.systems.Get(id)
	if err != nil {
		return models.HealthStatus{}, err
	}
	return sys.Health, nil
}

// CheckNow probes a system immediately, outside its schedule.
func (m *Monitor) CheckNow(ctx context.Context, id string) (models.HealthStatus, error) {
	sys, err := m.systems.Get(id)
	if err != nil {
		return models.HealthStatus{}, err
	}
	if !m.claim(id) {
		return models.HealthStatus{}, apperr.Validationf("probe for system %s already running", sys.Name)
	}
	defer m.release(id)
	return m.check(ctx, sys, m.clock.Now())
}

// interval is how often a system is probed: its own check interval, then its
// sync frequency, then the configured default.
func (m *Monitor) interval(sys models.SystemConnection) time.Duration {
	switch {
	case sys.CheckInterval > 0:
		return sys.CheckInterval
	case sys.SyncFrequency > 0:
		return sys.SyncFrequency
	default:
		return m.cfg.DefaultInterval
	}
}

func (m *Monitor) due(sys models.SystemConnection, now time.Time) bool {
	if sys.LastHealthCheck == nil {
		return true
	}
	return now.Sub(*sys.LastHealthCheck) >= m.interval(sys)
}

func (m *Monitor) tick(ctx context.Context, now time.Time) {
	systems := m.systems.List()
	m.pruneWindows(systems)

	var g errgroup.Group
	for _, sys := range systems {
		if !m.due(sys, now) || !m.claim(sys.ID) {
			continue
		}
		g.Go(func() error {
			defer m.release(sys.ID)
			if _, err := m.check(ctx, sys, now); err != nil {
				m.logger.Warn().Err(err).Str("system", sys.Name).Msg("health check not recorded")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) claim(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[id] {
		return false
	}
	m.inFlight[id] = true
	return true
}

func (m *Monitor) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, id)
}

// probeOutcome is one evaluated probe.
type probeOutcome struct {
	ok      bool
	latency time.Duration
	err     string
}

func (m *Monitor) check(ctx context.Context, sys models.SystemConnection, now time.Time) (models.HealthStatus, error) {
	outcome := m.probe(ctx, sys)
	if ctx.Err() != nil {
		// остановка: прерванная проверка не считается отказом системы
		return models.HealthStatus{}, fmt.Errorf("probe of %s interrupted: %w", sys.Name, context.Cause(ctx))
	}
	metrics.ObserveProbe(sys.Name, outcome.latency, outcome.ok)

	rate, full := m.observe(sys.ID, outcome.ok)

	var transition string
	prev, next, err := m.systems.UpdateHealth(sys.ID, now, func(h *models.HealthStatus) {
		transition = m.apply(h, outcome, rate, full, now)
	})
	if err != nil {
		return models.HealthStatus{}, err
	}
	metrics.SetSystemHealth(sys.Name, string(next.State), next.ErrorRate)

	logger := m.logger.With().Str("system_id", sys.ID).Str("system", sys.Name).Logger()
	if !outcome.ok {
		logger.Debug().Str("error", outcome.err).Int("consecutive_failures", next.ConsecutiveFailures).Msg("probe failed")
	}

	switch transition {
	case transitionAlert:
		logger.Warn().Str("error", outcome.err).Int("consecutive_failures", next.ConsecutiveFailures).Msg("system unhealthy")
		m.raiseAlert(ctx, sys, prev, next, now)
	case transitionRecovered:
		logger.Info().Msg("system recovered")
		m.publish(events.EventSystemHealthRecovered, healthPayload(sys, prev, next, now))
	case transitionHealthy:
		logger.Info().Msg("system healthy")
	}
	return next, nil
}

// probe runs the connector probe bounded by the probe timeout. A connector
// that ignores its context is abandoned when the timeout fires.
func (m *Monitor) probe(ctx context.Context, sys models.SystemConnection) probeOutcome {
	connector, err := m.systems.Connector(sys.ID)
	if err != nil {
		return probeOutcome{err: err.Error()}
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	started := m.clock.Now()
	done := make(chan models.ProbeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- models.ProbeResult{Err: fmt.Errorf("probe panic: %v", r)}
			}
		}()
		done <- connector.Probe(pctx)
	}()

	var res models.ProbeResult
	select {
	case res = <-done:
	case <-pctx.Done():
		res = models.ProbeResult{Err: fmt.Errorf("%w: probe exceeded %s", apperr.ErrTimeout, m.cfg.ProbeTimeout)}
	}

	latency := res.Latency
	if latency <= 0 {
		latency = m.clock.Since(started)
	}

	switch {
	case res.Err != nil:
		if errors.Is(res.Err, context.DeadlineExceeded) {
			return probeOutcome{latency: latency, err: fmt.Sprintf("%s: %v", apperr.ErrTimeout, res.Err)}
		}
		return probeOutcome{latency: latency, err: res.Err.Error()}
	case !res.Healthy:
		return probeOutcome{latency: latency, err: "probe reported unhealthy"}
	case m.cfg.MaxResponseTime > 0 && latency > m.cfg.MaxResponseTime:
		return probeOutcome{latency: latency, err: fmt.Sprintf("response time %s exceeds %s", latency, m.cfg.MaxResponseTime)}
	default:
		return probeOutcome{ok: true, latency: latency}
	}
}

const (
	transitionHealthy   = "healthy"
	transitionAlert     = "alert"
	transitionRecovered = "recovered"
)

// apply advances the state machine for one probe. It runs under the
// registry lock and must not do I/O.
func (m *Monitor) apply(h *models.HealthStatus, o probeOutcome, rate float64, windowFull bool, now time.Time) string {
	h.Latency = o.latency
	h.ErrorRate = rate
	if h.State == "" {
		h.State = models.HealthUnknown
	}

	if o.ok {
		h.ConsecutiveSuccesses++
		h.ConsecutiveFailures = 0
		h.FailingSince = nil
		h.Error = ""
		switch h.State {
		case models.HealthUnknown:
			h.State = models.HealthHealthy
			return transitionHealthy
		case models.HealthUnhealthy:
			if h.ConsecutiveSuccesses >= m.cfg.RecoveryThreshold {
				h.State = models.HealthHealthy
				h.UnhealthySince = nil
				return transitionRecovered
			}
		}
		return ""
	}

	h.ConsecutiveFailures++
	h.ConsecutiveSuccesses = 0
	h.Error = o.err
	if h.FailingSince == nil {
		since := now
		h.FailingSince = &since
	}
	if h.State == models.HealthUnhealthy {
		return ""
	}

	byCount := h.ConsecutiveFailures >= m.cfg.FailureThreshold &&
		now.Sub(*h.FailingSince) >= m.cfg.DowntimeDuration
	byRate := m.cfg.MaxErrorRate > 0 && windowFull && rate >= m.cfg.MaxErrorRate
	if !byCount && !byRate {
		return ""
	}

	h.State = models.HealthUnhealthy
	since := now
	h.UnhealthySince = &since
	alerted := now
	h.LastAlertAt = &alerted
	return transitionAlert
}

func (m *Monitor) raiseAlert(ctx context.Context, sys models.SystemConnection, prev, next models.HealthStatus, now time.Time) {
	metrics.IncAlert(sys.Name)
	payload := healthPayload(sys, prev, next, now)
	m.publish(events.EventSystemHealthAlert, payload)

	if m.submitter == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error().Err(err).Str("system", sys.Name).Msg("encode alert payload")
		return
	}
	task := &models.AdminTask{
		Name:       fmt.Sprintf("alert: %s unhealthy", sys.Name),
		Type:       models.TaskTypeSystemAlert,
		Priority:   models.PriorityHigh,
		MaxRetries: m.alertRetries,
		Payload:    raw,
	}
	if _, err := m.submitter.Enqueue(context.WithoutCancel(ctx), task); err != nil {
		m.logger.Error().Err(err).Str("system", sys.Name).Msg("submit alert task")
	}
}

func (m *Monitor) publish(eventType string, payload events.HealthEventPayload) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishJSON(eventType, payload); err != nil {
		m.logger.Warn().Err(err).Str("event_type", eventType).Msg("publish health event")
	}
}

func healthPayload(sys models.SystemConnection, prev, next models.HealthStatus, now time.Time) events.HealthEventPayload {
	return events.HealthEventPayload{
		SystemID:            sys.ID,
		SystemName:          sys.Name,
		State:               string(next.State),
		PreviousState:       string(prev.State),
		ConsecutiveFailures: next.ConsecutiveFailures,
		Latency:             next.Latency,
		Error:               next.Error,
		At:                  now,
	}
}

// observe records a probe result in the system's sliding window and returns
// the failure ratio and whether the window is full.
func (m *Monitor) observe(id string, ok bool) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, exists := m.windows[id]
	if !exists {
		w = newWindow(m.cfg.ErrorRateWindow)
		m.windows[id] = w
	}
	return w.add(ok)
}

func (m *Monitor) pruneWindows(systems []models.SystemConnection) {
	live := make(map[string]bool, len(systems))
	for _, s := range systems {
		live[s.ID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.windows {
		if !live[id] {
			delete(m.windows, id)
		}
	}
}

type window struct {
	results []bool
	next    int
	full    bool
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{results: make([]bool, size)}
}

// add stores ok and returns the share of failures among stored results.
func (w *window) add(ok bool) (float64, bool) {
	w.results[w.next] = ok
	w.next++
	if w.next == len(w.results) {
		w.next = 0
		w.full = true
	}

	n := w.next
	if w.full {
		n = len(w.results)
	}
	failures := 0
	for _, r := range w.results[:n] {
		if !r {
			failures++
		}
	}
	return float64(failures) / float64(n), w.full
}
