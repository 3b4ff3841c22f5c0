package models

import "time"

// HealthState is the reported health of a registered system.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is the last known health of a system plus the counters the
// monitor needs to debounce state changes.
type HealthStatus struct {
	State                HealthState   `json:"state" yaml:"state"`
	Latency              time.Duration `json:"latency" yaml:"latency"`
	Error                string        `json:"error,omitempty" yaml:"error,omitempty"`
	ConsecutiveFailures  int           `json:"consecutive_failures" yaml:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes" yaml:"consecutive_successes"`
	ErrorRate            float64       `json:"error_rate" yaml:"error_rate"`
	FailingSince         *time.Time    `json:"failing_since,omitempty" yaml:"failing_since,omitempty"`
	UnhealthySince       *time.Time    `json:"unhealthy_since,omitempty" yaml:"unhealthy_since,omitempty"`
	LastAlertAt          *time.Time    `json:"last_alert_at,omitempty" yaml:"last_alert_at,omitempty"`
}

// SystemConnection is an external system the engine probes and synchronizes.
type SystemConnection struct {
	ID                string        `json:"id" yaml:"id"`
	Name              string        `json:"name" yaml:"name"`
	Type              string        `json:"type" yaml:"type"`
	Endpoint          string        `json:"endpoint" yaml:"endpoint"`
	HealthCheckTarget string        `json:"health_check_target,omitempty" yaml:"health_check_target"`
	SyncFrequency     time.Duration `json:"sync_frequency,omitempty" yaml:"sync_frequency"`
	CheckInterval     time.Duration `json:"check_interval,omitempty" yaml:"check_interval"`
	CredentialRef     string        `json:"credential_ref,omitempty" yaml:"credential_ref"`
	HasCredential     bool          `json:"has_credential" yaml:"-"`
	LastHealthCheck   *time.Time    `json:"last_health_check,omitempty" yaml:"-"`
	LastSyncAt        *time.Time    `json:"last_sync_at,omitempty" yaml:"-"`
	Health            HealthStatus  `json:"health" yaml:"-"`
	CreatedAt         time.Time     `json:"created_at" yaml:"-"`
}

// Redacted returns a copy with the credential handle removed.
func (s SystemConnection) Redacted() SystemConnection {
	c := s
	c.HasCredential = s.CredentialRef != ""
	c.CredentialRef = ""
	if s.LastHealthCheck != nil {
		v := *s.LastHealthCheck
		c.LastHealthCheck = &v
	}
	if s.LastSyncAt != nil {
		v := *s.LastSyncAt
		c.LastSyncAt = &v
	}
	c.Health = s.Health.clone()
	return c
}

func (h HealthStatus) clone() HealthStatus {
	c := h
	if h.FailingSince != nil {
		v := *h.FailingSince
		c.FailingSince = &v
	}
	if h.UnhealthySince != nil {
		v := *h.UnhealthySince
		c.UnhealthySince = &v
	}
	if h.LastAlertAt != nil {
		v := *h.LastAlertAt
		c.LastAlertAt = &v
	}
	return c
}

// ProbeResult is what a connector reports for a single health probe.
type ProbeResult struct {
	Healthy bool
	Latency time.Duration
	Err     error
}
