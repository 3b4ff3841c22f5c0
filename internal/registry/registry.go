// Package registry keeps the catalog of external systems the engine probes
// and synchronizes, together with the connector used to reach each one.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"adminops/internal/apperr"
	"adminops/internal/domain"
	"adminops/internal/models"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

type entry struct {
	conn      models.SystemConnection
	connector domain.Connector
}

// Registry is safe for concurrent use. Readers get redacted snapshots and
// never wait on connector I/O; the lock only guards the catalog itself.
type Registry struct {
	mu      sync.RWMutex
	systems map[string]*entry
	byName  map[string]string
	clock   clock.PassiveClock
}

func New(c clock.PassiveClock) *Registry {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Registry{
		systems: make(map[string]*entry),
		byName:  make(map[string]string),
		clock:   c,
	}
}

// Register validates the connection, assigns an id and attaches its
// connector. Names are unique, compared case-insensitively.
func (r *Registry) Register(conn models.SystemConnection, connector domain.Connector) (string, error) {
	conn.Name = strings.TrimSpace(conn.Name)
	if conn.Name == "" {
		return "", apperr.Validationf("system name is required")
	}
	if conn.Type == "" {
		return "", apperr.Validationf("system %s: type is required", conn.Name)
	}
	if conn.Endpoint == "" {
		return "", apperr.Validationf("system %s: endpoint is required", conn.Name)
	}
	if conn.SyncFrequency < 0 || conn.CheckInterval < 0 {
		return "", apperr.Validationf("system %s: intervals must not be negative", conn.Name)
	}
	if connector == nil {
		return "", apperr.Validationf("system %s: connector is required", conn.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(conn.Name)
	if _, exists := r.byName[key]; exists {
		return "", apperr.Validationf("system name %q already registered", conn.Name)
	}
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if _, exists := r.systems[conn.ID]; exists {
		return "", apperr.Validationf("system id %s already registered", conn.ID)
	}

	conn.Health = models.HealthStatus{State: models.HealthUnknown}
	conn.LastHealthCheck = nil
	conn.LastSyncAt = nil
	conn.CreatedAt = r.clock.Now()

	r.systems[conn.ID] = &entry{conn: conn, connector: connector}
	r.byName[key] = conn.ID
	return conn.ID, nil
}

// Unregister removes a system from the catalog.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.systems[id]
	if !ok {
		return fmt.Errorf("system %s: %w", id, apperr.ErrUnknownSystem)
	}
	delete(r.byName, strings.ToLower(e.conn.Name))
	delete(r.systems, id)
	return nil
}

// Get returns a redacted snapshot of the system.
func (r *Registry) Get(id string) (models.SystemConnection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.systems[id]
	if !ok {
		return models.SystemConnection{}, fmt.Errorf("system %s: %w", id, apperr.ErrUnknownSystem)
	}
	return e.conn.Redacted(), nil
}

func (r *Registry) GetByName(name string) (models.SystemConnection, error) {
	r.mu.RLock()
	id, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return models.SystemConnection{}, fmt.Errorf("system %q: %w", name, apperr.ErrUnknownSystem)
	}
	return r.Get(id)
}

// List returns redacted snapshots ordered by name.
func (r *Registry) List() []models.SystemConnection {
	r.mu.RLock()
	out := make([]models.SystemConnection, 0, len(r.systems))
	for _, e := range r.systems {
		out = append(out, e.conn.Redacted())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Connector returns the capability attached to a system.
func (r *Registry) Connector(id string) (domain.Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.systems[id]
	if !ok {
		return nil, fmt.Errorf("system %s: %w", id, apperr.ErrUnknownSystem)
	}
	return e.connector, nil
}

// Credential returns the opaque credential handle for connector wiring.
// It is the only way to read the handle; listings never expose it.
func (r *Registry) Credential(id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.systems[id]
	if !ok {
		return "", fmt.Errorf("system %s: %w", id, apperr.ErrUnknownSystem)
	}
	return e.conn.CredentialRef, nil
}

// UpdateHealth applies fn to the stored health status and records the check
// time. It returns the previous and the new status. Reserved for the health
// monitor.
func (r *Registry) UpdateHealth(id string, at time.Time, fn func(h *models.HealthStatus)) (prev, next models.HealthStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.systems[id]
	if !ok {
		return prev, next, fmt.Errorf("system %s: %w", id, apperr.ErrUnknownSystem)
	}
	prev = e.conn.Redacted().Health
	fn(&e.conn.Health)
	checked := at
	e.conn.LastHealthCheck = &checked
	next = e.conn.Redacted().Health
	return prev, next, nil
}

// MarkSynced records a successful sync. Reserved for the sync coordinator.
func (r *Registry) MarkSynced(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.systems[id]
	if !ok {
		return fmt.Errorf("system %s: %w", id, apperr.ErrUnknownSystem)
	}
	synced := at
	e.conn.LastSyncAt = &synced
	return nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.systems))
	for id := range r.systems {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
