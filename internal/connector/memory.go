// Package connector holds the connectors shipped with the engine: an
// in-memory dataset and an HTTP health prober.
package connector

import (
	"context"
	"sort"
	"sync"
	"time"

	"adminops/internal/models"
)

// Memory is a dataset held in memory. It behaves like a real system for the
// engine and lets callers inject probe, fetch and write failures.
type Memory struct {
	mu         sync.RWMutex
	records    map[string]models.Record
	healthy    bool
	latency    time.Duration
	probeErr   error
	fetchErr   error
	applyErr   error
	failWrites map[string]error
	writes     int
}

func NewMemory(records ...models.Record) *Memory {
	m := &Memory{
		records:    make(map[string]models.Record),
		healthy:    true,
		failWrites: make(map[string]error),
	}
	m.Put(records...)
	return m
}

// Put stores records as they are, replacing any with the same id.
func (m *Memory) Put(records ...models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records[r.ID] = cloneRecord(r)
	}
}

func (m *Memory) Record(id string) (models.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return models.Record{}, false
	}
	return cloneRecord(r), true
}

// Records returns every stored record ordered by id.
func (m *Memory) Records() []models.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked(time.Time{})
}

// Writes counts records accepted by ApplyWrites.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func (m *Memory) SetHealthy(healthy bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
	m.latency = latency
}

func (m *Memory) SetProbeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probeErr = err
}

// SetFetchError makes FetchChanges fail until cleared with nil.
func (m *Memory) SetFetchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

// SetApplyError makes whole ApplyWrites calls fail until cleared with nil.
func (m *Memory) SetApplyError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyErr = err
}

// FailWrite rejects writes of a single record.
func (m *Memory) FailWrite(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failWrites, id)
		return
	}
	m.failWrites[id] = err
}

func (m *Memory) Probe(ctx context.Context) models.ProbeResult {
	if err := ctx.Err(); err != nil {
		return models.ProbeResult{Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.ProbeResult{Healthy: m.healthy && m.probeErr == nil, Latency: m.latency, Err: m.probeErr}
}

// FetchChanges returns records modified strictly after since. A zero since
// returns everything.
func (m *Memory) FetchChanges(ctx context.Context, since time.Time) ([]models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.sortedLocked(since), nil
}

// ApplyWrites stores each record; deleted records are removed.
func (m *Memory) ApplyWrites(ctx context.Context, records []models.Record) ([]models.WriteOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return nil, m.applyErr
	}

	out := make([]models.WriteOutcome, 0, len(records))
	for _, r := range records {
		if err, ok := m.failWrites[r.ID]; ok {
			out = append(out, models.WriteOutcome{RecordID: r.ID, Err: err})
			continue
		}
		if r.Deleted {
			delete(m.records, r.ID)
		} else {
			m.records[r.ID] = cloneRecord(r)
		}
		m.writes++
		out = append(out, models.WriteOutcome{RecordID: r.ID})
	}
	return out, nil
}

func (m *Memory) sortedLocked(since time.Time) []models.Record {
	out := make([]models.Record, 0, len(m.records))
	for _, r := range m.records {
		if since.IsZero() || r.LastModified.After(since) {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneRecord(r models.Record) models.Record {
	c := r
	if r.Fields != nil {
		c.Fields = make(map[string]interface{}, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	return c
}
