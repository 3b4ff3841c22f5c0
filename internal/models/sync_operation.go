package models

import (
	"fmt"
	"reflect"
	"time"
)

// SyncType selects which records a sync pass considers.
type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
)

func (t SyncType) Valid() bool {
	return t == SyncTypeFull || t == SyncTypeIncremental
}

// SyncStatus is the lifecycle state of a SyncOperation.
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

func (s SyncStatus) IsTerminal() bool {
	return s == SyncStatusCompleted || s == SyncStatusFailed
}

// Outcome actions recorded per record.
const (
	OutcomeApplied = "applied"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Conflict resolutions recorded per record.
const (
	ResolutionSourceWins = "source_wins"
	ResolutionTargetWins = "target_wins"
	ResolutionMerged     = "merged"
)

// DirectionToTarget marks a record written from source to target.
const DirectionToTarget = "to_target"

// Record is one unit of data exchanged with a connector.
type Record struct {
	ID           string                 `json:"id"`
	LastModified time.Time              `json:"last_modified"`
	Fields       map[string]interface{} `json:"fields,omitempty"`
	Deleted      bool                   `json:"deleted,omitempty"`
}

// SameContent reports whether two records carry identical data.
func (r Record) SameContent(o Record) bool {
	if r.ID != o.ID || r.Deleted != o.Deleted {
		return false
	}
	if len(r.Fields) == 0 && len(o.Fields) == 0 {
		return true
	}
	return reflect.DeepEqual(r.Fields, o.Fields)
}

// WriteOutcome is a connector's per-record answer to ApplyWrites.
type WriteOutcome struct {
	RecordID string
	Err      error
}

// RecordOutcome is one entry of a sync operation's outcome log.
type RecordOutcome struct {
	RecordID   string `json:"record_id"`
	Action     string `json:"action"`
	Direction  string `json:"direction,omitempty"`
	Conflict   bool   `json:"conflict"`
	Resolution string `json:"resolution,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SyncOperation is one reconciliation pass between two systems.
type SyncOperation struct {
	ID            string          `json:"id"`
	SourceID      string          `json:"source_id"`
	TargetID      string          `json:"target_id"`
	SyncType      SyncType        `json:"sync_type"`
	Status        SyncStatus      `json:"status"`
	TaskID        string          `json:"task_id"`
	Attempts      int             `json:"attempts"`
	AppliedCount  int             `json:"applied_count"`
	FailedCount   int             `json:"failed_count"`
	SkippedCount  int             `json:"skipped_count"`
	ConflictCount int             `json:"conflict_count"`
	Error         string          `json:"error,omitempty"`
	Outcomes      []RecordOutcome `json:"outcomes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the operation.
func (o *SyncOperation) Clone() *SyncOperation {
	if o == nil {
		return nil
	}
	c := *o
	if o.StartedAt != nil {
		v := *o.StartedAt
		c.StartedAt = &v
	}
	if o.FinishedAt != nil {
		v := *o.FinishedAt
		c.FinishedAt = &v
	}
	c.Outcomes = append([]RecordOutcome(nil), o.Outcomes...)
	return &c
}

// PairKey identifies the unordered pair {a, b}.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// DirectedKey identifies the ordered pair source -> target.
func DirectedKey(source, target string) string {
	return fmt.Sprintf("%s->%s", source, target)
}
