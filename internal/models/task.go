package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority orders ready tasks; higher values are dispatched first.
type Priority int

const (
	PriorityBackground Priority = iota + 1
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Priorities lists every level from highest to lowest.
var Priorities = []Priority{
	PriorityCritical,
	PriorityHigh,
	PriorityNormal,
	PriorityLow,
	PriorityBackground,
}

func (p Priority) Valid() bool {
	return p >= PriorityBackground && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a config/API string into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "background":
		return PriorityBackground, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// TaskStatus is the lifecycle state of an AdminTask.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskError is one entry of a task's failure history.
type TaskError struct {
	Attempt int       `json:"attempt"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// AdminTask is a schedulable unit of work.
type AdminTask struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Type            string          `json:"type"`
	Priority        Priority        `json:"priority"`
	Status          TaskStatus      `json:"status"`
	Progress        int             `json:"progress"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	Dependencies    []string        `json:"dependencies,omitempty"`
	Timeout         time.Duration   `json:"timeout,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Errors          []TaskError     `json:"errors,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	Sequence        int64           `json:"sequence"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Attempts is the number of executions that have finished with an error.
// Entries with Attempt == 0 describe why a task never ran and are not counted.
func (t *AdminTask) Attempts() int {
	n := 0
	for _, e := range t.Errors {
		if e.Attempt > 0 {
			n++
		}
	}
	return n
}

// LastError returns the most recent failure message, if any.
func (t *AdminTask) LastError() string {
	if len(t.Errors) == 0 {
		return ""
	}
	return t.Errors[len(t.Errors)-1].Message
}

// Clone returns a deep copy safe to hand to callers outside the queue lock.
func (t *AdminTask) Clone() *AdminTask {
	if t == nil {
		return nil
	}
	c := *t
	if t.NextRetryAt != nil {
		v := *t.NextRetryAt
		c.NextRetryAt = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	c.Result = append(json.RawMessage(nil), t.Result...)
	c.Errors = append([]TaskError(nil), t.Errors...)
	return &c
}
