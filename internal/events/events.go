package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	EventTaskCompleted         = "task_completed"
	EventTaskFailed            = "task_failed"
	EventTaskCancelled         = "task_cancelled"
	EventSystemHealthAlert     = "system_health_alert"
	EventSystemHealthRecovered = "system_health_recovered"
	EventSyncCompleted         = "sync_completed"
	EventSyncFailed            = "sync_failed"

	// AllEvents subscribes a handler to every event type.
	AllEvents = "*"
)

// TaskEventPayload is the task snapshot carried by task_* events.
type TaskEventPayload struct {
	TaskID     string    `json:"task_id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Priority   string    `json:"priority"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retry_count"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// HealthEventPayload describes a health state change of a system.
type HealthEventPayload struct {
	SystemID            string        `json:"system_id"`
	SystemName          string        `json:"system_name"`
	State               string        `json:"state"`
	PreviousState       string        `json:"previous_state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Latency             time.Duration `json:"latency"`
	Error               string        `json:"error,omitempty"`
	At                  time.Time     `json:"at"`
}

// SyncEventPayload summarizes a finished sync operation.
type SyncEventPayload struct {
	OperationID   string `json:"operation_id"`
	SourceID      string `json:"source_id"`
	TargetID      string `json:"target_id"`
	SyncType      string `json:"sync_type"`
	Status        string `json:"status"`
	Applied       int    `json:"applied"`
	Failed        int    `json:"failed"`
	Skipped       int    `json:"skipped"`
	Conflicts     int    `json:"conflicts"`
	Error         string `json:"error,omitempty"`
	TaskID        string `json:"task_id"`
	DurationMilli int64  `json:"duration_ms"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	logger      *zerolog.Logger
}

// NewEventBus constructs an empty bus. A nil logger discards handler errors.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &EventBus{subscribers: make(map[string][]EventHandler), logger: logger}
}

// Subscribe registers a handler for a given event type, or AllEvents.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type, then wildcard subscribers.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.subscribers[AllEvents]...)
	b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		b.dispatch(handler, event)
	}
}

func (b *EventBus) dispatch(handler EventHandler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("event_type", event.Type).Msg("event handler panicked")
		}
	}()
	if err := handler(event); err != nil {
		b.logger.Warn().Err(err).Str("event_type", event.Type).Str("event_id", event.ID).Msg("event handler failed")
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}

	b.Publish(&event)
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{ID: uuid.NewString(), Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
