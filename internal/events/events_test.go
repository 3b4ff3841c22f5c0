package events

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus(nil)

	var received *Event
	var callCount int

	handler := func(event *Event) error {
		received = event
		callCount++
		return nil
	}

	bus.Subscribe("test_event", handler)

	payload := map[string]string{"foo": "bar"}
	err := bus.PublishJSON("test_event", payload)
	if err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}

	if received.Type != "test_event" {
		t.Errorf("expected type test_event, got %s", received.Type)
	}
	if received.ID == "" {
		t.Errorf("expected event id to be set")
	}

	var decoded map[string]string
	if err := json.Unmarshal(received.Payload, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}

	if decoded["foo"] != "bar" {
		t.Errorf("expected foo=bar, got %s", decoded["foo"])
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus(nil)
	var count1, count2 int

	bus.Subscribe("event", func(_ *Event) error { count1++; return nil })
	bus.Subscribe("event", func(_ *Event) error { count2++; return nil })

	bus.Publish(&Event{Type: "event"})

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both handlers to be called once, got %d and %d", count1, count2)
	}
}

func TestEventBusWildcard(t *testing.T) {
	bus := NewEventBus(nil)
	var types []string

	bus.Subscribe(AllEvents, func(e *Event) error {
		types = append(types, e.Type)
		return nil
	})

	_ = bus.PublishJSON(EventTaskCompleted, TaskEventPayload{TaskID: "t1"})
	_ = bus.PublishJSON(EventSyncCompleted, SyncEventPayload{OperationID: "op1"})

	if len(types) != 2 || types[0] != EventTaskCompleted || types[1] != EventSyncCompleted {
		t.Errorf("unexpected wildcard deliveries: %v", types)
	}
}

func TestEventBusHandlerFailuresAreContained(t *testing.T) {
	bus := NewEventBus(nil)
	var reached bool

	bus.Subscribe("event", func(_ *Event) error { return errors.New("boom") })
	bus.Subscribe("event", func(_ *Event) error { panic("handler bug") })
	bus.Subscribe("event", func(_ *Event) error { reached = true; return nil })

	bus.Publish(&Event{Type: "event"})

	if !reached {
		t.Errorf("expected later handlers to run after failing ones")
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus(nil)
	// Should not panic
	bus.Publish(&Event{Type: "unknown"})
	err := bus.PublishJSON("unknown", nil)
	if err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}

	var nilBus *EventBus
	if err := nilBus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("nil bus should be a no-op, got %v", err)
	}
}

func TestNewJSONEvent(t *testing.T) {
	payload := HealthEventPayload{SystemID: "sys-1", State: "unhealthy"}
	event, err := NewJSONEvent(EventSystemHealthAlert, payload)
	if err != nil {
		t.Fatalf("NewJSONEvent failed: %v", err)
	}

	if event.Type != EventSystemHealthAlert {
		t.Errorf("expected %s, got %s", EventSystemHealthAlert, event.Type)
	}

	if event.CreatedAt.IsZero() {
		t.Errorf("expected CreatedAt to be set")
	}

	var decoded HealthEventPayload
	if err := json.Unmarshal(event.Payload, &decoded); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if decoded.SystemID != "sys-1" {
		t.Errorf("expected SystemID sys-1, got %s", decoded.SystemID)
	}

	if _, err := NewJSONEvent("bad", make(chan int)); err == nil {
		t.Errorf("expected marshal error for channel payload")
	}
}
