package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// EventStateChanged is the event type that carries entity state transitions.
const EventStateChanged = "state_changed"

// Event is a notification pushed by the peer for an active subscription.
type Event struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
	Origin    string         `json:"origin,omitempty"`
	TimeFired *time.Time     `json:"time_fired,omitempty"`
	Context   *Context       `json:"context,omitempty"`

	// Variables is set instead of Data for trigger subscriptions.
	Variables map[string]any `json:"variables,omitempty"`

	// RawData is the undecoded data object.
	RawData json.RawMessage `json:"-"`
}

type eventWire struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired *time.Time      `json:"time_fired"`
	Context   *Context        `json:"context"`
	Variables map[string]any  `json:"variables"`
}

// ParseEvent decodes the "event" object of an event message.
func ParseEvent(raw json.RawMessage) (Event, error) {
	if isNull(raw) {
		return Event{}, fmt.Errorf("decode event: missing event payload")
	}

	var w eventWire
	if err := sonic.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	ev := Event{
		EventType: w.EventType,
		Origin:    w.Origin,
		TimeFired: w.TimeFired,
		Context:   w.Context,
		Variables: w.Variables,
	}
	if !isNull(w.Data) {
		ev.RawData = w.Data
		if err := sonic.Unmarshal(w.Data, &ev.Data); err != nil {
			return Event{}, fmt.Errorf("decode event data: %w", err)
		}
	}
	return ev, nil
}

// StateChange is the typed view of a state_changed event.
// OldState is nil when the entity did not exist; NewState is nil when it was removed.
type StateChange struct {
	EntityID  string    `json:"entity_id"`
	OldState  *Entity   `json:"old_state,omitempty"`
	NewState  *Entity   `json:"new_state,omitempty"`
	TimeFired time.Time `json:"time_fired"`
}

type stateChangedWire struct {
	EntityID string          `json:"entity_id"`
	OldState json.RawMessage `json:"old_state"`
	NewState json.RawMessage `json:"new_state"`
}

// DeriveStateChange builds a StateChange from a state_changed event.
// Nested states without their own entity_id inherit the event's.
func DeriveStateChange(ev Event) (StateChange, error) {
	if ev.EventType != EventStateChanged {
		return StateChange{}, fmt.Errorf("derive state change: unexpected event type %q", ev.EventType)
	}

	var w stateChangedWire
	if !isNull(ev.RawData) {
		if err := sonic.Unmarshal(ev.RawData, &w); err != nil {
			return StateChange{}, fmt.Errorf("derive state change: %w", err)
		}
	}

	change := StateChange{EntityID: w.EntityID}
	if ev.TimeFired != nil {
		change.TimeFired = *ev.TimeFired
	}

	var err error
	if change.OldState, err = nestedEntity(w.OldState, w.EntityID); err != nil {
		return StateChange{}, fmt.Errorf("derive state change: old_state: %w", err)
	}
	if change.NewState, err = nestedEntity(w.NewState, w.EntityID); err != nil {
		return StateChange{}, fmt.Errorf("derive state change: new_state: %w", err)
	}

	if change.EntityID == "" {
		switch {
		case change.NewState != nil:
			change.EntityID = change.NewState.EntityID
		case change.OldState != nil:
			change.EntityID = change.OldState.EntityID
		}
	}
	return change, nil
}

func nestedEntity(raw json.RawMessage, entityID string) (*Entity, error) {
	if isNull(raw) {
		return nil, nil
	}
	var e Entity
	if err := sonic.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if e.EntityID == "" {
		e.EntityID = entityID
	}
	return &e, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
