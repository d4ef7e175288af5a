package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// ErrMissingEntityID is returned when an entity payload has no entity_id.
var ErrMissingEntityID = errors.New("entity_id is required")

// unavailableStates are states that mean the entity cannot be reached.
var unavailableStates = map[string]bool{
	"unavailable": true,
	"unknown":     true,
}

// Context identifies the origin of a state change or event.
type Context struct {
	ID       string  `json:"id"`
	ParentID *string `json:"parent_id,omitempty"`
	UserID   *string `json:"user_id,omitempty"`
}

// Entity is the state of a single Home Assistant entity.
type Entity struct {
	EntityID     string         `json:"entity_id"`
	State        string         `json:"state"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	LastChanged  *time.Time     `json:"last_changed,omitempty"`
	LastUpdated  *time.Time     `json:"last_updated,omitempty"`
	LastReported *time.Time     `json:"last_reported,omitempty"`
	Context      *Context       `json:"context,omitempty"`
}

// Domain returns the part of the entity id before the dot ("light" for "light.kitchen").
func (e Entity) Domain() string {
	domain, _, _ := strings.Cut(e.EntityID, ".")
	return domain
}

// ObjectID returns the part of the entity id after the dot.
func (e Entity) ObjectID() string {
	_, object, ok := strings.Cut(e.EntityID, ".")
	if !ok {
		return e.EntityID
	}
	return object
}

// FriendlyName returns the friendly_name attribute, or the entity id.
func (e Entity) FriendlyName() string {
	if name, ok := e.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	return e.EntityID
}

// IsOn reports whether the entity state is "on".
func (e Entity) IsOn() bool {
	return strings.EqualFold(e.State, "on")
}

// IsOff reports whether the entity state is "off".
func (e Entity) IsOff() bool {
	return strings.EqualFold(e.State, "off")
}

// IsAvailable reports whether the entity is reachable.
func (e Entity) IsAvailable() bool {
	return !unavailableStates[strings.ToLower(e.State)]
}

// Validate checks the fields required of a top-level entity.
func (e Entity) Validate() error {
	if e.EntityID == "" {
		return ErrMissingEntityID
	}
	if !strings.Contains(e.EntityID, ".") {
		return fmt.Errorf("entity_id %q: missing domain", e.EntityID)
	}
	return nil
}

// ParseEntity decodes and validates a single entity.
func ParseEntity(raw json.RawMessage) (Entity, error) {
	var e Entity
	if err := sonic.Unmarshal(raw, &e); err != nil {
		return Entity{}, fmt.Errorf("decode entity: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Entity{}, err
	}
	return e, nil
}

// ParseEntities decodes and validates a get_states result.
func ParseEntities(raw json.RawMessage) ([]Entity, error) {
	var entities []Entity
	if err := sonic.Unmarshal(raw, &entities); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}
	for i := range entities {
		if err := entities[i].Validate(); err != nil {
			return nil, fmt.Errorf("entity %d: %w", i, err)
		}
	}
	return entities, nil
}
