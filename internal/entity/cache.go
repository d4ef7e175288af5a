package entity

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/voice-bridge/internal/metrics"
	"github.com/rickgao/voice-bridge/internal/model"
)

// Change kinds.
const (
	ChangeCreated = "created"
	ChangeUpdated = "updated"
	ChangeRemoved = "removed"
)

// changeBuffer is the capacity of the Changes channel.
const changeBuffer = 1000

// Change is a transition observed by the cache.
type Change struct {
	EntityID string
	Kind     string
	OldState string
	NewState string
	Entity   *model.Entity
}

// Cache holds the latest known state of every entity.
type Cache struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu         sync.RWMutex
	entities   map[string]model.Entity
	lastSyncAt time.Time
	dropped    int64

	changes chan Change
}

// NewCache creates an empty cache. m may be nil.
func NewCache(m *metrics.Metrics, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		logger:   logger.With("component", "entity_cache"),
		metrics:  m,
		entities: make(map[string]model.Entity),
		changes:  make(chan Change, changeBuffer),
	}
}

// Seed replaces the cache with a full state listing and reports what moved.
func (c *Cache) Seed(entities []model.Entity) (created, updated, removed int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(entities))
	for _, e := range entities {
		if e.EntityID == "" {
			continue
		}
		seen[e.EntityID] = true

		existing, ok := c.entities[e.EntityID]
		switch {
		case !ok:
			created++
			c.notifyLocked(Change{EntityID: e.EntityID, Kind: ChangeCreated, NewState: e.State, Entity: entityPtr(e)})
		case existing.State != e.State:
			updated++
			c.notifyLocked(Change{EntityID: e.EntityID, Kind: ChangeUpdated, OldState: existing.State, NewState: e.State, Entity: entityPtr(e)})
		}
		c.entities[e.EntityID] = e
	}

	for id, existing := range c.entities {
		if seen[id] {
			continue
		}
		delete(c.entities, id)
		removed++
		c.notifyLocked(Change{EntityID: id, Kind: ChangeRemoved, OldState: existing.State})
	}

	c.lastSyncAt = time.Now()
	c.metrics.SetEntities(len(c.entities))
	return created, updated, removed
}

// Apply folds one state change into the cache.
func (c *Cache) Apply(change model.StateChange) {
	if change.EntityID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entities[change.EntityID]

	if change.NewState == nil {
		if !ok {
			return
		}
		delete(c.entities, change.EntityID)
		c.notifyLocked(Change{EntityID: change.EntityID, Kind: ChangeRemoved, OldState: existing.State})
		c.metrics.SetEntities(len(c.entities))
		return
	}

	e := *change.NewState
	if e.EntityID == "" {
		e.EntityID = change.EntityID
	}
	c.entities[e.EntityID] = e

	switch {
	case !ok:
		c.notifyLocked(Change{EntityID: e.EntityID, Kind: ChangeCreated, NewState: e.State, Entity: entityPtr(e)})
		c.metrics.SetEntities(len(c.entities))
	case existing.State != e.State:
		c.notifyLocked(Change{EntityID: e.EntityID, Kind: ChangeUpdated, OldState: existing.State, NewState: e.State, Entity: entityPtr(e)})
	}
}

// Handle applies a state change. It lets the cache be registered as a
// state-change handler.
func (c *Cache) Handle(_ context.Context, change model.StateChange) error {
	c.Apply(change)
	return nil
}

// Get returns one entity.
func (c *Cache) Get(entityID string) (model.Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entities[entityID]
	return e, ok
}

// List returns every entity ordered by id.
func (c *Cache) List() []model.Entity {
	return c.filter(func(model.Entity) bool { return true })
}

// ByDomain returns the entities of one domain ordered by id.
func (c *Cache) ByDomain(domain string) []model.Entity {
	return c.filter(func(e model.Entity) bool { return e.Domain() == domain })
}

// Unavailable returns entities whose state is unavailable or unknown.
func (c *Cache) Unavailable() []model.Entity {
	return c.filter(func(e model.Entity) bool { return !e.IsAvailable() })
}

func (c *Cache) filter(keep func(model.Entity) bool) []model.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.Entity, 0, len(c.entities))
	for _, e := range c.entities {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Domains returns the number of entities per domain.
func (c *Cache) Domains() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range c.entities {
		counts[e.Domain()]++
	}
	return counts
}

// Len returns the number of cached entities.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entities)
}

// LastSyncAt returns when Seed last ran.
func (c *Cache) LastSyncAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSyncAt
}

// Changes returns the stream of observed transitions. Changes are dropped
// when nobody keeps up with the channel.
func (c *Cache) Changes() <-chan Change {
	return c.changes
}

// Dropped returns how many changes were discarded because Changes was full.
func (c *Cache) Dropped() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dropped
}

// notifyLocked publishes a change without blocking. c.mu must be held.
func (c *Cache) notifyLocked(change Change) {
	select {
	case c.changes <- change:
	default:
		c.dropped++
		c.logger.Debug("change channel full, dropping", "entity_id", change.EntityID, "kind", change.Kind)
	}
}

func entityPtr(e model.Entity) *model.Entity {
	return &e
}
