// Package subscription tracks the active event subscriptions of a client.
//
// Each subscription remembers the request that created it so the whole set
// can be re-issued after a reconnect. Ids are the ones the peer addresses
// events with; when the peer does not return one, FallbackID supplies it.
// Ids change across Rebind and Replace, so each subscription also carries a
// local Serial that stays fixed for as long as its handler is registered.
package subscription

import (
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	errs "github.com/rickgao/voice-bridge/internal/errors"
)

// Filters with special meaning.
const (
	// Wildcard matches every event type. An empty filter means the same.
	Wildcard = "*"

	// TriggerFilter marks subscriptions addressed by id rather than event type.
	TriggerFilter = "trigger"
)

// Request is the command that created a subscription.
type Request struct {
	Command string
	Fields  map[string]any
}

// Subscription is an active subscription.
type Subscription struct {
	ID        int64
	Serial    int64
	Filter    string
	Request   Request
	Handler   EventHandler
	CreatedAt time.Time
}

// Entry is a subscription captured for replay. ID is the id it had when
// the snapshot was taken.
type Entry struct {
	ID      int64
	Serial  int64
	Filter  string
	Request Request
	Handler EventHandler
}

// Target is a handler selected for one event.
type Target struct {
	ID      int64
	Serial  int64
	Handler EventHandler
}

// StateTarget is a registered state-change handler.
type StateTarget struct {
	Token   int64
	Handler StateHandler
}

// Registry is the set of active subscriptions plus state-change handlers.
type Registry struct {
	mu         sync.RWMutex
	subs       map[int64]*Subscription
	states     map[int64]StateHandler
	nextToken  int64
	nextSerial int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:   make(map[int64]*Subscription),
		states: make(map[int64]StateHandler),
	}
}

// Add registers handler under id. Active ids must be unique.
func (r *Registry) Add(id int64, filter string, req Request, handler EventHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subs[id]; exists {
		return errs.Newf(errs.ErrSubscription, "add", "subscription %d already active", id)
	}
	r.nextSerial++
	r.subs[id] = &Subscription{
		ID:        id,
		Serial:    r.nextSerial,
		Filter:    filter,
		Request:   req,
		Handler:   handler,
		CreatedAt: time.Now(),
	}
	return nil
}

// Remove drops id and returns what was registered under it. It reports
// false when id was not active.
func (r *Registry) Remove(id int64) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return Subscription{}, false
	}
	delete(r.subs, id)
	return *sub, true
}

// Get returns the subscription with id.
func (r *Registry) Get(id int64) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// Has reports whether id is active.
func (r *Registry) Has(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[id]
	return ok
}

// Rebind moves a subscription from oldID to newID. Its Serial is kept.
func (r *Registry) Rebind(oldID, newID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[oldID]
	if !ok {
		return false
	}
	if _, taken := r.subs[newID]; taken && newID != oldID {
		return false
	}
	delete(r.subs, oldID)
	sub.ID = newID
	r.subs[newID] = sub
	return true
}

// HandlersFor returns the handlers whose filter matches eventType, ordered by id.
func (r *Registry) HandlersFor(eventType string) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets []Target
	for id, sub := range r.subs {
		if Matches(sub.Filter, eventType) {
			targets = append(targets, Target{ID: id, Serial: sub.Serial, Handler: sub.Handler})
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets
}

// TriggerTarget returns the trigger subscription addressed by id.
func (r *Registry) TriggerTarget(id int64) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	if !ok || sub.Filter != TriggerFilter {
		return Target{}, false
	}
	return Target{ID: id, Serial: sub.Serial, Handler: sub.Handler}, true
}

// Snapshot returns every subscription, ordered by id.
func (r *Registry) Snapshot() []Entry {
	subs := r.List()
	entries := make([]Entry, len(subs))
	for i, sub := range subs {
		entries[i] = Entry{ID: sub.ID, Serial: sub.Serial, Filter: sub.Filter, Request: sub.Request, Handler: sub.Handler}
	}
	return entries
}

// List returns every subscription ordered by id.
func (r *Registry) List() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, *sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs
}

// Replace atomically swaps each oldIDs[i] for subs[i]. subs[i] inherits the
// Serial of the entry it replaces. An entry whose old id is no longer active
// was removed meanwhile and is not installed. Entries added since oldIDs were
// captured are kept. It returns the removed ids.
func (r *Registry) Replace(oldIDs []int64, subs []Subscription) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := make([]int64, 0, len(oldIDs))
	install := make([]Subscription, 0, len(subs))
	for i, id := range oldIDs {
		old, ok := r.subs[id]
		if !ok {
			continue
		}
		delete(r.subs, id)
		removed = append(removed, id)
		if i < len(subs) {
			sub := subs[i]
			sub.Serial = old.Serial
			install = append(install, sub)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })

	for i := range install {
		sub := install[i]
		if sub.CreatedAt.IsZero() {
			sub.CreatedAt = time.Now()
		}
		r.subs[sub.ID] = &sub
	}
	return removed
}

// Len returns the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// OnStateChange registers a state-change handler and returns its token.
func (r *Registry) OnStateChange(handler StateHandler) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextToken++
	r.states[r.nextToken] = handler
	return r.nextToken
}

// RemoveStateHandler drops a state-change handler.
func (r *Registry) RemoveStateHandler(token int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.states[token]; !ok {
		return false
	}
	delete(r.states, token)
	return true
}

// StateHandlers returns the state-change handlers in registration order.
func (r *Registry) StateHandlers() []StateTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]StateTarget, 0, len(r.states))
	for token, h := range r.states {
		targets = append(targets, StateTarget{Token: token, Handler: h})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Token < targets[j].Token })
	return targets
}

// Matches reports whether filter selects eventType. Matching is exact.
func Matches(filter, eventType string) bool {
	switch filter {
	case Wildcard, "":
		return true
	case TriggerFilter:
		return false
	default:
		return filter == eventType
	}
}

// FallbackID is the subscription id used when the peer returns none: the id
// of the subscribe request itself, which the peer echoes on every event.
func FallbackID(requestID int64) int64 {
	return requestID
}

// ResolveID returns the integer carried by a subscribe result, or FallbackID.
func ResolveID(result json.RawMessage, requestID int64) int64 {
	if id, err := strconv.ParseInt(string(result), 10, 64); err == nil {
		return id
	}
	return FallbackID(requestID)
}
