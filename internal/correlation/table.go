// Package correlation matches responses to the requests that caused them.
//
// Every outbound command gets a fresh id from Allocate. The id stays in the
// table until exactly one of Resolve, Fail, DrainAll, a timeout or a caller
// cancellation completes it; later completions for the same id are no-ops.
package correlation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	errs "github.com/rickgao/voice-bridge/internal/errors"
)

// Pending is an unresolved request slot.
type Pending struct {
	ID        int64
	Command   string
	CreatedAt time.Time

	done   chan struct{}
	result json.RawMessage
	err    error
}

// Done is closed once the slot is completed.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the completion. It is only meaningful after Done is closed.
func (p *Pending) Result() (json.RawMessage, error) {
	return p.result, p.err
}

// Table holds pending requests keyed by id.
type Table struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*Pending
}

// NewTable creates an empty table. Ids start at 1.
func NewTable() *Table {
	return &Table{pending: make(map[int64]*Pending)}
}

// Allocate reserves a new id and returns its unresolved slot.
func (t *Table) Allocate(command string) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	p := &Pending{
		ID:        t.nextID,
		Command:   command,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
	t.pending[p.ID] = p
	return p
}

// Await blocks until p completes, the timeout elapses or ctx is done.
// On timeout or cancellation the slot is removed, so a late response is dropped.
func (t *Table) Await(ctx context.Context, p *Pending, timeout time.Duration) (json.RawMessage, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-p.done:
	case <-expired:
		t.complete(p.ID, nil, errs.Newf(errs.ErrTimeout, p.Command, "no response within %s", timeout))
	case <-ctx.Done():
		t.complete(p.ID, nil, ctx.Err())
	}

	// Either we completed it above or a concurrent Resolve/Fail won the race.
	<-p.done
	return p.result, p.err
}

// Resolve completes id successfully. It reports false when id is not pending.
func (t *Table) Resolve(id int64, payload json.RawMessage) (*Pending, bool) {
	return t.complete(id, payload, nil)
}

// Fail completes id with err. It reports false when id is not pending.
func (t *Table) Fail(id int64, err error) (*Pending, bool) {
	return t.complete(id, nil, err)
}

// DrainAll fails every pending request with err and returns how many there were.
func (t *Table) DrainAll(err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.pending)
	for id, p := range t.pending {
		p.err = err
		close(p.done)
		delete(t.pending, id)
	}
	return n
}

// Has reports whether id is pending.
func (t *Table) Has(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Len returns the number of pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// LastID returns the most recently allocated id.
func (t *Table) LastID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextID
}

func (t *Table) complete(id int64, payload json.RawMessage, err error) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	delete(t.pending, id)
	p.result = payload
	p.err = err
	close(p.done)
	return p, true
}
