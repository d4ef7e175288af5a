package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	errs "github.com/rickgao/voice-bridge/internal/errors"
	"github.com/rickgao/voice-bridge/internal/model"
)

func nopHandler() EventHandler {
	return HandlerFunc[model.Event](func(context.Context, model.Event) error { return nil })
}

func eventsRequest(eventType string) Request {
	return Request{Command: "subscribe_events", Fields: map[string]any{"event_type": eventType}}
}

func TestRegistry_AddRemove(t *testing.T) {
	r := NewRegistry()

	if err := r.Add(1, "state_changed", eventsRequest("state_changed"), nopHandler()); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	err := r.Add(1, "foo", eventsRequest("foo"), nopHandler())
	if !errors.Is(err, errs.ErrSubscription) {
		t.Errorf("duplicate Add() error = %v, want ErrSubscription", err)
	}

	if !r.Has(1) || r.Len() != 1 {
		t.Fatalf("Has(1)=%v Len()=%d", r.Has(1), r.Len())
	}
	sub, ok := r.Get(1)
	if !ok || sub.Filter != "state_changed" || sub.Request.Command != "subscribe_events" {
		t.Errorf("Get(1) = %+v, %v", sub, ok)
	}

	if removed, ok := r.Remove(1); !ok || removed.Serial != sub.Serial {
		t.Errorf("Remove(1) = %+v, %v; want serial %d", removed, ok, sub.Serial)
	}
	if _, ok := r.Remove(1); ok {
		t.Error("second Remove(1) = true, want false")
	}
	if _, ok := r.Remove(42); ok {
		t.Error("Remove(unknown) = true, want false")
	}
}

func TestRegistry_HandlersFor(t *testing.T) {
	r := NewRegistry()
	r.Add(3, Wildcard, eventsRequest(""), nopHandler())
	r.Add(1, "state_changed", eventsRequest("state_changed"), nopHandler())
	r.Add(2, "", eventsRequest(""), nopHandler())
	r.Add(4, TriggerFilter, Request{Command: "subscribe_trigger"}, nopHandler())

	tests := []struct {
		eventType string
		want      []int64
	}{
		{"state_changed", []int64{1, 2, 3}},
		{"foo_event", []int64{2, 3}},
		{"state_changed_extra", []int64{2, 3}},
		{"", []int64{2, 3}},
	}

	for _, tt := range tests {
		targets := r.HandlersFor(tt.eventType)
		if len(targets) != len(tt.want) {
			t.Errorf("HandlersFor(%q) returned %d targets, want %d", tt.eventType, len(targets), len(tt.want))
			continue
		}
		for i, target := range targets {
			if target.ID != tt.want[i] {
				t.Errorf("HandlersFor(%q)[%d].ID = %d, want %d", tt.eventType, i, target.ID, tt.want[i])
			}
		}
	}
}

func TestRegistry_TriggerTarget(t *testing.T) {
	r := NewRegistry()
	r.Add(5, TriggerFilter, Request{Command: "subscribe_trigger"}, nopHandler())
	r.Add(6, "foo", eventsRequest("foo"), nopHandler())

	if _, ok := r.TriggerTarget(5); !ok {
		t.Error("TriggerTarget(5) not found")
	}
	if _, ok := r.TriggerTarget(6); ok {
		t.Error("TriggerTarget(6) found an events subscription")
	}
	if _, ok := r.TriggerTarget(7); ok {
		t.Error("TriggerTarget(7) found an unknown id")
	}
}

func TestRegistry_SnapshotAndReplace(t *testing.T) {
	r := NewRegistry()
	r.Add(10, "a", eventsRequest("a"), nopHandler())
	r.Add(11, "b", eventsRequest("b"), nopHandler())
	r.Add(12, Wildcard, eventsRequest(""), nopHandler())

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot() len = %d, want 3", len(snap))
	}
	if snap[0].ID != 10 || snap[0].Filter != "a" || snap[2].Filter != Wildcard {
		t.Errorf("Snapshot() order = %+v", snap)
	}

	// Changed while the snapshot was being replayed.
	r.Add(13, "c", eventsRequest("c"), nopHandler())
	r.Remove(11)

	oldIDs := make([]int64, len(snap))
	fresh := make([]Subscription, len(snap))
	for i, e := range snap {
		oldIDs[i] = e.ID
		fresh[i] = Subscription{ID: int64(100 + i), Filter: e.Filter, Request: e.Request, Handler: e.Handler}
	}
	removed := r.Replace(oldIDs, fresh)

	if len(removed) != 2 || removed[0] != 10 || removed[1] != 12 {
		t.Errorf("Replace() removed %v, want [10 12]", removed)
	}
	if r.Has(10) {
		t.Error("old id still active after Replace")
	}
	if r.Has(101) {
		t.Error("Replace() installed a subscription removed during replay")
	}
	if !r.Has(100) || !r.Has(102) || !r.Has(13) || r.Len() != 3 {
		t.Errorf("Replace() result wrong, Len() = %d", r.Len())
	}
	if targets := r.HandlersFor("c"); len(targets) != 2 || targets[0].ID != 13 || targets[1].ID != 102 {
		t.Errorf("HandlersFor(c) after Replace = %+v", targets)
	}
}

func TestRegistry_SerialSurvivesIDChanges(t *testing.T) {
	r := NewRegistry()
	r.Add(1, "a", eventsRequest("a"), nopHandler())
	r.Add(2, "b", eventsRequest("b"), nopHandler())

	first, _ := r.Get(1)
	second, _ := r.Get(2)
	if first.Serial == 0 || first.Serial == second.Serial {
		t.Fatalf("serials = %d, %d; want distinct and non-zero", first.Serial, second.Serial)
	}

	t.Run("rebind", func(t *testing.T) {
		if !r.Rebind(1, 40) {
			t.Fatal("Rebind(1, 40) = false")
		}
		targets := r.HandlersFor("a")
		if len(targets) != 1 || targets[0].ID != 40 || targets[0].Serial != first.Serial {
			t.Errorf("HandlersFor(a) = %+v, want id 40 serial %d", targets, first.Serial)
		}
	})

	t.Run("replace", func(t *testing.T) {
		snap := r.Snapshot()
		oldIDs := make([]int64, len(snap))
		fresh := make([]Subscription, len(snap))
		for i, e := range snap {
			oldIDs[i] = e.ID
			fresh[i] = Subscription{ID: e.ID + 100, Serial: 999, Filter: e.Filter, Request: e.Request, Handler: e.Handler}
		}
		r.Replace(oldIDs, fresh)

		a, ok := r.Get(140)
		if !ok || a.Serial != first.Serial {
			t.Errorf("Get(140) = %+v, %v; want serial %d", a, ok, first.Serial)
		}
		b, ok := r.Get(102)
		if !ok || b.Serial != second.Serial {
			t.Errorf("Get(102) = %+v, %v; want serial %d", b, ok, second.Serial)
		}
	})

	t.Run("new subscriptions get a fresh serial", func(t *testing.T) {
		r.Add(3, "c", eventsRequest("c"), nopHandler())
		c, _ := r.Get(3)
		if c.Serial <= second.Serial {
			t.Errorf("Serial = %d, want greater than %d", c.Serial, second.Serial)
		}
	})
}

func TestRegistry_Rebind(t *testing.T) {
	r := NewRegistry()
	r.Add(1, "a", eventsRequest("a"), nopHandler())
	r.Add(2, "b", eventsRequest("b"), nopHandler())

	if r.Rebind(1, 2) {
		t.Error("Rebind onto an active id = true, want false")
	}
	if !r.Rebind(1, 50) {
		t.Fatal("Rebind(1, 50) = false")
	}
	if r.Has(1) || !r.Has(50) {
		t.Error("Rebind did not move the subscription")
	}
	if sub, _ := r.Get(50); sub.ID != 50 {
		t.Errorf("rebound ID = %d, want 50", sub.ID)
	}
	if r.Rebind(99, 100) {
		t.Error("Rebind(unknown) = true")
	}
}

func TestRegistry_StateHandlers(t *testing.T) {
	r := NewRegistry()
	h := HandlerFunc[model.StateChange](func(context.Context, model.StateChange) error { return nil })

	first := r.OnStateChange(h)
	second := r.OnStateChange(h)
	if second <= first {
		t.Errorf("tokens not increasing: %d, %d", first, second)
	}

	targets := r.StateHandlers()
	if len(targets) != 2 || targets[0].Token != first {
		t.Errorf("StateHandlers() = %+v", targets)
	}

	if !r.RemoveStateHandler(first) {
		t.Error("RemoveStateHandler() = false")
	}
	if r.RemoveStateHandler(first) {
		t.Error("second RemoveStateHandler() = true")
	}
	if len(r.StateHandlers()) != 1 {
		t.Error("expected one state handler left")
	}
}

func TestResolveID(t *testing.T) {
	tests := []struct {
		result string
		want   int64
	}{
		{"17", 17},
		{"null", 5},
		{"", 5},
		{`{"id":3}`, 5},
		{`"12"`, 5},
	}

	for _, tt := range tests {
		if got := ResolveID(json.RawMessage(tt.result), 5); got != tt.want {
			t.Errorf("ResolveID(%q, 5) = %d, want %d", tt.result, got, tt.want)
		}
	}
	if FallbackID(9) != 9 {
		t.Error("FallbackID(9) != 9")
	}
}

func TestHandlerVariants(t *testing.T) {
	ctx := context.Background()
	ev := model.Event{EventType: "foo"}

	var called bool
	sync := HandlerFunc[model.Event](func(_ context.Context, e model.Event) error {
		called = e.EventType == "foo"
		return nil
	})
	if err := sync.Handle(ctx, ev); err != nil || !called {
		t.Errorf("HandlerFunc.Handle() = %v, called = %v", err, called)
	}

	wantErr := errors.New("boom")
	async := AsyncHandlerFunc[model.Event](func(context.Context, model.Event) <-chan error {
		done := make(chan error, 1)
		go func() { done <- wantErr }()
		return done
	})
	if err := async.Handle(ctx, ev); !errors.Is(err, wantErr) {
		t.Errorf("AsyncHandlerFunc.Handle() = %v, want %v", err, wantErr)
	}

	none := AsyncHandlerFunc[model.Event](func(context.Context, model.Event) <-chan error { return nil })
	if err := none.Handle(ctx, ev); err != nil {
		t.Errorf("nil channel Handle() = %v, want nil", err)
	}

	stuck := AsyncHandlerFunc[model.Event](func(context.Context, model.Event) <-chan error {
		return make(chan error)
	})
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := stuck.Handle(tctx, ev); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("stuck Handle() = %v, want DeadlineExceeded", err)
	}
}
