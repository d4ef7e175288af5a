package connection

import (
	"context"
	"fmt"

	errs "github.com/rickgao/voice-bridge/internal/errors"
	"github.com/rickgao/voice-bridge/internal/model"
	"github.com/rickgao/voice-bridge/internal/subscription"
)

// GetStates returns the state of every entity.
func (m *Manager) GetStates(ctx context.Context) ([]model.Entity, error) {
	raw, err := m.SendCommand(ctx, model.CommandGetStates, nil)
	if err != nil {
		return nil, err
	}
	entities, err := model.ParseEntities(raw)
	if err != nil {
		return nil, errs.Wrap(errs.ErrProtocol, model.CommandGetStates, err)
	}
	return entities, nil
}

// GetConfig returns the peer's core configuration.
func (m *Manager) GetConfig(ctx context.Context) (model.Config, error) {
	return sendTyped[model.Config](ctx, m, model.CommandGetConfig, nil)
}

// GetServices returns every registered service.
func (m *Manager) GetServices(ctx context.Context) (model.Services, error) {
	raw, err := m.SendCommand(ctx, model.CommandGetServices, nil)
	if err != nil {
		return nil, err
	}
	services, err := model.ParseServices(raw)
	if err != nil {
		return nil, errs.Wrap(errs.ErrProtocol, model.CommandGetServices, err)
	}
	return services, nil
}

// GetPanels returns the frontend panels keyed by url path.
func (m *Manager) GetPanels(ctx context.Context) (map[string]model.Panel, error) {
	return sendTyped[map[string]model.Panel](ctx, m, model.CommandGetPanels, nil)
}

// GetAreas lists the area registry.
func (m *Manager) GetAreas(ctx context.Context) ([]model.Area, error) {
	return sendTyped[[]model.Area](ctx, m, model.CommandListAreas, nil)
}

// GetDevices lists the device registry.
func (m *Manager) GetDevices(ctx context.Context) ([]model.Device, error) {
	return sendTyped[[]model.Device](ctx, m, model.CommandListDevices, nil)
}

// GetEntityRegistry lists the entity registry.
func (m *Manager) GetEntityRegistry(ctx context.Context) ([]model.EntityRegistryEntry, error) {
	return sendTyped[[]model.EntityRegistryEntry](ctx, m, model.CommandListEntities, nil)
}

// CallService invokes a service. The call and its outcome are recorded in
// the session transcript.
func (m *Manager) CallService(ctx context.Context, call model.ServiceCall) (model.ServiceCallResult, error) {
	if call.Domain == "" || call.Service == "" {
		return model.ServiceCallResult{}, errs.New(errs.ErrCommand, model.CommandCallService, "domain and service are required")
	}
	return sendTyped[model.ServiceCallResult](ctx, m, model.CommandCallService, call.Fields())
}

// Ping checks that the peer answers.
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.SendCommand(ctx, model.CommandPing, nil)
	return err
}

func sendTyped[T any](ctx context.Context, m *Manager, command string, fields map[string]any) (T, error) {
	raw, err := m.SendCommand(ctx, command, fields)
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := model.DecodeResult[T](raw)
	if err != nil {
		return v, errs.Wrap(errs.ErrProtocol, command, err)
	}
	return v, nil
}

// SubscribeEvents subscribes handler to eventType and returns the
// subscription id. An empty eventType or "*" receives every event.
//
// Overlapping subscriptions are not merged. The peer sends one copy of an
// event per matching subscription and every handler whose filter matches
// receives each copy, so a handler under "*" alongside another under
// "call_service" sees each call_service event twice. Use
// SubscribeStateChanges for state handlers, which share one subscription.
func (m *Manager) SubscribeEvents(ctx context.Context, eventType string, handler subscription.EventHandler) (int64, error) {
	if handler == nil {
		return 0, errs.New(errs.ErrSubscription, model.CommandSubscribeEvents, "handler is required")
	}

	filter := eventType
	if filter == "" {
		filter = subscription.Wildcard
	}

	var fields map[string]any
	if filter != subscription.Wildcard {
		fields = map[string]any{"event_type": eventType}
	}

	req := subscription.Request{Command: model.CommandSubscribeEvents, Fields: fields}
	return m.subscribe(ctx, filter, req, handler)
}

// SubscribeTrigger subscribes handler to an automation trigger. Trigger
// events are routed by subscription id.
func (m *Manager) SubscribeTrigger(ctx context.Context, trigger map[string]any, handler subscription.EventHandler) (int64, error) {
	if handler == nil {
		return 0, errs.New(errs.ErrSubscription, model.CommandSubscribeTrigger, "handler is required")
	}
	if len(trigger) == 0 {
		return 0, errs.New(errs.ErrSubscription, model.CommandSubscribeTrigger, "trigger is required")
	}

	req := subscription.Request{
		Command: model.CommandSubscribeTrigger,
		Fields:  map[string]any{"trigger": trigger},
	}
	return m.subscribe(ctx, subscription.TriggerFilter, req, handler)
}

// UnsubscribeEvents cancels a subscription on the peer and forgets it. It
// reports whether the subscription was known locally.
func (m *Manager) UnsubscribeEvents(ctx context.Context, id int64) (bool, error) {
	_, err := m.SendCommand(ctx, model.CommandUnsubscribeEvents, map[string]any{"subscription": id})
	if err != nil {
		return false, errs.Wrap(errs.ErrSubscription, model.CommandUnsubscribeEvents, err)
	}

	removed := m.forget(id)
	m.metrics.SetSubscriptions(m.registry.Len())
	m.logger.Debug("unsubscribed", "id", id, "known", removed)
	return removed, nil
}

// OnStateChange registers a handler for derived state changes and returns a
// token for RemoveStateHandler. State changes only flow while some
// subscription covers state_changed; see SubscribeStateChanges.
func (m *Manager) OnStateChange(handler subscription.StateHandler) int64 {
	return m.registry.OnStateChange(handler)
}

// RemoveStateHandler drops a handler registered with OnStateChange.
func (m *Manager) RemoveStateHandler(token int64) bool {
	removed := m.registry.RemoveStateHandler(token)
	if removed {
		m.dispatcher.RetireState(token)
	}
	return removed
}

// SubscribeStateChanges registers handler and makes sure state_changed
// events are subscribed.
func (m *Manager) SubscribeStateChanges(ctx context.Context, handler subscription.StateHandler) (int64, error) {
	if handler == nil {
		return 0, errs.New(errs.ErrSubscription, "subscribe_state_changes", "handler is required")
	}

	token := m.registry.OnStateChange(handler)
	if len(m.registry.HandlersFor(model.EventStateChanged)) > 0 {
		return token, nil
	}

	noop := subscription.HandlerFunc[model.Event](func(context.Context, model.Event) error { return nil })
	if _, err := m.SubscribeEvents(ctx, model.EventStateChanged, noop); err != nil {
		m.RemoveStateHandler(token)
		return 0, fmt.Errorf("subscribe state changes: %w", err)
	}
	return token, nil
}
