package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/voice-bridge/internal/correlation"
	"github.com/rickgao/voice-bridge/internal/dispatch"
	errs "github.com/rickgao/voice-bridge/internal/errors"
	"github.com/rickgao/voice-bridge/internal/ledger"
	"github.com/rickgao/voice-bridge/internal/metrics"
	"github.com/rickgao/voice-bridge/internal/model"
	"github.com/rickgao/voice-bridge/internal/reconnect"
	"github.com/rickgao/voice-bridge/internal/subscription"
)

// Manager is a Home Assistant WebSocket client. It owns one transport, the
// correlation table, the subscription registry, the dispatcher and the
// reconnect supervisor.
type Manager struct {
	cfg     ManagerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	ledger  ledger.Appender

	transport  *Transport
	table      *correlation.Table
	registry   *subscription.Registry
	dispatcher *dispatch.Dispatcher
	supervisor *reconnect.Supervisor

	flight singleflight.Group

	// Receive loop lifecycle
	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	closed    atomic.Bool
	listening atomic.Bool
}

// NewManager creates a disconnected Manager. appender and m may be nil.
func NewManager(
	cfg ManagerConfig,
	auth Authenticator,
	appender ledger.Appender,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultManagerConfig().RequestTimeout
	}

	mgr := &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "ha_client"),
		metrics:  m,
		ledger:   appender,
		table:    correlation.NewTable(),
		registry: subscription.NewRegistry(),
	}

	mgr.transport = NewTransport(cfg.Transport, auth, logger)
	mgr.transport.OnStateChange(func(s State) {
		m.SetConnectionState(int(s))
	})

	mgr.dispatcher = dispatch.New(cfg.Dispatch, mgr.table, mgr.registry, appender, m, logger)
	mgr.supervisor = reconnect.New(cfg.Reconnect, mgr.transport.Connect, mgr.replay, m, logger)
	mgr.closed.Store(true)
	return mgr
}

// Connect opens the link and starts the receive loop. Concurrent calls share
// one attempt. Subscriptions left from a previous session are replayed.
func (m *Manager) Connect(ctx context.Context) error {
	_, err, _ := m.flight.Do("connect", func() (any, error) {
		return nil, m.connect(ctx)
	})
	return err
}

func (m *Manager) connect(ctx context.Context) error {
	if m.transport.IsOpen() && m.loopRunning() {
		return nil
	}

	m.stopLoop()
	m.closed.Store(false)

	if err := m.transport.Connect(ctx); err != nil {
		m.closed.Store(true)
		return err
	}
	m.supervisor.MarkStable()
	m.startLoop()

	if m.registry.Len() > 0 {
		if err := m.replay(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StartListening keeps the client connected: lost links are recovered by the
// supervisor instead of ending the receive loop.
func (m *Manager) StartListening() {
	m.listening.Store(true)
	if !m.closed.Load() && !m.loopRunning() {
		m.startLoop()
	}
}

// Listen is StartListening that blocks until ctx ends or the client closes.
func (m *Manager) Listen(ctx context.Context) error {
	m.StartListening()

	m.loopMu.Lock()
	done := m.loopDone
	m.loopMu.Unlock()
	if done == nil {
		return errs.ErrNotConnected
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Close stops the receive loop, closes the link and fails every pending
// request. Subscriptions are kept for a later Connect.
func (m *Manager) Close() error {
	if !m.closed.CAS(false, true) {
		return nil
	}
	m.listening.Store(false)

	m.stopLoop()
	err := m.transport.Close()

	if n := m.table.DrainAll(errs.ErrClientClosed); n > 0 {
		m.logger.Info("failed pending requests on close", "count", n)
	}
	m.metrics.SetPending(0)
	m.logger.Info("client closed", "subscriptions", m.registry.Len())
	return err
}

// Shutdown closes the client and waits for handlers and replays to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.Close()
	m.supervisor.Wait()
	if stopErr := m.dispatcher.Stop(ctx); err == nil {
		err = stopErr
	}
	return err
}

// DropConnection breaks the link as if the network failed.
func (m *Manager) DropConnection() {
	m.transport.Drop()
}

// IsConnected reports whether the link is open.
func (m *Manager) IsConnected() bool {
	return m.transport.IsOpen()
}

// State returns the transport state.
func (m *Manager) State() State {
	return m.transport.State()
}

func (m *Manager) startLoop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.loopCancel = cancel
	m.loopDone = done

	go m.receiveLoop(ctx, done)
}

// stopLoop cancels the receive loop and waits for it to exit.
func (m *Manager) stopLoop() {
	m.loopMu.Lock()
	cancel, done := m.loopCancel, m.loopDone
	m.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) loopRunning() bool {
	m.loopMu.Lock()
	done := m.loopDone
	m.loopMu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// receiveLoop is the only reader of the transport.
func (m *Manager) receiveLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		msg, err := m.transport.Receive(ctx)
		if err == nil {
			m.dispatcher.Dispatch(msg)
			m.metrics.SetPending(m.table.Len())
			continue
		}

		switch {
		case ctx.Err() != nil:
			return

		case errors.Is(err, errs.ErrTimeout):
			go m.probe(ctx)

		case errors.Is(err, errs.ErrProtocol):
			m.logger.Warn("dropping undecodable message", "error", err)

		default:
			m.handleLoss(err)
			if m.closed.Load() || !m.listening.Load() {
				return
			}
			if err := m.supervisor.Recover(ctx); err != nil {
				return
			}
		}
	}
}

// handleLoss fails every in-flight request after the link goes away.
func (m *Manager) handleLoss(err error) {
	m.supervisor.LossDetected(err)
	if n := m.table.DrainAll(errs.ErrConnectionLost); n > 0 {
		m.logger.Warn("failed pending requests after connection loss", "count", n)
	}
	m.metrics.SetPending(0)
}

// probe pings the peer after a quiet period and drops the link if it fails.
func (m *Manager) probe(ctx context.Context) {
	m.flight.Do("probe", func() (any, error) {
		if err := m.Ping(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("liveness probe failed", "error", err)
			m.transport.Drop()
		}
		return nil, nil
	})
}

// replay re-issues every remembered subscription on the current link.
func (m *Manager) replay(ctx context.Context) error {
	entries := m.registry.Snapshot()
	if len(entries) == 0 {
		return nil
	}

	start := time.Now()
	oldIDs := make([]int64, 0, len(entries))
	subs := make([]subscription.Subscription, 0, len(entries))
	rejected := 0
	for _, e := range entries {
		reqID, id, err := m.issueSubscribe(ctx, e.Request, nil)
		if err != nil {
			if !errors.Is(err, errs.ErrCommand) || reqID == 0 {
				return errs.Wrap(errs.ErrSubscription, "replay", err)
			}
			rejected++
			id = subscription.FallbackID(reqID)
			m.logger.Warn("peer rejected replayed subscription",
				"error", errs.Wrap(errs.ErrSubscription, "replay", err),
				"filter", e.Filter,
				"kept_as", id,
			)
		}
		oldIDs = append(oldIDs, e.ID)
		subs = append(subs, subscription.Subscription{
			ID:      id,
			Filter:  e.Filter,
			Request: e.Request,
			Handler: e.Handler,
		})
	}

	// Replaced entries keep their serial and so their mailbox.
	m.registry.Replace(oldIDs, subs)
	m.metrics.SetSubscriptions(m.registry.Len())

	m.logger.Info("subscriptions replayed",
		"count", len(subs),
		"rejected", rejected,
		"duration", time.Since(start),
	)
	return nil
}

// request sends a command and waits for its response. onAllocate runs with
// the request id before the command is sent.
func (m *Manager) request(
	ctx context.Context,
	command string,
	fields map[string]any,
	onAllocate func(id int64) error,
) (int64, json.RawMessage, error) {
	if !m.transport.IsOpen() {
		return 0, nil, errs.ErrNotConnected
	}

	p := m.table.Allocate(command)
	start := time.Now()

	if onAllocate != nil {
		if err := onAllocate(p.ID); err != nil {
			m.table.Fail(p.ID, err)
			return p.ID, nil, err
		}
	}

	data, err := model.EncodeCommand(p.ID, command, fields)
	if err != nil {
		m.table.Fail(p.ID, err)
		return p.ID, nil, errs.Wrap(errs.ErrProtocol, command, err)
	}

	m.logger.Debug("sending command", "id", p.ID, "type", command)
	if m.ledger != nil && model.IsToolCommand(command) {
		m.ledger.Append(ledger.ToolCallEntry(m.cfg.Dispatch.SessionID, command, strconv.FormatInt(p.ID, 10), fields))
	}
	if err := m.transport.Send(data); err != nil {
		m.table.Fail(p.ID, err)
		m.metrics.ObserveRequest(command, metrics.OutcomeError, time.Since(start))
		return p.ID, nil, err
	}
	m.metrics.SetPending(m.table.Len())

	result, err := m.table.Await(ctx, p, m.cfg.RequestTimeout)
	switch {
	case err == nil:
		m.metrics.ObserveRequest(command, metrics.OutcomeSuccess, time.Since(start))
	case errs.IsTimeout(err):
		m.metrics.ObserveRequest(command, metrics.OutcomeTimeout, time.Since(start))
	default:
		m.metrics.ObserveRequest(command, metrics.OutcomeError, time.Since(start))
	}
	return p.ID, result, err
}

// SendCommand sends an arbitrary command and returns its raw result.
func (m *Manager) SendCommand(ctx context.Context, command string, fields map[string]any) (json.RawMessage, error) {
	_, result, err := m.request(ctx, command, fields, nil)
	return result, err
}

// issueSubscribe sends a subscribe request and returns the request id and the
// subscription id. onAllocate can register the subscription before the
// command leaves, so no event can arrive ahead of it.
func (m *Manager) issueSubscribe(
	ctx context.Context,
	req subscription.Request,
	onAllocate func(id int64) error,
) (reqID, subID int64, err error) {
	reqID, result, err := m.request(ctx, req.Command, req.Fields, onAllocate)
	if err != nil {
		return reqID, 0, err
	}
	return reqID, subscription.ResolveID(result, reqID), nil
}

// subscribe registers handler under the request id, sends the request and
// moves the entry to the peer-assigned id if one comes back.
func (m *Manager) subscribe(
	ctx context.Context,
	filter string,
	req subscription.Request,
	handler subscription.EventHandler,
) (int64, error) {
	register := func(id int64) error {
		return m.registry.Add(subscription.FallbackID(id), filter, req, handler)
	}

	reqID, subID, err := m.issueSubscribe(ctx, req, register)
	if err != nil {
		if reqID != 0 {
			m.forget(subscription.FallbackID(reqID))
		}
		return 0, errs.Wrap(errs.ErrSubscription, req.Command, err)
	}

	if fallback := subscription.FallbackID(reqID); subID != fallback {
		if !m.registry.Rebind(fallback, subID) {
			m.forget(fallback)
			return 0, errs.Newf(errs.ErrSubscription, req.Command, "subscription id %d already in use", subID)
		}
	}

	m.metrics.SetSubscriptions(m.registry.Len())
	m.logger.Debug("subscribed", "id", subID, "filter", filter)
	return subID, nil
}

// forget removes id and retires its mailbox. It reports whether id was active.
func (m *Manager) forget(id int64) bool {
	sub, ok := m.registry.Remove(id)
	if ok {
		m.dispatcher.Retire(sub.Serial)
	}
	return ok
}

// Stats returns a snapshot of the client.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		State:         m.transport.State().String(),
		Connected:     m.transport.IsOpen(),
		Listening:     m.listening.Load(),
		HAVersion:     m.transport.HAVersion(),
		Pending:       m.table.Len(),
		LastRequestID: m.table.LastID(),
		Subscriptions: m.registry.Len(),
		StateHandlers: len(m.registry.StateHandlers()),
		Reconnect:     m.supervisor.Stats(),
		Dispatch:      m.dispatcher.Stats(),
	}
}

// Subscriptions lists the active subscriptions.
func (m *Manager) Subscriptions() []SubscriptionInfo {
	subs := m.registry.List()
	out := make([]SubscriptionInfo, len(subs))
	for i, s := range subs {
		out[i] = SubscriptionInfo{
			ID:        s.ID,
			Filter:    s.Filter,
			Command:   s.Request.Command,
			Fields:    s.Request.Fields,
			CreatedAt: s.CreatedAt,
		}
	}
	return out
}
