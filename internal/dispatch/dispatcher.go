package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/rickgao/voice-bridge/internal/buffer"
	"github.com/rickgao/voice-bridge/internal/correlation"
	errs "github.com/rickgao/voice-bridge/internal/errors"
	"github.com/rickgao/voice-bridge/internal/ledger"
	"github.com/rickgao/voice-bridge/internal/metrics"
	"github.com/rickgao/voice-bridge/internal/model"
	"github.com/rickgao/voice-bridge/internal/subscription"
)

// Config holds dispatcher settings.
type Config struct {
	// QueueSize is the initial capacity of each handler mailbox.
	QueueSize int
	// MaxQueueSize bounds each mailbox. Deliveries beyond it are dropped.
	MaxQueueSize int
	// HandlerTimeout bounds one handler invocation. Zero means no limit.
	HandlerTimeout time.Duration
	// SessionID tags ledger entries.
	SessionID string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:      64,
		MaxQueueSize:   10000,
		HandlerTimeout: 30 * time.Second,
	}
}

// Outcome is what Dispatch did with a message.
type Outcome int

const (
	OutcomeDropped Outcome = iota
	OutcomeResolved
	OutcomeFailed
	OutcomeEvent
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeFailed:
		return "failed"
	case OutcomeEvent:
		return "event"
	default:
		return "dropped"
	}
}

// Stats are the dispatcher's counters.
type Stats struct {
	Received      int64
	Responses     int64
	Events        int64
	StateChanges  int64
	Unrouted      int64
	Deliveries    int64
	Dropped       int64
	HandlerErrors int64
	HandlerPanics int64
	Mailboxes     int
}

// Dispatcher routes inbound messages. Dispatch is called by a single reader.
type Dispatcher struct {
	cfg      Config
	table    *correlation.Table
	registry *subscription.Registry
	ledger   ledger.Appender
	metrics  *metrics.Metrics
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	mailboxes map[mailboxKey]*mailbox
	stopped   bool
	wg        sync.WaitGroup

	received      atomic.Int64
	responses     atomic.Int64
	events        atomic.Int64
	stateChanges  atomic.Int64
	unrouted      atomic.Int64
	deliveries    atomic.Int64
	dropped       atomic.Int64
	handlerErrors atomic.Int64
	handlerPanics atomic.Int64
}

// New creates a Dispatcher. appender and m may be nil.
func New(
	cfg Config,
	table *correlation.Table,
	registry *subscription.Registry,
	appender ledger.Appender,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaults.MaxQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:       cfg,
		table:     table,
		registry:  registry,
		ledger:    appender,
		metrics:   m,
		logger:    logger.With("component", "dispatcher"),
		ctx:       ctx,
		cancel:    cancel,
		mailboxes: make(map[mailboxKey]*mailbox),
	}
}

// Dispatch routes one inbound message.
func (d *Dispatcher) Dispatch(msg model.Message) Outcome {
	d.received.Inc()

	if msg.ID != nil && d.table.Has(*msg.ID) {
		return d.complete(*msg.ID, msg)
	}

	if msg.Kind() == model.KindEvent {
		return d.route(msg)
	}

	d.unrouted.Inc()
	d.metrics.Unrouted(msg.Kind().String())
	attrs := []any{"type", msg.Type, "kind", msg.Kind().String()}
	if msg.ID != nil {
		attrs = append(attrs, "id", *msg.ID)
	}
	d.logger.Debug("dropping unroutable message", attrs...)
	return OutcomeDropped
}

// complete resolves or fails the pending request id.
func (d *Dispatcher) complete(id int64, msg model.Message) Outcome {
	d.responses.Inc()

	if msg.Succeeded() {
		p, ok := d.table.Resolve(id, msg.Result)
		if !ok {
			return OutcomeDropped
		}
		d.recordToolResult(p, msg, nil)
		return OutcomeResolved
	}

	err := errs.NewCommandError(msg.ErrorCode(), msg.ErrorMessage())
	p, ok := d.table.Fail(id, err)
	if !ok {
		return OutcomeDropped
	}
	d.logger.Debug("command failed", "id", id, "command", p.Command, "code", err.Code, "message", err.Message)
	d.recordToolResult(p, msg, err)
	return OutcomeFailed
}

func (d *Dispatcher) recordToolResult(p *correlation.Pending, msg model.Message, err error) {
	if d.ledger == nil || !model.IsToolCommand(p.Command) {
		return
	}
	d.ledger.Append(ledger.ToolResultEntry(
		d.cfg.SessionID,
		p.Command,
		strconv.FormatInt(p.ID, 10),
		msg.Result,
		err,
	))
}

// route fans an event out to its subscribers. An event addressed to a
// trigger subscription goes to that subscription only.
func (d *Dispatcher) route(msg model.Message) Outcome {
	ev, err := model.ParseEvent(msg.Event)
	if err != nil {
		d.unrouted.Inc()
		d.metrics.Unrouted("invalid_event")
		d.logger.Warn("dropping undecodable event", "error", err)
		return OutcomeDropped
	}

	d.events.Inc()
	d.metrics.EventReceived(ev.EventType)

	var targets []subscription.Target
	if msg.ID != nil {
		if t, ok := d.registry.TriggerTarget(*msg.ID); ok {
			targets = []subscription.Target{t}
		}
	}
	if targets == nil {
		targets = d.registry.HandlersFor(ev.EventType)
	}
	for _, t := range targets {
		handler := t.Handler
		d.deliver(mailboxKey{kind: subscriptionMailbox, id: t.Serial}, ev.EventType, func(ctx context.Context) error {
			return handler.Handle(ctx, ev)
		})
	}

	if ev.EventType == model.EventStateChanged {
		d.deriveStateChange(ev)
	}

	if len(targets) == 0 && ev.EventType != model.EventStateChanged {
		d.logger.Debug("event has no subscribers", "event_type", ev.EventType)
	}
	return OutcomeEvent
}

// deriveStateChange turns one state_changed event into one StateChange.
func (d *Dispatcher) deriveStateChange(ev model.Event) {
	change, err := model.DeriveStateChange(ev)
	if err != nil {
		d.logger.Warn("failed to derive state change", "error", err)
		return
	}

	d.stateChanges.Inc()
	d.metrics.StateChangeDerived()

	for _, t := range d.registry.StateHandlers() {
		handler := t.Handler
		d.deliver(mailboxKey{kind: stateMailbox, id: t.Token}, model.EventStateChanged, func(ctx context.Context) error {
			return handler.Handle(ctx, change)
		})
	}

	if d.ledger != nil {
		d.ledger.Append(ledger.StateChangeEntry(d.cfg.SessionID, change))
	}
}

// deliver queues job on the mailbox for key.
func (d *Dispatcher) deliver(key mailboxKey, eventType string, job func(context.Context) error) {
	mb := d.mailbox(key)
	if mb == nil {
		return
	}
	if !mb.queue.Push(delivery{eventType: eventType, run: job}) {
		d.dropped.Inc()
		d.metrics.DeliveryDropped()
		d.logger.Warn("handler queue full, dropping delivery",
			"handler", key.String(),
			"event_type", eventType,
			"queued", mb.queue.Len(),
		)
		return
	}
	d.deliveries.Inc()
}

// mailbox returns the mailbox for key, starting it on first use.
func (d *Dispatcher) mailbox(key mailboxKey) *mailbox {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil
	}
	if mb, ok := d.mailboxes[key]; ok {
		return mb
	}

	mb := &mailbox{
		key:   key,
		queue: buffer.New[delivery](d.cfg.QueueSize, d.cfg.MaxQueueSize),
	}
	d.mailboxes[key] = mb

	d.wg.Add(1)
	go d.drain(mb)
	return mb
}

// drain runs deliveries in order until the mailbox is closed and empty.
func (d *Dispatcher) drain(mb *mailbox) {
	defer d.wg.Done()

	for {
		job, ok := mb.queue.Pop()
		if !ok {
			return
		}
		if d.ctx.Err() != nil {
			continue
		}
		d.invoke(mb.key, job)
	}
}

// invoke runs one delivery, containing errors and panics.
func (d *Dispatcher) invoke(key mailboxKey, job delivery) {
	defer func() {
		if r := recover(); r != nil {
			d.handlerPanics.Inc()
			d.metrics.HandlerFailed(metrics.FailurePanic)
			d.logger.Error("handler panicked",
				"handler", key.String(),
				"event_type", job.eventType,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	ctx := d.ctx
	if d.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.HandlerTimeout)
		defer cancel()
	}

	if err := job.run(ctx); err != nil {
		d.handlerErrors.Inc()
		kind := metrics.FailureError
		if errors.Is(err, context.DeadlineExceeded) {
			kind = metrics.FailureTimeout
		}
		d.metrics.HandlerFailed(kind)
		d.logger.Error("handler failed",
			"handler", key.String(),
			"event_type", job.eventType,
			"error", err,
		)
	}
}

// Retire closes the mailboxes of removed subscriptions once their queued
// deliveries have run. Mailboxes are keyed by subscription serial, so a
// subscription keeps one mailbox across id changes.
func (d *Dispatcher) Retire(serials ...int64) {
	d.retire(subscriptionMailbox, serials)
}

// RetireState closes the mailboxes of removed state handlers.
func (d *Dispatcher) RetireState(tokens ...int64) {
	d.retire(stateMailbox, tokens)
}

func (d *Dispatcher) retire(kind mailboxKind, ids []int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range ids {
		key := mailboxKey{kind: kind, id: id}
		if mb, ok := d.mailboxes[key]; ok {
			mb.queue.Close()
			delete(d.mailboxes, key)
		}
	}
}

// Stop closes every mailbox and waits for queued deliveries to finish.
// When ctx ends first, handler contexts are cancelled and queued deliveries
// are skipped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	for key, mb := range d.mailboxes {
		mb.queue.Close()
		delete(d.mailboxes, key)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	defer d.cancel()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped", "deliveries", d.deliveries.Load())
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatcher stop timed out, cancelling handlers")
		return ctx.Err()
	}
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	n := len(d.mailboxes)
	d.mu.Unlock()

	return Stats{
		Received:      d.received.Load(),
		Responses:     d.responses.Load(),
		Events:        d.events.Load(),
		StateChanges:  d.stateChanges.Load(),
		Unrouted:      d.unrouted.Load(),
		Deliveries:    d.deliveries.Load(),
		Dropped:       d.dropped.Load(),
		HandlerErrors: d.handlerErrors.Load(),
		HandlerPanics: d.handlerPanics.Load(),
		Mailboxes:     n,
	}
}
