package entity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/voice-bridge/internal/config"
	"github.com/rickgao/voice-bridge/internal/metrics"
	"github.com/rickgao/voice-bridge/internal/model"
)

// StateSource lists the state of every entity. Both the WebSocket client
// and the REST client provide it.
type StateSource interface {
	GetStates(ctx context.Context) ([]model.Entity, error)
}

// Config holds reconciler configuration.
type Config struct {
	Interval time.Duration // Full resync interval (default: 15m)
	Timeout  time.Duration // Per-fetch timeout (default: 30s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: config.DefaultReconcileInterval,
		Timeout:  config.DefaultReconcileTimeout,
	}
}

// Reconciler periodically reloads the cache from a full state listing, so
// changes missed while disconnected are picked up.
type Reconciler struct {
	cfg     Config
	source  StateSource
	cache   *Cache
	metrics *metrics.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a Reconciler. m may be nil.
func NewReconciler(cfg Config, source StateSource, cache *Cache, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	return &Reconciler{
		cfg:     cfg,
		source:  source,
		cache:   cache,
		metrics: m,
		logger:  logger.With("component", "reconciler"),
	}
}

// Start loads the cache once and then keeps it reconciled in the background.
// A failed initial load is logged; the next cycle retries.
func (r *Reconciler) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	if err := r.Reconcile(r.ctx); err != nil {
		r.logger.Warn("initial entity load failed", "error", err)
	}

	r.wg.Add(1)
	go r.run()

	r.logger.Info("entity reconciler started",
		"interval", r.cfg.Interval,
		"entities", r.cache.Len(),
	)
	return nil
}

// Stop gracefully shuts down the reconciler.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("entity reconciler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(r.ctx); err != nil && r.ctx.Err() == nil {
				r.logger.Warn("reconciliation failed", "error", err)
			}
		}
	}
}

// Reconcile fetches every entity and seeds the cache with the result.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	entities, err := r.source.GetStates(ctx)
	if err != nil {
		r.metrics.Reconciled(false)
		return err
	}

	created, updated, removed := r.cache.Seed(entities)
	r.metrics.Reconciled(true)

	if created > 0 || updated > 0 || removed > 0 {
		r.logger.Info("reconciliation found changes",
			"created", created,
			"updated", updated,
			"removed", removed,
			"duration", time.Since(start),
		)
	} else {
		r.logger.Debug("reconciliation complete",
			"entities", len(entities),
			"duration", time.Since(start),
		)
	}
	return nil
}
