package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/voice-bridge/internal/buffer"
	"github.com/rickgao/voice-bridge/internal/metrics"
)

// RecorderConfig holds batching settings.
type RecorderConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultRecorderConfig returns sensible defaults.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		BufferSize:    4096,
		BatchSize:     100,
		FlushInterval: time.Second,
	}
}

// RecorderStats are the recorder's counters.
type RecorderStats struct {
	Appended int64
	Dropped  int64
	Written  int64
	Flushes  int64
	Errors   int64
}

// Recorder buffers entries and writes them to a Store in batches.
// Append never blocks; entries are dropped when the buffer is full.
type Recorder struct {
	cfg     RecorderConfig
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	input *buffer.Queue[Entry]

	// Batching. Entries move from input to batch only under batchMu, and
	// batches reach the store in flushMu order.
	batch   []Entry
	batchMu sync.Mutex
	flushMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   RecorderStats
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(cfg RecorderConfig, store Store, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultRecorderConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}

	initial := cfg.BatchSize
	if initial > cfg.BufferSize {
		initial = cfg.BufferSize
	}
	return &Recorder{
		cfg:     cfg,
		store:   store,
		metrics: m,
		logger:  logger.With("component", "ledger_recorder"),
		input:   buffer.New[Entry](initial, cfg.BufferSize),
		batch:   make([]Entry, 0, cfg.BatchSize),
		ctx:     context.Background(),
	}
}

// Start begins consuming entries and flushing batches.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go r.consumeLoop()
	go r.flushLoop()

	r.logger.Info("ledger recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop drains buffered entries and writes them.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping ledger recorder")

	r.input.Close()
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
	case <-ctx.Done():
		r.logger.Warn("ledger recorder stop timed out")
	}

	r.flushContext(ctx)
	r.logger.Info("ledger recorder stopped", "written", r.Stats().Written)
	return nil
}

// Append queues an entry for writing.
func (r *Recorder) Append(entry Entry) {
	prepare(&entry)
	if !r.input.Push(entry) {
		r.statsMu.Lock()
		r.stats.Dropped++
		r.statsMu.Unlock()
		r.metrics.LedgerAppend(metrics.OutcomeDropped, 1)
		r.logger.Warn("ledger buffer full, dropping entry",
			"session_id", entry.SessionID,
			"entry_type", entry.Type,
		)
		return
	}
	r.statsMu.Lock()
	r.stats.Appended++
	r.statsMu.Unlock()
}

// Read flushes pending entries and reads a session's transcript.
func (r *Recorder) Read(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	r.flushContext(ctx)
	return r.store.Read(ctx, sessionID, limit)
}

// Store returns the underlying store.
func (r *Recorder) Store() Store {
	return r.store
}

// Stats returns current counters.
func (r *Recorder) Stats() RecorderStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// consumeLoop moves entries from the input buffer into the batch.
func (r *Recorder) consumeLoop() {
	defer r.wg.Done()

	for {
		if !r.input.WaitContext(r.ctx) {
			return
		}

		r.batchMu.Lock()
		r.batch = append(r.batch, r.input.Drain(0)...)
		shouldFlush := len(r.batch) >= r.cfg.BatchSize
		r.batchMu.Unlock()

		if shouldFlush {
			r.flushContext(r.ctx)
		}
	}
}

// flushLoop periodically flushes the batch.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.flushContext(r.ctx)
		}
	}
}

// flushContext writes the current batch plus anything still buffered.
func (r *Recorder) flushContext(ctx context.Context) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.batchMu.Lock()
	batch := append(r.batch, r.input.Drain(0)...)
	r.batch = make([]Entry, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	if len(batch) == 0 {
		return
	}

	// Entries already taken from the buffer must reach the store even
	// when the caller's context is done.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	start := time.Now()
	if err := r.store.Append(ctx, batch...); err != nil {
		r.logger.Error("ledger write failed", "error", err, "count", len(batch))
		r.metrics.LedgerAppend(metrics.OutcomeError, len(batch))
		r.statsMu.Lock()
		r.stats.Errors++
		r.statsMu.Unlock()
		return
	}

	r.metrics.LedgerAppend(metrics.OutcomeSuccess, len(batch))
	r.statsMu.Lock()
	r.stats.Written += int64(len(batch))
	r.stats.Flushes++
	r.statsMu.Unlock()

	r.logger.Debug("flushed ledger entries",
		"count", len(batch),
		"duration", time.Since(start),
	)
}
