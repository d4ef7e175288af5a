package reconnect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/rickgao/voice-bridge/internal/metrics"
)

// Default backoff bounds.
const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 60 * time.Second
)

// State is the supervisor's position in the recovery cycle.
type State int32

const (
	StateStable State = iota
	StateDetectingLoss
	StateBackoff
	StateReconnecting
	StateReplaying
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateDetectingLoss:
		return "detecting_loss"
	case StateBackoff:
		return "backoff"
	case StateReconnecting:
		return "reconnecting"
	case StateReplaying:
		return "replaying"
	default:
		return "unknown"
	}
}

// Config holds backoff bounds.
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Stats are the supervisor's counters.
type Stats struct {
	State      string
	Attempts   int64
	Failures   int64
	Recoveries int64
	NextDelay  time.Duration
	LastError  string
}

// Supervisor drives reconnect attempts.
type Supervisor struct {
	connect func(ctx context.Context) error
	replay  func(ctx context.Context) error
	backoff *Backoff
	metrics *metrics.Metrics
	logger  *slog.Logger

	// sleep waits for d or ctx. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	state      atomic.Int32
	attempts   atomic.Int64
	failures   atomic.Int64
	recoveries atomic.Int64
	lastErr    atomic.String

	replays sync.WaitGroup
}

// New creates a Supervisor. replay may be nil.
func New(
	cfg Config,
	connect func(ctx context.Context) error,
	replay func(ctx context.Context) error,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	return &Supervisor{
		connect: connect,
		replay:  replay,
		backoff: NewBackoff(cfg.BaseDelay, cfg.MaxDelay),
		metrics: m,
		logger:  logger.With("component", "reconnect"),
		sleep:   sleepContext,
	}
}

// LossDetected records that the link went away.
func (s *Supervisor) LossDetected(err error) {
	s.setState(StateDetectingLoss)
	if err != nil {
		s.lastErr.Store(err.Error())
	}
	s.logger.Warn("connection lost", "error", err)
}

// Recover reconnects, retrying without limit until connect succeeds or ctx
// ends. On success the backoff is reset and replay starts in the background,
// since replay needs the caller's receive loop to be running.
func (s *Supervisor) Recover(ctx context.Context) error {
	for {
		delay := s.backoff.Next()
		s.setState(StateBackoff)
		s.logger.Info("waiting before reconnect", "delay", delay, "attempt", s.attempts.Load()+1)

		if err := s.sleep(ctx, delay); err != nil {
			s.setState(StateDetectingLoss)
			return err
		}

		s.setState(StateReconnecting)
		s.attempts.Inc()

		err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(StateDetectingLoss)
				return ctx.Err()
			}
			s.failures.Inc()
			s.lastErr.Store(err.Error())
			s.metrics.ReconnectAttempt(false)
			s.logger.Warn("reconnect failed",
				"error", err,
				"attempt", s.attempts.Load(),
				"next_delay", s.backoff.Current(),
			)
			continue
		}

		s.backoff.Reset()
		s.recoveries.Inc()
		s.metrics.ReconnectAttempt(true)
		s.logger.Info("reconnected", "attempts", s.attempts.Load())

		s.startReplay(ctx)
		return nil
	}
}

func (s *Supervisor) startReplay(ctx context.Context) {
	if s.replay == nil {
		s.setState(StateStable)
		return
	}

	s.setState(StateReplaying)
	s.replays.Add(1)
	go func() {
		defer s.replays.Done()

		if err := s.replay(ctx); err != nil {
			s.lastErr.Store(err.Error())
			s.logger.Warn("subscription replay incomplete", "error", err)
		}
		s.state.CAS(int32(StateReplaying), int32(StateStable))
	}()
}

// Wait blocks until background replays finish.
func (s *Supervisor) Wait() {
	s.replays.Wait()
}

// MarkStable records a healthy link outside of Recover, such as the first connect.
func (s *Supervisor) MarkStable() {
	s.backoff.Reset()
	s.setState(StateStable)
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Stats returns current counters.
func (s *Supervisor) Stats() Stats {
	return Stats{
		State:      s.State().String(),
		Attempts:   s.attempts.Load(),
		Failures:   s.failures.Load(),
		Recoveries: s.recoveries.Load(),
		NextDelay:  s.backoff.Current(),
		LastError:  s.lastErr.Load(),
	}
}

func (s *Supervisor) setState(state State) {
	s.state.Store(int32(state))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
