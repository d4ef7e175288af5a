package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *BridgeConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.HomeAssistant.validate("home_assistant"); err != nil {
		return err
	}

	if c.Reconnect.BaseDelay <= 0 {
		return errors.New("reconnect.base_delay must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%s) cannot be less than base_delay (%s)",
			c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}

	if c.Dispatch.QueueSize < 1 {
		return errors.New("dispatch.queue_size must be >= 1")
	}
	if c.Dispatch.MaxQueueSize < c.Dispatch.QueueSize {
		return fmt.Errorf("dispatch.max_queue_size (%d) cannot be less than queue_size (%d)",
			c.Dispatch.MaxQueueSize, c.Dispatch.QueueSize)
	}
	if c.Dispatch.HandlerTimeout < 0 {
		return errors.New("dispatch.handler_timeout must be >= 0")
	}

	if err := c.Ledger.validate("ledger"); err != nil {
		return err
	}

	if c.Entities.ReconcileInterval < 0 {
		return errors.New("entities.reconcile_interval must be >= 0")
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (ha *HomeAssistantConfig) validate(prefix string) error {
	if ha.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if ha.Port < 1 || ha.Port > 65535 {
		return fmt.Errorf("%s.port must be between 1 and 65535, got %d", prefix, ha.Port)
	}
	if ha.AccessToken == "" && ha.AccessTokenFile == "" {
		return fmt.Errorf("%s.access_token or %s.access_token_file is required", prefix, prefix)
	}
	if ha.ConnectionTimeout <= 0 {
		return fmt.Errorf("%s.connection_timeout must be > 0", prefix)
	}
	if ha.RequestTimeout <= 0 {
		return fmt.Errorf("%s.request_timeout must be > 0", prefix)
	}
	if ha.ReceiveTimeout <= 0 {
		return fmt.Errorf("%s.receive_timeout must be > 0", prefix)
	}
	if ha.PingTimeout < ha.HeartbeatInterval {
		return fmt.Errorf("%s.ping_timeout (%s) cannot be less than heartbeat_interval (%s)",
			prefix, ha.PingTimeout, ha.HeartbeatInterval)
	}
	if ha.BufferSize < 1 {
		return fmt.Errorf("%s.buffer_size must be >= 1", prefix)
	}
	return nil
}

func (l *LedgerConfig) validate(prefix string) error {
	switch l.Backend {
	case LedgerNone:
		return nil
	case LedgerFile:
		if l.Dir == "" {
			return fmt.Errorf("%s.dir is required", prefix)
		}
	case LedgerPostgres:
		if err := l.Postgres.validate(prefix + ".postgres"); err != nil {
			return err
		}
	case LedgerRedis:
		if l.Redis.Addr == "" {
			return fmt.Errorf("%s.redis.addr is required", prefix)
		}
	default:
		return fmt.Errorf("%s.backend must be one of file, postgres, redis, none, got %q", prefix, l.Backend)
	}

	if l.BufferSize < 1 {
		return fmt.Errorf("%s.buffer_size must be >= 1", prefix)
	}
	if l.BatchSize < 1 {
		return fmt.Errorf("%s.batch_size must be >= 1", prefix)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", level)
	}
}
