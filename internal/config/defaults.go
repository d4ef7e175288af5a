package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID         = "voice-bridge"
	DefaultHost               = "localhost"
	DefaultPort               = 8123
	DefaultConnectionTimeout  = 10 * time.Second
	DefaultRequestTimeout     = 30 * time.Second
	DefaultReceiveTimeout     = 60 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultPingTimeout        = 90 * time.Second
	DefaultWSBufferSize       = 1000
	DefaultMaxRetries         = 3
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultQueueSize          = 64
	DefaultMaxQueueSize       = 10000
	DefaultHandlerTimeout     = 30 * time.Second
	DefaultLedgerBackend      = LedgerFile
	DefaultLedgerDir          = "data/sessions"
	DefaultLedgerBufferSize   = 1000
	DefaultLedgerBatchSize    = 100
	DefaultFlushInterval      = 1 * time.Second
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultRedisAddr          = "localhost:6379"
	DefaultRedisKeyPrefix     = "voicebridge"
	DefaultReconcileInterval  = 15 * time.Minute
	DefaultReconcileTimeout   = 30 * time.Second
	DefaultLogLevel           = "info"
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
)

// ApplyDefaults fills unset fields and normalizes the peer host.
func (c *BridgeConfig) ApplyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	applyHomeAssistantDefaults(&c.HomeAssistant)

	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}

	if c.Dispatch.QueueSize == 0 {
		c.Dispatch.QueueSize = DefaultQueueSize
	}
	if c.Dispatch.MaxQueueSize == 0 {
		c.Dispatch.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.Dispatch.HandlerTimeout == 0 {
		c.Dispatch.HandlerTimeout = DefaultHandlerTimeout
	}

	applyLedgerDefaults(&c.Ledger)

	if c.Entities.ReconcileInterval == 0 {
		c.Entities.ReconcileInterval = DefaultReconcileInterval
	}
	if c.Entities.ReconcileTimeout == 0 {
		c.Entities.ReconcileTimeout = DefaultReconcileTimeout
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyHomeAssistantDefaults(ha *HomeAssistantConfig) {
	ha.Host = NormalizeHost(ha.Host)
	if ha.Host == "" {
		ha.Host = DefaultHost
	}
	if ha.Port == 0 {
		ha.Port = DefaultPort
	}
	if ha.SSLVerify == nil {
		verify := true
		ha.SSLVerify = &verify
	}
	if ha.ConnectionTimeout == 0 {
		ha.ConnectionTimeout = DefaultConnectionTimeout
	}
	if ha.RequestTimeout == 0 {
		ha.RequestTimeout = DefaultRequestTimeout
	}
	if ha.ReceiveTimeout == 0 {
		ha.ReceiveTimeout = DefaultReceiveTimeout
	}
	if ha.WriteTimeout == 0 {
		ha.WriteTimeout = DefaultWriteTimeout
	}
	if ha.HeartbeatInterval == 0 {
		ha.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if ha.PingTimeout == 0 {
		ha.PingTimeout = DefaultPingTimeout
	}
	if ha.BufferSize == 0 {
		ha.BufferSize = DefaultWSBufferSize
	}
	if ha.MaxRetries == 0 {
		ha.MaxRetries = DefaultMaxRetries
	}
}

func applyLedgerDefaults(l *LedgerConfig) {
	if l.Backend == "" {
		l.Backend = DefaultLedgerBackend
	}
	if l.Dir == "" {
		l.Dir = DefaultLedgerDir
	}
	if l.BufferSize == 0 {
		l.BufferSize = DefaultLedgerBufferSize
	}
	if l.BatchSize == 0 {
		l.BatchSize = DefaultLedgerBatchSize
	}
	if l.FlushInterval == 0 {
		l.FlushInterval = DefaultFlushInterval
	}

	if l.Postgres.Port == 0 {
		l.Postgres.Port = DefaultDBPort
	}
	if l.Postgres.SSLMode == "" {
		l.Postgres.SSLMode = DefaultDBSSLMode
	}
	if l.Postgres.MaxConns == 0 {
		l.Postgres.MaxConns = DefaultMaxConns
	}
	if l.Postgres.MinConns == 0 {
		l.Postgres.MinConns = DefaultMinConns
	}

	if l.Redis.Addr == "" {
		l.Redis.Addr = DefaultRedisAddr
	}
	if l.Redis.KeyPrefix == "" {
		l.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
}
