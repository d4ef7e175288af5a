package config

import "time"

// BridgeConfig is the root configuration for a bridge instance.
type BridgeConfig struct {
	Instance      InstanceConfig      `yaml:"instance"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Entities      EntitiesConfig      `yaml:"entities"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// InstanceConfig identifies this bridge.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// HomeAssistantConfig holds the peer address, credentials and timeouts.
type HomeAssistantConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	UseSSL      bool   `yaml:"use_ssl"`
	SSLVerify   *bool  `yaml:"ssl_verify"`
	SSLCertPath string `yaml:"ssl_cert_path"`

	AccessToken     string `yaml:"access_token"`
	AccessTokenFile string `yaml:"access_token_file"`

	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ReceiveTimeout    time.Duration `yaml:"receive_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PingTimeout       time.Duration `yaml:"ping_timeout"`
	BufferSize        int           `yaml:"buffer_size"`
	MaxRetries        int           `yaml:"max_retries"`
}

// ReconnectConfig holds the supervisor backoff settings.
type ReconnectConfig struct {
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// DispatchConfig holds per-handler delivery settings.
type DispatchConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	MaxQueueSize   int           `yaml:"max_queue_size"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// LedgerConfig selects and configures the transcript store.
type LedgerConfig struct {
	Backend       string        `yaml:"backend"`
	Dir           string        `yaml:"dir"`
	SessionID     string        `yaml:"session_id"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Postgres      DBConfig      `yaml:"postgres"`
	Redis         RedisConfig   `yaml:"redis"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig holds the Redis ledger connection.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// EntitiesConfig holds entity cache settings.
type EntitiesConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ReconcileTimeout  time.Duration `yaml:"reconcile_timeout"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig holds HTTP server and Prometheus settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// Ledger backends.
const (
	LedgerFile     = "file"
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
	LedgerNone     = "none"
)
