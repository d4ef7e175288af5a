package connection

import (
	"crypto/tls"
	"time"

	"github.com/rickgao/voice-bridge/internal/config"
	"github.com/rickgao/voice-bridge/internal/dispatch"
	"github.com/rickgao/voice-bridge/internal/model"
	"github.com/rickgao/voice-bridge/internal/reconnect"
)

// State is the transport's link state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Authenticator supplies the auth message and learns whether it was accepted.
type Authenticator interface {
	WebSocketAuthMessage() model.AuthMessage
	MarkValidated()
	MarkInvalid()
}

// TransportConfig configures a Transport.
type TransportConfig struct {
	URL               string        // ws:// or wss:// endpoint
	TLSConfig         *tls.Config   // nil uses Go defaults
	ConnectTimeout    time.Duration // dial plus auth handshake
	WriteTimeout      time.Duration // write deadline for sends
	ReceiveTimeout    time.Duration // Receive returns ErrTimeout after this long idle; zero waits forever
	HeartbeatInterval time.Duration // WebSocket ping interval
	PingTimeout       time.Duration // link is stale without ping/pong for this long
	BufferSize        int           // inbound frame buffer
}

// DefaultTransportConfig returns sensible defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ConnectTimeout:    config.DefaultConnectionTimeout,
		WriteTimeout:      config.DefaultWriteTimeout,
		ReceiveTimeout:    config.DefaultReceiveTimeout,
		HeartbeatInterval: config.DefaultHeartbeatInterval,
		PingTimeout:       config.DefaultPingTimeout,
		BufferSize:        config.DefaultWSBufferSize,
	}
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Transport      TransportConfig
	RequestTimeout time.Duration
	Reconnect      reconnect.Config
	Dispatch       dispatch.Config
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Transport:      DefaultTransportConfig(),
		RequestTimeout: config.DefaultRequestTimeout,
		Reconnect: reconnect.Config{
			BaseDelay: reconnect.DefaultBaseDelay,
			MaxDelay:  reconnect.DefaultMaxDelay,
		},
		Dispatch: dispatch.DefaultConfig(),
	}
}

// ManagerConfigFrom builds a ManagerConfig from a loaded bridge config.
func ManagerConfigFrom(cfg *config.BridgeConfig, sessionID string) (ManagerConfig, error) {
	ha := cfg.HomeAssistant
	tlsCfg, err := ha.TLSConfig()
	if err != nil {
		return ManagerConfig{}, err
	}

	return ManagerConfig{
		Transport: TransportConfig{
			URL:               ha.WebSocketURL(),
			TLSConfig:         tlsCfg,
			ConnectTimeout:    ha.ConnectionTimeout,
			WriteTimeout:      ha.WriteTimeout,
			ReceiveTimeout:    ha.ReceiveTimeout,
			HeartbeatInterval: ha.HeartbeatInterval,
			PingTimeout:       ha.PingTimeout,
			BufferSize:        ha.BufferSize,
		},
		RequestTimeout: ha.RequestTimeout,
		Reconnect: reconnect.Config{
			BaseDelay: cfg.Reconnect.BaseDelay,
			MaxDelay:  cfg.Reconnect.MaxDelay,
		},
		Dispatch: dispatch.Config{
			QueueSize:      cfg.Dispatch.QueueSize,
			MaxQueueSize:   cfg.Dispatch.MaxQueueSize,
			HandlerTimeout: cfg.Dispatch.HandlerTimeout,
			SessionID:      sessionID,
		},
	}, nil
}

// ManagerStats is a snapshot of the client.
type ManagerStats struct {
	State         string          `json:"state"`
	Connected     bool            `json:"connected"`
	Listening     bool            `json:"listening"`
	HAVersion     string          `json:"ha_version,omitempty"`
	Pending       int             `json:"pending"`
	LastRequestID int64           `json:"last_request_id"`
	Subscriptions int             `json:"subscriptions"`
	StateHandlers int             `json:"state_handlers"`
	Reconnect     reconnect.Stats `json:"reconnect"`
	Dispatch      dispatch.Stats  `json:"dispatch"`
}

// SubscriptionInfo describes an active subscription.
type SubscriptionInfo struct {
	ID        int64          `json:"id"`
	Filter    string         `json:"filter"`
	Command   string         `json:"command"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
