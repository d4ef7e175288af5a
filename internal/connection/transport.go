package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	errs "github.com/rickgao/voice-bridge/internal/errors"
	"github.com/rickgao/voice-bridge/internal/model"
)

// frame is one inbound text frame.
type frame struct {
	data       []byte
	receivedAt time.Time
}

// link is one established WebSocket connection. A Transport replaces its
// link on every Connect.
type link struct {
	conn     *websocket.Conn
	messages chan frame

	// lost is closed when the read loop exits; err holds the reason.
	lost     chan struct{}
	lostOnce sync.Once
	err      error

	// done is closed by Close.
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	lastPingAt time.Time
}

func newLink(conn *websocket.Conn, bufferSize int) *link {
	return &link{
		conn:       conn,
		messages:   make(chan frame, bufferSize),
		lost:       make(chan struct{}),
		done:       make(chan struct{}),
		lastPingAt: time.Now(),
	}
}

func (l *link) fail(err error) {
	l.lostOnce.Do(func() {
		l.err = err
		close(l.lost)
	})
}

func (l *link) isLost() bool {
	select {
	case <-l.lost:
		return true
	default:
		return false
	}
}

func (l *link) touch() {
	l.mu.Lock()
	l.lastPingAt = time.Now()
	l.mu.Unlock()
}

func (l *link) lastPing() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastPingAt
}

// close shuts the link down from our side.
func (l *link) close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = l.conn.Close()
	})
	return err
}

// Transport is a reconnectable, authenticated WebSocket link.
type Transport struct {
	cfg    TransportConfig
	auth   Authenticator
	logger *slog.Logger

	mu        sync.RWMutex
	link      *link
	haVersion string

	state   atomic.Int32
	onState func(State)

	// Write serialization
	writeMu sync.Mutex
}

// NewTransport creates a disconnected Transport.
func NewTransport(cfg TransportConfig, auth Authenticator, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultTransportConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	return &Transport{
		cfg:    cfg,
		auth:   auth,
		logger: logger.With("component", "transport"),
	}
}

// OnStateChange registers fn to be called on every state transition.
// It must be set before Connect.
func (t *Transport) OnStateChange(fn func(State)) {
	t.onState = fn
}

// Connect dials, authenticates and starts the read and heartbeat loops.
// A lost link is replaced; an open one is left alone.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() == StateOpen && t.link != nil && !t.link.isLost() {
		return nil
	}
	if t.link != nil {
		t.link.close()
		t.link = nil
	}

	t.setState(StateConnecting)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.cfg.ConnectTimeout,
		TLSClientConfig:  t.cfg.TLSConfig,
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, t.cfg.URL, nil)
	if err != nil {
		t.setState(StateDisconnected)
		return errs.Wrap(errs.ErrConnection, "connect", err)
	}

	t.setState(StateAuthenticating)

	version, err := t.authenticate(dialCtx, conn)
	if err != nil {
		conn.Close()
		t.setState(StateDisconnected)
		return err
	}

	l := newLink(conn, t.cfg.BufferSize)

	// Respond to server pings and record liveness.
	conn.SetPingHandler(func(data string) error {
		l.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		l.touch()
		return nil
	})

	t.link = l
	t.haVersion = version
	t.setState(StateOpen)

	go t.readLoop(l)
	if t.cfg.HeartbeatInterval > 0 {
		go t.heartbeatLoop(l)
	}

	t.logger.Info("websocket connected", "url", t.cfg.URL, "ha_version", version)
	return nil
}

// authenticate runs the auth_required / auth / auth_ok exchange.
func (t *Transport) authenticate(ctx context.Context, conn *websocket.Conn) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	challenge, err := readHandshake(conn)
	if err != nil {
		return "", err
	}
	if challenge.Type != model.TypeAuthRequired {
		return "", errs.Newf(errs.ErrProtocol, "authenticate", "expected %s, got %q", model.TypeAuthRequired, challenge.Type)
	}

	payload, err := sonic.Marshal(t.auth.WebSocketAuthMessage())
	if err != nil {
		return "", errs.Wrap(errs.ErrProtocol, "authenticate", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return "", errs.Wrap(errs.ErrConnection, "authenticate", err)
	}

	reply, err := readHandshake(conn)
	if err != nil {
		return "", err
	}

	switch reply.Type {
	case model.TypeAuthOK:
		t.auth.MarkValidated()
	case model.TypeAuthInvalid:
		t.auth.MarkInvalid()
		msg := reply.Message
		if msg == "" {
			msg = "invalid access token"
		}
		return "", errs.New(errs.ErrAuthentication, "authenticate", msg)
	default:
		return "", errs.Newf(errs.ErrProtocol, "authenticate", "unexpected %q during handshake", reply.Type)
	}

	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})
	return reply.HAVersion, nil
}

func readHandshake(conn *websocket.Conn) (model.Message, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return model.Message{}, errs.Wrap(errs.ErrConnection, "authenticate", err)
	}
	msg, err := model.DecodeMessage(data)
	if err != nil {
		return model.Message{}, errs.Wrap(errs.ErrProtocol, "authenticate", err)
	}
	return msg, nil
}

// Send writes one text frame.
func (t *Transport) Send(data []byte) error {
	t.mu.RLock()
	l := t.link
	open := t.State() == StateOpen
	t.mu.RUnlock()

	if !open || l == nil {
		return errs.ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	l.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errs.Wrap(errs.ErrConnection, "send", err)
	}
	return nil
}

// Receive returns the next inbound message. Frames buffered before a loss
// are returned before the loss is reported.
func (t *Transport) Receive(ctx context.Context) (model.Message, error) {
	t.mu.RLock()
	l := t.link
	t.mu.RUnlock()

	if l == nil {
		return model.Message{}, errs.ErrNotConnected
	}

	var timeout <-chan time.Time
	if t.cfg.ReceiveTimeout > 0 {
		timer := time.NewTimer(t.cfg.ReceiveTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case f := <-l.messages:
		return decodeFrame(f)
	case <-l.lost:
		select {
		case f := <-l.messages:
			return decodeFrame(f)
		default:
		}
		return model.Message{}, l.err
	case <-l.done:
		return model.Message{}, errs.ErrConnectionClosed
	case <-ctx.Done():
		return model.Message{}, ctx.Err()
	case <-timeout:
		return model.Message{}, errs.Newf(errs.ErrTimeout, "receive", "no message within %s", t.cfg.ReceiveTimeout)
	}
}

func decodeFrame(f frame) (model.Message, error) {
	msg, err := model.DecodeMessage(f.data)
	if err != nil {
		return model.Message{}, errs.Wrap(errs.ErrProtocol, "receive", err)
	}
	msg.ReceivedAt = f.receivedAt
	return msg, nil
}

// Close releases the link and wakes any Receive. The Transport can Connect again.
func (t *Transport) Close() error {
	t.mu.Lock()
	l := t.link
	t.link = nil
	t.mu.Unlock()

	t.setState(StateDisconnected)
	if l == nil {
		return nil
	}
	t.logger.Debug("websocket closed")
	return l.close()
}

// Drop breaks the current link as if the network failed.
func (t *Transport) Drop() {
	t.mu.RLock()
	l := t.link
	t.mu.RUnlock()

	if l != nil {
		t.logger.Warn("dropping connection")
		l.fail(fmt.Errorf("%w: dropped", errs.ErrConnectionLost))
		l.conn.Close()
	}
}

// State returns the link state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// IsOpen reports whether Send is possible.
func (t *Transport) IsOpen() bool {
	return t.State() == StateOpen
}

// HAVersion returns the peer version reported during the last handshake.
func (t *Transport) HAVersion() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.haVersion
}

func (t *Transport) setState(s State) {
	if State(t.state.Swap(int32(s))) == s {
		return
	}
	if t.onState != nil {
		t.onState(s)
	}
}

// markLost moves to Disconnected if l is still the current link.
func (t *Transport) markLost(l *link) {
	t.mu.RLock()
	current := t.link == l
	t.mu.RUnlock()

	if current {
		t.setState(StateDisconnected)
	}
}

// readLoop moves frames from the socket into the link buffer.
func (t *Transport) readLoop(l *link) {
	defer t.markLost(l)

	for {
		_, data, err := l.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-l.done:
				l.fail(errs.ErrConnectionClosed)
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					l.fail(fmt.Errorf("%w: closed by peer: %v", errs.ErrConnectionLost, err))
				} else {
					l.fail(fmt.Errorf("%w: %v", errs.ErrConnectionLost, err))
				}
				t.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		select {
		case l.messages <- frame{data: data, receivedAt: receivedAt}:
		case <-l.done:
			return
		}
	}
}

// heartbeatLoop pings the peer and closes the link when it goes stale.
func (t *Transport) heartbeatLoop(l *link) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-l.lost:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := l.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				t.logger.Debug("failed to send ping", "error", err)
			}

			if t.cfg.PingTimeout <= 0 {
				continue
			}
			lastPing := l.lastPing()
			if time.Since(lastPing) > t.cfg.PingTimeout {
				t.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", t.cfg.PingTimeout,
				)
				l.fail(fmt.Errorf("%w: stale (no ping within %s)", errs.ErrConnectionLost, t.cfg.PingTimeout))
				l.conn.Close()
				return
			}
		}
	}
}

