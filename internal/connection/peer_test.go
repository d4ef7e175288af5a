package connection

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/voice-bridge/internal/auth"
)

const (
	testToken     = "test-token-0123456789"
	testHAVersion = "2024.10.1"
)

// command is an inbound command as the fake peer sees it.
type command struct {
	ID     int64
	Type   string
	Fields map[string]any
}

// peerConn is one client connection accepted by the fake peer.
type peerConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *peerConn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *peerConn) result(id int64, result any) error {
	return c.send(map[string]any{"id": id, "type": "result", "success": true, "result": result})
}

func (c *peerConn) failure(id int64, code, message string) error {
	return c.send(map[string]any{
		"id": id, "type": "result", "success": false,
		"error": map[string]any{"code": code, "message": message},
	})
}

func (c *peerConn) event(id int64, ev map[string]any) error {
	return c.send(map[string]any{"id": id, "type": "event", "event": ev})
}

func (c *peerConn) close() {
	c.conn.Close()
}

// fakePeer is a minimal Home Assistant WebSocket endpoint.
type fakePeer struct {
	t      *testing.T
	server *httptest.Server

	// respond overrides the default reply. Returning false falls back to it.
	respond func(c *peerConn, cmd command) bool

	// greeting is the type of the first message sent on a new connection.
	greeting string

	mu       sync.Mutex
	conns    []*peerConn
	commands []command
	arrived  chan command
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()

	p := &fakePeer{
		t:        t,
		greeting: "auth_required",
		arrived:  make(chan command, 256),
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		p.serve(&peerConn{conn: conn})
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakePeer) URL() string {
	return "ws" + strings.TrimPrefix(p.server.URL, "http") + "/api/websocket"
}

func (p *fakePeer) serve(c *peerConn) {
	if err := c.send(map[string]any{"type": p.greeting, "ha_version": testHAVersion}); err != nil {
		return
	}

	var authMsg struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}
	if err := c.conn.ReadJSON(&authMsg); err != nil {
		return
	}
	if authMsg.Type != "auth" || authMsg.AccessToken != testToken {
		c.send(map[string]any{"type": "auth_invalid", "message": "Invalid access token or password"})
		return
	}
	if err := c.send(map[string]any{"type": "auth_ok", "ha_version": testHAVersion}); err != nil {
		return
	}

	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			p.t.Errorf("peer: bad frame %s: %v", data, err)
			return
		}
		cmd := command{Fields: raw}
		if id, ok := raw["id"].(float64); ok {
			cmd.ID = int64(id)
		}
		cmd.Type, _ = raw["type"].(string)

		p.mu.Lock()
		p.commands = append(p.commands, cmd)
		p.mu.Unlock()
		p.arrived <- cmd

		if p.respond != nil && p.respond(c, cmd) {
			continue
		}
		p.reply(c, cmd)
	}
}

// reply implements the default responses.
func (p *fakePeer) reply(c *peerConn, cmd command) {
	switch cmd.Type {
	case "ping":
		c.send(map[string]any{"id": cmd.ID, "type": "pong"})
	case "get_states":
		c.result(cmd.ID, []map[string]any{
			{"entity_id": "light.kitchen", "state": "on", "attributes": map[string]any{"friendly_name": "Kitchen"}},
			{"entity_id": "switch.fan", "state": "off"},
		})
	case "get_config":
		c.result(cmd.ID, map[string]any{"location_name": "Home", "version": testHAVersion, "time_zone": "UTC"})
	case "subscribe_events", "subscribe_trigger", "unsubscribe_events", "call_service":
		c.result(cmd.ID, nil)
	default:
		c.failure(cmd.ID, "unknown_command", "Unknown command.")
	}
}

// conn returns the i-th authenticated connection.
func (p *fakePeer) conn(i int) *peerConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.conns) {
		return nil
	}
	return p.conns[i]
}

func (p *fakePeer) connCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// await returns the next command of type typ, skipping others.
func (p *fakePeer) await(typ string) command {
	p.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case cmd := <-p.arrived:
			if cmd.Type == typ {
				return cmd
			}
		case <-deadline:
			p.t.Fatalf("peer: no %s command received", typ)
			return command{}
		}
	}
}

func testCredentials(t *testing.T, token string) *auth.Credentials {
	t.Helper()
	creds, err := auth.NewCredentials(token)
	if err != nil {
		t.Fatalf("NewCredentials() error = %v", err)
	}
	return creds
}

func testTransportConfig(url string) TransportConfig {
	cfg := DefaultTransportConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.ReceiveTimeout = 0
	cfg.HeartbeatInterval = 0
	return cfg
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// count returns how many commands of type typ the peer has received.
func (p *fakePeer) count(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, cmd := range p.commands {
		if cmd.Type == typ {
			n++
		}
	}
	return n
}
