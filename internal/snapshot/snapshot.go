// Package snapshot exposes the controller's current view of the feeder as a
// key/value feed over a local WebSocket endpoint. Consumers (dashboards,
// home automation) get the full state on connect and deltas afterwards.
package snapshot

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Update is one state change pushed to subscribers.
type Update struct {
	Key       string `json:"key"`
	Value     any    `json:"value"`
	Timestamp int64  `json:"ts"`
}

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Publisher holds the current state and fans updates out to WebSocket
// subscribers. Safe for concurrent use.
type Publisher struct {
	mu      sync.Mutex
	state   map[string]any
	clients map[*client]bool

	upgrader websocket.Upgrader
	server   *http.Server
}

func NewPublisher() *Publisher {
	return &Publisher{
		state:   make(map[string]any),
		clients: make(map[*client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local-only endpoint, no origin policy to enforce.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Set stores a value and broadcasts the change. Unchanged values are not
// re-broadcast.
func (p *Publisher) Set(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.state[key]; ok && equalJSON(prev, value) {
		return
	}
	p.state[key] = value

	data, err := json.Marshal(Update{Key: key, Value: value, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		zap.S().Errorw("Failed to marshal snapshot update", "key", key, "error", err)
		return
	}
	// Sends happen under the lock so drop can never close a channel a
	// broadcast is about to use. Non-blocking: slow subscribers lose deltas,
	// never stall the engine.
	for c := range p.clients {
		select {
		case c.send <- data:
		default:
			zap.S().Warnw("Snapshot subscriber too slow, dropping update", "key", key)
		}
	}
}

// State returns a copy of the full current state.
func (p *Publisher) State() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]any, len(p.state))
	for k, v := range p.state {
		out[k] = v
	}
	return out
}

// Serve starts the WebSocket endpoint on addr (path /ws). It blocks until
// the server stops.
func (p *Publisher) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", p.handleWS)
	p.server = &http.Server{Addr: addr, Handler: mux}

	zap.S().Infow("Snapshot feed listening", "addr", addr)
	err := p.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the endpoint down and disconnects all subscribers.
func (p *Publisher) Stop() {
	if p.server != nil {
		p.server.Close()
	}

	p.mu.Lock()
	for c := range p.clients {
		close(c.send)
		delete(p.clients, c)
	}
	p.mu.Unlock()
}

func (p *Publisher) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.S().Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	// Snapshot the full state and register in one critical section, so any
	// delta after this point lands in c.send behind the base values.
	now := time.Now().UnixMilli()
	p.mu.Lock()
	initial := make([][]byte, 0, len(p.state))
	for k, v := range p.state {
		if data, err := json.Marshal(Update{Key: k, Value: v, Timestamp: now}); err == nil {
			initial = append(initial, data)
		}
	}
	p.clients[c] = true
	p.mu.Unlock()

	// Write the base state directly; it can be larger than the send buffer
	// and must reach the client before the delta loop starts.
	for _, data := range initial {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			p.drop(c)
			conn.Close()
			return
		}
	}

	go p.writeLoop(c)
	go p.readLoop(c)
}

func (p *Publisher) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.drop(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.drop(c)
				return
			}
		}
	}
}

// readLoop discards inbound frames; the feed is one-way. It exists to
// notice the peer going away.
func (p *Publisher) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			p.drop(c)
			return
		}
	}
}

func (p *Publisher) drop(c *client) {
	p.mu.Lock()
	if p.clients[c] {
		delete(p.clients, c)
		close(c.send)
	}
	p.mu.Unlock()
}

// equalJSON compares values by their serialized form, good enough for the
// small payloads in the feed.
func equalJSON(a, b any) bool {
	da, errA := json.Marshal(a)
	db, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(da) == string(db)
}
