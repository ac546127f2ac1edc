// Package eventstream exposes a Manager's download/seed progress as a
// websocket feed: one Hub accepts connections, each client subscribes
// to the event kinds it cares about, and every accepted or failed
// catalog item is broadcast to subscribed clients as JSON.
package eventstream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ndntorrent/ntorrent/internal/ntlog"
)

// Kind identifies the category of an Event, used for client-side
// subscription filtering.
type Kind string

const (
	KindTorrentSegment Kind = "torrent-segment"
	KindManifestSegment Kind = "manifest-segment"
	KindDataPacket      Kind = "data-packet"
	KindFailure         Kind = "failure"
	// KindSystem events (Hub lifecycle) are always delivered regardless
	// of a client's subscriptions.
	KindSystem Kind = "system"
)

// Event is one broadcast message. Reason and Err are populated only
// for KindFailure.
type Event struct {
	Kind   Kind   `json:"kind"`
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
	Err    string `json:"err,omitempty"`
}

// Config configures a Hub. Every field is optional; zero values are
// defaulted by withDefaults rather than rejected.
type Config struct {
	// ReadTimeout bounds how long a client's pong must arrive by.
	// Defaults to 60s.
	ReadTimeout time.Duration
	// PingPeriod is how often the Hub pings each client; must be
	// smaller than ReadTimeout. Defaults to 50s.
	PingPeriod time.Duration
	// WriteTimeout bounds a single write to a client. Defaults to 10s.
	WriteTimeout time.Duration
	// SendBufferSize bounds how many unread events queue per client;
	// once it is full, further events for that client are dropped (the
	// client stays connected). Defaults to 64.
	SendBufferSize int
	// ErrorLog receives diagnostics (upgrade failures, events dropped
	// for slow clients). Defaults to ntlog.Default() (log.Printf).
	ErrorLog ntlog.Logger
}

const (
	defaultReadTimeout    = 60 * time.Second
	defaultPingPeriod     = 50 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultSendBufferSize = 64
)

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = defaultPingPeriod
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = defaultSendBufferSize
	}
	c.ErrorLog = ntlog.Or(c.ErrorLog)
	return c
}

// client is one connected subscriber.
type client struct {
	conn *websocket.Conn
	send chan Event

	subsMu sync.RWMutex
	subs   map[Kind]bool // empty means "all kinds"
}

func (c *client) subscribed(k Kind) bool {
	if k == KindSystem {
		return true
	}
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	if len(c.subs) == 0 {
		return true
	}
	return c.subs[k]
}

// subscribeMsg is what a client sends to narrow its feed.
type subscribeMsg struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Kinds  []Kind `json:"kinds"`
}

// Hub is the broadcast server: one upgrade-and-fan-out point for every
// connected client, fed by Manager's success/failure callbacks via
// Publish.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*client]bool

	broadcast chan Event
	shutdown  chan struct{}
	closeOnce sync.Once
}

// New returns a Hub ready to accept connections via ServeHTTP. Start
// must be called once to begin the broadcast loop.
func New(opts ...Config) *Hub {
	var cfg Config
	if len(opts) > 0 {
		cfg = opts[0]
	}
	cfg = cfg.withDefaults()
	return &Hub{
		cfg:       cfg,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:   make(map[*client]bool),
		broadcast: make(chan Event, 256),
		shutdown:  make(chan struct{}),
	}
}

// Start begins the Hub's broadcast-fan-out loop. Must be called
// exactly once, typically in its own goroutine.
func (h *Hub) Start() {
	for {
		select {
		case ev := <-h.broadcast:
			h.deliver(ev)
		case <-h.shutdown:
			return
		}
	}
}

func (h *Hub) deliver(ev Event) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for c := range h.clients {
		if !c.subscribed(ev.Kind) {
			continue
		}
		select {
		case c.send <- ev:
		default:
			h.cfg.ErrorLog("eventstream: client too slow, dropping event %s for %s", ev.Kind, ev.Name)
		}
	}
}

// Publish enqueues ev for broadcast to every subscribed client.
// Non-blocking: if the broadcast buffer is full the event is dropped
// and logged, rather than stalling the caller's event loop.
func (h *Hub) Publish(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.cfg.ErrorLog("eventstream: broadcast buffer full, dropping event %s for %s", ev.Kind, ev.Name)
	}
}

// ServeHTTP upgrades the connection and spawns its read/write
// goroutines. Implements http.Handler so a Hub can be mounted directly
// on a mux.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.ErrorLog("eventstream: upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan Event, h.cfg.SendBufferSize)}

	h.clientsMu.Lock()
	h.clients[c] = true
	h.clientsMu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) readLoop(c *client) {
	defer h.removeClient(c)
	c.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg subscribeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.subsMu.Lock()
		switch msg.Action {
		case "subscribe":
			if c.subs == nil {
				c.subs = make(map[Kind]bool)
			}
			for _, k := range msg.Kinds {
				c.subs[k] = true
			}
		case "unsubscribe":
			for _, k := range msg.Kinds {
				delete(c.subs, k)
			}
		}
		c.subsMu.Unlock()
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-h.shutdown:
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (h *Hub) removeClient(c *client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.clientsMu.Unlock()
}

// Close stops the broadcast loop and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.shutdown)
	})
}

// ClientCount returns the number of currently connected clients, for
// diagnostics.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
