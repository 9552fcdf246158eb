package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/assetledger/auditchain/internal/chain"
)

// Event types pushed over the live feed.
const (
	EventRecord = "record"
	EventAlert  = "chain_alert"
)

// Event is the envelope of every live feed message.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub manages the set of live feed websocket connections and broadcasts
// audit events to all of them.
//
// A single hub goroutine handles registration, unregistration and
// broadcasting, so the connections map is only touched from that goroutine.
type Hub struct {
	connections map[*wsConn]bool

	broadcastCh  chan []byte
	registerCh   chan *wsConn
	unregisterCh chan *wsConn

	done     chan struct{}
	stopOnce sync.Once

	upgrader websocket.Upgrader
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub and starts its event loop. checkOrigin decides
// which browser origins may open the feed; nil allows all.
func NewHub(checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	h := &Hub{
		connections:  make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
		done:         make(chan struct{}),
		upgrader:     websocket.Upgrader{CheckOrigin: checkOrigin},
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("live feed client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				slog.Debug("live feed client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					// Slow client: drop it rather than stall the feed.
					delete(h.connections, conn)
					close(conn.send)
				}
			}

		case <-h.done:
			for conn := range h.connections {
				delete(h.connections, conn)
				close(conn.send)
			}
			return
		}
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.done) })
}

// BroadcastRecord publishes a newly persisted record. Non-blocking; it is
// meant to be passed as audit.Options.OnRecord.
func (h *Hub) BroadcastRecord(rec chain.Record) {
	h.publish(Event{Type: EventRecord, Data: rec})
}

// BroadcastAlert publishes a broken chain verification result.
func (h *Hub) BroadcastAlert(res chain.VerificationResult) {
	h.publish(Event{Type: EventAlert, Data: res})
}

func (h *Hub) publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal live feed event", "type", e.Type, "error", err)
		return
	}
	select {
	case h.broadcastCh <- data:
	case <-h.done:
	default:
		// Feed is best-effort; clients re-read the chain to catch up.
	}
}

// ServeHTTP upgrades the request to a websocket and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{conn: conn, send: make(chan []byte, 64)}
	select {
	case h.registerCh <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

func (c *wsConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

// readPump only exists to notice disconnects; the feed is server to client.
func (c *wsConn) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregisterCh <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
