// Package events fans typed update lifecycle events out to websocket
// subscribers. Clients consume structured messages instead of scraping
// log text, so the shell and any dashboard can react to an update
// finishing without caring how the daemon words its output.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Type names one kind of event on the stream.
type Type string

const (
	// TypeUpdateState reports a phase transition of an in-flight
	// update.
	TypeUpdateState Type = "update_state"

	// TypeUpdateComplete reports an update that finished and verified.
	TypeUpdateComplete Type = "update_complete"

	// TypeUpdateFailed reports an update that gave up.
	TypeUpdateFailed Type = "update_failed"

	// TypeModelSwitched reports a completed model switch.
	TypeModelSwitched Type = "model_switched"

	// TypeManifestRefreshed reports a new manifest snapshot.
	TypeManifestRefreshed Type = "manifest_refreshed"

	// TypeProcessHealth reports a readiness transition of a managed
	// process.
	TypeProcessHealth Type = "process_health"
)

// Event is one message on the station's event stream.
type Event struct {
	Type      Type      `json:"type"`
	Component string    `json:"component,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	Version   string    `json:"version,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Time      time.Time `json:"time"`
}

// sendBuffer is each subscriber's outgoing queue. A subscriber that
// falls this far behind is dropped.
const sendBuffer = 32

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *client) writeLoop() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
	c.conn.Close()
}

// Hub broadcasts events to all connected subscribers.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The admin server binds to localhost.
				return true
			},
		},
	}
}

// Handler upgrades the request to a websocket and streams events until
// the peer disconnects.
func (h *Hub) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = true
	h.mu.Unlock()

	go c.writeLoop()

	// Drain the connection so pings and closes are processed. Clients
	// are not expected to send anything meaningful.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(c)
}

// Publish delivers an event to every subscriber. A subscriber whose
// queue is full is dropped rather than allowed to stall the stream.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping slow event subscriber")
			h.drop(c)
		}
	}
}

// UpdateState publishes a phase transition for an in-flight update.
func (h *Hub) UpdateState(component, phase, version string) {
	h.Publish(Event{Type: TypeUpdateState, Component: component, Phase: phase, Version: version})
}

// UpdateComplete publishes a verified update outcome.
func (h *Hub) UpdateComplete(component, version, detail string) {
	h.Publish(Event{Type: TypeUpdateComplete, Component: component, Version: version, Detail: detail})
}

// UpdateFailed publishes a failed update outcome.
func (h *Hub) UpdateFailed(component, version, detail string) {
	h.Publish(Event{Type: TypeUpdateFailed, Component: component, Version: version, Detail: detail})
}

// ModelSwitched publishes a completed model switch. Detail carries the
// inference client version backing the model.
func (h *Hub) ModelSwitched(modelID, clientVersion string) {
	h.Publish(Event{Type: TypeModelSwitched, Component: "model", Version: modelID, Detail: clientVersion})
}

// ManifestRefreshed publishes a new manifest snapshot's version.
func (h *Hub) ManifestRefreshed(manifestVersion string) {
	h.Publish(Event{Type: TypeManifestRefreshed, Version: manifestVersion})
}

// ProcessHealth publishes a readiness transition.
func (h *Hub) ProcessHealth(component string, healthy bool) {
	phase := "unhealthy"
	if healthy {
		phase = "healthy"
	}
	h.Publish(Event{Type: TypeProcessHealth, Component: component, Phase: phase})
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}
