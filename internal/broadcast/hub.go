// Package broadcast exposes the tracker's objective state to external
// viewers over websockets. Each connection is greeted with a full state
// dump, then receives every accepted state change as it happens.
package broadcast

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/louisbranch/gametrack/internal/objective"
)

// Event is one frame pushed to viewers.
type Event struct {
	Type string `json:"type"` // "hello" or "state"
	// state fields
	ID  string `json:"id,omitempty"`
	Old string `json:"old,omitempty"`
	New string `json:"new,omitempty"`
	// hello field: the full id to state mapping at connect time
	States map[string]string `json:"states,omitempty"`
}

const sendBuffer = 64

type subscriber struct {
	conn *websocket.Conn
	send chan Event
}

// Hub fans objective state changes out to websocket viewers. It subscribes
// to the store at construction; the store invokes publish on the tracker
// goroutine, so sends never block — a viewer that cannot keep up has frames
// dropped and will resync on reconnect.
type Hub struct {
	store    *objective.Store
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

// NewHub creates a hub wired to the store's change notifications.
func NewHub(store *objective.Store, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	h := &Hub{
		store:       store,
		logger:      logger,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		subscribers: make(map[*subscriber]struct{}),
	}
	store.Subscribe(h.publish)
	return h
}

func (h *Hub) publish(id string, old, new objective.State) {
	evt := Event{Type: "state", ID: id, Old: old.String(), New: new.String()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		select {
		case sub.send <- evt:
		default:
			// Slow consumer; it resyncs from the next hello.
		}
	}
}

// ServeHTTP upgrades the request and streams events until the viewer
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("broadcast: upgrade: %v", err)
		return
	}

	sub := &subscriber{conn: conn, send: make(chan Event, sendBuffer)}

	states := make(map[string]string)
	for id, state := range h.store.All() {
		states[id] = state.String()
	}
	sub.send <- Event{Type: "hello", States: states}

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(sub)
	h.readLoop(sub)
}

func (h *Hub) writeLoop(sub *subscriber) {
	for evt := range sub.send {
		if err := sub.conn.WriteJSON(evt); err != nil {
			return
		}
	}
}

// readLoop consumes (and discards) inbound frames so the websocket close
// handshake works; the hub has no inbound protocol.
func (h *Hub) readLoop(sub *subscriber) {
	defer h.drop(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	// Closed under the lock so publish can never send on a closed channel.
	close(sub.send)
	h.mu.Unlock()
	sub.conn.Close()
}

// Subscribers reports the current viewer count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
