package ws

import (
	"encoding/json"
	"log/slog"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans instance lifecycle events out to the owning user's open
// websocket connections. The clients map is confined to the run goroutine.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	logger    *slog.Logger
}

// message couples a payload with the target user.
type message struct {
	userID  string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	userID string
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		logger:    logger,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.userID]; !ok {
				h.clients[sub.userID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.userID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.userID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.userID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.userID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.userID)
				}
			}
		}
	}
}

// Register adds a client to a user's event stream.
func (h *Hub) Register(userID string, client Subscriber) {
	h.register <- subscription{userID: userID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(userID string, client Subscriber) {
	h.unreg <- subscription{userID: userID, client: client}
}

// Broadcast delivers an event to every connection the user holds. Payloads
// that fail to marshal are dropped with a log line.
func (h *Hub) Broadcast(userID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("dropping unmarshalable event", "user_id", userID, "error", err)
		return
	}
	h.broadcast <- message{userID: userID, payload: data}
}
