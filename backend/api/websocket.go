package api

import (
	"sync"
	"time"

	"github.com/andi/mediabatch/backend/scheduler"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ClientMessage represents a message from client to server
type ClientMessage struct {
	Action string `json:"action"` // "subscribe", "unsubscribe", "ping"
	TaskID uint   `json:"task_id"`
}

// Client represents a connected WebSocket client. A client with no task
// subscription receives every event.
type Client struct {
	id             string
	conn           *websocket.Conn
	subscribedTask uint
	subscribed     bool
	lastActivity   time.Time
	send           chan scheduler.Event
}

// Hub fans scheduler events out to connected WebSocket clients. It is the
// event sink: delivery is best-effort and a full client buffer drops the
// event rather than blocking the scheduler.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	events     chan scheduler.Event

	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub and starts its event loop
func NewHub() *Hub {
	hub := &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		events:     make(chan scheduler.Event, 256),
		stopCh:     make(chan struct{}),
	}

	go hub.run()
	go hub.cleanupIdleClients()

	return hub
}

// Notify implements scheduler.Notifier; it never blocks the caller
func (h *Hub) Notify(event scheduler.Event) {
	select {
	case h.events <- event:
	default:
		log.Printf("Event buffer full, dropping %s for task %d", event.Type, event.TaskID)
	}
}

// run handles the main event loop
func (h *Hub) run() {
	for {
		select {
		case <-h.stopCh:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("WebSocket client %s registered", client.id)

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.events:
			h.broadcast(event)
		}
	}
}

// broadcast delivers an event to every interested client
func (h *Hub) broadcast(event scheduler.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.subscribed && client.subscribedTask != event.TaskID {
			continue
		}
		select {
		case client.send <- event:
		default:
			// slow consumer; skip rather than stall the loop
		}
	}
}

// removeClient removes a client and closes its send channel
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	log.Printf("WebSocket client %s unregistered", client.id)
}

// subscribeClient narrows a client to one task's events
func (h *Hub) subscribeClient(client *Client, taskID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.subscribedTask = taskID
	client.subscribed = true
	client.lastActivity = time.Now()
}

// unsubscribeClient restores a client to the firehose
func (h *Hub) unsubscribeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.subscribed = false
	client.subscribedTask = 0
	client.lastActivity = time.Now()
}

// cleanupIdleClients drops clients silent for over an hour
func (h *Hub) cleanupIdleClients() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.mu.RLock()
			var idle []*Client
			for client := range h.clients {
				if time.Since(client.lastActivity) > time.Hour {
					idle = append(idle, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range idle {
				client.conn.Close()
				h.unregister <- client
			}
		}
	}
}

// Stop shuts the hub down; safe to call more than once
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// HandleConnection serves one WebSocket connection until it closes
func (h *Hub) HandleConnection(conn *websocket.Conn) {
	client := &Client{
		id:           uuid.New().String(),
		conn:         conn,
		lastActivity: time.Now(),
		send:         make(chan scheduler.Event, 64),
	}
	h.register <- client

	defer func() {
		h.unregister <- client
		conn.Close()
	}()

	go func() {
		for event := range client.send {
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}()

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Action {
		case "subscribe":
			h.subscribeClient(client, msg.TaskID)
		case "unsubscribe":
			h.unsubscribeClient(client)
		case "ping":
			h.mu.Lock()
			client.lastActivity = time.Now()
			h.mu.Unlock()
		}
	}
}
