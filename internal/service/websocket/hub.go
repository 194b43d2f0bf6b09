package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"customvision/internal/config"
	"customvision/internal/logger"
)

// Message types sent to viewers.
const (
	TypeState    = "state"
	TypeTraining = "training"
)

// Envelope wraps every broadcast payload with its type.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Conn is the part of a websocket connection the hub uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// HubService fans messages out to every connected viewer.
type HubService struct {
	clients    map[Conn]bool
	broadcast  chan []byte
	register   chan Conn
	unregister chan Conn
	mutex      sync.RWMutex
	logger     *logger.Logger
}

// NewHubService creates a hub; call Run to start delivering.
func NewHubService(config *config.Config, logger *logger.Logger) *HubService {
	return &HubService{
		clients:    make(map[Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan Conn),
		unregister: make(chan Conn),
		logger:     logger,
	}
}

// Run delivers registrations and broadcasts until ctx is done, then closes every client.
func (h *HubService) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("Client connected. Total: %d", total)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			total := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("Client disconnected. Total: %d", total)

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

func (h *HubService) deliver(message []byte) {
	var failed []Conn

	h.mutex.RLock()
	for client := range h.clients {
		if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
			h.logger.Error("Error sending message: %v", err)
			failed = append(failed, client)
		}
	}
	h.mutex.RUnlock()

	if len(failed) == 0 {
		return
	}
	h.mutex.Lock()
	for _, client := range failed {
		delete(h.clients, client)
		client.Close()
	}
	h.mutex.Unlock()
}

// Register adds a viewer.
func (h *HubService) Register(client Conn) {
	h.register <- client
}

// Unregister removes and closes a viewer.
func (h *HubService) Unregister(client Conn) {
	h.unregister <- client
}

// Broadcast queues a raw message. It never blocks; when the queue is full the
// message is dropped and false is returned.
func (h *HubService) Broadcast(message []byte) bool {
	select {
	case h.broadcast <- message:
		return true
	default:
		h.logger.Warning("Broadcast queue full, dropping message")
		return false
	}
}

// BroadcastJSON wraps v in an Envelope of the given type and queues it.
func (h *HubService) BroadcastJSON(messageType string, v interface{}) bool {
	data, err := json.Marshal(Envelope{Type: messageType, Data: v})
	if err != nil {
		h.logger.Error("Error encoding %s message: %v", messageType, err)
		return false
	}
	return h.Broadcast(data)
}

// GetClientCount returns the number of connected viewers.
func (h *HubService) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
