package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// EventBroker manages SSE connections and broadcasts events
type EventBroker struct {
	clients map[chan string]bool
	mu      sync.RWMutex
	logger  *zap.Logger
}

// Global event broker instance
var broker = NewBroker(nil)

// GetBroker returns the global event broker
func GetBroker() *EventBroker {
	return broker
}

// NewBroker creates an independent broker
func NewBroker(logger *zap.Logger) *EventBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBroker{
		clients: make(map[chan string]bool),
		logger:  logger,
	}
}

// SetLogger replaces the broker's logger
func (b *EventBroker) SetLogger(logger *zap.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
}

// Register adds a new SSE client
func (b *EventBroker) Register(client chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = true
	b.logger.Debug("SSE client connected", zap.Int("clients", len(b.clients)))
}

// Unregister removes an SSE client
func (b *EventBroker) Unregister(client chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.clients[client] {
		return
	}
	delete(b.clients, client)
	close(client)
	b.logger.Debug("SSE client disconnected", zap.Int("clients", len(b.clients)))
}

// Clients returns the number of connected clients
func (b *EventBroker) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends an event to all connected clients
func (b *EventBroker) Broadcast(eventType string, data interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		b.logger.Warn("Failed to marshal event data", zap.String("event", eventType), zap.Error(err))
		return
	}

	message := fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, string(jsonData))

	for client := range b.clients {
		select {
		case client <- message:
		default:
			// Client buffer full, skip
		}
	}

	b.logger.Debug("Broadcast event", zap.String("event", eventType), zap.Int("clients", len(b.clients)))
}
