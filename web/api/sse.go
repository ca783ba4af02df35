package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// Event is one encoded envelope fanned out to clients
type Event struct {
	Type string
	Data []byte
}

// clientBuffer is how many events a slow client may lag behind before it
// is dropped
const clientBuffer = 256

// Hub manages SSE and WebSocket subscribers
type Hub struct {
	clients    map[chan Event]bool
	broadcast  chan Event
	register   chan chan Event
	unregister chan chan Event
	mu         sync.Mutex
	done       chan struct{}
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[chan Event]bool),
		broadcast:  make(chan Event, clientBuffer),
		register:   make(chan chan Event),
		unregister: make(chan chan Event),
		done:       make(chan struct{}),
	}
}

// Run dispatches events until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			close(client)
			delete(h.clients, client)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to all clients. It is dropped once the hub has
// stopped.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	}
}

// Subscribe registers a new client. The returned channel is closed when the
// client is unsubscribed, falls too far behind, or the hub stops.
func (h *Hub) Subscribe() (chan Event, bool) {
	client := make(chan Event, clientBuffer)
	select {
	case h.register <- client:
		return client, true
	case <-h.done:
		return nil, false
	}
}

// Unsubscribe removes a client
func (h *Hub) Unsubscribe(client chan Event) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		client, ok := s.hub.Subscribe()
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		// Cleanup on disconnect
		notify := r.Context().Done()
		go func() {
			<-notify
			s.hub.Unsubscribe(client)
		}()

		for event := range client {
			fmt.Fprintf(w, "event: %s\n", event.Type)
			fmt.Fprintf(w, "data: %s\n\n", event.Data)
			flusher.Flush()
		}
	}
}
