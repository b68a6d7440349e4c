// Package hub streams bus events to dashboard clients over Server-Sent Events
// or websockets.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"portalgate/internal/logging"
	"portalgate/internal/service"
)

// Client is one connected stream, SSE or websocket
type Client struct {
	id     string
	events chan service.Event
}

// Hub manages stream client connections
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan service.Event
	stopped    chan struct{}
	closing    chan struct{}
	closeOnce  sync.Once
	buffer     int
	keepAlive  time.Duration
	log        zerolog.Logger
}

// New creates a new Hub. buffer is the per-client queue length.
func New(buffer int, log zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan service.Event, 256),
		stopped:    make(chan struct{}),
		closing:    make(chan struct{}),
		buffer:     buffer,
		keepAlive:  30 * time.Second,
		log:        logging.WithComponent(log, "sse_hub"),
	}
}

// Events is the channel to subscribe to the event bus
func (h *Hub) Events() chan<- service.Event {
	return h.broadcast
}

// Run starts the hub's event loop and returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Str("client", client.id).Int("total", n).Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.events)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Str("client", client.id).Int("total", n).Msg("client disconnected")

		case event := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.events <- event:
				default:
					// Client is slow, skip this message
					h.log.Warn().Str("client", client.id).Msg("client is slow, skipping message")
				}
			}
			h.mu.RUnlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.events)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast queues an event for all connected clients
func (h *Hub) Broadcast(event service.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn().Str("event", string(event.Type)).Msg("broadcast channel full, dropping event")
	}
}

// Close ends every open stream and refuses new ones. http.Server.Shutdown
// does not cancel request contexts, so streams would otherwise hold it open.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func format(event service.Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, data)), nil
}

// ServeHTTP streams events over a websocket when the request asks for an
// upgrade and over SSE otherwise
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.closing:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if websocket.IsWebSocketUpgrade(r) {
		h.serveWebSocket(w, r)
		return
	}
	h.serveSSE(w, r)
}

// join registers a client; the returned leave func must be called once the
// stream ends. ok is false when the hub has stopped or the request is gone.
func (h *Hub) join(r *http.Request) (client *Client, leave func(), ok bool) {
	client = &Client{
		id:     uuid.NewString(),
		events: make(chan service.Event, h.buffer),
	}
	select {
	case h.register <- client:
	case <-h.stopped:
		return nil, nil, false
	case <-r.Context().Done():
		return nil, nil, false
	}
	leave = func() {
		select {
		case h.unregister <- client:
		case <-h.stopped:
		}
	}
	return client, leave, true
}

func (h *Hub) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	client, leave, ok := h.join(r)
	if !ok {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer leave()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-client.events:
			if !ok {
				return
			}
			msg, err := format(event)
			if err != nil {
				h.log.Error().Err(err).Str("event", string(event.Type)).Msg("failed to marshal event")
				continue
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-h.closing:
			return

		case <-r.Context().Done():
			return
		}
	}
}
