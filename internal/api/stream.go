// stream.go delivers status events to HTTP clients over server-sent
// events. The hub holds one subscription on the status store and fans
// every event out to the connected streams.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"futures-agent/internal/status"
)

const (
	clientBuffer   = 64
	broadcastSize  = 256
	heartbeatEvery = 15 * time.Second
)

// Hub fans status events out to event-stream clients. All client
// bookkeeping happens inside Run; Add and Remove talk to it through
// channels so no lock is needed.
type Hub struct {
	clients    map[chan []byte]bool
	register   chan chan []byte
	unregister chan chan []byte
	broadcast  chan []byte
	done       chan struct{}
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[chan []byte]bool),
		register:   make(chan chan []byte),
		unregister: make(chan chan []byte),
		broadcast:  make(chan []byte, broadcastSize),
		done:       make(chan struct{}),
		logger:     logger.With("component", "event_hub"),
	}
}

// Run owns the client set until ctx is canceled, then closes every
// remaining client channel. Only Run ever closes a client channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for ch := range h.clients {
				close(ch)
			}
			return
		case ch := <-h.register:
			h.clients[ch] = true
			h.logger.Debug("stream client connected", "count", len(h.clients))
		case ch := <-h.unregister:
			if h.clients[ch] {
				delete(h.clients, ch)
				close(ch)
			}
			h.logger.Debug("stream client disconnected", "count", len(h.clients))
		case msg := <-h.broadcast:
			for ch := range h.clients {
				select {
				case ch <- msg:
				default:
					// Client cannot keep up, drop it.
					delete(h.clients, ch)
					close(ch)
				}
			}
		}
	}
}

// Broadcast is the status store subscriber: it serializes the event and
// hands it to the hub loop without blocking the store.
func (h *Hub) Broadcast(evt status.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("event marshal failed", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// Add registers a new client channel. A hub that already shut down hands
// back a closed channel so the caller exits its read loop immediately.
func (h *Hub) Add() chan []byte {
	ch := make(chan []byte, clientBuffer)
	select {
	case h.register <- ch:
	case <-h.done:
		close(ch)
	}
	return ch
}

// Remove detaches a client; the hub closes the channel.
func (h *Hub) Remove(ch chan []byte) {
	select {
	case h.unregister <- ch:
	case <-h.done:
	}
}

// HandleEvents streams status events as server-sent events until the
// client disconnects or the server stops.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := h.hub.Add()
	defer h.hub.Remove(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}
