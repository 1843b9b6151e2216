// Package sse provides Server-Sent Events broadcasting for concord.
package sse

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/concord/pkg/models"
)

// clientBuffer is the number of pending events a client may lag behind
// before it is dropped.
const clientBuffer = 32

// Client represents a connected SSE client.
type Client struct {
	ID   string
	send chan []byte
	Done chan struct{}
	once sync.Once
}

func (c *Client) close() {
	c.once.Do(func() { close(c.Done) })
}

// Broadcaster manages SSE client connections and message broadcasting.
// It also acts as a consensus event sink that delivers each distinct event once.
type Broadcaster struct {
	clients map[string]*Client
	// delivered maps discussion+label to the fingerprint of the last event sent.
	delivered map[string]uint64
	mu        sync.RWMutex
	nextID    int
}

// NewBroadcaster creates a new SSE broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients:   make(map[string]*Client),
		delivered: make(map[string]uint64),
	}
}

// AddClient registers a new client.
func (b *Broadcaster) AddClient() *Client {
	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("client-%d", b.nextID)
	client := &Client{
		ID:   id,
		send: make(chan []byte, clientBuffer),
		Done: make(chan struct{}),
	}
	b.clients[id] = client
	clientCount := len(b.clients)
	b.mu.Unlock()

	log.Debug().
		Str("clientId", id).
		Int("totalClients", clientCount).
		Msg("SSE client connected")

	return client
}

// RemoveClient removes a client connection.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	delete(b.clients, client.ID)
	clientCount := len(b.clients)
	b.mu.Unlock()

	client.close()

	log.Debug().
		Str("clientId", client.ID).
		Int("totalClients", clientCount).
		Msg("SSE client disconnected")
}

// Broadcast sends data to all connected clients. Clients whose buffer is
// full are disconnected.
func (b *Broadcaster) Broadcast(data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE data")
		return
	}
	message := []byte(fmt.Sprintf("data: %s\n\n", jsonData))

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, client := range b.clients {
		clients = append(clients, client)
	}
	b.mu.RUnlock()

	var slow []*Client
	for _, client := range clients {
		select {
		case <-client.Done:
		case client.send <- message:
		default:
			slow = append(slow, client)
		}
	}

	for _, client := range slow {
		log.Debug().Str("clientId", client.ID).Msg("SSE client too slow, dropping")
		b.RemoveClient(client)
	}
}

// Publish delivers a consensus event. An event identical in discussion,
// label, size and author count to the last one delivered for that label is
// suppressed, so periodic re-evaluation does not repeat itself.
func (b *Broadcaster) Publish(_ context.Context, ev models.ConsensusEvent) error {
	key := ev.DiscussionID + "\x00" + strings.ToLower(ev.Label)
	fp := fingerprint(ev)

	b.mu.Lock()
	if last, ok := b.delivered[key]; ok && last == fp {
		b.mu.Unlock()
		return nil
	}
	b.delivered[key] = fp
	b.mu.Unlock()

	b.Broadcast(ev)
	return nil
}

// Reset forgets delivered events, e.g. when a new discussion starts.
func (b *Broadcaster) Reset() {
	b.mu.Lock()
	b.delivered = make(map[string]uint64)
	b.mu.Unlock()
}

func fingerprint(ev models.ConsensusEvent) uint64 {
	h := xxhash.New()
	_, _ = fmt.Fprintf(h, "%s|%s|%d|%d",
		ev.DiscussionID, strings.ToLower(ev.Label), ev.Metrics.MessageCount, ev.Metrics.AuthorCount)
	return h.Sum64()
}

// CloseAll disconnects every client.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[string]*Client)
	b.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE handles an SSE connection request. The handler goroutine is the
// only writer to the response.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := b.AddClient()
	defer b.RemoveClient(client)

	fmt.Fprintf(w, "data: {\"type\":\"connected\",\"clientId\":\"%s\"}\n\n", client.ID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done:
			return
		case msg := <-client.send:
			if _, err := w.Write(msg); err != nil {
				log.Debug().Str("clientId", client.ID).Err(err).Msg("Failed to write to SSE client")
				return
			}
			flusher.Flush()
		}
	}
}
