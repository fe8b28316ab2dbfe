package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
)

// Hub manages WebSocket clients fed from Redis PubSub.
// It delegates to focused components:
//   - PubSubRouter: Redis subscription + message routing
//   - Broadcaster: envelope construction + client-filtered fan-out
type Hub struct {
	Rdb *goredis.Client

	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry
	seq     int64

	// Per-channel monotonic sequence numbers for gap detection
	channelSeqs map[string]int64

	// Per-channel replay buffers for gap backfill
	replayBufs map[string]*ReplayBuffer
	replayCap  int

	Metrics *Metrics // optional

	Router      *PubSubRouter
	Broadcaster *Broadcaster
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64 // per-channel seq for gap detection
}

// NewHub creates a Hub. rdb may be nil when the hub is fed in-process
// through Publish. replayCap is the per-channel replay buffer size.
func NewHub(rdb *goredis.Client, replayCap int) *Hub {
	h := &Hub{
		Rdb:         rdb,
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
		replayCap:   replayCap,
	}
	h.Router = NewPubSubRouter(h)
	h.Broadcaster = NewBroadcaster(h)
	return h
}

// Run starts the PubSub subscription loop. Blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	if h.Rdb == nil {
		log.Println("[gateway] WARNING: no redis client, hub only serves in-process publishes")
		<-ctx.Done()
		return
	}
	h.Router.Run(ctx)
}

// Publish broadcasts a payload on channel to subscribed clients.
func (h *Hub) Publish(channel string, data []byte) {
	h.Broadcaster.Broadcast(channel, data)
}

// HandleWSRequest registers an upgraded connection as a client.
func (h *Hub) HandleWSRequest(conn *websocket.Conn, lastTS string) {
	client := newClient(h, conn)

	conn.EnableWriteCompression(true)

	count := h.addClient(client)
	log.Printf("[gateway] ws client connected (%d total)", count)

	go client.sendInitialState(lastTS)
	go client.writePump()
	go client.readPump()
}

func (h *Hub) addClient(c *Client) int {
	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	if h.Metrics != nil {
		h.Metrics.Clients.Set(float64(count))
	}
	return count
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	close(c.send)
	if h.Metrics != nil {
		h.Metrics.Clients.Set(float64(count))
	}
}

// GetLatestAll returns a snapshot of the latest payload per channel.
func (h *Hub) GetLatestAll() map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cp := make(map[string]json.RawMessage, len(h.latest))
	for k, v := range h.latest {
		cp[k] = v.Data
	}
	return cp
}

// latestFor returns the latest payload on one channel.
func (h *Hub) latestFor(channel string) (latestEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.latest[channel]
	return e, ok
}

// GetReplayRange returns buffered envelopes for a channel in [fromSeq, toSeq].
// truncated reports that fromSeq is older than anything still buffered, so
// the caller cannot fully backfill and should resync from /api/latest.
func (h *Hub) GetReplayRange(channel string, fromSeq, toSeq int64) (out [][]byte, truncated bool) {
	h.mu.RLock()
	rb, exists := h.replayBufs[channel]
	h.mu.RUnlock()
	if !exists {
		return nil, false
	}
	entries := rb.Range(fromSeq, toSeq)
	out = make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	if oldest, ok := rb.OldestSeq(); ok && fromSeq < oldest {
		truncated = true
	}
	return out, truncated
}

// GetChannelSeq returns the current sequence number for a channel.
func (h *Hub) GetChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StartStatsBroadcast sends a small hub status envelope to all clients every
// interval until ctx is cancelled.
func (h *Hub) StartStatsBroadcast(ctx context.Context, start time.Time, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			envelope, _ := json.Marshal(map[string]interface{}{
				"type":       "stats",
				"clients":    len(h.clients),
				"channels":   len(h.latest),
				"seq":        h.seq,
				"uptime_sec": int64(time.Since(start).Seconds()),
				"ts":         time.Now().UTC().Format(time.RFC3339Nano),
			})
			for client := range h.clients {
				select {
				case client.send <- envelope:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}
