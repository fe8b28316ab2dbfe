package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// Subscribed asset keys. Empty means "everything".
	subMu sync.RWMutex
	subs  map[string]bool
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
		subs: make(map[string]bool),
	}
}

// sendInitialState replays the latest payload of every channel updated after
// lastTS (all channels when lastTS is empty).
func (c *Client) sendInitialState(lastTS string) {
	var cutoff time.Time
	if lastTS != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, lastTS); err == nil {
			cutoff = parsed
		}
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	for channel, entry := range c.hub.latest {
		if !cutoff.IsZero() && !entry.TS.After(cutoff) {
			continue
		}
		envelope, _ := json.Marshal(map[string]interface{}{
			"channel":     channel,
			"data":        entry.Data,
			"ts":          entry.TS.Format(time.RFC3339Nano),
			"channel_seq": entry.Seq,
			"initial":     true,
		})
		select {
		case c.send <- envelope:
		default:
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.handleMessage(msg)
	}
}

// handleMessage dispatches one client frame.
func (c *Client) handleMessage(msg []byte) {
	var base struct {
		Type string `json:"type"`
		Ping int64  `json:"ping"`
	}
	if json.Unmarshal(msg, &base) != nil {
		return
	}

	switch base.Type {
	case "SUBSCRIBE":
		var sub SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			SendError(c, "", "invalid SUBSCRIBE: "+err.Error())
			return
		}
		c.handleSubscribe(sub)

	case "UNSUBSCRIBE":
		var unsub UnsubscribeMsg
		if err := json.Unmarshal(msg, &unsub); err != nil {
			SendError(c, "", "invalid UNSUBSCRIBE: "+err.Error())
			return
		}
		c.handleUnsubscribe(unsub)

	default:
		if base.Ping > 0 {
			pong, _ := json.Marshal(map[string]interface{}{
				"type":      "pong",
				"ping":      base.Ping,
				"server_ts": time.Now().UnixMilli(),
			})
			select {
			case c.send <- pong:
			default:
			}
		}
	}
}

// handleSubscribe adds assets to the client's filter and answers with a
// SNAPSHOT of their latest consensus.
func (c *Client) handleSubscribe(msg SubscribeMsg) {
	if len(msg.Assets) == 0 {
		SendError(c, msg.ReqID, "assets are required")
		return
	}
	keys, err := parseAssets(msg.Assets)
	if err != nil {
		SendError(c, msg.ReqID, err.Error())
		return
	}

	c.subMu.Lock()
	for _, k := range keys {
		c.subs[k] = true
	}
	c.subMu.Unlock()
	log.Printf("[subscribe] client subscribed: assets=%v", keys)

	snap := BuildSnapshot(context.Background(), c.hub, keys)
	snap.ReqID = msg.ReqID
	SendJSON(c, snap)
}

// handleUnsubscribe removes assets from the client's filter.
func (c *Client) handleUnsubscribe(msg UnsubscribeMsg) {
	keys, err := parseAssets(msg.Assets)
	if err != nil {
		SendError(c, msg.ReqID, err.Error())
		return
	}
	c.subMu.Lock()
	for _, k := range keys {
		delete(c.subs, k)
	}
	c.subMu.Unlock()
	log.Printf("[subscribe] client unsubscribed: assets=%v", keys)
}

// matchesChannel reports whether this client should receive a message.
// Event channels always match; price channels match subscribed assets, or
// everything when the client has not subscribed to anything.
func (c *Client) matchesChannel(channel string) bool {
	asset, ok := assetFromChannel(channel)
	if !ok {
		return true
	}
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if len(c.subs) == 0 {
		return true
	}
	return c.subs[asset]
}
