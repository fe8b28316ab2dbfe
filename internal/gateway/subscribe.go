package gateway

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"priceoracle/internal/model"
)

// ── WS Protocol Message Types ──

// SubscribeMsg is the client → server SUBSCRIBE request.
type SubscribeMsg struct {
	Type   string   `json:"type"`  // "SUBSCRIBE"
	ReqID  string   `json:"reqId"` // client-generated request ID
	Assets []string `json:"assets"`
}

// UnsubscribeMsg is the client → server UNSUBSCRIBE request.
type UnsubscribeMsg struct {
	Type   string   `json:"type"` // "UNSUBSCRIBE"
	ReqID  string   `json:"reqId"`
	Assets []string `json:"assets"`
}

// SnapshotResponse is the server → client SNAPSHOT sent after SUBSCRIBE.
// Prices maps asset key to its latest round JSON; assets with no consensus
// yet are absent.
type SnapshotResponse struct {
	Type   string                     `json:"type"` // "SNAPSHOT"
	ReqID  string                     `json:"reqId"`
	Prices map[string]json.RawMessage `json:"prices"`
}

// ErrorResponse is the server → client ERROR message.
type ErrorResponse struct {
	Type  string `json:"type"` // "ERROR"
	ReqID string `json:"reqId,omitempty"`
	Error string `json:"error"`
}

// parseAssets validates and normalizes asset addresses.
func parseAssets(raw []string) ([]string, error) {
	keys := make([]string, 0, len(raw))
	for _, s := range raw {
		a, err := model.ParseAddress(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, model.AssetKey(a))
	}
	return keys, nil
}

// assetFromChannel returns the asset key of a "pub:price:{asset}" channel.
func assetFromChannel(channel string) (string, bool) {
	const prefix = "pub:price:"
	if !strings.HasPrefix(channel, prefix) {
		return "", false
	}
	return channel[len(prefix):], true
}

// channelKind labels a channel for metrics.
func channelKind(channel string) string {
	if _, ok := assetFromChannel(channel); ok {
		return "price"
	}
	return "event"
}

// BuildSnapshot collects the latest round of each asset, from the hub's
// in-memory cache first and Redis "price:latest:{asset}" otherwise.
func BuildSnapshot(ctx context.Context, hub *Hub, assetKeys []string) *SnapshotResponse {
	snap := &SnapshotResponse{
		Type:   "SNAPSHOT",
		Prices: make(map[string]json.RawMessage, len(assetKeys)),
	}
	for _, key := range assetKeys {
		if e, ok := hub.latestFor("pub:price:" + key); ok {
			snap.Prices[key] = e.Data
			continue
		}
		if hub.Rdb == nil {
			continue
		}
		getCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		val, err := hub.Rdb.Get(getCtx, "price:latest:"+key).Result()
		cancel()
		switch {
		case err == goredis.Nil:
		case err != nil:
			log.Printf("[subscribe] latest lookup for %s failed: %v", key, err)
		default:
			snap.Prices[key] = json.RawMessage(val)
		}
	}
	return snap
}

// SendJSON marshals v and queues it for the client without blocking.
func SendJSON(c *Client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[subscribe] json marshal error: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
		log.Println("[subscribe] client send buffer full, dropping message")
	}
}

// SendError queues an ERROR message for the client.
func SendError(c *Client, reqID, errMsg string) {
	SendJSON(c, ErrorResponse{
		Type:  "ERROR",
		ReqID: reqID,
		Error: errMsg,
	})
}
