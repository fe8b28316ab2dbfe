package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"

	"priceoracle/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// RegisterRoutes registers the WebSocket and read-only REST routes.
func RegisterRoutes(mux *http.ServeMux, hub *Hub, processStart time.Time) {
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[gateway] ws upgrade error: %v", err)
			return
		}
		hub.HandleWSRequest(conn, r.URL.Query().Get("last_ts"))
	})

	// REST: latest payload per channel
	mux.HandleFunc("/api/latest", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(hub.GetLatestAll())
	})

	// REST: gap backfill, /api/missed?channel=pub:price:0x..&from=N[&to=M]
	mux.HandleFunc("/api/missed", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		channel := r.URL.Query().Get("channel")
		from, err := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		if channel == "" || err != nil || from < 0 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "channel and from are required"})
			return
		}
		var to int64
		if s := r.URL.Query().Get("to"); s != "" {
			if to, err = strconv.ParseInt(s, 10, 64); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid to"})
				return
			}
		}

		msgs, truncated := hub.GetReplayRange(channel, from, to)
		resp := MissedResponse{
			Channel:    channel,
			CurrentSeq: hub.GetChannelSeq(channel),
			Truncated:  truncated,
			Messages:   make([]json.RawMessage, len(msgs)),
		}
		for i, m := range msgs {
			resp.Messages[i] = m
		}
		json.NewEncoder(w).Encode(resp)
	})

	// REST: finalized round history from the Redis round stream
	mux.HandleFunc("/api/rounds", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		asset, err := model.ParseAddress(r.URL.Query().Get("asset"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		limit := 100
		if s := r.URL.Query().Get("limit"); s != "" {
			if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 1000 {
				limit = l
			}
		}
		if hub.Rdb == nil {
			json.NewEncoder(w).Encode([]RoundOut{})
			return
		}
		rounds, err := readRounds(r.Context(), hub.Rdb, asset, limit)
		if err != nil {
			log.Printf("[gateway] round history for %s: %v", model.AssetKey(asset), err)
			rounds = []RoundOut{}
		}
		json.NewEncoder(w).Encode(rounds)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		redisOK := hub.Rdb != nil && hub.Rdb.Ping(r.Context()).Err() == nil
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     "ok",
			"redis":      redisOK,
			"ws_clients": hub.ClientCount(),
			"uptime_sec": int64(time.Since(processStart).Seconds()),
			"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}

// readRounds returns the newest limit entries of "price:rounds:{asset}",
// oldest first.
func readRounds(ctx context.Context, rdb *goredis.Client, asset common.Address, limit int) ([]RoundOut, error) {
	key := (&model.RoundResult{Asset: asset}).StreamKey()
	msgs, err := rdb.XRevRangeN(ctx, key, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]RoundOut, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		data, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		round, _ := msgs[i].Values["round"].(string)
		out = append(out, RoundOut{StreamID: msgs[i].ID, Round: round, Data: json.RawMessage(data)})
	}
	return out, nil
}
