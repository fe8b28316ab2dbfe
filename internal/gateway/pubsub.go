package gateway

import (
	"context"
	"log"

	redisstore "priceoracle/internal/store/redis"
)

// PriceChannelPattern matches every per-asset consensus channel.
const PriceChannelPattern = "pub:price:*"

// PubSubRouter manages Redis PubSub subscriptions and routes messages
// to the broadcaster for fan-out to WebSocket clients.
type PubSubRouter struct {
	hub *Hub
}

// NewPubSubRouter creates a PubSubRouter backed by the given Hub.
func NewPubSubRouter(hub *Hub) *PubSubRouter {
	return &PubSubRouter{hub: hub}
}

// Run subscribes to every price channel plus the oracle event channel and
// routes messages to the hub. Blocks until ctx is cancelled.
func (r *PubSubRouter) Run(ctx context.Context) {
	go r.runEvents(ctx)

	pubsub := r.hub.Rdb.PSubscribe(ctx, PriceChannelPattern)
	defer pubsub.Close()
	log.Printf("[gateway] subscribed to %s", PriceChannelPattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.hub.Publish(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (r *PubSubRouter) runEvents(ctx context.Context) {
	pubsub := r.hub.Rdb.Subscribe(ctx, redisstore.EventChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.hub.Publish(msg.Channel, []byte(msg.Payload))
		}
	}
}
