package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	goredis "github.com/go-redis/redis/v8"

	"priceoracle/internal/model"
)

const (
	// per-asset round stream: a few days of one-minute rounds
	roundStreamMaxLen = 5000

	// EventChannel carries engine alerts (circuit breaker trips, stale assets).
	EventChannel = "pub:oracle:events"
)

// Writer distributes finalized rounds to Redis.
//
//	SET     price:latest:{asset}  (no TTL; staleness is judged from the ts field)
//	XADD    price:rounds:{asset}  MAXLEN ~5000
//	PUBLISH pub:price:{asset}
type Writer struct {
	client *goredis.Client
}

// NewWriter wraps an existing client.
func NewWriter(client *goredis.Client) *Writer {
	return &Writer{client: client}
}

// Run reads finalized rounds from roundCh and writes them.
// Blocks until ctx is cancelled or roundCh is closed.
func (w *Writer) Run(ctx context.Context, roundCh <-chan model.RoundResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-roundCh:
			if !ok {
				return
			}
			if err := w.WriteRound(ctx, res); err != nil {
				log.Printf("[redis] %v", err)
			}
		}
	}
}

// WriteRound performs the pipelined SET + XADD + PUBLISH for one round.
func (w *Writer) WriteRound(ctx context.Context, res model.RoundResult) error {
	data := string(res.JSON())

	pipe := w.client.Pipeline()
	pipe.Set(ctx, res.LatestKey(), data, 0)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: res.StreamKey(),
		MaxLen: roundStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"round": res.Round,
			"data":  data,
		},
	})
	pipe.Publish(ctx, res.PubSubChannel(), data)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("round pipeline error for %s round %d: %w", res.Key(), res.Round, err)
	}
	return nil
}

// PublishEvent publishes an alert payload on EventChannel.
func (w *Writer) PublishEvent(ctx context.Context, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.client.Publish(ctx, EventChannel, string(b)).Err()
}

// LatestRound reads the last distributed round for an asset.
// Returns (nil, nil) when nothing has been written yet.
func (w *Writer) LatestRound(ctx context.Context, asset string) (*model.RoundResult, error) {
	data, err := w.client.Get(ctx, "price:latest:"+asset).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get latest %s: %w", asset, err)
	}
	var res model.RoundResult
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return nil, fmt.Errorf("unmarshal latest %s: %w", asset, err)
	}
	return &res, nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
