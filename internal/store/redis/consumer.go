package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"priceoracle/internal/model"
)

// DefaultSubmissionStream is the stream off-process reporters XADD to.
const DefaultSubmissionStream = "oracle:submissions"

// ConsumerConfig configures the submission consumer.
type ConsumerConfig struct {
	Stream        string // default "oracle:submissions"
	ConsumerGroup string // consumer group name, e.g. "oracled"
	ConsumerName  string // unique consumer name, e.g. hostname
}

// Consumer reads validator submissions from a Redis Stream via a consumer
// group. Every message carries a JSON model.SubmissionMsg in its "data" field.
type Consumer struct {
	client        *goredis.Client
	stream        string
	consumerGroup string
	consumerName  string
}

var _ model.SubmissionConsumer = (*Consumer)(nil)

// NewConsumer wraps an existing client.
func NewConsumer(client *goredis.Client, cfg ConsumerConfig) *Consumer {
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultSubmissionStream
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = "oracled"
	}
	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer = "worker-1"
	}
	log.Printf("[redis-consumer] stream=%s group=%s consumer=%s", stream, group, consumer)
	return &Consumer{client: client, stream: stream, consumerGroup: group, consumerName: consumer}
}

// EnsureConsumerGroup creates the consumer group if it doesn't exist.
// Uses "$" as start ID (only new messages) for fresh groups.
func (c *Consumer) EnsureConsumerGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.consumerGroup, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s: %w", c.stream, err)
	}
	return nil
}

// ConsumeSubmissions blocks on XREADGROUP and forwards parsed submissions.
// Messages are ACKed once handed to out. Returns when ctx is cancelled.
func (c *Consumer) ConsumeSubmissions(ctx context.Context, out chan<- model.SubmissionMsg) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    c.consumerGroup,
			Consumer: c.consumerName,
			Streams:  []string{c.stream, ">"},
			Count:    100,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			log.Printf("[redis-consumer] xreadgroup error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			if err := c.deliver(ctx, stream.Messages, out); err != nil {
				return err
			}
		}
	}
}

// RecoverPending re-delivers messages this group read but never ACKed, e.g.
// after a crash between read and ACK.
func (c *Consumer) RecoverPending(ctx context.Context, out chan<- model.SubmissionMsg) error {
	for {
		pending, err := c.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
			Stream: c.stream,
			Group:  c.consumerGroup,
			Start:  "-",
			End:    "+",
			Count:  100,
		}).Result()
		if err != nil || len(pending) == 0 {
			return nil
		}

		ids := make([]string, len(pending))
		for i, p := range pending {
			ids[i] = p.ID
		}
		claimed, err := c.client.XClaim(ctx, &goredis.XClaimArgs{
			Stream:   c.stream,
			Group:    c.consumerGroup,
			Consumer: c.consumerName,
			MinIdle:  0,
			Messages: ids,
		}).Result()
		if err != nil {
			log.Printf("[redis-consumer] xclaim error on %s: %v", c.stream, err)
			return nil
		}
		if err := c.deliver(ctx, claimed, out); err != nil {
			return err
		}
		log.Printf("[redis-consumer] recovered %d pending submissions", len(claimed))
		if len(claimed) < len(ids) {
			return nil
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, msgs []goredis.XMessage, out chan<- model.SubmissionMsg) error {
	for _, msg := range msgs {
		sub, err := DecodeSubmission(msg.Values)
		if err != nil {
			log.Printf("[redis-consumer] dropping %s: %v", msg.ID, err)
			// ACK even on bad message to avoid poison pill
			c.client.XAck(ctx, c.stream, c.consumerGroup, msg.ID)
			continue
		}

		select {
		case out <- sub:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.client.XAck(ctx, c.stream, c.consumerGroup, msg.ID)
	}
	return nil
}

// DecodeSubmission parses a stream entry's fields.
func DecodeSubmission(values map[string]interface{}) (model.SubmissionMsg, error) {
	data, ok := values["data"].(string)
	if !ok {
		return model.SubmissionMsg{}, fmt.Errorf("missing data field")
	}
	var sub model.SubmissionMsg
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return model.SubmissionMsg{}, fmt.Errorf("unmarshal submission: %w", err)
	}
	if _, err := model.ParsePrice(sub.Price); err != nil {
		return model.SubmissionMsg{}, err
	}
	return sub, nil
}

// PublishSubmission appends a submission to the stream. Used by reporters.
func (c *Consumer) PublishSubmission(ctx context.Context, sub model.SubmissionMsg) error {
	b, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return c.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: c.stream,
		MaxLen: 100000,
		Approx: true,
		Values: map[string]interface{}{"data": string(b)},
	}).Err()
}

// Close closes the Redis client.
func (c *Consumer) Close() error {
	return c.client.Close()
}
