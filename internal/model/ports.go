package model

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the oracle service from concrete storage implementations
// (Redis, SQLite). Each implementation satisfies one or more of these interfaces.

// RoundWriter persists finalized rounds.
type RoundWriter interface {
	// Run reads finalized rounds from roundCh and writes them.
	// Blocks until ctx is cancelled or roundCh is closed.
	Run(ctx context.Context, roundCh <-chan RoundResult)

	// Close releases underlying resources.
	Close() error
}

// HistoryReader reads persisted rounds back for engine restore.
type HistoryReader interface {
	// ReadObservations returns an asset's observations with ts > after, oldest first.
	ReadObservations(asset common.Address, after time.Time) ([]Observation, error)

	// ReadLatestRounds returns the most recent finalized round of every asset.
	ReadLatestRounds() ([]RoundResult, error)

	// Close releases underlying resources.
	Close() error
}

// SubmissionMsg is a validator submission arriving from an off-process reporter.
// Round is the round index the reporter observed; nil means "current round".
type SubmissionMsg struct {
	Asset     common.Address `json:"asset"`
	Validator common.Address `json:"validator"`
	Price     string         `json:"price"` // base-10 integer, PriceDecimals scale
	Round     *uint64        `json:"round,omitempty"`
	SentAt    time.Time      `json:"sent_at"`
}

// SubmissionConsumer consumes validator submissions from a stream (e.g. Redis Streams).
type SubmissionConsumer interface {
	// EnsureConsumerGroup creates the consumer group on the submission stream.
	EnsureConsumerGroup(ctx context.Context) error

	// RecoverPending processes any unACKed messages from a previous crash.
	RecoverPending(ctx context.Context, out chan<- SubmissionMsg) error

	// ConsumeSubmissions reads submissions via the consumer group.
	// Blocks until ctx is cancelled.
	ConsumeSubmissions(ctx context.Context, out chan<- SubmissionMsg) error

	// Close releases underlying resources.
	Close() error
}
