package oracle

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names the signals the engine emits for off-chain observers.
type EventType string

const (
	EventSubmissionRecorded      EventType = "submission_recorded"
	EventRoundFinalized          EventType = "round_finalized"
	EventAssetRegistered         EventType = "asset_registered"
	EventReferenceFeedConfigured EventType = "reference_feed_configured"
	EventCircuitBreakerTripped   EventType = "circuit_breaker_tripped"
	EventParametersUpdated       EventType = "parameters_updated"
)

// Event is one emitted signal. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType      `json:"type"`
	Asset     common.Address `json:"asset"`
	Submitter common.Address `json:"submitter,omitempty"`
	Round     uint64         `json:"round"`
	Price     *big.Int       `json:"price,omitempty"`
	Previous  *big.Int       `json:"previous,omitempty"`
	Count     int            `json:"count,omitempty"`
	Enabled   bool           `json:"enabled,omitempty"`
	Params    *Params        `json:"params,omitempty"`
	TS        time.Time      `json:"ts"`
}

// EventSink receives events once the call that produced them has released the
// engine lock, in emission order, on the caller's goroutine.
type EventSink interface {
	OnEvent(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) OnEvent(e Event) { f(e) }
