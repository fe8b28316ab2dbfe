package model

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceDecimals is the fixed-point scale of every price handled by the oracle.
// A price of 1 unit is 10^PriceDecimals.
const PriceDecimals = 18

// BpsDenominator is the basis-point denominator (10 000 bps = 100%).
const BpsDenominator = 10_000

// Submission is one validator's candidate price inside a round.
type Submission struct {
	Validator common.Address `json:"validator"`
	Price     *big.Int       `json:"price"`
}

// Round holds the bookkeeping for one (asset, round index) pair.
// Submissions keep arrival order; the median is computed on a sorted copy.
type Round struct {
	Asset          common.Address `json:"asset"`
	Index          uint64         `json:"index"`
	Submissions    []Submission   `json:"submissions"`
	Finalized      bool           `json:"finalized"`
	ConsensusPrice *big.Int       `json:"consensus_price,omitempty"`
	FinalizedAt    time.Time      `json:"finalized_at,omitempty"`
}

// SubmissionCount returns the number of accepted submissions.
func (r *Round) SubmissionCount() int {
	return len(r.Submissions)
}

// Clone returns a deep copy safe to hand to callers outside the engine lock.
func (r *Round) Clone() Round {
	cp := Round{
		Asset:       r.Asset,
		Index:       r.Index,
		Finalized:   r.Finalized,
		FinalizedAt: r.FinalizedAt,
		Submissions: make([]Submission, len(r.Submissions)),
	}
	for i, s := range r.Submissions {
		cp.Submissions[i] = Submission{Validator: s.Validator, Price: new(big.Int).Set(s.Price)}
	}
	if r.ConsensusPrice != nil {
		cp.ConsensusPrice = new(big.Int).Set(r.ConsensusPrice)
	}
	return cp
}

// Observation is a (price, timestamp) pair appended when a round finalizes.
type Observation struct {
	Price     *big.Int  `json:"price"`
	Timestamp time.Time `json:"ts"`
}

// RoundResult is the record of a finalized round as it leaves the engine
// for distribution (Redis, SQLite, WebSocket).
type RoundResult struct {
	Asset           common.Address `json:"asset"`
	Round           uint64         `json:"round"`
	Price           *big.Int       `json:"price"`
	SubmissionCount int            `json:"submission_count"`
	Submissions     []Submission   `json:"submissions,omitempty"`
	TS              time.Time      `json:"ts"` // finalization time (UTC)
}

// Key returns the lowercase hex asset identifier used in storage keys.
func (r *RoundResult) Key() string {
	return AssetKey(r.Asset)
}

// StreamKey returns the Redis stream key: "price:rounds:{asset}".
func (r *RoundResult) StreamKey() string {
	return "price:rounds:" + r.Key()
}

// LatestKey returns the Redis key holding the latest consensus: "price:latest:{asset}".
func (r *RoundResult) LatestKey() string {
	return "price:latest:" + r.Key()
}

// PubSubChannel returns the Redis PubSub channel: "pub:price:{asset}".
func (r *RoundResult) PubSubChannel() string {
	return PriceChannel(r.Asset)
}

// JSON returns the JSON-encoded round result (ignoring errors for hot-path usage).
func (r *RoundResult) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}

// Record rebuilds the finalized round record from a journaled result.
func (r *RoundResult) Record() Round {
	rec := Round{
		Asset:       r.Asset,
		Index:       r.Round,
		Finalized:   true,
		FinalizedAt: r.TS,
		Submissions: append([]Submission{}, r.Submissions...),
	}
	if r.Price != nil {
		rec.ConsensusPrice = new(big.Int).Set(r.Price)
	}
	return rec
}

// AssetKey renders an address the way storage keys and channels use it.
func AssetKey(a common.Address) string {
	return "0x" + common.Bytes2Hex(a.Bytes())
}

// PriceChannel returns the PubSub / WebSocket channel name for an asset.
func PriceChannel(a common.Address) string {
	return "pub:price:" + AssetKey(a)
}
