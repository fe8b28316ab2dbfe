// Package oracle implements the price-consensus engine: validators submit
// candidate prices per asset and round, the engine guards each submission with a
// circuit breaker and an optional external reference, finalizes the round at
// quorum with the median, and serves TWAP, staleness and deviation queries from
// the resulting observation history.
//
// Every public method runs to completion under a single engine lock, so calls
// never interleave. Events are dispatched after the lock is released.
package oracle

import (
	"context"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"priceoracle/internal/model"
)

const (
	defaultMaxAssets        = 256
	defaultMaxRoundsKept    = 1024
	defaultMaxObservations  = 4096
	defaultReferenceTimeout = 2 * time.Second
)

// Authorizer answers whether an address currently holds validator status.
// It is queried on every submission call; results are never cached.
type Authorizer interface {
	IsAuthorized(ctx context.Context, addr common.Address) (bool, error)
}

// Clock returns the current time. Injected so staleness and TWAP are testable.
type Clock func() time.Time

// Config configures an Engine. Zero values select defaults.
type Config struct {
	Params     Params
	Authorizer Authorizer
	Clock      Clock

	MaxAssets        int           // token registry bound (default 256)
	MaxRoundsKept    int           // finalized rounds kept in memory per asset (default 1024)
	MaxObservations  int           // observation history cap per asset (default 4096)
	ReferenceTimeout time.Duration // per external feed read (default 2s)
}

// assetState is everything the engine tracks for one registered asset.
type assetState struct {
	currentRound    uint64
	latestPrice     *big.Int // nil until the first finalization
	lastFinalizedAt time.Time
	rounds          map[uint64]*model.Round
	oldestRound     uint64
	history         []model.Observation
	reference       *ReferenceConfig
}

// Engine is the price-consensus engine. Safe for concurrent use.
type Engine struct {
	mu     sync.Mutex
	params Params
	assets map[common.Address]*assetState
	order  []common.Address // registration order

	auth             Authorizer
	now              Clock
	maxAssets        int
	maxRoundsKept    int
	maxObservations  int
	referenceTimeout time.Duration

	sinkMu sync.RWMutex
	sinks  []EventSink
}

// New creates an Engine. The authorizer is required.
func New(cfg Config) (*Engine, error) {
	if cfg.Authorizer == nil {
		return nil, ErrNotAuthorized
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		params:           cfg.Params,
		assets:           make(map[common.Address]*assetState),
		auth:             cfg.Authorizer,
		now:              cfg.Clock,
		maxAssets:        cfg.MaxAssets,
		maxRoundsKept:    cfg.MaxRoundsKept,
		maxObservations:  cfg.MaxObservations,
		referenceTimeout: cfg.ReferenceTimeout,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.maxAssets <= 0 {
		e.maxAssets = defaultMaxAssets
	}
	if e.maxRoundsKept <= 0 {
		e.maxRoundsKept = defaultMaxRoundsKept
	}
	if e.maxObservations <= 0 {
		e.maxObservations = defaultMaxObservations
	}
	if e.referenceTimeout <= 0 {
		e.referenceTimeout = defaultReferenceTimeout
	}
	return e, nil
}

// AddSink registers an event sink. Sinks are called in registration order.
func (e *Engine) AddSink(s EventSink) {
	e.sinkMu.Lock()
	e.sinks = append(e.sinks, s)
	e.sinkMu.Unlock()
}

func (e *Engine) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	e.sinkMu.RLock()
	sinks := e.sinks
	e.sinkMu.RUnlock()
	for _, ev := range events {
		for _, s := range sinks {
			s.OnEvent(ev)
		}
	}
}

// state returns the asset's state or ErrAssetNotRegistered. Caller holds e.mu.
func (e *Engine) state(asset common.Address) (*assetState, error) {
	st, ok := e.assets[asset]
	if !ok {
		return nil, ErrAssetNotRegistered
	}
	return st, nil
}

// authorized queries the authorizer. Lookup failures count as not authorized.
func (e *Engine) authorized(ctx context.Context, submitter common.Address) error {
	ok, err := e.auth.IsAuthorized(ctx, submitter)
	if err != nil {
		log.Printf("[oracle] authorization lookup for %s failed: %v", submitter.Hex(), err)
		return ErrNotAuthorized
	}
	if !ok {
		return ErrNotAuthorized
	}
	return nil
}

// ── Administration ──

// RegisterAsset makes an asset eligible for price tracking. Registering a
// known asset is a no-op.
func (e *Engine) RegisterAsset(asset common.Address) error {
	if asset == (common.Address{}) {
		return ErrInvalidAsset
	}

	e.mu.Lock()
	if _, ok := e.assets[asset]; ok {
		e.mu.Unlock()
		return nil
	}
	if len(e.order) >= e.maxAssets {
		e.mu.Unlock()
		return ErrRegistryFull
	}
	e.assets[asset] = newAssetState()
	e.order = append(e.order, asset)
	ev := Event{Type: EventAssetRegistered, Asset: asset, TS: e.now().UTC()}
	e.mu.Unlock()

	e.dispatch([]Event{ev})
	return nil
}

func newAssetState() *assetState {
	return &assetState{rounds: make(map[uint64]*model.Round)}
}

// UpdateParams applies a partial parameter update and returns the result.
// The update is rejected as a whole if the resulting set is invalid.
func (e *Engine) UpdateParams(u ParamsUpdate) (Params, error) {
	e.mu.Lock()
	next := u.Apply(e.params)
	if err := next.Validate(); err != nil {
		e.mu.Unlock()
		return e.Params(), err
	}
	e.params = next
	p := next
	ev := Event{Type: EventParametersUpdated, Params: &p, TS: e.now().UTC()}
	e.mu.Unlock()

	e.dispatch([]Event{ev})
	return next, nil
}

// Params returns the current parameters.
func (e *Engine) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// ── Queries ──

// IsRegistered reports whether the asset is registered. Never fails.
func (e *Engine) IsRegistered(asset common.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.assets[asset]
	return ok
}

// Assets returns the registered assets in registration order.
func (e *Engine) Assets() []common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]common.Address, len(e.order))
	copy(out, e.order)
	return out
}

// AssetCount returns the number of registered assets.
func (e *Engine) AssetCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.order)
}

// LatestPrice returns the latest consensus price; zero means none yet.
func (e *Engine) LatestPrice(asset common.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.state(asset)
	if err != nil {
		return nil, err
	}
	if st.latestPrice == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(st.latestPrice), nil
}

// LastFinalizedAt returns when the asset's latest round finalized (zero if never).
func (e *Engine) LastFinalizedAt(asset common.Address) (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.state(asset)
	if err != nil {
		return time.Time{}, err
	}
	return st.lastFinalizedAt, nil
}

// CurrentRound returns the index of the asset's open round.
func (e *Engine) CurrentRound(asset common.Address) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.state(asset)
	if err != nil {
		return 0, err
	}
	return st.currentRound, nil
}

// SubmissionCount returns the number of accepted submissions in a round.
// Rounds that were never opened report zero.
func (e *Engine) SubmissionCount(asset common.Address, round uint64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.state(asset)
	if err != nil {
		return 0, err
	}
	if r, ok := st.rounds[round]; ok {
		return r.SubmissionCount(), nil
	}
	if round < st.oldestRound {
		return 0, ErrRoundNotFound
	}
	return 0, nil
}

// Round returns a copy of a round record.
func (e *Engine) Round(asset common.Address, round uint64) (model.Round, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.state(asset)
	if err != nil {
		return model.Round{}, err
	}
	r, ok := st.rounds[round]
	if !ok {
		if round == st.currentRound {
			return model.Round{Asset: asset, Index: round, Submissions: []model.Submission{}}, nil
		}
		return model.Round{}, ErrRoundNotFound
	}
	return r.Clone(), nil
}

// HasSubmitted reports whether validator already submitted in the given round.
func (e *Engine) HasSubmitted(asset common.Address, round uint64, validator common.Address) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.state(asset)
	if err != nil {
		return false, err
	}
	r, ok := st.rounds[round]
	return ok && hasSubmitted(r, validator), nil
}

// Observations returns a copy of the asset's observation history, oldest first.
func (e *Engine) Observations(asset common.Address) ([]model.Observation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.state(asset)
	if err != nil {
		return nil, err
	}
	out := make([]model.Observation, len(st.history))
	for i, o := range st.history {
		out[i] = model.Observation{Price: new(big.Int).Set(o.Price), Timestamp: o.Timestamp}
	}
	return out, nil
}
