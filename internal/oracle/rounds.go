package oracle

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"priceoracle/internal/model"
)

// Receipt describes an accepted submission.
type Receipt struct {
	Asset     common.Address     `json:"asset"`
	Round     uint64             `json:"round"`
	Count     int                `json:"count"`
	Finalized bool               `json:"finalized"`
	Result    *model.RoundResult `json:"result,omitempty"` // set when this submission finalized the round
}

// SubmitPrice records a validator's price for the asset's current round.
// When the submission brings the round to quorum, the round is finalized and
// the next round opens before SubmitPrice returns.
func (e *Engine) SubmitPrice(ctx context.Context, asset, submitter common.Address, price *big.Int) (Receipt, error) {
	return e.submit(ctx, asset, submitter, price, nil)
}

// SubmitPriceAt is SubmitPrice for a reporter that names the round it
// observed. A round that has already finalized fails with ErrRoundFinalized;
// a round that has not opened yet fails with ErrRoundNotOpen.
func (e *Engine) SubmitPriceAt(ctx context.Context, asset, submitter common.Address, price *big.Int, round uint64) (Receipt, error) {
	return e.submit(ctx, asset, submitter, price, &round)
}

func (e *Engine) submit(ctx context.Context, asset, submitter common.Address, price *big.Int, round *uint64) (Receipt, error) {
	if asset == (common.Address{}) {
		return Receipt{}, ErrInvalidAsset
	}

	e.mu.Lock()
	st, err := e.state(asset)
	if err != nil {
		e.mu.Unlock()
		return Receipt{}, err
	}
	if price == nil || price.Sign() <= 0 {
		e.mu.Unlock()
		return Receipt{}, ErrInvalidPrice
	}
	if err := e.authorized(ctx, submitter); err != nil {
		e.mu.Unlock()
		return Receipt{}, err
	}
	if round != nil {
		switch {
		case *round < st.currentRound:
			e.mu.Unlock()
			return Receipt{}, ErrRoundFinalized
		case *round > st.currentRound:
			e.mu.Unlock()
			return Receipt{}, ErrRoundNotOpen
		}
	}

	var events []Event
	rc, err := e.record(ctx, asset, st, submitter, price, &events)
	e.mu.Unlock()

	e.dispatch(events)
	return rc, err
}

// BatchStatus is the outcome of one pair in a batch submission.
type BatchStatus string

const (
	BatchAccepted BatchStatus = "accepted"
	BatchSkipped  BatchStatus = "skipped"
	BatchRejected BatchStatus = "rejected"
)

// BatchOutcome reports what happened to one (asset, price) pair.
type BatchOutcome struct {
	Asset   common.Address `json:"asset"`
	Status  BatchStatus    `json:"status"`
	Err     error          `json:"-"`
	Receipt *Receipt       `json:"receipt,omitempty"`
}

// BatchResult lists per-pair outcomes in input order.
type BatchResult struct {
	Outcomes []BatchOutcome `json:"outcomes"`
}

// Accepted returns the number of pairs that were recorded.
func (b BatchResult) Accepted() int {
	n := 0
	for _, o := range b.Outcomes {
		if o.Status == BatchAccepted {
			n++
		}
	}
	return n
}

// SubmitPriceBatch submits one price per asset in a single call. The call
// fails as a whole only on a length mismatch or an unauthorized submitter.
// Pairs with a zero asset, a non-positive price or an unregistered asset are
// skipped; any other failure rejects that pair alone.
func (e *Engine) SubmitPriceBatch(ctx context.Context, submitter common.Address, assets []common.Address, prices []*big.Int) (BatchResult, error) {
	if len(assets) != len(prices) {
		return BatchResult{}, ErrArrayLengthMismatch
	}

	e.mu.Lock()
	if err := e.authorized(ctx, submitter); err != nil {
		e.mu.Unlock()
		return BatchResult{}, err
	}

	var events []Event
	res := BatchResult{Outcomes: make([]BatchOutcome, len(assets))}
	for i, asset := range assets {
		out := BatchOutcome{Asset: asset}
		price := prices[i]
		st, ok := e.assets[asset]
		switch {
		case asset == (common.Address{}) || price == nil || price.Sign() <= 0 || !ok:
			out.Status = BatchSkipped
		default:
			rc, err := e.record(ctx, asset, st, submitter, price, &events)
			if err != nil {
				out.Status = BatchRejected
				out.Err = err
			} else {
				out.Status = BatchAccepted
				out.Receipt = &rc
			}
		}
		res.Outcomes[i] = out
	}
	e.mu.Unlock()

	e.dispatch(events)
	return res, nil
}

// record validates and appends a submission to the asset's current round,
// finalizing at quorum. Caller holds e.mu and has checked the asset, price and
// submitter.
func (e *Engine) record(ctx context.Context, asset common.Address, st *assetState, submitter common.Address, price *big.Int, events *[]Event) (Receipt, error) {
	r := st.openRound(asset)
	if hasSubmitted(r, submitter) {
		return Receipt{}, ErrAlreadySubmitted
	}

	if err := e.checkBounds(ctx, asset, st, price); err != nil {
		var cb *CircuitBreakerError
		if errors.As(err, &cb) {
			*events = append(*events, Event{
				Type:      EventCircuitBreakerTripped,
				Asset:     asset,
				Submitter: submitter,
				Round:     r.Index,
				Price:     cb.Attempted,
				Previous:  cb.Previous,
				TS:        e.now().UTC(),
			})
		}
		return Receipt{}, err
	}

	r.Submissions = append(r.Submissions, model.Submission{Validator: submitter, Price: new(big.Int).Set(price)})
	*events = append(*events, Event{
		Type:      EventSubmissionRecorded,
		Asset:     asset,
		Submitter: submitter,
		Round:     r.Index,
		Price:     new(big.Int).Set(price),
		TS:        e.now().UTC(),
	})

	rc := Receipt{Asset: asset, Round: r.Index, Count: r.SubmissionCount()}
	// >= so a quorum lowered mid-round finalizes on the next submission.
	if uint64(r.SubmissionCount()) >= e.params.MinSubmitters {
		res := e.finalize(asset, st, r)
		rc.Finalized = true
		rc.Result = &res
		*events = append(*events, Event{
			Type:  EventRoundFinalized,
			Asset: asset,
			Round: r.Index,
			Price: new(big.Int).Set(res.Price),
			Count: res.SubmissionCount,
			TS:    res.TS,
		})
	}
	return rc, nil
}

// finalize computes the median, stores it as the latest consensus, appends an
// observation and opens the next round. Caller holds e.mu.
func (e *Engine) finalize(asset common.Address, st *assetState, r *model.Round) model.RoundResult {
	prices := make([]*big.Int, len(r.Submissions))
	for i, s := range r.Submissions {
		prices[i] = s.Price
	}
	cons := median(prices)

	now := e.now().UTC()
	// history timestamps never go backwards, even if the clock does
	if n := len(st.history); n > 0 && now.Before(st.history[n-1].Timestamp) {
		now = st.history[n-1].Timestamp
	}

	r.Finalized = true
	r.ConsensusPrice = cons
	r.FinalizedAt = now

	st.latestPrice = new(big.Int).Set(cons)
	st.lastFinalizedAt = now
	st.appendObservation(model.Observation{Price: new(big.Int).Set(cons), Timestamp: now}, e.maxObservations)
	st.currentRound++
	st.pruneRounds(e.maxRoundsKept)

	subs := r.Clone().Submissions
	return model.RoundResult{
		Asset:           asset,
		Round:           r.Index,
		Price:           new(big.Int).Set(cons),
		SubmissionCount: len(subs),
		Submissions:     subs,
		TS:              now,
	}
}

// openRound returns the asset's current round record, creating it on first use.
func (st *assetState) openRound(asset common.Address) *model.Round {
	r, ok := st.rounds[st.currentRound]
	if !ok {
		r = &model.Round{Asset: asset, Index: st.currentRound}
		st.rounds[st.currentRound] = r
	}
	return r
}

func (st *assetState) appendObservation(o model.Observation, max int) {
	st.history = append(st.history, o)
	if over := len(st.history) - max; over > 0 {
		st.history = append(st.history[:0:0], st.history[over:]...)
	}
}

// pruneRounds drops the oldest finalized rounds beyond keep.
func (st *assetState) pruneRounds(keep int) {
	for st.currentRound-st.oldestRound > uint64(keep) {
		delete(st.rounds, st.oldestRound)
		st.oldestRound++
	}
}

func hasSubmitted(r *model.Round, validator common.Address) bool {
	for _, s := range r.Submissions {
		if s.Validator == validator {
			return true
		}
	}
	return false
}
