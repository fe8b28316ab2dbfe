package oracle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"priceoracle/internal/model"
)

// IsStale reports whether the asset has no consensus yet or its last
// finalization is older than the staleness threshold. Ages count whole
// seconds, so exactly at the threshold is still fresh.
func (e *Engine) IsStale(asset common.Address) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.state(asset)
	if err != nil {
		return false, err
	}
	if len(st.history) == 0 {
		return true, nil
	}
	return ageSeconds(e.now(), st.lastFinalizedAt) > e.params.StalenessThresholdSeconds, nil
}

// Verification is the result of VerifyPrice.
type Verification struct {
	WithinTolerance bool   `json:"within_tolerance"`
	DeviationBps    uint64 `json:"deviation_bps"`
	Consensus       string `json:"consensus"`
}

// VerifyPrice compares a candidate against the latest consensus. With no
// consensus yet it reports (false, 10000).
func (e *Engine) VerifyPrice(asset common.Address, candidate *big.Int) (Verification, error) {
	if candidate == nil || candidate.Sign() < 0 {
		return Verification{}, ErrInvalidPrice
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.state(asset)
	if err != nil {
		return Verification{}, err
	}
	if st.latestPrice == nil || st.latestPrice.Sign() == 0 {
		return Verification{WithinTolerance: false, DeviationBps: model.BpsDenominator, Consensus: "0"}, nil
	}

	bps := deviationBps(candidate, st.latestPrice)
	return Verification{
		WithinTolerance: bps <= e.params.ConsensusToleranceBps,
		DeviationBps:    bps,
		Consensus:       st.latestPrice.String(),
	}, nil
}
