package oracle

import (
	"context"
	"math"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"priceoracle/internal/model"
)

var bpsDenominator = big.NewInt(model.BpsDenominator)

// median returns the median of prices. Even counts take the floor of the
// average of the two middle values. prices is not modified.
func median(prices []*big.Int) *big.Int {
	if len(prices) == 0 {
		return new(big.Int)
	}
	sorted := make([]*big.Int, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Int).Set(sorted[mid])
	}
	sum := new(big.Int).Add(sorted[mid-1], sorted[mid])
	return sum.Rsh(sum, 1) // prices are positive, so shift is floor division
}

// exceedsBps reports whether |price-ref| * 10000 > bps * ref.
// A move of exactly bps is allowed.
func exceedsBps(price, ref *big.Int, bps uint64) bool {
	diff := new(big.Int).Sub(price, ref)
	diff.Abs(diff).Mul(diff, bpsDenominator)
	limit := new(big.Int).SetUint64(bps)
	limit.Mul(limit, ref)
	return diff.Cmp(limit) > 0
}

// deviationBps returns floor(|candidate-ref| * 10000 / ref), saturated to
// math.MaxUint64. ref must be positive.
func deviationBps(candidate, ref *big.Int) uint64 {
	diff := new(big.Int).Sub(candidate, ref)
	diff.Abs(diff).Mul(diff, bpsDenominator)
	diff.Quo(diff, ref)
	if !diff.IsUint64() {
		return math.MaxUint64
	}
	return diff.Uint64()
}

// checkBounds runs the circuit breaker and the external deviation check in
// that order. Caller holds e.mu.
func (e *Engine) checkBounds(ctx context.Context, asset common.Address, st *assetState, price *big.Int) error {
	if st.latestPrice != nil && st.latestPrice.Sign() > 0 {
		if exceedsBps(price, st.latestPrice, e.params.CircuitBreakerBps) {
			return &CircuitBreakerError{
				Asset:     asset,
				Previous:  new(big.Int).Set(st.latestPrice),
				Attempted: new(big.Int).Set(price),
			}
		}
	}

	if ref, ok := e.referencePrice(ctx, asset, st); ok {
		if exceedsBps(price, ref, e.params.ExternalDeviationBps) {
			return &DeviationError{Asset: asset, Reference: ref, Attempted: new(big.Int).Set(price)}
		}
	}
	return nil
}
