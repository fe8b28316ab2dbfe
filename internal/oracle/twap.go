package oracle

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"priceoracle/internal/model"
)

// TWAP returns the linearly time-weighted average of the asset's observations
// inside the TWAP window. An observation of age a (whole seconds) weighs
// window-a, so the newest observations dominate. Zero means no price.
func (e *Engine) TWAP(asset common.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.state(asset)
	if err != nil {
		return nil, err
	}
	return twap(st.history, e.now(), e.params.TWAPWindowSeconds), nil
}

func twap(history []model.Observation, now time.Time, window uint64) *big.Int {
	switch len(history) {
	case 0:
		return new(big.Int)
	case 1:
		return new(big.Int).Set(history[0].Price)
	}

	var (
		sum      = new(big.Int)
		weights  = new(big.Int)
		inWindow []model.Observation
	)
	for _, o := range history {
		age := ageSeconds(now, o.Timestamp)
		if age > window {
			continue
		}
		inWindow = append(inWindow, o)
		w := new(big.Int).SetUint64(window - age)
		sum.Add(sum, new(big.Int).Mul(o.Price, w))
		weights.Add(weights, w)
	}

	switch {
	case len(inWindow) == 0:
		return new(big.Int)
	case len(inWindow) == 1:
		return new(big.Int).Set(inWindow[0].Price)
	case weights.Sign() == 0:
		// every in-window observation sits exactly on the window edge
		return new(big.Int).Set(inWindow[len(inWindow)-1].Price)
	}
	return sum.Quo(sum, weights)
}

// ageSeconds returns now-ts in whole seconds, clamped at zero.
func ageSeconds(now, ts time.Time) uint64 {
	d := now.Sub(ts)
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Second)
}
