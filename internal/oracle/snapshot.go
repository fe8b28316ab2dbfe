package oracle

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"priceoracle/internal/model"
)

// AssetSnapshot is the durable part of one asset's state: enough to resume
// consensus after a restart. Open rounds are not included.
type AssetSnapshot struct {
	Asset           common.Address      `json:"asset"`
	CurrentRound    uint64              `json:"current_round"`
	LatestPrice     *big.Int            `json:"latest_price,omitempty"`
	LastFinalizedAt time.Time           `json:"last_finalized_at"`
	History         []model.Observation `json:"history"`
}

// Restore loads snapshots into the engine, registering assets as needed.
// It is meant for startup, before any submissions arrive; an asset that
// already has rounds in memory is rejected. No events are emitted.
func (e *Engine) Restore(snaps []AssetSnapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range snaps {
		if s.Asset == (common.Address{}) {
			return ErrInvalidAsset
		}
		st, ok := e.assets[s.Asset]
		if !ok {
			if len(e.order) >= e.maxAssets {
				return ErrRegistryFull
			}
			st = newAssetState()
			e.assets[s.Asset] = st
			e.order = append(e.order, s.Asset)
		}
		if len(st.rounds) > 0 || len(st.history) > 0 {
			return fmt.Errorf("oracle: restore %s: asset already has state", s.Asset.Hex())
		}

		hist := make([]model.Observation, 0, len(s.History))
		for _, o := range s.History {
			if o.Price == nil || o.Price.Sign() <= 0 {
				continue
			}
			hist = append(hist, model.Observation{Price: new(big.Int).Set(o.Price), Timestamp: o.Timestamp.UTC()})
		}
		sort.SliceStable(hist, func(i, j int) bool { return hist[i].Timestamp.Before(hist[j].Timestamp) })
		if over := len(hist) - e.maxObservations; over > 0 {
			hist = hist[over:]
		}

		st.history = hist
		st.currentRound = s.CurrentRound
		st.oldestRound = s.CurrentRound
		st.lastFinalizedAt = s.LastFinalizedAt.UTC()
		st.latestPrice = nil
		if s.LatestPrice != nil && s.LatestPrice.Sign() > 0 {
			st.latestPrice = new(big.Int).Set(s.LatestPrice)
		}
	}
	return nil
}
