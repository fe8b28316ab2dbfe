package oracle

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"priceoracle/internal/model"
)

// Answer is one reading from an external reference feed.
type Answer struct {
	Value     *big.Int  // in the feed's own decimals
	UpdatedAt time.Time // when the feed last updated
}

// ReferenceFeed is an external price source consulted during validation.
type ReferenceFeed interface {
	LatestAnswer(ctx context.Context) (Answer, error)
}

// ReferenceConfig attaches a reference feed to an asset.
type ReferenceConfig struct {
	Feed     ReferenceFeed
	Name     string // display only
	Decimals uint8  // decimals of Answer.Value
	Enabled  bool
}

// ReferenceInfo is the externally visible part of a ReferenceConfig.
type ReferenceInfo struct {
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
	Enabled  bool   `json:"enabled"`
}

// maxFeedDecimals bounds the exponent used for normalization.
const maxFeedDecimals = 77

// SetReferenceFeed attaches, replaces or disables the external reference of a
// registered asset.
func (e *Engine) SetReferenceFeed(asset common.Address, cfg ReferenceConfig) error {
	if cfg.Enabled && cfg.Feed == nil {
		return fmt.Errorf("%w: enabled reference without a feed", ErrInvalidReference)
	}
	if cfg.Decimals > maxFeedDecimals {
		return fmt.Errorf("%w: %d decimals", ErrInvalidReference, cfg.Decimals)
	}

	e.mu.Lock()
	st, err := e.state(asset)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	c := cfg
	st.reference = &c
	ev := Event{Type: EventReferenceFeedConfigured, Asset: asset, Enabled: cfg.Enabled, TS: e.now().UTC()}
	e.mu.Unlock()

	e.dispatch([]Event{ev})
	return nil
}

// Reference returns the asset's reference configuration, if any.
func (e *Engine) Reference(asset common.Address) (ReferenceInfo, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, err := e.state(asset)
	if err != nil {
		return ReferenceInfo{}, false, err
	}
	if st.reference == nil {
		return ReferenceInfo{}, false, nil
	}
	r := st.reference
	return ReferenceInfo{Name: r.Name, Decimals: r.Decimals, Enabled: r.Enabled}, true, nil
}

// referencePrice reads the asset's reference and returns it scaled to
// PriceDecimals. ok is false whenever the check must be skipped: no feed,
// disabled, read error, panic, non-positive answer, or an answer older than the
// staleness threshold. Caller holds e.mu.
func (e *Engine) referencePrice(ctx context.Context, asset common.Address, st *assetState) (*big.Int, bool) {
	ref := st.reference
	if ref == nil || !ref.Enabled || ref.Feed == nil {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, e.referenceTimeout)
	defer cancel()

	ans, err := safeRead(ctx, ref.Feed)
	if err != nil {
		log.Printf("[oracle] reference %s for %s unavailable, skipping check: %v", ref.Name, asset.Hex(), err)
		return nil, false
	}
	if ans.Value == nil || ans.Value.Sign() <= 0 {
		return nil, false
	}
	if age := ageSeconds(e.now(), ans.UpdatedAt); age > e.params.StalenessThresholdSeconds {
		log.Printf("[oracle] reference %s for %s is stale (%ds old), skipping check", ref.Name, asset.Hex(), age)
		return nil, false
	}
	return normalize(ans.Value, ref.Decimals), true
}

// safeRead calls the feed, converting a panic into an error.
func safeRead(ctx context.Context, feed ReferenceFeed) (ans Answer, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reference feed panic: %v", r)
		}
	}()
	return feed.LatestAnswer(ctx)
}

// normalize rescales v from the given decimals to PriceDecimals.
func normalize(v *big.Int, decimals uint8) *big.Int {
	out := new(big.Int).Set(v)
	switch d := int64(decimals); {
	case d < model.PriceDecimals:
		out.Mul(out, pow10(model.PriceDecimals-d))
	case d > model.PriceDecimals:
		out.Quo(out, pow10(d-model.PriceDecimals))
	}
	return out
}

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}
