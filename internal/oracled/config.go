package oracled

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"priceoracle/config"
	"priceoracle/internal/model"
	"priceoracle/internal/oracle"
	"priceoracle/internal/reference"
)

const (
	roundChanSize    = 1024
	eventChanSize    = 1024
	submissionRing   = 4096
	fanoutBufferSize = 512
	redisBufferSize  = 10000
	livenessInterval = 10 * time.Second
	statsInterval    = 5 * time.Second
	retentionEvery   = time.Hour
)

// engineParams builds the starting parameter set from the environment.
func engineParams(cfg *config.Config) oracle.Params {
	return oracle.Params{
		MinSubmitters:             cfg.MinSubmitters,
		ConsensusToleranceBps:     cfg.ConsensusToleranceBps,
		StalenessThresholdSeconds: cfg.StalenessThresholdSec,
		CircuitBreakerBps:         cfg.CircuitBreakerBps,
		ExternalDeviationBps:      cfg.ExternalDeviationBps,
		TWAPWindowSeconds:         cfg.TWAPWindowSec,
	}
}

// bootstrapAssets parses the ASSETS list. Invalid entries are skipped.
func bootstrapAssets(cfg *config.Config) []common.Address {
	out := make([]common.Address, 0, len(cfg.Assets))
	for _, s := range cfg.Assets {
		a, err := model.ParseAddress(s)
		if err != nil || a == (common.Address{}) {
			log.Printf("[oracled] skipping invalid bootstrap asset %q", s)
			continue
		}
		out = append(out, a)
	}
	return out
}

// referenceFor builds the bootstrap reference feed of one asset.
// REFERENCE_URL may contain "{asset}", replaced by the asset's hex key.
func referenceFor(cfg *config.Config, asset common.Address) (oracle.ReferenceConfig, error) {
	url := strings.ReplaceAll(cfg.ReferenceURL, "{asset}", model.AssetKey(asset))
	feed, err := reference.NewHTTPFeed(reference.HTTPConfig{
		URL:        url,
		PricePath:  cfg.ReferencePath,
		UpdatedAt:  cfg.ReferenceTSPath,
		RatePerSec: cfg.ReferenceRPS,
	})
	if err != nil {
		return oracle.ReferenceConfig{}, fmt.Errorf("reference for %s: %w", model.AssetKey(asset), err)
	}
	return oracle.ReferenceConfig{
		Feed:     feed,
		Name:     url,
		Decimals: cfg.ReferenceDecimals,
		Enabled:  true,
	}, nil
}
