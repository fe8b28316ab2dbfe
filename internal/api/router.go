// Package api serves the oracle's JSON HTTP interface: read-only queries,
// validator submissions and the TOTP-gated admin layer.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"priceoracle/internal/metrics"
	"priceoracle/internal/model"
	"priceoracle/internal/oracle"
	"priceoracle/internal/reference"
)

// FeedFactory builds a reference feed from an admin request.
type FeedFactory func(req ReferenceRequest) (oracle.ReferenceFeed, error)

// Options configures the API.
type Options struct {
	// AdminTOTPSecret is the base32 secret admin codes are validated against.
	// Empty disables the admin endpoints.
	AdminTOTPSecret string
	// NewFeed builds reference feeds; defaults to HTTPFeed.
	NewFeed FeedFactory
	// Metrics is optional.
	Metrics *metrics.Metrics
	// OnAssetRegistered is called after an admin registers an asset
	// (persistence hook); optional.
	OnAssetRegistered func(ctx context.Context, asset common.Address)
	// ArchivedRound looks up a finalized round the engine no longer holds
	// in memory. It returns nil when the round is unknown; optional.
	ArchivedRound func(ctx context.Context, asset common.Address, round uint64) (*model.Round, error)
	// OnReferenceSet is called after a reference feed is configured; optional.
	OnReferenceSet func(ctx context.Context, asset common.Address, req ReferenceRequest)
	// Now is the clock used to validate TOTP codes (default time.Now).
	Now func() time.Time
}

// Server holds the API dependencies.
type Server struct {
	eng  *oracle.Engine
	opts Options
}

// NewRouter sets up the HTTP routes for the API server.
func NewRouter(eng *oracle.Engine, opts Options) *http.ServeMux {
	if opts.NewFeed == nil {
		opts.NewFeed = HTTPFeed
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{eng: eng, opts: opts}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/params", s.handleParams)
	mux.HandleFunc("GET /api/v1/assets", s.handleAssets)
	mux.HandleFunc("GET /api/v1/assets/{asset}", s.handleAsset)
	mux.HandleFunc("GET /api/v1/assets/{asset}/rounds/{round}", s.handleRound)
	mux.HandleFunc("GET /api/v1/assets/{asset}/verify", s.handleVerify)

	mux.HandleFunc("POST /api/v1/submit", s.handleSubmit)
	mux.HandleFunc("POST /api/v1/submit/batch", s.handleSubmitBatch)

	mux.Handle("POST /api/v1/admin/assets", s.requireAdmin(http.HandlerFunc(s.handleRegisterAsset)))
	mux.Handle("POST /api/v1/admin/reference", s.requireAdmin(http.HandlerFunc(s.handleSetReference)))
	mux.Handle("POST /api/v1/admin/params", s.requireAdmin(http.HandlerFunc(s.handleUpdateParams)))

	return mux
}

// HTTPFeed builds a polling JSON feed from req.
func HTTPFeed(req ReferenceRequest) (oracle.ReferenceFeed, error) {
	return reference.NewHTTPFeed(reference.HTTPConfig{
		URL:        req.URL,
		PricePath:  req.PricePath,
		UpdatedAt:  req.UpdatedAtPath,
		RatePerSec: req.RatePerSec,
		MaxAge:     time.Duration(req.MaxAgeSec) * time.Second,
	})
}

// ReferenceConfig turns an admin request into an engine reference config.
// A disable request may omit the feed entirely.
func ReferenceConfig(req ReferenceRequest, newFeed FeedFactory) (oracle.ReferenceConfig, error) {
	cfg := oracle.ReferenceConfig{Name: req.Name, Decimals: req.Decimals, Enabled: req.Enabled}
	if req.URL == "" && !req.Enabled {
		return cfg, nil
	}
	feed, err := newFeed(req)
	if err != nil {
		return cfg, err
	}
	cfg.Feed = feed
	return cfg, nil
}
