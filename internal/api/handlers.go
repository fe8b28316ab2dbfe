package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"priceoracle/internal/logger"
	"priceoracle/internal/model"
	"priceoracle/internal/oracle"
)

// ValidatorHeader names the submitting validator. The HTTP layer trusts it;
// the engine still checks the address against the allowlist.
const ValidatorHeader = "X-Validator"

const maxBody = 1 << 20

// ── Read-only queries ──

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"assets": s.eng.AssetCount(),
	})
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Params())
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	assets := s.eng.Assets()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assets": assets,
		"count":  len(assets),
	})
}

// AssetView is the aggregate state of one asset.
type AssetView struct {
	Asset           common.Address        `json:"asset"`
	LatestPrice     string                `json:"latest_price"`
	CurrentRound    uint64                `json:"current_round"`
	SubmissionCount int                   `json:"submission_count"`
	LastFinalizedAt *time.Time            `json:"last_finalized_at,omitempty"`
	Stale           bool                  `json:"stale"`
	TWAP            string                `json:"twap"`
	Reference       *oracle.ReferenceInfo `json:"reference,omitempty"`
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	asset, ok := pathAsset(w, r)
	if !ok {
		return
	}
	price, err := s.eng.LatestPrice(asset)
	if err != nil {
		writeError(w, err)
		return
	}
	round, _ := s.eng.CurrentRound(asset)
	count, _ := s.eng.SubmissionCount(asset, round)
	stale, _ := s.eng.IsStale(asset)
	twap := "0"
	if t, err := s.eng.TWAP(asset); err == nil && t != nil {
		twap = t.String()
	}

	view := AssetView{
		Asset:           asset,
		LatestPrice:     price.String(),
		CurrentRound:    round,
		SubmissionCount: count,
		Stale:           stale,
		TWAP:            twap,
	}
	if at, err := s.eng.LastFinalizedAt(asset); err == nil && !at.IsZero() {
		view.LastFinalizedAt = &at
	}
	if ref, ok, _ := s.eng.Reference(asset); ok {
		view.Reference = &ref
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRound(w http.ResponseWriter, r *http.Request) {
	asset, ok := pathAsset(w, r)
	if !ok {
		return
	}
	idx, err := strconv.ParseUint(r.PathValue("round"), 10, 64)
	if err != nil {
		badRequest(w, "invalid round index")
		return
	}
	round, err := s.eng.Round(asset, idx)
	if errors.Is(err, oracle.ErrRoundNotFound) && s.opts.ArchivedRound != nil {
		archived, aerr := s.opts.ArchivedRound(r.Context(), asset, idx)
		if aerr != nil {
			writeError(w, aerr)
			return
		}
		if archived != nil {
			writeJSON(w, http.StatusOK, archived)
			return
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	asset, ok := pathAsset(w, r)
	if !ok {
		return
	}
	price, err := model.ParsePrice(r.URL.Query().Get("price"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	v, err := s.eng.VerifyPrice(asset, price)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ── Submissions ──

// SubmitRequest is the body of POST /api/v1/submit.
type SubmitRequest struct {
	Asset string  `json:"asset"`
	Price string  `json:"price"`
	Round *uint64 `json:"round,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	validator, ok := headerValidator(w, r)
	if !ok {
		return
	}
	var req SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	asset, err := model.ParseAddress(req.Asset)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	price, err := model.ParsePrice(req.Price)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	start := time.Now()
	var rc oracle.Receipt
	if req.Round != nil {
		rc, err = s.eng.SubmitPriceAt(r.Context(), asset, validator, price, *req.Round)
	} else {
		rc, err = s.eng.SubmitPrice(r.Context(), asset, validator, price)
	}
	s.observe(start, err)

	round := rc.Round
	if req.Round != nil {
		round = *req.Round
	}
	ctx := logger.WithTraceID(r.Context(), logger.SubmissionTraceID(validator.Hex(), asset.Hex(), round))
	if err != nil {
		slog.Info("submission rejected", append(logger.LogWithTrace(ctx), "kind", oracle.ErrorKind(err), "err", err)...)
		writeError(w, err)
		return
	}
	slog.Debug("submission accepted", append(logger.LogWithTrace(ctx), "count", rc.Count, "finalized", rc.Finalized)...)
	writeJSON(w, http.StatusOK, rc)
}

// BatchRequest is the body of POST /api/v1/submit/batch.
type BatchRequest struct {
	Assets []string `json:"assets"`
	Prices []string `json:"prices"`
}

// BatchOutcomeView is one pair of a batch response.
type BatchOutcomeView struct {
	Asset   common.Address  `json:"asset"`
	Status  string          `json:"status"`
	Error   string          `json:"error,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Receipt *oracle.Receipt `json:"receipt,omitempty"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	validator, ok := headerValidator(w, r)
	if !ok {
		return
	}
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Assets) != len(req.Prices) {
		writeError(w, oracle.ErrArrayLengthMismatch)
		return
	}
	assets := make([]common.Address, len(req.Assets))
	prices := make([]*big.Int, len(req.Prices))
	for i := range req.Assets {
		a, err := model.ParseAddress(req.Assets[i])
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		p, err := model.ParsePrice(req.Prices[i])
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		assets[i], prices[i] = a, p
	}

	start := time.Now()
	res, err := s.eng.SubmitPriceBatch(r.Context(), validator, assets, prices)
	s.observe(start, err)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]BatchOutcomeView, len(res.Outcomes))
	for i, o := range res.Outcomes {
		out[i] = BatchOutcomeView{Asset: o.Asset, Status: string(o.Status), Receipt: o.Receipt}
		if o.Err != nil {
			out[i].Error = o.Err.Error()
			out[i].Kind = oracle.ErrorKind(o.Err)
			if s.opts.Metrics != nil && o.Status == oracle.BatchRejected {
				s.opts.Metrics.ObserveRejection(out[i].Kind)
			}
		}
	}
	slog.Info("batch submission", "validator", validator.Hex(), "pairs", len(out), "accepted", res.Accepted())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted": res.Accepted(),
		"outcomes": out,
	})
}

func (s *Server) observe(start time.Time, err error) {
	m := s.opts.Metrics
	if m == nil {
		return
	}
	m.SubmitDur.Observe(time.Since(start).Seconds())
	if err != nil {
		m.ObserveRejection(oracle.ErrorKind(err))
	}
}

// ── Admin ──

// RegisterRequest is the body of POST /api/v1/admin/assets.
type RegisterRequest struct {
	Asset string `json:"asset"`
}

func (s *Server) handleRegisterAsset(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	asset, err := model.ParseAddress(req.Asset)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.eng.RegisterAsset(asset); err != nil {
		writeError(w, err)
		return
	}
	if s.opts.OnAssetRegistered != nil {
		s.opts.OnAssetRegistered(r.Context(), asset)
	}
	slog.Info("asset registered", "asset", asset.Hex())
	writeJSON(w, http.StatusCreated, map[string]interface{}{"asset": asset, "count": s.eng.AssetCount()})
}

// ReferenceRequest is the body of POST /api/v1/admin/reference.
type ReferenceRequest struct {
	Asset         string  `json:"asset"`
	Name          string  `json:"name"`
	URL           string  `json:"url"`
	PricePath     string  `json:"price_path"`
	UpdatedAtPath string  `json:"updated_at_path,omitempty"`
	Decimals      uint8   `json:"decimals"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	MaxAgeSec     int     `json:"max_age_sec,omitempty"`
	Enabled       bool    `json:"enabled"`
}

func (s *Server) handleSetReference(w http.ResponseWriter, r *http.Request) {
	var req ReferenceRequest
	if !decode(w, r, &req) {
		return
	}
	asset, err := model.ParseAddress(req.Asset)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	cfg, err := ReferenceConfig(req, s.opts.NewFeed)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: oracle.ErrorKind(oracle.ErrInvalidReference)})
		return
	}
	if err := s.eng.SetReferenceFeed(asset, cfg); err != nil {
		writeError(w, err)
		return
	}
	if s.opts.OnReferenceSet != nil {
		s.opts.OnReferenceSet(r.Context(), asset, req)
	}
	info, _, _ := s.eng.Reference(asset)
	slog.Info("reference feed configured", "asset", asset.Hex(), "name", info.Name, "enabled", info.Enabled)
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request) {
	var u oracle.ParamsUpdate
	if !decode(w, r, &u) {
		return
	}
	p, err := s.eng.UpdateParams(u)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("parameters updated", "params", p)
	writeJSON(w, http.StatusOK, p)
}

// ── helpers ──

func pathAsset(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	asset, err := model.ParseAddress(r.PathValue("asset"))
	if err != nil {
		badRequest(w, err.Error())
		return common.Address{}, false
	}
	return asset, true
}

func headerValidator(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	h := r.Header.Get(ValidatorHeader)
	if h == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + ValidatorHeader, Kind: "unauthenticated"})
		return common.Address{}, false
	}
	v, err := model.ParseAddress(h)
	if err != nil {
		badRequest(w, err.Error())
		return common.Address{}, false
	}
	return v, true
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "body too large", Kind: "bad_request"})
			return false
		}
		badRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
