package oracled

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"priceoracle/internal/api"
	"priceoracle/internal/gateway"
	"priceoracle/internal/model"
	"priceoracle/internal/oracle"
)

// Handler returns the daemon's HTTP surface: the JSON API under /api/v1 and
// the WebSocket gateway routes (/ws, /api/latest, /api/missed, /api/rounds).
func (svc *Service) Handler(processStart time.Time) http.Handler {
	mux := api.NewRouter(svc.engine, api.Options{
		AdminTOTPSecret: svc.cfg.AdminTOTPSecret,
		Metrics:         svc.prom,
		ArchivedRound:   svc.archivedRound,
		OnAssetRegistered: func(_ context.Context, a common.Address) {
			svc.prom.RegisteredAssets.Set(float64(svc.engine.AssetCount()))
		},
		OnReferenceSet: func(_ context.Context, a common.Address, req api.ReferenceRequest) {
			if err := svc.sqlW.SaveReference(a, req, time.Now()); err != nil {
				log.Printf("[oracled] reference persist error for %s: %v", model.AssetKey(a), err)
			}
		},
	})
	gateway.RegisterRoutes(mux, svc.hub, processStart)
	return mux
}

// archivedRound serves rounds pruned from memory out of the SQLite journal.
func (svc *Service) archivedRound(_ context.Context, asset common.Address, round uint64) (*model.Round, error) {
	if svc.sqlR == nil {
		return nil, nil
	}
	res, err := svc.sqlR.ReadRound(asset, round)
	if err != nil || res == nil {
		return nil, err
	}
	rec := res.Record()
	return &rec, nil
}

// StartHTTP serves Handler on cfg.HTTPAddr until ctx is cancelled.
func (svc *Service) StartHTTP(ctx context.Context, processStart time.Time) {
	srv := &http.Server{
		Addr:              svc.cfg.HTTPAddr,
		Handler:           svc.Handler(processStart),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[oracled] HTTP server on %s (/api/v1, /ws)", svc.cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[oracled] HTTP server error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), svc.cfg.ShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
}

// startParamsSubscriber listens on Redis PubSub for live parameter updates.
// Payloads are JSON partial updates, e.g. {"min_submitters":5}.
func (svc *Service) startParamsSubscriber(ctx context.Context) {
	if svc.rdb == nil || svc.cfg.ParamsChannel == "" {
		return
	}
	go func() {
		pubsub := svc.rdb.Subscribe(ctx, svc.cfg.ParamsChannel)
		defer pubsub.Close()
		log.Printf("[oracled] subscribed to %s for live parameter updates", svc.cfg.ParamsChannel)

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				svc.applyParams([]byte(msg.Payload))
			}
		}
	}()
}

// applyParams decodes and applies one parameter update.
func (svc *Service) applyParams(payload []byte) {
	var u oracle.ParamsUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		log.Printf("[oracled] invalid params payload %q: %v", payload, err)
		return
	}
	p, err := svc.engine.UpdateParams(u)
	if err != nil {
		log.Printf("[oracled] params update rejected: %v", err)
		return
	}
	log.Printf("[oracled] params updated: %+v", p)
}
