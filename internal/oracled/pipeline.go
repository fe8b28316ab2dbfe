package oracled

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"priceoracle/internal/model"
	"priceoracle/internal/oracle"
	redisstore "priceoracle/internal/store/redis"
)

// sinkFunc adapts a function to oracle.EventSink.
type sinkFunc func(oracle.Event)

func (f sinkFunc) OnEvent(ev oracle.Event) { f(ev) }

// enqueueEvent hands an engine event to the event loop. It runs on the
// submitting goroutine and never blocks.
func (svc *Service) enqueueEvent(ev oracle.Event) {
	if ev.Type == oracle.EventSubmissionRecorded {
		return
	}
	select {
	case svc.eventCh <- ev:
	default:
		svc.prom.FanoutDropsTotal.WithLabelValues("events").Inc()
		log.Printf("[oracled] event queue full, dropping %s for %s", ev.Type, model.AssetKey(ev.Asset))
	}
}

// startPipeline starts the event loop and the round fan-out:
//
//	engine events -> eventLoop -> sqlite (assets, params), redis PUBLISH, ws hub
//	round results -> FanOut -> sqlite journal | redis (breaker-buffered) | ws hub
func (svc *Service) startPipeline(ctx context.Context) {
	sqlCh := svc.fanout.Subscribe("sqlite")
	wsCh := svc.fanout.Subscribe("ws")
	var redisCh <-chan model.RoundResult
	if svc.rWriter != nil {
		redisCh = svc.fanout.Subscribe("redis")
	}

	svc.sqlW.OnCommit = func(n int, elapsed time.Duration) {
		svc.prom.SQLiteCommitDur.Observe(elapsed.Seconds())
	}

	svc.goLoop(func() { svc.eventLoop(ctx) })
	svc.goLoop(func() { svc.fanout.Run(ctx, svc.roundCh) })
	// the journal drains until FanOut closes its channel
	svc.goLoop(func() { svc.sqlW.Run(context.Background(), sqlCh) })
	svc.goLoop(func() { svc.wsLoop(wsCh) })

	if redisCh != nil {
		cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
		cb.OnStateChange = func(from, to redisstore.State) {
			svc.prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				svc.prom.RedisCircuitBreakerTrips.Inc()
			}
			log.Printf("[oracled] redis circuit %s -> %s", from, to)
		}
		bw := redisstore.NewBufferedWriter(ctx, &timedWriter{svc: svc}, cb, redisBufferSize)
		bw.OnBuffer = func() { svc.prom.RedisBufferedWrites.Inc() }
		bw.OnFlush = func(n int) { log.Printf("[oracled] flushed %d buffered rounds to redis", n) }
		svc.goLoop(func() { bw.Run(ctx, redisCh) })
	}
}

// eventLoop persists and distributes engine events off the submit path.
func (svc *Service) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-svc.eventCh:
			svc.handleEvent(ctx, ev)
		}
	}
}

func (svc *Service) handleEvent(ctx context.Context, ev oracle.Event) {
	switch ev.Type {
	case oracle.EventRoundFinalized:
		res, ok := svc.roundResult(ev)
		if !ok {
			return
		}
		select {
		case svc.roundCh <- res:
		default:
			svc.prom.FanoutDropsTotal.WithLabelValues("rounds").Inc()
			log.Printf("[oracled] round queue full, dropping %s#%d", res.Key(), res.Round)
		}
		svc.health.SetLastFinalizedAt(res.TS)
		return
	case oracle.EventAssetRegistered:
		if err := svc.sqlW.SaveAsset(ev.Asset, ev.TS); err != nil {
			log.Printf("[oracled] persist asset %s: %v", model.AssetKey(ev.Asset), err)
		}
	case oracle.EventParametersUpdated:
		if ev.Params != nil {
			if err := svc.sqlW.SaveParams(*ev.Params, ev.TS); err != nil {
				log.Printf("[oracled] persist params: %v", err)
			}
		}
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	svc.hub.Publish(redisstore.EventChannel, data)
	if svc.rWriter != nil {
		pctx, cancel := context.WithTimeout(ctx, time.Second)
		if err := svc.rWriter.PublishEvent(pctx, ev); err != nil {
			log.Printf("[oracled] publish %s: %v", ev.Type, err)
		}
		cancel()
	}
}

// roundResult rebuilds the full record of a finalized round from the engine.
func (svc *Service) roundResult(ev oracle.Event) (model.RoundResult, bool) {
	r, err := svc.engine.Round(ev.Asset, ev.Round)
	if err != nil || !r.Finalized {
		log.Printf("[oracled] round %s#%d no longer available: %v", model.AssetKey(ev.Asset), ev.Round, err)
		return model.RoundResult{}, false
	}
	return model.RoundResult{
		Asset:           r.Asset,
		Round:           r.Index,
		Price:           r.ConsensusPrice,
		SubmissionCount: len(r.Submissions),
		Submissions:     r.Submissions,
		TS:              r.FinalizedAt,
	}, true
}

// wsLoop publishes finalized rounds to in-process WebSocket clients.
func (svc *Service) wsLoop(ch <-chan model.RoundResult) {
	for res := range ch {
		svc.hub.Publish(res.PubSubChannel(), res.JSON())
	}
}

// timedWriter records Redis write latency around the round pipeline.
type timedWriter struct {
	svc *Service
}

func (t *timedWriter) WriteRound(ctx context.Context, res model.RoundResult) error {
	start := time.Now()
	err := t.svc.rWriter.WriteRound(ctx, res)
	t.svc.prom.RedisWriteDur.Observe(time.Since(start).Seconds())
	return err
}

// statsLoop samples fan-out channel saturation.
func (svc *Service) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range svc.fanout.ChannelStats() {
				if st.Cap > 0 {
					svc.prom.ChannelSaturationPct.WithLabelValues(st.Name).Set(float64(st.Len) * 100 / float64(st.Cap))
				}
			}
			svc.prom.ChannelSaturationPct.WithLabelValues("events").Set(float64(len(svc.eventCh)) * 100 / float64(cap(svc.eventCh)))
			if svc.subRing != nil {
				svc.prom.ChannelSaturationPct.WithLabelValues("submissions").Set(float64(svc.subRing.Len()) * 100 / float64(svc.subRing.Cap()))
			}
		}
	}
}
