package oracled

import (
	"context"
	"log"
	"time"

	"priceoracle/internal/logger"
	"priceoracle/internal/model"
	"priceoracle/internal/oracle"
	"priceoracle/internal/ringbuf"
)

const applyPollInterval = 5 * time.Millisecond

// startConsumer recovers unACKed submissions, then starts the consumer-group
// reader and the applier. The reader is the ring's only producer and the
// applier its only consumer.
func (svc *Service) startConsumer(ctx context.Context) {
	if svc.cons == nil {
		svc.health.SetConsumerOK(false)
		return
	}
	if err := svc.cons.EnsureConsumerGroup(ctx); err != nil {
		log.Printf("[oracled] WARNING: consumer group setup: %v", err)
		svc.health.SetConsumerOK(false)
		return
	}

	ring := ringbuf.New[model.SubmissionMsg](submissionRing)
	svc.subRing = ring
	wake := make(chan struct{}, 1)
	subCh := make(chan model.SubmissionMsg, 256)

	svc.goLoop(func() { svc.applyLoop(ctx, ring, wake) })
	svc.goLoop(func() { svc.pumpLoop(ctx, subCh, ring, wake) })

	go func() {
		pending := make(chan model.SubmissionMsg, 256)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for msg := range pending {
				svc.prom.PendingRecovered.Inc()
				select {
				case subCh <- msg:
				case <-ctx.Done():
				}
			}
		}()
		if err := svc.cons.RecoverPending(ctx, pending); err != nil {
			log.Printf("[oracled] pending recovery error: %v", err)
		}
		close(pending)
		<-done

		svc.health.SetConsumerOK(true)
		if err := svc.cons.ConsumeSubmissions(ctx, subCh); err != nil && ctx.Err() == nil {
			log.Printf("[oracled] consumer error: %v", err)
			svc.health.SetConsumerOK(false)
		}
	}()
	log.Printf("[oracled] consuming submissions from %s (group %s)", svc.cfg.SubmissionStream, svc.cfg.ConsumerGroup)
}

// pumpLoop moves decoded submissions into the ring buffer.
func (svc *Service) pumpLoop(ctx context.Context, in <-chan model.SubmissionMsg, ring *ringbuf.Ring[model.SubmissionMsg], wake chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-in:
			if !ring.Push(msg) {
				svc.prom.RingBufOverflow.Inc()
				log.Printf("[oracled] submission ring full, dropping %s from %s", model.AssetKey(msg.Asset), msg.Validator.Hex())
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

// applyLoop drains the ring into the engine.
func (svc *Service) applyLoop(ctx context.Context, ring *ringbuf.Ring[model.SubmissionMsg], wake <-chan struct{}) {
	ticker := time.NewTicker(applyPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
		ring.Drain(func(msg model.SubmissionMsg) {
			svc.applySubmission(ctx, msg)
		})
	}
}

// applySubmission feeds one stream submission to the engine.
func (svc *Service) applySubmission(ctx context.Context, msg model.SubmissionMsg) {
	price, err := model.ParsePrice(msg.Price)
	if err != nil {
		svc.prom.ObserveRejection("invalid_price")
		log.Printf("[oracled] bad submission from %s: %v", msg.Validator.Hex(), err)
		return
	}

	start := time.Now()
	var rc oracle.Receipt
	if msg.Round != nil {
		rc, err = svc.engine.SubmitPriceAt(ctx, msg.Asset, msg.Validator, price, *msg.Round)
	} else {
		rc, err = svc.engine.SubmitPrice(ctx, msg.Asset, msg.Validator, price)
	}
	svc.prom.SubmitDur.Observe(time.Since(start).Seconds())
	if !msg.SentAt.IsZero() {
		svc.prom.SubmissionLagSecs.Observe(time.Since(msg.SentAt).Seconds())
	}

	round := rc.Round
	if msg.Round != nil {
		round = *msg.Round
	}
	trace := logger.SubmissionTraceID(msg.Validator.Hex(), msg.Asset.Hex(), round)
	if err != nil {
		svc.prom.ObserveRejection(oracle.ErrorKind(err))
		log.Printf("[oracled] submission %s rejected: %v", trace, err)
		return
	}
	if rc.Finalized {
		log.Printf("[oracled] submission %s finalized round with %d submissions", trace, rc.Count)
	}
}
