// Package oracled wires the consensus engine to its storage, transport and
// alerting layers and manages their lifecycle.
package oracled

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"priceoracle/config"
	"priceoracle/internal/api"
	"priceoracle/internal/authz"
	"priceoracle/internal/bus"
	"priceoracle/internal/gateway"
	"priceoracle/internal/metrics"
	"priceoracle/internal/model"
	"priceoracle/internal/monitor"
	"priceoracle/internal/notification"
	"priceoracle/internal/oracle"
	"priceoracle/internal/ringbuf"
	redisstore "priceoracle/internal/store/redis"
	sqlitestore "priceoracle/internal/store/sqlite"
)

// Service is the top-level orchestrator for the oracle daemon.
// It wires all dependencies, manages lifecycle, and coordinates goroutines.
type Service struct {
	cfg *config.Config

	engine  *oracle.Engine
	rdb     *goredis.Client
	rWriter *redisstore.Writer
	cons    *redisstore.Consumer
	sqlR    *sqlitestore.Reader
	sqlW    *sqlitestore.Writer
	prom    *metrics.Metrics
	health  *metrics.HealthStatus
	hub     *gateway.Hub
	notify  *notification.Dispatcher
	monitor *monitor.Monitor
	fanout  *bus.FanOut

	roundCh chan model.RoundResult
	eventCh chan oracle.Event
	subRing *ringbuf.Ring[model.SubmissionMsg] // nil without Redis

	wg sync.WaitGroup
}

// Options carries the collaborators New does not build itself.
type Options struct {
	Metrics  *metrics.Metrics      // required
	Health   *metrics.HealthStatus // optional
	Notifier notification.Notifier // default: log only
	// SkipRedis runs without Redis even if REDIS_ADDR is set.
	SkipRedis bool
}

// New creates a Service from the given Config. It connects to Redis (optional,
// the daemon runs degraded without it) and SQLite, then restores the engine.
func New(cfg *config.Config, opts Options) (*Service, error) {
	svc := &Service{
		cfg:     cfg,
		prom:    opts.Metrics,
		health:  opts.Health,
		roundCh: make(chan model.RoundResult, roundChanSize),
		eventCh: make(chan oracle.Event, eventChanSize),
	}
	if svc.health == nil {
		svc.health = metrics.NewHealthStatus()
	}

	// ---- Connect to Redis ----
	if cfg.RedisAddr != "" && !opts.SkipRedis {
		rdb, err := redisstore.Connect(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Printf("[oracled] WARNING: redis unavailable: %v (continuing without stream intake and distribution)", err)
		} else {
			svc.rdb = rdb
			svc.rWriter = redisstore.NewWriter(rdb)
			svc.cons = redisstore.NewConsumer(rdb, redisstore.ConsumerConfig{
				Stream:        cfg.SubmissionStream,
				ConsumerGroup: cfg.ConsumerGroup,
				ConsumerName:  cfg.ConsumerName,
			})
		}
	}
	svc.health.SetRedisConnected(svc.rdb != nil)

	// ---- Open SQLite ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		os.MkdirAll(dir, 0o755)
	}
	var err error
	svc.sqlW, err = sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
	if err != nil {
		svc.closeRedis()
		return nil, err
	}
	svc.sqlR, err = sqlitestore.NewReader(cfg.SQLitePath)
	if err != nil {
		log.Printf("[oracled] WARNING: sqlite reader init failed: %v (starting without history)", err)
	}
	svc.health.SetSQLiteOK(true)

	// ---- Build the engine ----
	static, err := authz.ParseStatic(cfg.Validators)
	if err != nil {
		svc.closeStores()
		return nil, err
	}
	var auth oracle.Authorizer = static
	if svc.rdb != nil && cfg.ValidatorSetKey != "" {
		auth = authz.Any{static, authz.NewRedisSet(svc.rdb, cfg.ValidatorSetKey)}
	}

	svc.engine, err = oracle.New(oracle.Config{
		Params:     svc.loadParams(),
		Authorizer: auth,
		MaxAssets:  cfg.MaxAssets,
	})
	if err != nil {
		svc.closeStores()
		return nil, err
	}
	if err := svc.restoreEngine(); err != nil {
		svc.closeStores()
		return nil, err
	}
	svc.restoreReferences()

	// ---- Alerting ----
	n := opts.Notifier
	if n == nil {
		n = notification.NewLogNotifier()
	}
	svc.notify = notification.NewDispatcher(n, cfg.NotifyCooldown)
	svc.notify.OnSendError = func(a notification.Alert, err error) {
		log.Printf("[oracled] alert %s for %s not delivered: %v", a.Kind, a.Asset, err)
	}
	svc.monitor = monitor.New(svc.engine, svc.notify)

	// ---- Distribution ----
	svc.hub = gateway.NewHub(svc.rdb, cfg.WSReplayCapacity) // fed in-process, never subscribed
	svc.fanout = bus.New(fanoutBufferSize)
	svc.fanout.OnDrop = func(sub string) {
		svc.prom.FanoutDropsTotal.WithLabelValues(sub).Inc()
	}

	svc.engine.AddSink(svc.prom)
	svc.engine.AddSink(svc.notify)
	svc.engine.AddSink(sinkFunc(svc.enqueueEvent))

	return svc, nil
}

// Engine returns the consensus engine (for the HTTP API).
func (svc *Service) Engine() *oracle.Engine { return svc.engine }

// Hub returns the in-process WebSocket hub.
func (svc *Service) Hub() *gateway.Hub { return svc.hub }

// Health returns the health status served on /healthz.
func (svc *Service) Health() *metrics.HealthStatus { return svc.health }

// Run starts all subsystems and blocks until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	cfg := svc.cfg
	log.Println("[oracled] starting price oracle...")

	// ---- Bootstrap registry ----
	svc.bootstrap()

	// ---- Distribution pipeline ----
	svc.startPipeline(ctx)

	// ---- Submission stream ----
	svc.startConsumer(ctx)

	// ---- Background loops ----
	svc.startParamsSubscriber(ctx)
	svc.goLoop(func() { svc.retentionLoop(ctx) })
	svc.goLoop(func() { svc.statsLoop(ctx) })
	svc.goLoop(func() { svc.notify.Run(ctx) })
	svc.health.StartLivenessChecker(ctx, svc.rdb, svc.sqlW.DB(), livenessInterval)

	svc.monitor.OnReport = func(rep monitor.Report) {
		svc.prom.StaleAssets.Set(float64(rep.Stale))
		svc.health.SetAssetStats(rep.Total, rep.Stale)
		svc.health.SetLastFinalizedAt(rep.LastFinal)
	}
	if err := svc.monitor.Start(ctx, cfg.StaleCheckSpec); err != nil {
		return err
	}

	log.Printf("[oracled] %d assets, quorum %d, redis=%v", svc.engine.AssetCount(), svc.engine.Params().MinSubmitters, svc.rdb != nil)
	log.Println("[oracled] all systems running")

	<-ctx.Done()

	// ---- Graceful shutdown ----
	svc.shutdown()
	return nil
}

func (svc *Service) goLoop(fn func()) {
	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		fn()
	}()
}

// shutdown waits for the writers to drain and closes connections.
func (svc *Service) shutdown() {
	log.Println("[oracled] shutdown signal received, draining writers...")

	done := make(chan struct{})
	go func() {
		svc.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(svc.cfg.ShutdownTimeout):
		log.Println("[oracled] WARNING: drain timed out")
	}

	svc.closeStores()
	log.Println("[oracled] shutdown complete.")
}

func (svc *Service) closeStores() {
	if svc.sqlR != nil {
		svc.sqlR.Close()
	}
	if svc.sqlW != nil {
		svc.sqlW.Close()
	}
	svc.closeRedis()
}

func (svc *Service) closeRedis() {
	if svc.rdb != nil {
		svc.rdb.Close()
	}
}

// loadParams returns the last persisted parameter set, falling back to the
// environment when none is stored or it no longer validates.
func (svc *Service) loadParams() oracle.Params {
	p := engineParams(svc.cfg)
	if svc.sqlR == nil {
		return p
	}
	var saved oracle.Params
	ok, err := svc.sqlR.ReadParams(&saved)
	if err != nil {
		log.Printf("[oracled] params read error: %v", err)
		return p
	}
	if ok && saved.Validate() == nil {
		log.Printf("[oracled] restored persisted params %+v", saved)
		return saved
	}
	return p
}

// restoreEngine rebuilds the registry, latest prices and observation history
// from SQLite.
func (svc *Service) restoreEngine() error {
	if svc.sqlR == nil {
		return nil
	}
	assets, err := svc.sqlR.ReadAssets()
	if err != nil {
		log.Printf("[oracled] asset read error: %v", err)
		return nil
	}
	latest, err := svc.sqlR.ReadLatestRounds()
	if err != nil {
		log.Printf("[oracled] latest round read error: %v", err)
	}
	byAsset := make(map[string]model.RoundResult, len(latest))
	for _, r := range latest {
		byAsset[r.Key()] = r
	}

	after := time.Time{}
	if svc.cfg.RetentionDays > 0 {
		after = time.Now().AddDate(0, 0, -svc.cfg.RetentionDays)
	}
	snaps := make([]oracle.AssetSnapshot, 0, len(assets))
	for _, a := range assets {
		s := oracle.AssetSnapshot{Asset: a}
		if r, ok := byAsset[model.AssetKey(a)]; ok {
			s.CurrentRound = r.Round + 1
			s.LatestPrice = r.Price
			s.LastFinalizedAt = r.TS
		}
		obs, err := svc.sqlR.ReadObservations(a, after)
		if err != nil {
			log.Printf("[oracled] observation read error for %s: %v", model.AssetKey(a), err)
		}
		s.History = obs
		snaps = append(snaps, s)
	}
	if err := svc.engine.Restore(snaps); err != nil {
		return err
	}
	if len(snaps) > 0 {
		log.Printf("[oracled] restored %d assets (%d with consensus) from sqlite", len(snaps), len(byAsset))
	}
	return nil
}

// restoreReferences re-applies reference feeds configured through the admin API.
func (svc *Service) restoreReferences() {
	if svc.sqlR == nil {
		return
	}
	stored, err := svc.sqlR.ReadReferences()
	if err != nil {
		log.Printf("[oracled] reference read error: %v", err)
		return
	}
	for asset, raw := range stored {
		var req api.ReferenceRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			log.Printf("[oracled] bad stored reference for %s: %v", model.AssetKey(asset), err)
			continue
		}
		ref, err := api.ReferenceConfig(req, api.HTTPFeed)
		if err == nil {
			err = svc.engine.SetReferenceFeed(asset, ref)
		}
		if err != nil {
			log.Printf("[oracled] restore reference %s: %v", model.AssetKey(asset), err)
		}
	}
}

// bootstrap registers the configured assets and attaches their reference feed.
// A feed already restored from the admin API is left in place.
func (svc *Service) bootstrap() {
	for _, a := range bootstrapAssets(svc.cfg) {
		if err := svc.engine.RegisterAsset(a); err != nil {
			log.Printf("[oracled] register %s: %v", model.AssetKey(a), err)
			continue
		}
		if svc.cfg.ReferenceURL == "" {
			continue
		}
		if _, ok, _ := svc.engine.Reference(a); ok {
			continue
		}
		ref, err := referenceFor(svc.cfg, a)
		if err != nil {
			log.Printf("[oracled] %v", err)
			continue
		}
		if err := svc.engine.SetReferenceFeed(a, ref); err != nil {
			log.Printf("[oracled] reference %s: %v", model.AssetKey(a), err)
		}
	}
	svc.prom.RegisteredAssets.Set(float64(svc.engine.AssetCount()))
}
