package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"math/big"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"priceoracle/internal/model"
	"priceoracle/internal/oracle"
)

// Metrics holds all Prometheus metrics for the oracle service.
type Metrics struct {
	// Consensus
	SubmissionsTotal  *prometheus.CounterVec // labels: result (accepted, rejected, skipped)
	RejectionsTotal   *prometheus.CounterVec // labels: reason
	RoundsFinalized   *prometheus.CounterVec // labels: asset
	ConsensusPrice    *prometheus.GaugeVec   // labels: asset; whole units, float approximation
	BreakerTrips      *prometheus.CounterVec // labels: asset
	SubmitDur         prometheus.Histogram
	RegisteredAssets  prometheus.Gauge
	StaleAssets       prometheus.Gauge
	ParamsUpdates     prometheus.Counter
	ReferenceConfigs  prometheus.Counter
	SubmissionLagSecs prometheus.Histogram // stream submission sent_at -> applied

	// Persistence
	RedisWriteDur   prometheus.Histogram
	SQLiteCommitDur prometheus.Histogram

	// Ring buffer overflow
	RingBufOverflow prometheus.Counter

	// Backpressure
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Submission stream recovery
	PendingRecovered prometheus.Counter

	// Redis circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_submissions_total",
			Help: "Price submissions by outcome",
		}, []string{"result"}),
		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_rejections_total",
			Help: "Rejected submissions by reason",
		}, []string{"reason"}),
		RoundsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_rounds_finalized_total",
			Help: "Rounds finalized (by asset)",
		}, []string{"asset"}),
		ConsensusPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oracle_consensus_price",
			Help: "Latest consensus price in whole units (approximate)",
		}, []string{"asset"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_circuit_breaker_trips_total",
			Help: "Submissions rejected by the price circuit breaker (by asset)",
		}, []string{"asset"}),
		SubmitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oracle_submit_duration_seconds",
			Help:    "Engine submission latency, including the reference read",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 0.5, 1, 2},
		}),
		RegisteredAssets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_registered_assets",
			Help: "Number of registered assets",
		}),
		StaleAssets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_stale_assets",
			Help: "Assets whose consensus is older than the staleness threshold",
		}),
		ParamsUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oracle_params_updates_total",
			Help: "Parameter updates applied",
		}),
		ReferenceConfigs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oracle_reference_configs_total",
			Help: "Reference feed configuration changes",
		}),
		SubmissionLagSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oracle_submission_lag_seconds",
			Help:    "Delay between a reporter sending a submission and the engine applying it",
			Buckets: prometheus.DefBuckets,
		}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oracle_redis_write_duration_seconds",
			Help:    "Redis round distribution latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oracle_sqlite_commit_duration_seconds",
			Help:    "SQLite journal commit latency",
			Buckets: prometheus.DefBuckets,
		}),

		RingBufOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oracle_ringbuf_overflow_total",
			Help: "Submissions dropped because the intake ring buffer was full",
		}),
		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_fanout_drops_total",
			Help: "Finalized rounds dropped by the fanout (by subscriber)",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oracle_channel_saturation_pct",
			Help: "Channel buffer occupancy percentage",
		}, []string{"channel_name"}),
		PendingRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oracle_pending_submissions_recovered_total",
			Help: "Unacknowledged stream submissions re-delivered at startup",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_redis_circuit_breaker_state",
			Help: "Redis distribution circuit breaker (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oracle_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker opened",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oracle_redis_buffered_writes_total",
			Help: "Rounds buffered locally while Redis was unavailable",
		}),
	}

	reg.MustRegister(
		m.SubmissionsTotal,
		m.RejectionsTotal,
		m.RoundsFinalized,
		m.ConsensusPrice,
		m.BreakerTrips,
		m.SubmitDur,
		m.RegisteredAssets,
		m.StaleAssets,
		m.ParamsUpdates,
		m.ReferenceConfigs,
		m.SubmissionLagSecs,
		m.RedisWriteDur,
		m.SQLiteCommitDur,
		m.RingBufOverflow,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.PendingRecovered,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
	)

	return m
}

// OnEvent makes Metrics an oracle.EventSink.
func (m *Metrics) OnEvent(ev oracle.Event) {
	asset := model.AssetKey(ev.Asset)
	switch ev.Type {
	case oracle.EventSubmissionRecorded:
		m.SubmissionsTotal.WithLabelValues("accepted").Inc()
	case oracle.EventRoundFinalized:
		m.RoundsFinalized.WithLabelValues(asset).Inc()
		m.ConsensusPrice.WithLabelValues(asset).Set(Units(ev.Price))
	case oracle.EventCircuitBreakerTripped:
		m.BreakerTrips.WithLabelValues(asset).Inc()
	case oracle.EventAssetRegistered:
		m.RegisteredAssets.Inc()
	case oracle.EventParametersUpdated:
		m.ParamsUpdates.Inc()
	case oracle.EventReferenceFeedConfigured:
		m.ReferenceConfigs.Inc()
	}
}

// ObserveRejection counts a failed submission under a short reason label.
func (m *Metrics) ObserveRejection(reason string) {
	m.SubmissionsTotal.WithLabelValues("rejected").Inc()
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

var unitScale = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(model.PriceDecimals), nil))

// Units converts a fixed-point price to whole units for display.
func Units(p *big.Int) float64 {
	if p == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(p), unitScale).Float64()
	return f
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected  bool      `json:"redis_connected"`
	SQLiteOK        bool      `json:"sqlite_ok"`
	ConsumerOK      bool      `json:"consumer_ok"`
	LastFinalizedAt time.Time `json:"last_finalized_at"`
	Assets          int       `json:"assets"`
	StaleAssets     int       `json:"stale_assets"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetConsumerOK(v bool) {
	h.mu.Lock()
	h.ConsumerOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastFinalizedAt(t time.Time) {
	h.mu.Lock()
	if t.After(h.LastFinalizedAt) {
		h.LastFinalizedAt = t
	}
	h.mu.Unlock()
}

// SetAssetStats records the registry size and how many assets are stale.
func (h *HealthStatus) SetAssetStats(assets, stale int) {
	h.mu.Lock()
	h.Assets = assets
	h.StaleAssets = stale
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint. The engine itself is in-process,
// so the service is "degraded" when a dependency is down and "unhealthy" only
// when both persistence paths are.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.RedisConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	lastFinalized := ""
	consensusAge := ""
	if !h.LastFinalizedAt.IsZero() {
		lastFinalized = h.LastFinalizedAt.Format(time.RFC3339)
		consensusAge = time.Since(h.LastFinalizedAt).Round(time.Second).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		ConsumerOK      bool    `json:"consumer_ok"`
		Assets          int     `json:"assets"`
		StaleAssets     int     `json:"stale_assets"`
		LastFinalizedAt string  `json:"last_finalized_at"`
		ConsensusAge    string  `json:"consensus_age"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		ConsumerOK:      h.ConsumerOK,
		Assets:          h.Assets,
		StaleAssets:     h.StaleAssets,
		LastFinalizedAt: lastFinalized,
		ConsensusAge:    consensusAge,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
