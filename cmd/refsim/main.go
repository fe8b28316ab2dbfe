// cmd/refsim simulates an external reference feed and, optionally, validators.
//
// Serves a JSON reference price per asset and, when Redis is reachable,
// publishes simulated validator submissions to the oracle's submission
// stream. Lets oracled run end to end without real reporters.
//
// Reference document (GET /price/{asset}):
//
//	{"asset":"0x..","price":"250012345678","decimals":8,"updated_at":1700000000}
//
// Config (env vars, on top of the shared oracle config):
//
//	REFSIM_ADDR         listen address (default: ":9001")
//	REFSIM_INTERVAL_MS  simulation step (default: "2000")
//	REFSIM_START_PRICE  starting price in whole units (default: "2500")
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"priceoracle/config"
	"priceoracle/internal/authz"
	"priceoracle/internal/logger"
	"priceoracle/internal/model"
	redisstore "priceoracle/internal/store/redis"
)

// feedDecimals is the precision of the served reference prices.
const feedDecimals = 8

// instrument holds per-asset simulation state. Price carries feedDecimals.
type instrument struct {
	Asset     common.Address
	Price     int64
	UpdatedAt time.Time
}

type market struct {
	mu     sync.RWMutex
	assets map[common.Address]*instrument
}

// walkPrice applies a small random walk (±0.1%) to simulate price movement.
func walkPrice(rng *rand.Rand, price int64) int64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	next := price + int64(float64(price)*pct)
	if next < 1 {
		next = 1
	}
	return next
}

// step advances every instrument and returns a copy of the new prices.
func (m *market) step(rng *rand.Rand) []instrument {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]instrument, 0, len(m.assets))
	now := time.Now().UTC()
	for _, in := range m.assets {
		in.Price = walkPrice(rng, in.Price)
		in.UpdatedAt = now
		out = append(out, *in)
	}
	return out
}

func (m *market) get(a common.Address) (instrument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.assets[a]
	if !ok {
		return instrument{}, false
	}
	return *in, true
}

// toUnits scales a feedDecimals price to the oracle's 18-decimal fixed point,
// with a jitter in bps so validators disagree slightly.
func toUnits(price int64, jitterBps int64) *big.Int {
	v := new(big.Int).Mul(big.NewInt(price), new(big.Int).Exp(big.NewInt(10), big.NewInt(model.PriceDecimals-feedDecimals), nil))
	if jitterBps != 0 {
		d := new(big.Int).Mul(v, big.NewInt(jitterBps))
		d.Quo(d, big.NewInt(model.BpsDenominator))
		v.Add(v, d)
	}
	return v
}

// grantValidators adds the simulated validators to the dynamic allowlist so
// oracled accepts them even when VALIDATORS on its side differs.
func grantValidators(ctx context.Context, set *authz.RedisSet, validators []common.Address) {
	for _, v := range validators {
		if err := set.Grant(ctx, v); err != nil {
			log.Printf("[refsim] grant %s: %v", v.Hex(), err)
		}
	}
}

func revokeValidators(set *authz.RedisSet, validators []common.Address) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, v := range validators {
		if err := set.Revoke(ctx, v); err != nil {
			log.Printf("[refsim] revoke %s: %v", v.Hex(), err)
		}
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg := config.Load()
	logger.Init("refsim", logger.ParseLevel(cfg.LogLevel))
	log.Println("[refsim] starting reference simulator...")

	addr := envOrDefault("REFSIM_ADDR", ":9001")
	interval := time.Duration(envIntOrDefault("REFSIM_INTERVAL_MS", 2000)) * time.Millisecond
	startPrice := int64(envIntOrDefault("REFSIM_START_PRICE", 2500)) * 100_000_000

	// ---- Instruments ----
	m := &market{assets: make(map[common.Address]*instrument)}
	for _, s := range cfg.Assets {
		a, err := model.ParseAddress(s)
		if err != nil {
			log.Printf("[refsim] skipping invalid asset %q", s)
			continue
		}
		m.assets[a] = &instrument{Asset: a, Price: startPrice, UpdatedAt: time.Now().UTC()}
	}
	if len(m.assets) == 0 {
		log.Fatalf("[refsim] no assets configured via ASSETS")
	}
	var validators []common.Address
	for _, s := range config.ParseList(cfg.Validators) {
		if v, err := model.ParseAddress(s); err == nil {
			validators = append(validators, v)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Submission publisher (optional) ----
	var cons *redisstore.Consumer
	if len(validators) > 0 {
		rdb, err := redisstore.Connect(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			log.Printf("[refsim] WARNING: redis unavailable, serving reference prices only: %v", err)
		} else {
			cons = redisstore.NewConsumer(rdb, redisstore.ConsumerConfig{Stream: cfg.SubmissionStream})
			defer cons.Close()
			if cfg.ValidatorSetKey != "" {
				set := authz.NewRedisSet(rdb, cfg.ValidatorSetKey)
				grantValidators(ctx, set, validators)
				defer revokeValidators(set, validators)
			}
		}
	}
	log.Printf("[refsim] %d assets, %d validators, step %s", len(m.assets), len(validators), interval)

	go run(ctx, m, cons, validators, interval)

	// ---- HTTP ----
	mux := http.NewServeMux()
	mux.HandleFunc("GET /price/{asset}", func(w http.ResponseWriter, r *http.Request) {
		a, err := model.ParseAddress(r.PathValue("asset"))
		if err != nil {
			http.Error(w, `{"error":"invalid asset"}`, http.StatusBadRequest)
			return
		}
		in, ok := m.get(a)
		if !ok {
			http.Error(w, `{"error":"unknown asset"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"asset":      model.AssetKey(a),
			"price":      strconv.FormatInt(in.Price, 10),
			"decimals":   feedDecimals,
			"updated_at": in.UpdatedAt.Unix(),
		})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"refsim"}`)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		log.Printf("[refsim] listening on %s (GET /price/{asset})", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[refsim] server error: %v", err)
		}
	}()

	<-sigCh
	log.Println("[refsim] shutting down...")
	cancel()
	srv.Shutdown(context.Background())
}

// run advances the market and publishes one submission per validator and
// asset per step.
func run(ctx context.Context, m *market, cons *redisstore.Consumer, validators []common.Address, interval time.Duration) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prices := m.step(rng)
			if cons == nil {
				continue
			}
			for _, in := range prices {
				for _, v := range validators {
					sub := model.SubmissionMsg{
						Asset:     in.Asset,
						Validator: v,
						Price:     toUnits(in.Price, rng.Int63n(21)-10).String(),
						SentAt:    time.Now().UTC(),
					}
					if err := cons.PublishSubmission(ctx, sub); err != nil {
						log.Printf("[refsim] publish error: %v", err)
					}
				}
			}
		}
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
