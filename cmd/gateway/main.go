// cmd/gateway runs the WebSocket gateway as a standalone process.
//
// Subscribes to the oracle's Redis PubSub channels (pub:price:*, pub:oracle:events)
// and relays them to browser clients with per-channel sequence numbers, replay
// and subscription filtering. Runs independently of oracled.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"priceoracle/config"
	"priceoracle/internal/gateway"
	"priceoracle/internal/logger"
	redisstore "priceoracle/internal/store/redis"
)

var processStart = time.Now()

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg := config.Load()
	logger.Init("gateway", logger.ParseLevel(cfg.LogLevel))
	log.Println("[gateway] starting...")

	// ---- Connect to Redis ----
	rdb, err := redisstore.Connect(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatalf("[gateway] redis connection failed: %v", err)
	}
	defer rdb.Close()
	log.Printf("[gateway] redis connected at %s", cfg.RedisAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Hub fed from PubSub ----
	hub := gateway.NewHub(rdb, cfg.WSReplayCapacity)
	hub.Metrics = gateway.NewMetrics(nil)
	go hub.Run(ctx)
	go hub.StartStatsBroadcast(ctx, processStart, 2*time.Second)

	// ---- Routes ----
	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, hub, processStart)
	srv := &http.Server{Addr: cfg.GatewayAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("[gateway] serving at http://localhost%s", cfg.GatewayAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[gateway] server error: %v", err)
		}
	}()

	<-sigCh
	log.Println("[gateway] shutting down...")
	cancel()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutCancel()
	srv.Shutdown(shutCtx)
}
