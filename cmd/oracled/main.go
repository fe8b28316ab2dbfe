// cmd/oracled runs the price oracle daemon.
//
// Accepts validator submissions over HTTP and from the Redis submission
// stream, finalizes rounds by median consensus and distributes results to
// SQLite, Redis and WebSocket clients.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"priceoracle/config"
	"priceoracle/internal/gateway"
	"priceoracle/internal/logger"
	"priceoracle/internal/metrics"
	"priceoracle/internal/notification"
	"priceoracle/internal/oracled"
)

func main() {
	processStart := time.Now()
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	// ---- Config + logging ----
	cfg := config.Load()
	logger.Init("oracled", logger.ParseLevel(cfg.LogLevel))
	log.Printf("[oracled] quorum=%d tolerance=%dbps breaker=%dbps twap=%ds assets=%d",
		cfg.MinSubmitters, cfg.ConsensusToleranceBps, cfg.CircuitBreakerBps, cfg.TWAPWindowSec, len(cfg.Assets))

	// ---- Alert channels ----
	notifiers := notification.Multi{notification.NewLogNotifier()}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
		log.Println("[oracled] telegram alerts enabled")
	}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.NotifyWebhookURL))
		log.Println("[oracled] webhook alerts enabled")
	}

	// ---- Metrics ----
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Service ----
	svc, err := oracled.New(cfg, oracled.Options{
		Metrics:  prom,
		Health:   health,
		Notifier: notifiers,
	})
	if err != nil {
		log.Fatalf("[oracled] init failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	// ---- HTTP API + WebSocket ----
	svc.Hub().Metrics = gateway.NewMetrics(nil)
	svc.StartHTTP(ctx, processStart)
	go svc.Hub().StartStatsBroadcast(ctx, processStart, 5*time.Second)

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[oracled] fatal: %v", err)
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutCancel()
	metricsSrv.Stop(shutCtx)
}
