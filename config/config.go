package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
// A .env file in the working directory (or ENV_FILE) is loaded first; real
// environment variables take precedence over it.
type Config struct {
	// Consensus parameters
	MinSubmitters         uint64
	ConsensusToleranceBps uint64
	StalenessThresholdSec uint64
	CircuitBreakerBps     uint64
	ExternalDeviationBps  uint64
	TWAPWindowSec         uint64
	MaxAssets             int

	// Registry bootstrap
	Assets     []string // asset addresses registered at startup
	Validators string   // comma-separated static allowlist

	// Optional reference feed applied to every bootstrap asset
	ReferenceURL      string
	ReferencePath     string
	ReferenceTSPath   string
	ReferenceDecimals uint8
	ReferenceRPS      float64

	// Infrastructure
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	ValidatorSetKey  string // Redis set of validators; empty disables
	SubmissionStream string
	ConsumerGroup    string
	ConsumerName     string
	ParamsChannel    string // PubSub channel for live parameter updates
	SQLitePath       string
	HTTPAddr         string
	MetricsAddr      string
	AdminTOTPSecret  string
	StaleCheckSpec   string // cron spec for the staleness monitor
	RetentionDays    int
	LogLevel         string
	WSReplayCapacity int
	NotifyWebhookURL string
	TelegramBotToken string
	TelegramChatID   string
	NotifyCooldown   time.Duration // per (alert kind, asset)
	GatewayAddr      string        // standalone WebSocket gateway
	ShutdownTimeout  time.Duration
}

// Load reads configuration from the environment with sensible defaults.
func Load() *Config {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] could not load %s: %v", envFile, err)
	}

	return &Config{
		MinSubmitters:         getUint("MIN_SUBMITTERS", 3),
		ConsensusToleranceBps: getUint("CONSENSUS_TOLERANCE_BPS", 100),
		StalenessThresholdSec: getUint("STALENESS_THRESHOLD_SEC", 3600),
		CircuitBreakerBps:     getUint("CIRCUIT_BREAKER_BPS", 1000),
		ExternalDeviationBps:  getUint("EXTERNAL_DEVIATION_BPS", 500),
		TWAPWindowSec:         getUint("TWAP_WINDOW_SEC", 1800),
		MaxAssets:             int(getUint("MAX_ASSETS", 256)),

		Assets:            ParseList(getEnv("ASSETS", "")),
		Validators:        getEnv("VALIDATORS", ""),
		ReferenceURL:      getEnv("REFERENCE_URL", ""),
		ReferencePath:     getEnv("REFERENCE_PRICE_PATH", "price"),
		ReferenceTSPath:   getEnv("REFERENCE_TS_PATH", ""),
		ReferenceDecimals: uint8(getUint("REFERENCE_DECIMALS", 8)),
		ReferenceRPS:      getFloat("REFERENCE_RPS", 1),

		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          int(getUint("REDIS_DB", 0)),
		ValidatorSetKey:  getEnv("VALIDATOR_SET_KEY", "oracle:validators"),
		SubmissionStream: getEnv("SUBMISSION_STREAM", "oracle:submissions"),
		ConsumerGroup:    getEnv("CONSUMER_GROUP", "oracled"),
		ConsumerName:     getEnv("CONSUMER_NAME", hostname()),
		ParamsChannel:    getEnv("PARAMS_CHANNEL", "config:oracle:params"),
		SQLitePath:       getEnv("SQLITE_PATH", "data/oracle.db"),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:      getEnv("METRICS_ADDR", ":9090"),
		AdminTOTPSecret:  getEnv("ADMIN_TOTP_SECRET", ""),
		StaleCheckSpec:   getEnv("STALE_CHECK_SPEC", "@every 1m"),
		RetentionDays:    int(getUint("RETENTION_DAYS", 30)),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		WSReplayCapacity: int(getUint("WS_REPLAY_CAPACITY", 1024)),
		NotifyWebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		NotifyCooldown:   time.Duration(getUint("NOTIFY_COOLDOWN_SEC", 300)) * time.Second,
		GatewayAddr:      getEnv("GATEWAY_ADDR", ":8081"),
		ShutdownTimeout:  time.Duration(getUint("SHUTDOWN_TIMEOUT_SEC", 5)) * time.Second,
	}
}

// ParseList splits a comma-separated list, dropping blanks.
func ParseList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getUint(key string, fallback uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f <= 0 {
		log.Printf("[config] invalid %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker-1"
	}
	return h
}
