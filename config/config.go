// config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration, read from the environment after an
// optional .env file.
type Config struct {
	Port           string
	DatabaseURL    string
	ServiceToken   string
	AllowedOrigins string
	SchedulePath   string

	SettlementGatewayURL   string
	SettlementToken        string
	ProgramID              string
	SettlementCallTimeout  time.Duration
	SettlementConfirmWait  time.Duration
	SettlementRPS          float64
	SettlementPerMinute    int
	BreakerThreshold       int
	BreakerResetTimeout    time.Duration
	RefundMaxAttempts      int
	LifecycleSweepInterval time.Duration
	DeployInterval         time.Duration
	SweepConcurrency       int

	ScoringURL   string
	ScoringToken string

	KafkaBrokers []string
	KafkaTopic   string

	R2AccountID       string
	R2AccessKeyID     string
	R2AccessKeySecret string
	R2Bucket          string
}

// Load reads .env (if present) and the environment. Only DATABASE_URL and
// SERVICE_TOKEN are required.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	cfg := &Config{
		Port:           getEnv("PORT", "5200"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		ServiceToken:   os.Getenv("SERVICE_TOKEN"),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "http://localhost:3000"),
		SchedulePath:   getEnv("SCHEDULE_PATH", "configs/schedule.yaml"),

		SettlementGatewayURL: os.Getenv("SETTLEMENT_GATEWAY_URL"),
		SettlementToken:      os.Getenv("SETTLEMENT_SERVICE_TOKEN"),
		ProgramID:            os.Getenv("ESCROW_PROGRAM_ID"),

		ScoringURL:   os.Getenv("SCORING_SERVICE_URL"),
		ScoringToken: os.Getenv("SCORING_SERVICE_TOKEN"),

		KafkaTopic: getEnv("KAFKA_TOPIC", "tournament.lifecycle"),

		R2AccountID:       os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
		R2AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
		R2AccessKeySecret: os.Getenv("R2_ACCESS_KEY_SECRET"),
		R2Bucket:          os.Getenv("R2_BUCKET_NAME"),
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	var err error
	if cfg.SettlementCallTimeout, err = getDuration("SETTLEMENT_CALL_TIMEOUT", 90*time.Second); err != nil {
		return nil, err
	}
	if cfg.SettlementConfirmWait, err = getDuration("SETTLEMENT_CONFIRM_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.BreakerResetTimeout, err = getDuration("BREAKER_RESET_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.LifecycleSweepInterval, err = getDuration("LIFECYCLE_SWEEP_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DeployInterval, err = getDuration("DEPLOY_INTERVAL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SettlementPerMinute, err = getInt("SETTLEMENT_RATE_PER_MINUTE", 120); err != nil {
		return nil, err
	}
	if cfg.BreakerThreshold, err = getInt("BREAKER_FAILURE_THRESHOLD", 5); err != nil {
		return nil, err
	}
	if cfg.RefundMaxAttempts, err = getInt("REFUND_MAX_ATTEMPTS", 10); err != nil {
		return nil, err
	}
	if cfg.SweepConcurrency, err = getInt("SWEEP_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if raw := os.Getenv("SETTLEMENT_RPS"); raw != "" {
		if cfg.SettlementRPS, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("SETTLEMENT_RPS: %w", err)
		}
	} else {
		cfg.SettlementRPS = 5
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable not set")
	}
	if cfg.ServiceToken == "" {
		return nil, fmt.Errorf("SERVICE_TOKEN environment variable not set")
	}
	return cfg, nil
}

// R2Enabled reports whether settlement reports should be archived.
func (c *Config) R2Enabled() bool {
	return c.R2AccountID != "" && c.R2Bucket != ""
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return d, nil
}

func getInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
