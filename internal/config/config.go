// Package config builds the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/fraudproof/internal/domain"
)

// Load reads .env when present, then overlays environment variables on the
// tier defaults selected by FRAUDPROOF_TIER. The result is validated.
func Load() (*domain.Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a configuration from lookup, which has the signature of
// os.LookupEnv.
func FromEnv(lookup func(string) (string, bool)) (*domain.Config, error) {
	e := &env{lookup: lookup}

	cfg := domain.DefaultConfig()
	if tier, ok := e.get("FRAUDPROOF_TIER"); ok {
		switch domain.Tier(strings.ToLower(tier)) {
		case domain.TierPro:
			cfg = domain.ProConfig()
		case domain.TierCommunity:
		default:
			return nil, fmt.Errorf("unknown FRAUDPROOF_TIER %q", tier)
		}
	}

	e.setString("FRAUDPROOF_HOST", &cfg.Server.Host)
	e.setInt("FRAUDPROOF_PORT", &cfg.Server.Port)
	e.setInt("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	e.setInt("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	e.setList("CORS_ORIGINS", &cfg.Server.CORSOrigins)

	e.setString("DATABASE_DRIVER", &cfg.Repository.Driver)
	e.setString("SQLITE_PATH", &cfg.Repository.SQLitePath)
	e.setString("DATABASE_URL", &cfg.Repository.PostgresURL)
	e.setString("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	e.setInt("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	e.setString("POSTGRES_USER", &cfg.Repository.PostgresUser)
	e.setString("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	e.setString("POSTGRES_DB", &cfg.Repository.PostgresDB)
	e.setString("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	e.setString("CACHE_TYPE", &cfg.Cache.Type)
	e.setString("REDIS_ADDR", &cfg.Cache.RedisAddr)
	e.setString("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	e.setInt("REDIS_DB", &cfg.Cache.RedisDB)
	e.setDuration("CHAIN_EVENT_CACHE_TTL", &cfg.Cache.ChainEventTTL)

	e.setString("EVENT_BUS", &cfg.EventBus.Type)
	e.setString("NATS_URL", &cfg.EventBus.NATSUrl)
	e.setString("NATS_TOKEN", &cfg.EventBus.NATSToken)
	e.setString("NATS_QUEUE_GROUP", &cfg.EventBus.NATSQueueGroup)

	e.setString("MODEL_DIR", &cfg.Models.Dir)
	e.setString("MODEL_VERSION", &cfg.Models.Version)

	e.setString("RPC_URL", &cfg.Chain.RPCURL)
	e.setString("CONTRACT_ADDRESS", &cfg.Chain.ContractAddress)
	e.setString("PRIVATE_KEY", &cfg.Chain.PrivateKey)
	e.setInt64("CHAIN_ID", &cfg.Chain.ChainID)
	e.setUint64("GAS_LIMIT", &cfg.Chain.GasLimit)
	e.setDuration("RECEIPT_POLL_INTERVAL", &cfg.Chain.PollInterval)

	e.setInt("ANCHOR_THRESHOLD", &cfg.Anchoring.Threshold)
	if mode, ok := e.get("ANCHOR_MODE"); ok {
		cfg.Anchoring.Mode = domain.AnchorMode(strings.ToLower(mode))
	}
	e.setInt("ANCHOR_MAX_ATTEMPTS", &cfg.Anchoring.MaxAttempts)
	e.setDuration("ANCHOR_CONFIRM_TIMEOUT", &cfg.Anchoring.ConfirmTimeout)
	e.setInt("ANCHOR_WORKERS", &cfg.Anchoring.WorkerCount)
	e.setInt("CHAIN_READ_CONCURRENCY", &cfg.Anchoring.ReadConcurrency)

	e.setString("LOG_LEVEL", &cfg.Logging.Level)
	e.setString("LOG_FORMAT", &cfg.Logging.Format)
	if v, ok := e.get("FRAUDPROOF_DEBUG"); ok && v == "true" {
		cfg.Logging.Level = "debug"
	}

	if endpoint, ok := e.get("OTEL_EXPORTER_OTLP_ENDPOINT"); ok {
		cfg.Tracing.Endpoint = endpoint
		cfg.Tracing.Enabled = true
	}
	e.setString("OTEL_SERVICE_NAME", &cfg.Tracing.ServiceName)

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// env collects parse errors so a bad deployment reports all of them at once.
type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) setString(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

// setList splits a comma-separated value, dropping empty items.
func (e *env) setList(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var items []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}

func (e *env) setInt(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
			return
		}
		*dst = n
	}
}

func (e *env) setInt64(key string, dst *int64) {
	if v, ok := e.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
			return
		}
		*dst = n
	}
}

func (e *env) setUint64(key string, dst *uint64) {
	if v, ok := e.get(key); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid unsigned integer %q", key, v))
			return
		}
		*dst = n
	}
}

// setDuration accepts Go duration syntax ("90s", "2m") or a bare number of
// seconds.
func (e *env) setDuration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return
	}
	*dst = d
}

// NewLogger builds the process logger: JSON unless format is "text", at the
// configured level (unknown levels fall back to info).
func NewLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
