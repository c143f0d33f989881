package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete FraudProof configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which storage, cache and bus backends are used
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Scoring and anchoring
	Models    ModelsConfig    `json:"models"`
	Chain     ChainConfig     `json:"chain"`
	Anchoring AnchoringConfig `json:"anchoring"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// CORSOrigins lists browser origins allowed to call the API; empty
	// allows any.
	CORSOrigins []string `json:"corsOrigins,omitempty"`
}

// ModelsConfig locates the classifier artifacts.
type ModelsConfig struct {
	// Dir holds one <domain>_model.json artifact per transaction domain.
	Dir string `json:"dir"`

	// Version is recorded on every assessment and written on-chain.
	Version string `json:"version"`
}

// ChainConfig holds the ledger connection and signing account.
type ChainConfig struct {
	RPCURL          string        `json:"rpcUrl"`
	ContractAddress string        `json:"contractAddress"`
	PrivateKey      string        `json:"-"` // hex, with or without 0x
	ChainID         int64         `json:"chainId"`
	GasLimit        uint64        `json:"gasLimit"` // 0 = estimate
	PollInterval    time.Duration `json:"pollInterval"`
}

// Enabled reports whether enough is configured to attempt anchoring.
func (c ChainConfig) Enabled() bool {
	return c.RPCURL != "" && c.ContractAddress != "" && c.PrivateKey != ""
}

// AnchorMode selects where anchoring runs relative to the request.
type AnchorMode string

const (
	// AnchorModeSync anchors inside the request after the assessment is stored.
	AnchorModeSync AnchorMode = "sync"

	// AnchorModeAsync publishes an anchor request for the worker to pick up.
	AnchorModeAsync AnchorMode = "async"
)

// AnchoringConfig holds the anchoring policy.
type AnchoringConfig struct {
	// Threshold is exclusive: only scores strictly above it are anchored.
	Threshold      int           `json:"threshold"`
	Mode           AnchorMode    `json:"mode"`
	MaxAttempts    int           `json:"maxAttempts"`
	ConfirmTimeout time.Duration `json:"confirmTimeout"`

	// ReadConcurrency bounds parallel chain reads while listing assessments.
	ReadConcurrency int `json:"readConcurrency"`

	// WorkerCount is the number of async anchor consumers.
	WorkerCount int `json:"workerCount"`
}

// ShouldAnchor applies the exclusive threshold.
func (c AnchoringConfig) ShouldAnchor(score int) bool {
	return score > c.Threshold
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint"` // OTLP/gRPC collector
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 120, // sync anchoring waits for a receipt
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./fraud.db",
		},
		Cache: CacheConfig{
			Type:          "memory",
			LocalMaxSize:  10000,
			LocalTTL:      5 * time.Minute,
			ChainEventTTL: time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Models: ModelsConfig{
			Dir:     "./models",
			Version: "v1",
		},
		Chain: ChainConfig{
			ChainID:      11155111, // Sepolia
			PollInterval: 2 * time.Second,
		},
		Anchoring: AnchoringConfig{
			Threshold:       50,
			Mode:            AnchorModeSync,
			MaxAttempts:     3,
			ConfirmTimeout:  90 * time.Second,
			ReadConcurrency: 8,
			WorkerCount:     1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "fraudproof",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "fraudproof",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
		ChainEventTTL:  24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "fraudproof-anchor",
	}
	cfg.Anchoring.Mode = AnchorModeAsync
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate checks the configuration for values no component can work with.
// A missing private key or contract address is allowed: anchoring is then
// rejected at call time instead.
func (c *Config) Validate() error {
	switch c.Tier {
	case TierCommunity, TierPro:
	default:
		return fmt.Errorf("unknown tier %q", c.Tier)
	}
	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Repository.Driver)
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache type %q", c.Cache.Type)
	}
	switch c.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("unsupported event bus type %q", c.EventBus.Type)
	}
	switch c.Anchoring.Mode {
	case AnchorModeSync, AnchorModeAsync:
	default:
		return fmt.Errorf("unknown anchor mode %q", c.Anchoring.Mode)
	}
	if c.Anchoring.Threshold < 0 || c.Anchoring.Threshold > 100 {
		return fmt.Errorf("ANCHOR_THRESHOLD must be within [0,100], got %d", c.Anchoring.Threshold)
	}
	if c.Anchoring.MaxAttempts < 1 {
		return fmt.Errorf("ANCHOR_MAX_ATTEMPTS must be at least 1")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive, got %d", c.Chain.ChainID)
	}
	if c.Chain.PrivateKey != "" {
		if err := validatePrivateKey(c.Chain.PrivateKey); err != nil {
			return err
		}
	}
	if c.Models.Dir == "" {
		return fmt.Errorf("MODEL_DIR is required")
	}
	return nil
}

func validatePrivateKey(key string) error {
	key = strings.TrimPrefix(key, "0x")
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	if _, err := hex.DecodeString(key); err != nil {
		return fmt.Errorf("PRIVATE_KEY is not valid hex")
	}
	return nil
}
