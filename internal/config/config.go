package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainConfig holds per-chain tuning. ChunkSize is the number of blocks per
// eth_getLogs call; providers reject ranges that are too wide, and the sweet
// spot differs per chain (Arbitrum blocks are ~4/s, Base ~2/s).
type ChainConfig struct {
	RPCURL    string `yaml:"rpc_url"`
	ChunkSize uint64 `yaml:"chunk_size"`
}

type Config struct {
	DatabaseURL string                 `yaml:"database_url"`
	APIPort     string                 `yaml:"api_port"`
	Chains      map[string]ChainConfig `yaml:"chains"`

	// Scheduler knobs.
	SchedulerInterval time.Duration `yaml:"-"`
	SchedulerLockTTL  time.Duration `yaml:"-"`
	Stagger           time.Duration `yaml:"-"`
	DaysBack          int           `yaml:"days_back"`

	// Pipeline knobs.
	PriceDeviationPct float64 `yaml:"price_deviation_pct"` // post-ingest anomaly threshold
	RollWindow        int     `yaml:"roll_window"`         // minutes, derived-metrics rolling window
	WorkerRecycle     int     `yaml:"worker_recycle"`      // tasks per queue worker before recycle

	// Enrichment knobs.
	EnableEnrichment bool    `yaml:"enable_enrichment"`
	EnrichRPS        float64 `yaml:"enrich_rps"`

	EnableScheduler bool `yaml:"enable_scheduler"`
	SkipMigration   bool `yaml:"skip_migration"`
}

// Default block chunk sizes per chain.
const (
	arbitrumChunkSize = 10000
	baseChunkSize     = 1500
)

// Load builds the config from the environment, optionally seeded from a YAML
// file when DEXFLOW_CONFIG points at one. Env always wins over file values.
func Load() (*Config, error) {
	cfg := &Config{
		APIPort:           "8080",
		Chains:            map[string]ChainConfig{},
		SchedulerInterval: 5 * time.Minute,
		SchedulerLockTTL:  5 * time.Minute,
		Stagger:           180 * time.Second,
		DaysBack:          1,
		PriceDeviationPct: 0.05,
		RollWindow:        60,
		WorkerRecycle:     20,
		EnableEnrichment:  true,
		EnrichRPS:         900,
		EnableScheduler:   true,
	}

	if path := os.Getenv("DEXFLOW_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.APIPort = v
	}

	if v := os.Getenv("ARBITRUM_RPC_URL"); v != "" {
		cfg.Chains["arbitrum"] = ChainConfig{RPCURL: substituteAPIKey(v), ChunkSize: arbitrumChunkSize}
	}
	if v := os.Getenv("BASE_RPC_URL"); v != "" {
		cfg.Chains["base"] = ChainConfig{RPCURL: substituteAPIKey(v), ChunkSize: baseChunkSize}
	}
	for name, cc := range cfg.Chains {
		cc.RPCURL = substituteAPIKey(cc.RPCURL)
		if cc.ChunkSize == 0 {
			cc.ChunkSize = defaultChunkSize(name)
		}
		cfg.Chains[name] = cc
	}

	cfg.SchedulerInterval = time.Duration(getEnvInt("SCHEDULER_INTERVAL_MIN", int(cfg.SchedulerInterval/time.Minute))) * time.Minute
	cfg.SchedulerLockTTL = time.Duration(getEnvInt("SCHEDULER_LOCK_TTL_MIN", int(cfg.SchedulerLockTTL/time.Minute))) * time.Minute
	cfg.Stagger = time.Duration(getEnvInt("STAGGER_SECS", int(cfg.Stagger/time.Second))) * time.Second
	cfg.DaysBack = getEnvInt("DAYS_BACK", cfg.DaysBack)
	cfg.WorkerRecycle = getEnvInt("WORKER_RECYCLE_TASKS", cfg.WorkerRecycle)
	cfg.RollWindow = getEnvInt("ROLL_WINDOW_MIN", cfg.RollWindow)
	cfg.PriceDeviationPct = getEnvFloat("PRICE_DEVIATION_PCT", cfg.PriceDeviationPct)
	cfg.EnrichRPS = getEnvFloat("ENRICH_RPS", cfg.EnrichRPS)
	cfg.EnableEnrichment = os.Getenv("ENABLE_ENRICHMENT") != "false" && cfg.EnableEnrichment
	cfg.EnableScheduler = os.Getenv("ENABLE_SCHEDULER") != "false" && cfg.EnableScheduler
	cfg.SkipMigration = os.Getenv("SKIP_MIGRATION") == "true" || cfg.SkipMigration

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if len(cfg.Chains) == 0 {
		return nil, fmt.Errorf("no chain RPC URLs configured (set ARBITRUM_RPC_URL and/or BASE_RPC_URL)")
	}
	return cfg, nil
}

func defaultChunkSize(chain string) uint64 {
	switch chain {
	case "base":
		return baseChunkSize
	default:
		return arbitrumChunkSize
	}
}

// substituteAPIKey expands the ${ALCHEMY_API_KEY} placeholder so the key can
// live in its own env var instead of being pasted into every URL.
func substituteAPIKey(url string) string {
	if key := os.Getenv("ALCHEMY_API_KEY"); key != "" {
		url = strings.ReplaceAll(url, "${ALCHEMY_API_KEY}", key)
	}
	return url
}

func getEnvInt(key string, defaultVal int) int {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.Atoi(valStr); err == nil {
			return val
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.ParseFloat(valStr, 64); err == nil {
			return val
		}
	}
	return defaultVal
}
