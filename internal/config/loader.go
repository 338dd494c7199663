package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "quorum.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "QUORUM_PORT")
	setString(&cfg.Server.CORSOrigin, "QUORUM_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "QUORUM_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "QUORUM_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "QUORUM_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "QUORUM_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "QUORUM_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "QUORUM_LOG_LEVEL")
	setString(&cfg.Logging.Service, "QUORUM_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "QUORUM_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "QUORUM_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "QUORUM_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "QUORUM_RATE_RPS")
	setInt(&cfg.Rate.Burst, "QUORUM_RATE_BURST")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "QUORUM_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "QUORUM_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.StatsTTL, "QUORUM_CACHE_STATS_TTL")
	setDuration(&cfg.Cache.L1Expire, "QUORUM_CACHE_L1_EXPIRE")

	// OTel
	setBool(&cfg.OTel.Enabled, "QUORUM_OTEL_ENABLED")
	setString(&cfg.OTel.Endpoint, "QUORUM_OTEL_ENDPOINT")

	// Classifier
	setFloat64(&cfg.Classifier.ConfidenceWeight, "QUORUM_CLASSIFIER_CONFIDENCE_WEIGHT")
	setFloat64(&cfg.Classifier.ConsensusWeight, "QUORUM_CLASSIFIER_CONSENSUS_WEIGHT")
	setFloat64(&cfg.Classifier.RiskWeight, "QUORUM_CLASSIFIER_RISK_WEIGHT")
	setFloat64(&cfg.Classifier.AgentOnlyThreshold, "QUORUM_CLASSIFIER_AGENT_ONLY_THRESHOLD")
	setFloat64(&cfg.Classifier.JuniorThreshold, "QUORUM_CLASSIFIER_JUNIOR_THRESHOLD")

	// Router
	setFloat64(&cfg.Router.MinAffinity, "QUORUM_ROUTER_MIN_AFFINITY")
	setFloat64(&cfg.Router.CoverAffinity, "QUORUM_ROUTER_COVER_AFFINITY")

	// Consensus
	setDuration(&cfg.Consensus.CollectTimeout, "QUORUM_CONSENSUS_COLLECT_TIMEOUT")
	setInt(&cfg.Consensus.MaxRounds, "QUORUM_CONSENSUS_MAX_ROUNDS")
	setFloat64(&cfg.Consensus.AgreementThreshold, "QUORUM_CONSENSUS_AGREEMENT_THRESHOLD")
	setFloat64(&cfg.Consensus.ReducedConsensusLevel, "QUORUM_CONSENSUS_REDUCED_LEVEL")

	// Allocator
	setFloat64(&cfg.Allocator.HighImpactThreshold, "QUORUM_ALLOCATOR_HIGH_IMPACT_THRESHOLD")
	setDuration(&cfg.Allocator.OversightTimeout, "QUORUM_ALLOCATOR_OVERSIGHT_TIMEOUT")

	// Memory
	setInt(&cfg.Memory.AppendRetries, "QUORUM_MEMORY_APPEND_RETRIES")
	setDuration(&cfg.Memory.RetryBackoff, "QUORUM_MEMORY_RETRY_BACKOFF")
	setInt(&cfg.Memory.BufferSize, "QUORUM_MEMORY_BUFFER_SIZE")
	setDuration(&cfg.Memory.ReplayInterval, "QUORUM_MEMORY_REPLAY_INTERVAL")
	setFloat64(&cfg.Memory.InsightDelta, "QUORUM_MEMORY_INSIGHT_DELTA")
	setDuration(&cfg.Memory.ShortTermWindow, "QUORUM_MEMORY_SHORT_TERM_WINDOW")
	setDuration(&cfg.Memory.MediumTermWindow, "QUORUM_MEMORY_MEDIUM_TERM_WINDOW")
	setDuration(&cfg.Memory.LongTermWindow, "QUORUM_MEMORY_LONG_TERM_WINDOW")
	setDuration(&cfg.Memory.CompactInterval, "QUORUM_MEMORY_COMPACT_INTERVAL")
}

// validate checks that required fields are set and thresholds are coherent.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Classifier.AgentOnlyThreshold <= cfg.Classifier.JuniorThreshold {
		return errors.New("classifier.agent_only_threshold must be greater than classifier.junior_threshold")
	}
	if cfg.Router.MinAffinity < 0 || cfg.Router.MinAffinity > 1 {
		return errors.New("router.min_affinity must be between 0 and 1")
	}
	if cfg.Consensus.MaxRounds < 1 {
		return errors.New("consensus.max_rounds must be >= 1")
	}
	if cfg.Allocator.HighImpactThreshold < 0 || cfg.Allocator.HighImpactThreshold > 1 {
		return errors.New("allocator.high_impact_threshold must be between 0 and 1")
	}
	if cfg.Memory.BufferSize < 1 {
		return errors.New("memory.buffer_size must be >= 1")
	}
	if cfg.Memory.ShortTermWindow > cfg.Memory.MediumTermWindow ||
		cfg.Memory.MediumTermWindow > cfg.Memory.LongTermWindow {
		return errors.New("memory retention windows must be ordered short <= medium <= long")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
