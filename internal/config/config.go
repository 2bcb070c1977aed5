// Package config loads the service configuration from the environment,
// with connection secrets (Postgres DSN, Kafka brokers) sourced from
// Vault when available and falling back to plain env vars for local
// development.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config is the full runtime configuration of the ingestion worker.
type Config struct {
	// Connections.
	PostgresURL  string
	KafkaBrokers []string

	// Input.
	ConsumerTopic   string
	ConsumerGroupID string

	// Output topics.
	EnrichedEventsTopic    string
	IngestionWarningsTopic string
	HeatmapsTopic          string
	ExceptionsTopic        string
	PersonUpdatesTopic     string
	GroupUpdatesTopic      string
	DLQTopic               string
	TopicPartitions        int32

	// Pipeline tunables.
	PersonResolutionRetryMax    int
	TeamCacheTTL                time.Duration
	MaxGroupTypesPerTeam        int
	TimestampFutureTolerance    time.Duration
	PersonsProcessingSkipTokens map[string][]string

	// Consume loop.
	BatchRetryMax int
	RetryBackoff  time.Duration
	DrainTimeout  time.Duration

	// Ops.
	OpsBindAddr  string
	OTLPEndpoint string
	ServiceName  string
}

// Load assembles the configuration. Vault is consulted first for PG_URL
// and KAFKA_BROKERS; env vars of the same name win when set, which is
// how local runs skip Vault entirely.
func Load(logger *zap.Logger) (*Config, error) {
	cfg := &Config{
		ConsumerTopic:   envOr("CONSUMER_TOPIC", "events_plugin_ingestion"),
		ConsumerGroupID: envOr("CONSUMER_GROUP_ID", "ingestion-pipeline"),

		EnrichedEventsTopic:    envOr("ENRICHED_EVENTS_TOPIC", "clickhouse_events_json"),
		IngestionWarningsTopic: envOr("INGESTION_WARNINGS_TOPIC", "clickhouse_ingestion_warnings"),
		HeatmapsTopic:          envOr("HEATMAPS_TOPIC", "clickhouse_heatmap_events"),
		ExceptionsTopic:        envOr("EXCEPTIONS_TOPIC", "exception_symbolification_events"),
		PersonUpdatesTopic:     envOr("PERSON_UPDATES_TOPIC", "clickhouse_person"),
		GroupUpdatesTopic:      envOr("GROUP_UPDATES_TOPIC", "clickhouse_groups"),
		DLQTopic:               envOr("DLQ_TOPIC", "events_plugin_ingestion_dlq"),

		OpsBindAddr:  envOr("OPS_BIND_ADDR", ":8080"),
		OTLPEndpoint: envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		ServiceName:  envOr("SERVICE_NAME", "ingest-service"),
	}

	var err error
	if cfg.TopicPartitions, err = envInt32("TOPIC_PARTITIONS", 8); err != nil {
		return nil, err
	}
	if cfg.PersonResolutionRetryMax, err = envInt("PERSON_RESOLUTION_RETRY_MAX", 5); err != nil {
		return nil, err
	}
	if cfg.MaxGroupTypesPerTeam, err = envInt("MAX_GROUP_TYPES_PER_TEAM", 5); err != nil {
		return nil, err
	}
	if cfg.BatchRetryMax, err = envInt("BATCH_RETRY_MAX", 3); err != nil {
		return nil, err
	}
	if cfg.TeamCacheTTL, err = envDurationMS("TEAM_CACHE_TTL_MS", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.TimestampFutureTolerance, err = envDurationMS("TIMESTAMP_FUTURE_TOLERANCE_MS", 23*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RetryBackoff, err = envDurationMS("BATCH_RETRY_BACKOFF_MS", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.DrainTimeout, err = envDurationMS("DRAIN_TIMEOUT_MS", 30*time.Second); err != nil {
		return nil, err
	}

	if raw := os.Getenv("PERSONS_PROCESSING_SKIP_TOKENS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.PersonsProcessingSkipTokens); err != nil {
			return nil, fmt.Errorf("parse PERSONS_PROCESSING_SKIP_TOKENS: %w", err)
		}
	}

	secrets := loadVaultSecrets(logger)
	cfg.PostgresURL = envOr("PG_URL", stringSecret(secrets, "PG_URL"))
	brokers := envOr("KAFKA_BROKERS", stringSecret(secrets, "KAFKA_BROKERS"))

	if cfg.PostgresURL == "" {
		return nil, fmt.Errorf("PG_URL is not set in env or Vault")
	}
	if brokers == "" {
		return nil, fmt.Errorf("KAFKA_BROKERS is not set in env or Vault")
	}
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}
	return cfg, nil
}

// loadVaultSecrets reads the service's KV v2 secret. Any failure is
// logged and returns an empty map so env vars can take over.
func loadVaultSecrets(logger *zap.Logger) map[string]interface{} {
	vaultAddr := envOr("VAULT_ADDR", "http://localhost:8200")
	vaultToken := envOr("VAULT_TOKEN", "root")
	secretPath := envOr("VAULT_SECRET_PATH", "secret/data/ingest/worker")

	manager, err := NewSecretManager(vaultAddr, vaultToken)
	if err != nil {
		logger.Warn("Vault connection failed, falling back to env", zap.Error(err))
		return nil
	}
	secrets, err := manager.GetKV2(secretPath)
	if err != nil {
		logger.Warn("Vault secret read failed, falling back to env",
			zap.String("path", secretPath), zap.Error(err))
		return nil
	}
	return secrets
}

func stringSecret(secrets map[string]interface{}, key string) string {
	if secrets == nil {
		return ""
	}
	v, _ := secrets[key].(string)
	return v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func envInt32(key string, fallback int32) (int32, error) {
	n, err := envInt(key, int(fallback))
	return int32(n), err
}

func envDurationMS(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
