// SPDX-License-Identifier: AGPL-3.0-only

// Package config loads the service configuration from the environment.
// Every knob has a production default; only the secrets and endpoints for
// the roles actually enabled are mandatory.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ctopuviyan/OrgOnboarder/pkg/bridge"
	"github.com/ctopuviyan/OrgOnboarder/pkg/reconciler"
)

// StoreBackend selects the document store implementation.
type StoreBackend string

const (
	StoreFirestore StoreBackend = "firestore"
	StoreMemory    StoreBackend = "memory"
)

// Config is the full service configuration. The server role runs the HTTP
// ingestion endpoints and the reconciler; the bridge role runs the Kafka
// consumer and batcher. One process may run both.
type Config struct {
	Port           int
	IngestionToken string

	StoreBackend       StoreBackend
	FirestoreProjectID string

	Kafka   bridge.KafkaConfig
	Batcher bridge.BatcherConfig
	Sender  bridge.SenderConfig

	Reconciler reconciler.Config
}

// LoadFromEnv reads the configuration from environment variables, applying
// defaults for everything unset.
func LoadFromEnv() (Config, error) {
	var cfg Config
	var errs []string

	getString := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return def
	}
	getInt := func(key string, def int) int {
		v, ok := os.LookupEnv(key)
		if !ok {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, key+": "+err.Error())
			return def
		}
		return n
	}
	getMillis := func(key string, def time.Duration) time.Duration {
		v, ok := os.LookupEnv(key)
		if !ok {
			return def
		}
		ms, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, key+": "+err.Error())
			return def
		}
		return time.Duration(ms) * time.Millisecond
	}
	getFloat := func(key string, def float64) float64 {
		v, ok := os.LookupEnv(key)
		if !ok {
			return def
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, key+": "+err.Error())
			return def
		}
		return f
	}

	cfg.Port = getInt("PORT", 8080)
	cfg.IngestionToken = getString("INGESTION_TOKEN", "")
	cfg.StoreBackend = StoreBackend(getString("STORE_BACKEND", string(StoreFirestore)))
	cfg.FirestoreProjectID = getString("FIRESTORE_PROJECT_ID", "")

	cfg.Kafka = bridge.KafkaConfig{
		Brokers:      splitList(getString("KAFKA_BROKERS", "localhost:9092")),
		ClientID:     getString("KAFKA_CLIENT_ID", "org-onboarder"),
		GroupID:      getString("KAFKA_GROUP_ID", "org-onboarder"),
		TopicUpserts: getString("TOPIC_UPSERTS", "roster.upserts"),
		TopicDeltas:  getString("TOPIC_DELTAS", "roster.deltas"),
		Concurrency:  getInt("CONCURRENCY", 1),
	}

	cfg.Batcher = bridge.BatcherConfig{
		MaxRows: getInt("BATCH_MAX_ROWS", 1000),
		MaxAge:  getMillis("BATCH_MAX_MS", 1200*time.Millisecond),
	}

	cfg.Sender = bridge.SenderConfig{
		BaseURL:    strings.TrimSuffix(getString("NORMALIZER_BASE_URL", "http://localhost:8080"), "/"),
		Token:      cfg.IngestionToken,
		Timeout:    getMillis("HTTP_TIMEOUT_MS", 30*time.Second),
		RetryBase:  getMillis("RETRY_BASE_MS", 500*time.Millisecond),
		RetryMax:   getMillis("RETRY_MAX_MS", 15*time.Second),
		MaxRetries: getInt("MAX_RETRIES", 8),
	}

	cfg.Reconciler = reconciler.Config{
		BatchSize:          getInt("FIRESTORE_BATCH_SIZE", 500),
		MinBatchSize:       100,
		QueryChunkSize:     getInt("QUERY_CHUNK_SIZE", 10),
		MaxParallelBatches: getInt("MAX_PARALLEL_BATCHES", 5),
		CacheTTL:           getMillis("CACHE_TTL_MS", 5*time.Minute),
		MaxCacheBytes:      int64(getInt("MAX_CACHE_SIZE_MB", 100)) << 20,
		ErrorThreshold:     getFloat("ERROR_THRESHOLD", 0.3),
		CircuitReset:       getMillis("CIRCUIT_RESET_MS", time.Minute),
		AdaptiveThreshold:  getFloat("ADAPTIVE_BATCH_THRESHOLD", 0.8),
	}

	if len(errs) > 0 {
		return cfg, errors.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// Validate checks the requirements of the enabled roles.
func (c Config) Validate(serverEnabled, bridgeEnabled bool) error {
	if c.IngestionToken == "" {
		return errors.New("INGESTION_TOKEN is required")
	}
	if serverEnabled && c.StoreBackend == StoreFirestore && c.FirestoreProjectID == "" {
		return errors.New("FIRESTORE_PROJECT_ID is required with the firestore backend")
	}
	if serverEnabled && c.StoreBackend != StoreFirestore && c.StoreBackend != StoreMemory {
		return errors.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if bridgeEnabled {
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("KAFKA_BROKERS is required for the bridge role")
		}
		if c.Sender.BaseURL == "" {
			return errors.New("NORMALIZER_BASE_URL is required for the bridge role")
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
