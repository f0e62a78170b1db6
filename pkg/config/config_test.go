// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 1, cfg.Kafka.Concurrency)
	assert.Equal(t, 1000, cfg.Batcher.MaxRows)
	assert.Equal(t, 1200*time.Millisecond, cfg.Batcher.MaxAge)
	assert.Equal(t, 500*time.Millisecond, cfg.Sender.RetryBase)
	assert.Equal(t, 15*time.Second, cfg.Sender.RetryMax)
	assert.Equal(t, 8, cfg.Sender.MaxRetries)
	assert.Equal(t, 500, cfg.Reconciler.BatchSize)
	assert.Equal(t, 10, cfg.Reconciler.QueryChunkSize)
	assert.Equal(t, 5, cfg.Reconciler.MaxParallelBatches)
	assert.Equal(t, 5*time.Minute, cfg.Reconciler.CacheTTL)
	assert.Equal(t, int64(100)<<20, cfg.Reconciler.MaxCacheBytes)
	assert.Equal(t, 0.3, cfg.Reconciler.ErrorThreshold)
	assert.Equal(t, time.Minute, cfg.Reconciler.CircuitReset)
	assert.Equal(t, 0.8, cfg.Reconciler.AdaptiveThreshold)
	assert.Equal(t, StoreFirestore, cfg.StoreBackend)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("BATCH_MAX_ROWS", "250")
	t.Setenv("BATCH_MAX_MS", "600")
	t.Setenv("ERROR_THRESHOLD", "0.5")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("INGESTION_TOKEN", "s3cret")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 250, cfg.Batcher.MaxRows)
	assert.Equal(t, 600*time.Millisecond, cfg.Batcher.MaxAge)
	assert.Equal(t, 0.5, cfg.Reconciler.ErrorThreshold)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, "s3cret", cfg.Sender.Token, "sender reuses the ingestion token")
}

func TestLoadFromEnvRejectsGarbage(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	_, err := LoadFromEnv()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("INGESTION_TOKEN", "s3cret")
	t.Setenv("STORE_BACKEND", "memory")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.NoError(t, cfg.Validate(true, true))

	cfg.IngestionToken = ""
	assert.Error(t, cfg.Validate(true, false))

	cfg.IngestionToken = "s3cret"
	cfg.StoreBackend = StoreFirestore
	assert.Error(t, cfg.Validate(true, false), "firestore backend needs a project id")
	assert.NoError(t, cfg.Validate(false, true), "bridge-only role does not touch the store")

	cfg.Kafka.Brokers = nil
	assert.Error(t, cfg.Validate(false, true))
}
