package config

import (
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "3001", cfg.Port)
	assert.Equal(t, "localhost:50052", cfg.ModelExecutorAddr)
	assert.Equal(t, "sequential", cfg.BatchPolicy)
	assert.Equal(t, 4, cfg.BatchConcurrency)
	assert.Equal(t, 10, cfg.MaxBatchSize)
	assert.Equal(t, 10*datasize.MB, cfg.MaxUploadSize)
	assert.Equal(t, 5*time.Minute, cfg.UploadTTL)
	assert.Equal(t, 50*time.Millisecond, cfg.ClassifyMinDelay)
	assert.Equal(t, 150*time.Millisecond, cfg.ClassifyMaxDelay)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("BATCH_POLICY", "parallel")
	t.Setenv("MAX_UPLOAD_SIZE", "2MB")
	t.Setenv("UPLOAD_TTL", "30s")
	t.Setenv("BATCH_CONCURRENCY", "0")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "parallel", cfg.BatchPolicy)
	assert.Equal(t, 2*datasize.MB, cfg.MaxUploadSize)
	assert.Equal(t, 30*time.Second, cfg.UploadTTL)
	assert.Equal(t, 0, cfg.BatchConcurrency)
}

func TestValidate_Rejects(t *testing.T) {
	tests := map[string]string{
		"BATCH_POLICY":       "random",
		"MAX_BATCH_SIZE":     "0",
		"UPLOAD_TTL":         "soon",
		"MAX_UPLOAD_SIZE":    "lots",
		"CLASSIFY_MIN_DELAY": "1s",
		"GATEWAY_POOL_SIZE":  "many",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			assert.Error(t, Load().Validate())
		})
	}
}
