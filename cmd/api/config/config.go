package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/onkernel/classifyd/lib/batch"
)

type Config struct {
	Port              string
	ExecutorAddr      string
	GatewayAddr       string
	ModelExecutorAddr string
	GatewayPoolSize   int

	BatchPolicy      string
	BatchConcurrency int
	MaxBatchSize     int
	MaxUploadSize    datasize.ByteSize
	UploadTTL        time.Duration
	ClassifyMinDelay time.Duration
	ClassifyMaxDelay time.Duration
	RateLimit        string

	OtelEndpoint    string
	OtelServiceName string
	Env             string

	parseErrs []error
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "3001"),
		ExecutorAddr:      getEnv("EXECUTOR_ADDR", ":50052"),
		GatewayAddr:       getEnv("GATEWAY_ADDR", ":50051"),
		ModelExecutorAddr: getEnv("MODEL_EXECUTOR_ADDR", "localhost:50052"),
		BatchPolicy:       getEnv("BATCH_POLICY", string(batch.Sequential)),
		RateLimit:         getEnv("RATE_LIMIT", ""),
		OtelEndpoint:      getEnv("OTEL_ENDPOINT", ""),
		OtelServiceName:   getEnv("OTEL_SERVICE_NAME", "classifyd"),
		Env:               getEnv("ENV", "dev"),
	}

	cfg.GatewayPoolSize = cfg.getInt("GATEWAY_POOL_SIZE", 8)
	cfg.BatchConcurrency = cfg.getInt("BATCH_CONCURRENCY", 4)
	cfg.MaxBatchSize = cfg.getInt("MAX_BATCH_SIZE", 10)
	cfg.MaxUploadSize = cfg.getSize("MAX_UPLOAD_SIZE", 10*datasize.MB)
	cfg.UploadTTL = cfg.getDuration("UPLOAD_TTL", 5*time.Minute)
	cfg.ClassifyMinDelay = cfg.getDuration("CLASSIFY_MIN_DELAY", 50*time.Millisecond)
	cfg.ClassifyMaxDelay = cfg.getDuration("CLASSIFY_MAX_DELAY", 150*time.Millisecond)

	return cfg
}

// Validate reports unparseable or out-of-range settings.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.parseErrs...)

	if _, err := batch.ParsePolicy(c.BatchPolicy); err != nil {
		errs = append(errs, fmt.Errorf("BATCH_POLICY: %w", err))
	}
	if c.MaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("MAX_BATCH_SIZE must be at least 1, got %d", c.MaxBatchSize))
	}
	if c.MaxUploadSize == 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_SIZE must be positive"))
	}
	if c.UploadTTL <= 0 {
		errs = append(errs, fmt.Errorf("UPLOAD_TTL must be positive, got %s", c.UploadTTL))
	}
	if c.ClassifyMinDelay < 0 || c.ClassifyMaxDelay < c.ClassifyMinDelay {
		errs = append(errs, fmt.Errorf("classify delay range [%s, %s] is invalid", c.ClassifyMinDelay, c.ClassifyMaxDelay))
	}
	if c.GatewayPoolSize < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_POOL_SIZE must be at least 1, got %d", c.GatewayPoolSize))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) getInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}

func (c *Config) getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}

func (c *Config) getSize(key string, defaultValue datasize.ByteSize) datasize.ByteSize {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(raw)); err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return v
}
