package providers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onkernel/classifyd/cmd/api/config"
	"github.com/onkernel/classifyd/lib/batch"
	"github.com/onkernel/classifyd/lib/classifier"
	"github.com/onkernel/classifyd/lib/instrument"
	"github.com/onkernel/classifyd/lib/logger"
	"github.com/onkernel/classifyd/lib/otel"
	"github.com/onkernel/classifyd/lib/rpc"
	"github.com/onkernel/classifyd/lib/serving"
	"github.com/onkernel/classifyd/lib/typedrpc"
	"github.com/onkernel/classifyd/lib/uploads"
)

// ProvideContext provides a base context
func ProvideContext() context.Context {
	return context.Background()
}

// ProvideConfig provides the validated application configuration
func ProvideConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ProvideLogConfig provides the logging configuration
func ProvideLogConfig() logger.Config {
	return logger.NewConfig()
}

// ProvideOtel provides telemetry. The cleanup flushes exporters.
func ProvideOtel(ctx context.Context, cfg *config.Config) (*otel.Provider, func(), error) {
	p, err := otel.Init(ctx, otel.Config{
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: cfg.OtelServiceName,
		Environment: cfg.Env,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init otel: %w", err)
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.Shutdown(shutdownCtx); err != nil {
			slog.Error("otel shutdown failed", "error", err)
		}
	}
	return p, cleanup, nil
}

// ProvideLogger provides the API subsystem logger and makes it the default
func ProvideLogger(logCfg logger.Config, p *otel.Provider) *slog.Logger {
	log := logger.NewSubsystemLogger(logger.SubsystemAPI, logCfg, p.LogHandler)
	slog.SetDefault(log)
	return log
}

// ProvideRecorder provides the per-binding metrics recorder
func ProvideRecorder(p *otel.Provider) (*instrument.Recorder, error) {
	return instrument.NewRecorder(p.Meter)
}

// ProvideEngine provides the classification engine
func ProvideEngine(cfg *config.Config, logCfg logger.Config, p *otel.Provider) *classifier.Engine {
	return classifier.New(classifier.Options{
		MinDelay: cfg.ClassifyMinDelay,
		MaxDelay: cfg.ClassifyMaxDelay,
		Logger:   logger.NewSubsystemLogger(logger.SubsystemClassifier, logCfg, p.LogHandler),
	})
}

// ProvideOrchestrator provides the batch orchestrator
func ProvideOrchestrator(cfg *config.Config, engine *classifier.Engine) *batch.Orchestrator {
	return batch.New(engine, cfg.BatchConcurrency)
}

// ProvideService provides the transport-independent serving logic
func ProvideService(cfg *config.Config, engine *classifier.Engine, orchestrator *batch.Orchestrator, rec *instrument.Recorder) *serving.Service {
	return serving.NewService(engine, orchestrator, serving.Options{
		MaxBatchSize:  cfg.MaxBatchSize,
		DefaultPolicy: batch.Policy(cfg.BatchPolicy),
	}, rec)
}

// ProvideUploadStore provides the upload buffer
func ProvideUploadStore(cfg *config.Config, logCfg logger.Config, p *otel.Provider) *uploads.Store {
	return uploads.NewStore(cfg.UploadTTL,
		uploads.WithLogger(logger.NewSubsystemLogger(logger.SubsystemUploads, logCfg, p.LogHandler)),
		uploads.WithMetrics(p.Meter),
	)
}

// ProvideTypedRPC provides the typed RPC binding
func ProvideTypedRPC(ctx context.Context, cfg *config.Config, svc *serving.Service) (*typedrpc.Server, error) {
	// base64 inflates each image by 4/3 and a batch carries up to MaxBatchSize
	// of them.
	limit := int64(cfg.MaxUploadSize.Bytes())*int64(cfg.MaxBatchSize)*4/3 + 1<<20
	return typedrpc.New(ctx, svc, typedrpc.Options{MaxBodySize: limit})
}

// ProvideRPCServer provides the binary RPC binding
func ProvideRPCServer(svc *serving.Service) *rpc.Server {
	return rpc.NewServer(svc)
}
