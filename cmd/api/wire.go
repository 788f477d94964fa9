//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/onkernel/classifyd/cmd/api/api"
	"github.com/onkernel/classifyd/cmd/api/config"
	"github.com/onkernel/classifyd/lib/logger"
	"github.com/onkernel/classifyd/lib/otel"
	"github.com/onkernel/classifyd/lib/providers"
	"github.com/onkernel/classifyd/lib/rpc"
	"github.com/onkernel/classifyd/lib/serving"
	"github.com/onkernel/classifyd/lib/typedrpc"
	"github.com/onkernel/classifyd/lib/uploads"
)

// application struct to hold initialized components
type application struct {
	Ctx        context.Context
	Logger     *slog.Logger
	LogConfig  logger.Config
	Config     *config.Config
	Otel       *otel.Provider
	Service    *serving.Service
	Uploads    *uploads.Store
	TypedRPC   *typedrpc.Server
	RPCServer  *rpc.Server
	ApiService *api.ApiService
}

// initializeApp is the injector function
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideContext,
		providers.ProvideConfig,
		providers.ProvideLogConfig,
		providers.ProvideOtel,
		providers.ProvideLogger,
		providers.ProvideRecorder,
		providers.ProvideEngine,
		providers.ProvideOrchestrator,
		providers.ProvideService,
		providers.ProvideUploadStore,
		providers.ProvideTypedRPC,
		providers.ProvideRPCServer,
		api.New,
		wire.Struct(new(application), "*"),
	))
}
