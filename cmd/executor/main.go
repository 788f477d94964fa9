// Command executor runs the model executor: the binary RPC binding serving
// classifications directly, normally reached through the gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onkernel/classifyd/lib/logger"
	mw "github.com/onkernel/classifyd/lib/middleware"
	"github.com/onkernel/classifyd/lib/providers"
	"github.com/onkernel/classifyd/lib/rpc"
	"golang.org/x/sync/errgroup"
	"storj.io/drpc/drpcmux"
	"storj.io/drpc/drpcserver"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := providers.ProvideConfig()
	if err != nil {
		return err
	}

	// Setup context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, cleanup, err := providers.ProvideOtel(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	logCfg := providers.ProvideLogConfig()
	log := logger.NewSubsystemLogger(logger.SubsystemRPC, logCfg, p.LogHandler)
	slog.SetDefault(log)

	rec, err := providers.ProvideRecorder(p)
	if err != nil {
		return err
	}
	engine := providers.ProvideEngine(cfg, logCfg, p)
	svc := providers.ProvideService(cfg, engine, providers.ProvideOrchestrator(cfg, engine), rec)

	mux := drpcmux.New()
	if err := rpc.Register(mux, providers.ProvideRPCServer(svc)); err != nil {
		return fmt.Errorf("register drpc service: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.ExecutorAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ExecutorAddr, err)
	}
	drainer := rpc.NewDrainer(mw.RPCLogger(log, mux))
	srv := drpcserver.New(drainer)

	grp, gctx := errgroup.WithContext(ctx)

	// The server outlives gctx so running calls can finish during drain
	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()

	grp.Go(func() error {
		log.Info("starting model executor", "addr", lis.Addr().String(), "model", engine.ModelInfo().Name)
		if err := srv.Serve(serveCtx, lis); err != nil && gctx.Err() == nil {
			log.Error("drpc server error", "error", err)
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received", "in_flight", drainer.InFlight())
		return drain(log, drainer, cancelServe)
	})

	return grp.Wait()
}

// drain waits up to 30 seconds for running calls, then stops the server.
func drain(log *slog.Logger, d *rpc.Drainer, stop context.CancelFunc) error {
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.Drain(ctx); err != nil {
		log.Error("drain did not complete", "error", err, "in_flight", d.InFlight())
		return fmt.Errorf("drain model executor: %w", err)
	}
	log.Info("server shutdown complete")
	return nil
}
