// Command gateway runs the binary RPC front door. It relays every call to the
// model executor over a pool of persistent connections and reports the hop.
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
	"github.com/onkernel/classifyd/lib/otel"
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
	log := logger.NewSubsystemLogger(logger.SubsystemGateway, logCfg, p.LogHandler)
	slog.SetDefault(log)

	metrics, err := otel.NewGatewayMetrics(p.Meter)
	if err != nil {
		return fmt.Errorf("create gateway metrics: %w", err)
	}

	upstream := rpc.NewPool(cfg.ModelExecutorAddr, cfg.GatewayPoolSize)
	defer upstream.Close()

	mux := drpcmux.New()
	if err := rpc.NewGateway(upstream, log, metrics).Register(mux); err != nil {
		return fmt.Errorf("register gateway: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.GatewayAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GatewayAddr, err)
	}
	drainer := rpc.NewDrainer(mw.RPCLogger(log, mux))
	srv := drpcserver.New(drainer)

	grp, gctx := errgroup.WithContext(ctx)

	// The server outlives gctx so running calls can finish during drain
	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()

	grp.Go(func() error {
		log.Info("starting gateway", "addr", lis.Addr().String(),
			"upstream", cfg.ModelExecutorAddr, "pool_size", cfg.GatewayPoolSize)
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
		return fmt.Errorf("drain gateway: %w", err)
	}
	log.Info("server shutdown complete")
	return nil
}
