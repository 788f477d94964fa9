package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/onkernel/classifyd/lib/logger"
	mw "github.com/onkernel/classifyd/lib/middleware"
	"github.com/onkernel/classifyd/lib/rpc"
	"github.com/riandyrn/otelchi"
	"github.com/soheilhy/cmux"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"golang.org/x/sync/errgroup"
	"storj.io/drpc"
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
	app, cleanup, err := initializeApp()
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer cleanup()

	cfg := app.Config

	// Setup context with signal handling
	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %s: %w", cfg.Port, err)
	}
	return serve(ctx, app, lis)
}

// serve runs REST, typed RPC, uploads and the drpc binding on lis until ctx
// is done. HTTP/1 connections go to the router, everything else is treated
// as drpc.
func serve(ctx context.Context, app *application, lis net.Listener) error {
	log := app.Logger

	router, err := newRouter(app)
	if err != nil {
		return err
	}
	rpcHandler, err := newRPCHandler(app)
	if err != nil {
		return err
	}

	m := cmux.New(lis)
	httpL := m.Match(cmux.HTTP1Fast())
	rpcL := m.Match(cmux.Any())

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	drainer := rpc.NewDrainer(rpcHandler)
	rpcSrv := drpcserver.New(drainer)

	// Error group for coordinated shutdown
	grp, gctx := errgroup.WithContext(ctx)

	// The drpc server outlives gctx so running calls can finish during drain
	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()

	grp.Go(func() error {
		log.Info("starting http server", "addr", lis.Addr().String())
		if err := srv.Serve(keepOpen{httpL}); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
			log.Error("http server error", "error", err)
			return err
		}
		return nil
	})

	grp.Go(func() error {
		log.Info("starting drpc server", "addr", lis.Addr().String())
		if err := rpcSrv.Serve(serveCtx, keepOpen{rpcL}); err != nil && gctx.Err() == nil {
			log.Error("drpc server error", "error", err)
			return err
		}
		return nil
	})

	grp.Go(func() error {
		if err := m.Serve(); err != nil && !errors.Is(err, net.ErrClosed) && gctx.Err() == nil {
			log.Error("connection mux error", "error", err)
			return err
		}
		return nil
	})

	// Expire uploads nobody classified
	grp.Go(func() error {
		return app.Uploads.Run(gctx, 0)
	})

	// Shutdown handler
	grp.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received", "rpc_in_flight", drainer.InFlight())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var errs []error
		if err := drainer.Drain(shutdownCtx); err != nil {
			log.Error("failed to drain drpc server", "error", err, "in_flight", drainer.InFlight())
			errs = append(errs, err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown http server", "error", err)
			errs = append(errs, err)
		}

		// The shared listener goes last, after both servers let go of it
		cancelServe()
		m.Close()
		_ = lis.Close()

		log.Info("servers shutdown complete")
		return errors.Join(errs...)
	})

	return grp.Wait()
}

// keepOpen hides Close from a server so it cannot close the listener cmux
// shares between bindings.
type keepOpen struct{ net.Listener }

func (keepOpen) Close() error { return nil }

// newRouter builds the HTTP side: REST and upload routes at the root and the
// typed RPC binding under /trpc.
func newRouter(app *application) (chi.Router, error) {
	cfg := app.Config

	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(otelchi.Middleware(cfg.OtelServiceName,
		otelchi.WithChiRoutes(r),
		otelchi.WithTracerProvider(app.Otel.TracerProvider),
	))

	if cfg.OtelEndpoint != "" {
		httpMetrics, err := mw.NewHTTPMetrics(app.Otel.Meter)
		if err != nil {
			return nil, fmt.Errorf("create http metrics: %w", err)
		}
		r.Use(httpMetrics.Middleware)
	} else {
		r.Use(mw.NoopHTTPMetrics())
	}

	r.Use(mw.AccessLogger(mw.NewAccessLogger(app.LogConfig, app.Otel.LogHandler)))
	r.Use(mw.InjectLogger(app.Logger))

	if cfg.RateLimit != "" {
		rate, err := limiter.NewRateFromFormatted(cfg.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("parse RATE_LIMIT: %w", err)
		}
		r.Use(stdlib.NewMiddleware(limiter.New(memory.NewStore(), rate)).Handler)
	}

	r.Use(chimw.Timeout(60 * time.Second))

	app.ApiService.Routes(r)
	r.Mount("/trpc", app.TypedRPC.Routes())

	return r, nil
}

// newRPCHandler registers the classifier on a drpc mux and wraps it with
// per-call logging.
func newRPCHandler(app *application) (drpc.Handler, error) {
	mux := drpcmux.New()
	if err := rpc.Register(mux, app.RPCServer); err != nil {
		return nil, fmt.Errorf("register drpc service: %w", err)
	}
	rpcLog := logger.NewSubsystemLogger(logger.SubsystemRPC, app.LogConfig, app.Otel.LogHandler)
	return mw.RPCLogger(rpcLog, mux), nil
}
