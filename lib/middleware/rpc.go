package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/onkernel/classifyd/lib/logger"
	"github.com/onkernel/classifyd/lib/rpc"
	"storj.io/drpc"
	"storj.io/drpc/drpcerr"
	"storj.io/drpc/drpcmetadata"
)

// RPCLogger wraps a drpc handler: it puts log, tagged with the caller's
// request id, into the stream context and logs one line per call.
func RPCLogger(log *slog.Logger, next drpc.Handler) drpc.Handler {
	return &rpcLogger{log: log, next: next}
}

type rpcLogger struct {
	log  *slog.Logger
	next drpc.Handler
}

func (h *rpcLogger) HandleRPC(stream drpc.Stream, method string) error {
	start := time.Now()
	ctx := stream.Context()

	l := h.log
	if md, ok := drpcmetadata.Get(ctx); ok {
		if id := md[rpc.MetadataRequestID]; id != "" {
			l = l.With("request_id", id)
		}
	}
	ctx = logger.AddToContext(ctx, l)

	err := h.next.HandleRPC(&ctxStream{Stream: stream, ctx: ctx}, method)

	duration := time.Since(start)
	attrs := []any{"rpc", method, "duration_ms", duration.Milliseconds()}
	if err != nil {
		l.WarnContext(ctx, "rpc failed", append(attrs, "code", drpcerr.Code(err), "error", err)...)
		return err
	}
	l.InfoContext(ctx, "rpc", attrs...)
	return nil
}

// ctxStream overrides the context of a drpc stream.
type ctxStream struct {
	drpc.Stream
	ctx context.Context
}

func (s *ctxStream) Context() context.Context { return s.ctx }
