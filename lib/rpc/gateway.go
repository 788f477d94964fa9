package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/onkernel/classifyd/lib/instrument"
	"github.com/onkernel/classifyd/lib/otel"
	"github.com/onkernel/classifyd/lib/serving"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"storj.io/drpc"
	"storj.io/drpc/drpcerr"
	"storj.io/drpc/drpcmetadata"
)

// MetadataRequestID is the drpc metadata key carrying the request id.
const MetadataRequestID = "request-id"

// Frame is a message relayed without decoding.
type Frame struct {
	Data []byte
}

type rawEncoding struct{}

func (rawEncoding) Marshal(msg drpc.Message) ([]byte, error) {
	f, ok := msg.(*Frame)
	if !ok {
		return nil, fmt.Errorf("rpc: cannot marshal %T as frame", msg)
	}
	return f.Data, nil
}

func (rawEncoding) Unmarshal(buf []byte, msg drpc.Message) error {
	f, ok := msg.(*Frame)
	if !ok {
		return fmt.Errorf("rpc: cannot unmarshal into %T", msg)
	}
	f.Data = append(f.Data[:0], buf...)
	return nil
}

// Gateway relays classifier calls to a model executor. Payloads pass through
// as opaque bytes; the only change to a response is the appended hop latency.
type Gateway struct {
	upstream Invoker
	log      *slog.Logger
	metrics  *otel.GatewayMetrics
}

// NewGateway creates a gateway forwarding to upstream. metrics may be nil.
func NewGateway(upstream Invoker, log *slog.Logger, metrics *otel.GatewayMetrics) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{upstream: upstream, log: log, metrics: metrics}
}

// Register exposes the classifier service on mux, backed by the gateway.
func (g *Gateway) Register(mux drpc.Mux) error {
	return mux.Register(g, gatewayDescription{})
}

var gatewayMethods = []string{RPCUploadImage, RPCUploadImages, RPCGetModelInfo, RPCHealth}

// relaySignature tells drpcmux the message types of every relayed method.
var relaySignature func(*Gateway, context.Context, *Frame) (*Frame, error)

type gatewayDescription struct{}

func (gatewayDescription) NumMethods() int { return len(gatewayMethods) }

func (gatewayDescription) Method(n int) (string, drpc.Encoding, drpc.Receiver, interface{}, bool) {
	if n < 0 || n >= len(gatewayMethods) {
		return "", nil, nil, nil, false
	}
	rpc := gatewayMethods[n]
	return rpc, rawEncoding{},
		func(srv interface{}, ctx context.Context, in1, in2 interface{}) (drpc.Message, error) {
			return srv.(*Gateway).forward(ctx, rpc, in1.(*Frame))
		}, relaySignature, true
}

func (g *Gateway) forward(ctx context.Context, rpc string, in *Frame) (*Frame, error) {
	reqID := requestID(ctx)
	ctx = drpcmetadata.Add(ctx, MetadataRequestID, reqID)
	log := g.log.With("rpc", rpc, "request_id", reqID)

	start := time.Now()
	out := &Frame{}
	err := g.upstream.Invoke(ctx, rpc, rawEncoding{}, in, out)
	hop := time.Since(start)
	hopMs := instrument.Millis(hop)

	status := serving.CodeOK.String()
	if err != nil {
		status = codeLabel(err)
	}
	if g.metrics != nil {
		g.metrics.HopDuration.Record(ctx, hop.Seconds(), metric.WithAttributes(
			attribute.String("rpc", rpc),
			attribute.String("status", status),
		))
	}

	if err != nil {
		if code := drpcerr.Code(err); code != 0 {
			log.InfoContext(ctx, "executor returned error", "hop_ms", hopMs, "code", code, "error", err)
			return nil, err
		}
		if g.metrics != nil {
			g.metrics.UpstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("rpc", rpc)))
		}
		log.ErrorContext(ctx, "model executor unreachable", "hop_ms", hopMs, "error", err)
		return nil, drpcerr.WithCode(fmt.Errorf("%w: model executor unavailable", serving.ErrUpstream), CodeUpstream)
	}

	attrs := []any{"hop_ms", hopMs, "bytes_in", len(in.Data), "bytes_out", len(out.Data)}
	if modelMs, ok := peekDouble(out.Data, fieldDurationMs); ok {
		attrs = append(attrs, "model_ms", modelMs, "overhead_ms", hopMs-modelMs)
	}
	log.InfoContext(ctx, "forwarded call", attrs...)

	if rpc == RPCUploadImage || rpc == RPCUploadImages {
		out.Data = appendFixedDouble(out.Data, fieldGatewayHopMs, hopMs)
	}
	return out, nil
}

// requestID returns the caller's request id, or a new one.
func requestID(ctx context.Context) string {
	if md, ok := drpcmetadata.Get(ctx); ok {
		if id := md[MetadataRequestID]; id != "" {
			return id
		}
	}
	return cuid2.Generate()
}

func codeLabel(err error) string {
	switch drpcerr.Code(err) {
	case CodeBadRequest:
		return serving.CodeBadRequest.String()
	case CodeNotFound:
		return serving.CodeNotFound.String()
	case CodeInternal:
		return serving.CodeInternal.String()
	default:
		return serving.CodeUpstream.String()
	}
}
