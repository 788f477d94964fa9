package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/onkernel/classifyd/lib/batch"
	"github.com/onkernel/classifyd/lib/classifier"
	"github.com/onkernel/classifyd/lib/otel"
	"github.com/onkernel/classifyd/lib/serving"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"google.golang.org/protobuf/encoding/protowire"
	"storj.io/drpc"
	"storj.io/drpc/drpcerr"
	"storj.io/drpc/drpcmetadata"
	"storj.io/drpc/drpcmux"
	"storj.io/drpc/drpcserver"
)

// serve starts a drpc server on a loopback listener and returns its address.
func serve(t *testing.T, register func(drpc.Mux) error) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := drpcmux.New()
	require.NoError(t, register(mux))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = drpcserver.New(mux).Serve(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return lis.Addr().String()
}

func newExecutor(t *testing.T, opts classifier.Options) string {
	t.Helper()
	engine := classifier.New(opts)
	svc := serving.NewService(engine, batch.New(engine, 4), serving.Options{}, nil)
	return serve(t, func(mux drpc.Mux) error {
		return Register(mux, NewServer(svc))
	})
}

func newClient(t *testing.T, addr string) *Client {
	t.Helper()
	pool := NewPool(addr, 4)
	t.Cleanup(func() { _ = pool.Close() })
	return NewClient(pool)
}

func newGateway(t *testing.T, executorAddr string, metrics *otel.GatewayMetrics) string {
	t.Helper()
	upstream := NewPool(executorAddr, 4)
	t.Cleanup(func() { _ = upstream.Close() })
	gw := NewGateway(upstream, nil, metrics)
	return serve(t, gw.Register)
}

func TestUploadImage(t *testing.T) {
	c := newClient(t, newExecutor(t, classifier.Options{}))

	resp, err := c.UploadImage(context.Background(), &ClassifyRequest{ImageData: []byte("hello"), Filename: "a.png"})
	require.NoError(t, err)

	assert.Equal(t, "tree", resp.Label)
	assert.Equal(t, 0.9265, resp.Confidence)
	assert.Positive(t, resp.DurationMs)

	result := (&ClassifyResponse{Label: resp.Label, Confidence: resp.Confidence}).marshalResult(nil)
	assert.Equal(t, int64(len(result)), resp.PayloadSize)
	assert.Zero(t, resp.GatewayHopMs)
}

func TestUploadImage_Empty(t *testing.T) {
	c := newClient(t, newExecutor(t, classifier.Options{}))

	_, err := c.UploadImage(context.Background(), &ClassifyRequest{})
	require.Error(t, err)
	assert.Equal(t, CodeBadRequest, drpcerr.Code(err))
	assert.ErrorIs(t, FromRPCError(err), serving.ErrBadRequest)
}

func TestUploadImages(t *testing.T) {
	c := newClient(t, newExecutor(t, classifier.Options{}))

	req := &BatchRequest{Policy: "parallel"}
	for i := 0; i < 5; i++ {
		req.Images = append(req.Images, &ClassifyRequest{
			ImageData: []byte(fmt.Sprintf("image-%d", i)),
			Filename:  fmt.Sprintf("%d.jpg", i),
		})
	}

	resp, err := c.UploadImages(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 5)
	assert.Equal(t, int64(5), resp.Count)
	for i, r := range resp.Results {
		want := classifier.Derive(req.Images[i].ImageData)
		assert.Equal(t, req.Images[i].Filename, r.Filename)
		assert.Equal(t, want.Label, r.Label)
		assert.Equal(t, want.Confidence, r.Confidence)
	}
	assert.Positive(t, resp.PayloadSize)
}

func TestUploadImages_Errors(t *testing.T) {
	c := newClient(t, newExecutor(t, classifier.Options{}))
	ctx := context.Background()

	_, err := c.UploadImages(ctx, &BatchRequest{})
	assert.Equal(t, CodeBadRequest, drpcerr.Code(err))

	_, err = c.UploadImages(ctx, &BatchRequest{
		Images: []*ClassifyRequest{{ImageData: []byte("a")}},
		Policy: "random",
	})
	assert.Equal(t, CodeBadRequest, drpcerr.Code(err))

	_, err = c.UploadImages(ctx, &BatchRequest{Images: []*ClassifyRequest{
		{ImageData: []byte("one")},
		{},
		{ImageData: []byte("three")},
	}})
	assert.Equal(t, CodeBadRequest, drpcerr.Code(err))
}

func TestModelInfoAndHealth(t *testing.T) {
	c := newClient(t, newExecutor(t, classifier.Options{}))
	ctx := context.Background()

	info, err := c.GetModelInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ImageClassifier-v1", info.Name)
	assert.Equal(t, "1.0.0", info.Version)
	assert.Equal(t, classifier.Categories, info.Categories)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "OK", h.Status)
	assert.Equal(t, ServiceName, h.Service)
}

func TestGateway_Equivalence(t *testing.T) {
	executor := newExecutor(t, classifier.Options{})
	direct := newClient(t, executor)
	viaGateway := newClient(t, newGateway(t, executor, nil))
	ctx := context.Background()

	for _, payload := range []string{"hello", "cat picture", "\x00\x01\x02"} {
		want, err := direct.UploadImage(ctx, &ClassifyRequest{ImageData: []byte(payload)})
		require.NoError(t, err)
		got, err := viaGateway.UploadImage(ctx, &ClassifyRequest{ImageData: []byte(payload)})
		require.NoError(t, err)

		assert.Equal(t, want.Label, got.Label)
		assert.Equal(t, want.Confidence, got.Confidence)
		assert.Equal(t, want.PayloadSize, got.PayloadSize)
		assert.Positive(t, got.GatewayHopMs)
	}

	info, err := viaGateway.GetModelInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ImageClassifier-v1", info.Name)

	h, err := viaGateway.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, ServiceName, h.Service)
}

func TestGateway_LatencyDecomposition(t *testing.T) {
	executor := newExecutor(t, classifier.Options{MinDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond})
	c := newClient(t, newGateway(t, executor, nil))

	start := time.Now()
	resp, err := c.UploadImage(context.Background(), &ClassifyRequest{ImageData: []byte("hello")})
	endToEnd := float64(time.Since(start)) / float64(time.Millisecond)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, resp.DurationMs, 20.0)
	assert.GreaterOrEqual(t, resp.GatewayHopMs, resp.DurationMs, "model time fits inside the hop")
	assert.GreaterOrEqual(t, endToEnd, resp.GatewayHopMs, "hop fits inside end-to-end")
}

func TestGateway_PropagatesExecutorErrors(t *testing.T) {
	executor := newExecutor(t, classifier.Options{})
	c := newClient(t, newGateway(t, executor, nil))

	_, err := c.UploadImage(context.Background(), &ClassifyRequest{})
	require.Error(t, err)
	assert.Equal(t, CodeBadRequest, drpcerr.Code(err))
	assert.Contains(t, err.Error(), "no image data provided")

	// the connection is still usable after an application error
	resp, err := c.UploadImage(context.Background(), &ClassifyRequest{ImageData: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, "tree", resp.Label)
}

func TestGateway_UpstreamDown(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := lis.Addr().String()
	require.NoError(t, lis.Close())

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := otel.NewGatewayMetrics(mp.Meter("test"))
	require.NoError(t, err)

	c := newClient(t, newGateway(t, deadAddr, metrics))

	_, err = c.UploadImage(context.Background(), &ClassifyRequest{ImageData: []byte("hello")})
	require.Error(t, err)
	assert.Equal(t, CodeUpstream, drpcerr.Code(err))
	assert.ErrorIs(t, FromRPCError(err), serving.ErrUpstream)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["classifyd_gateway_hop_duration_seconds"])
	assert.True(t, names["classifyd_gateway_upstream_errors_total"])
}

// metadataRecorder is a ClassifierServer that records incoming metadata.
type metadataRecorder struct {
	*Server
	mu  sync.Mutex
	ids []string
}

func (m *metadataRecorder) Health(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	md, _ := drpcmetadata.Get(ctx)
	m.mu.Lock()
	m.ids = append(m.ids, md[MetadataRequestID])
	m.mu.Unlock()
	return m.Server.Health(ctx, req)
}

func TestGateway_PropagatesRequestID(t *testing.T) {
	engine := classifier.New(classifier.Options{})
	rec := &metadataRecorder{Server: NewServer(serving.NewService(engine, batch.New(engine, 1), serving.Options{}, nil))}
	executor := serve(t, func(mux drpc.Mux) error { return Register(mux, rec) })
	c := newClient(t, newGateway(t, executor, nil))

	ctx := drpcmetadata.Add(context.Background(), MetadataRequestID, "req-123")
	_, err := c.Health(ctx)
	require.NoError(t, err)
	_, err = c.Health(context.Background())
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.ids, 2)
	assert.Equal(t, "req-123", rec.ids[0])
	assert.NotEmpty(t, rec.ids[1], "gateway assigns an id when the caller sent none")
}

func TestPool_ConcurrentCallers(t *testing.T) {
	addr := newExecutor(t, classifier.Options{MinDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond})
	pool := NewPool(addr, 2)
	defer pool.Close()
	c := NewClient(pool)

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.UploadImage(context.Background(), &ClassifyRequest{ImageData: []byte{byte(i + 1)}})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, len(pool.idle), 2)
}

func TestPool_Closed(t *testing.T) {
	pool := NewPool(newExecutor(t, classifier.Options{}), 1)
	require.NoError(t, pool.Close())

	_, err := NewClient(pool).Health(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	b := (&ClassifyResponse{Label: "cat", Confidence: 0.8, DurationMs: 1.5, PayloadSize: 12}).marshal(nil)
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future")
	b = appendFixedDouble(b, fieldGatewayHopMs, 3.25)

	var got ClassifyResponse
	require.NoError(t, encoding{}.Unmarshal(b, &got))
	assert.Equal(t, ClassifyResponse{Label: "cat", Confidence: 0.8, DurationMs: 1.5, PayloadSize: 12, GatewayHopMs: 3.25}, got)

	ms, ok := peekDouble(b, fieldDurationMs)
	assert.True(t, ok)
	assert.Equal(t, 1.5, ms)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	b := (&ClassifyRequest{ImageData: []byte("hello"), Filename: "x"}).marshal(nil)
	var got ClassifyRequest
	assert.Error(t, encoding{}.Unmarshal(b[:len(b)-1], &got))
}
