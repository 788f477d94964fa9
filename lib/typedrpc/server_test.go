package typedrpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/onkernel/classifyd/lib/batch"
	"github.com/onkernel/classifyd/lib/classifier"
	"github.com/onkernel/classifyd/lib/instrument"
	"github.com/onkernel/classifyd/lib/serving"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	engine := classifier.New(classifier.Options{})
	svc := serving.NewService(engine, batch.New(engine, 4), serving.Options{}, nil)
	s, err := New(context.Background(), svc, Options{MaxBodySize: 1 << 20})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Mount("/trpc", s.Routes())
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestUploadImage(t *testing.T) {
	ts := newTestServer(t)

	resp := post(t, ts.URL+"/trpc/image.uploadImage", map[string]string{"imageData": b64("hello"), "filename": "a.png"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)

	assert.JSONEq(t, `{"result":{"data":{"label":"tree","confidence":0.9265}}}`, string(body))

	m, err := instrument.ParseHeaders(resp.Header)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), m.PayloadSizeBytes)
}

func TestUploadImage_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing imageData", map[string]string{"filename": "x"}},
		{"wrong type", map[string]any{"imageData": 42}},
		{"invalid base64", map[string]string{"imageData": "not base64!!"}},
		{"empty image", map[string]string{"imageData": ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts.URL+"/trpc/image.uploadImage", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Empty(t, resp.Header.Get(instrument.HeaderResponseTime))

			var env errorEnvelope
			require.NoError(t, json.Unmarshal(readBody(t, resp), &env))
			assert.Equal(t, codeBadRequest, env.Error.Code)
			assert.Equal(t, "BAD_REQUEST", env.Error.Data.Code)
			assert.Equal(t, http.StatusBadRequest, env.Error.Data.HTTPStatus)
			assert.NotEmpty(t, env.Error.Message)
		})
	}
}

func TestUploadImages(t *testing.T) {
	ts := newTestServer(t)

	input := map[string]any{
		"policy": "parallel",
		"images": []map[string]string{
			{"imageData": b64("hello"), "filename": "1.png"},
			{"imageData": b64("cat picture"), "filename": "2.png"},
		},
	}
	resp := post(t, ts.URL+"/trpc/image.uploadImages", input)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.JSONEq(t, `{"result":{"data":{"count":2,"results":[
		{"filename":"1.png","label":"tree","confidence":0.9265},
		{"filename":"2.png","label":"cat","confidence":0.8659}
	]}}}`, string(readBody(t, resp)))
}

func TestUploadImages_EmptyItemFailsBatch(t *testing.T) {
	ts := newTestServer(t)

	input := map[string]any{"images": []map[string]string{
		{"imageData": b64("one")},
		{"imageData": ""},
		{"imageData": b64("three")},
	}}
	resp := post(t, ts.URL+"/trpc/image.uploadImages", input)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotContains(t, string(readBody(t, resp)), "result")
}

func TestUploadImages_BadPolicy(t *testing.T) {
	ts := newTestServer(t)

	input := map[string]any{"policy": "random", "images": []map[string]string{{"imageData": b64("x")}}}
	resp := post(t, ts.URL+"/trpc/image.uploadImages", input)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueries(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/trpc/image.modelInfo")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info successEnvelope
	require.NoError(t, json.Unmarshal(readBody(t, resp), &info))
	data := info.Result.Data.(map[string]any)
	assert.Equal(t, "ImageClassifier-v1", data["name"])

	resp, err = http.Get(ts.URL + "/trpc/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.JSONEq(t, `{"result":{"data":{"status":"OK","service":"tRPC API"}}}`, string(readBody(t, resp)))
}

func TestUnknownProcedure(t *testing.T) {
	ts := newTestServer(t)

	resp := post(t, ts.URL+"/trpc/image.deleteImage", map[string]string{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(readBody(t, resp), &env))
	assert.Equal(t, "NOT_FOUND", env.Error.Data.Code)
}

func TestBatchLink(t *testing.T) {
	ts := newTestServer(t)

	body := map[string]any{
		"0": map[string]any{"json": map[string]string{"imageData": b64("hello"), "filename": "a.png"}},
		"1": map[string]string{"imageData": b64("cat picture")},
		"2": map[string]string{"imageData": ""},
	}
	resp := post(t, ts.URL+"/trpc/image.uploadImage,image.uploadImage,image.uploadImage,health?batch=1", body)
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)

	var items []json.RawMessage
	require.NoError(t, json.Unmarshal(readBody(t, resp), &items))
	require.Len(t, items, 4)

	assert.JSONEq(t, `{"result":{"data":{"label":"tree","confidence":0.9265}}}`, string(items[0]))
	assert.JSONEq(t, `{"result":{"data":{"label":"cat","confidence":0.8659}}}`, string(items[1]))
	assert.Contains(t, string(items[2]), `"BAD_REQUEST"`)
	assert.JSONEq(t, `{"result":{"data":{"status":"OK","service":"tRPC API"}}}`, string(items[3]))

	ms, err := instrument.ParseBatchHeaders(resp.Header)
	require.NoError(t, err)
	require.Len(t, ms, 4)
	require.NotNil(t, ms[0])
	assert.Equal(t, int64(len(items[0])), ms[0].PayloadSizeBytes)
	assert.NotNil(t, ms[1])
	assert.Nil(t, ms[2])
	assert.Nil(t, ms[3])
}

func TestBatchLink_AllSucceed(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/trpc/health,image.modelInfo?batch=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var items []json.RawMessage
	require.NoError(t, json.Unmarshal(readBody(t, resp), &items))
	assert.Len(t, items, 2)
}

func TestOpenAPIDocument(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/trpc/openapi.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(readBody(t, resp), &doc))
	paths := doc["paths"].(map[string]any)
	for _, p := range []string{"/trpc/image.uploadImage", "/trpc/image.uploadImages", "/trpc/image.modelInfo", "/trpc/health"} {
		assert.Contains(t, paths, p)
	}
}

func TestBodyLimit(t *testing.T) {
	ts := newTestServer(t)

	big := strings.Repeat("A", 2<<20)
	resp := post(t, ts.URL+"/trpc/image.uploadImage", map[string]string{"imageData": big})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// trackingClassifier records how many Classify calls run at once.
type trackingClassifier struct {
	*classifier.Engine
	active atomic.Int32
	peak   atomic.Int32
}

func (c *trackingClassifier) Classify(ctx context.Context, payload []byte) (classifier.Result, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return c.Engine.Classify(ctx, payload)
}

func batchLink(n int) (string, map[string]any) {
	paths := make([]string, n)
	body := make(map[string]any, n)
	for i := range paths {
		paths[i] = "image.uploadImage"
		body[strconv.Itoa(i)] = map[string]string{"imageData": b64(fmt.Sprintf("image-%d", i))}
	}
	return "/trpc/" + strings.Join(paths, ",") + "?batch=1", body
}

func TestBatchLink_ConcurrencyCap(t *testing.T) {
	engine := &trackingClassifier{Engine: classifier.New(classifier.Options{})}
	svc := serving.NewService(engine, batch.New(engine, 3), serving.Options{MaxBatchSize: 10}, nil)
	s, err := New(context.Background(), svc, Options{})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Mount("/trpc", s.Routes())
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	path, body := batchLink(10)
	resp := post(t, ts.URL+path, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var items []json.RawMessage
	require.NoError(t, json.Unmarshal(readBody(t, resp), &items))
	assert.Len(t, items, 10)
	assert.LessOrEqual(t, engine.peak.Load(), int32(3))
	assert.Positive(t, engine.peak.Load())
}

func TestBatchLink_TooManyCalls(t *testing.T) {
	ts := newTestServer(t)

	path, body := batchLink(serving.DefaultMaxBatchSize + 1)
	resp := post(t, ts.URL+path, body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(readBody(t, resp), &env))
	assert.Equal(t, "BAD_REQUEST", env.Error.Data.Code)
}
