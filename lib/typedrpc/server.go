// Package typedrpc exposes the classifier as named procedures over HTTP with
// JSON result and error envelopes.
package typedrpc

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/ghodss/yaml"
	"github.com/go-chi/chi/v5"
	nethttpmiddleware "github.com/oapi-codegen/nethttp-middleware"
	"github.com/onkernel/classifyd/lib/batch"
	"github.com/onkernel/classifyd/lib/classifier"
	"github.com/onkernel/classifyd/lib/instrument"
	"github.com/onkernel/classifyd/lib/serving"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

//go:embed openapi.yaml
var openAPIYAML []byte

// Transport is the metrics label of the typed RPC binding.
const Transport = "typedrpc"

// ServiceName is reported by the health procedure.
const ServiceName = "tRPC API"

// envelopeEncoder serializes results as complete success envelopes, so the
// measured body is exactly what is written.
type envelopeEncoder struct{}

func (envelopeEncoder) EncodeResult(r classifier.Result) ([]byte, error) {
	return marshalSuccess(r)
}

func (envelopeEncoder) EncodeBatch(ls []serving.Labeled) ([]byte, error) {
	return marshalSuccess(serving.BatchResult{Count: len(ls), Results: ls})
}

type output struct {
	body    []byte
	metrics *instrument.Metrics
}

type procedure struct {
	method string
	input  *openapi3.Schema
	call   func(ctx context.Context, input json.RawMessage) (*output, error)
}

// Options configures a Server
type Options struct {
	// MaxBodySize caps request bodies in bytes; 0 disables the limit.
	MaxBodySize int64
}

// Server routes procedure calls to the serving binding.
type Server struct {
	binding     *serving.Binding
	doc         *openapi3.T
	docJSON     []byte
	maxBodySize int64
	maxBatch    int
	concurrency int
	procedures  map[string]procedure
}

// LoadDocument parses and validates the embedded OpenAPI document.
func LoadDocument(ctx context.Context) (*openapi3.T, error) {
	doc, err := openapi3.NewLoader().LoadFromData(openAPIYAML)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate openapi document: %w", err)
	}
	// Match on path only, whatever host the API is served from.
	doc.Servers = nil
	return doc, nil
}

// New creates a typed RPC server bound to svc.
func New(ctx context.Context, svc *serving.Service, opts Options) (*Server, error) {
	doc, err := LoadDocument(ctx)
	if err != nil {
		return nil, err
	}
	docJSON, err := yaml.YAMLToJSON(openAPIYAML)
	if err != nil {
		return nil, fmt.Errorf("convert openapi document: %w", err)
	}

	s := &Server{
		binding:     svc.Bind(Transport, ServiceName, envelopeEncoder{}),
		doc:         doc,
		docJSON:     docJSON,
		maxBodySize: opts.MaxBodySize,
		maxBatch:    svc.MaxBatchSize(),
		concurrency: svc.MaxConcurrency(),
	}
	s.procedures = map[string]procedure{
		"image.uploadImage":  {method: http.MethodPost, input: inputSchema(doc, "/trpc/image.uploadImage"), call: s.uploadImage},
		"image.uploadImages": {method: http.MethodPost, input: inputSchema(doc, "/trpc/image.uploadImages"), call: s.uploadImages},
		"image.modelInfo":    {method: http.MethodGet, call: s.modelInfo},
		"health":             {method: http.MethodGet, call: s.health},
	}
	return s, nil
}

// Routes returns the router to mount at /trpc.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	if s.maxBodySize > 0 {
		r.Use(limitBody(s.maxBodySize))
	}
	r.Use(s.validateRequests)
	r.Get("/openapi.json", s.serveDocument)
	r.HandleFunc("/{procedures}", s.serveProcedures)
	return r
}

// validateRequests checks single calls against the OpenAPI document. Batch
// calls bypass it; their inputs are validated one by one.
func (s *Server) validateRequests(next http.Handler) http.Handler {
	validated := nethttpmiddleware.OapiRequestValidatorWithOptions(s.doc, &nethttpmiddleware.Options{
		ErrorHandler: func(w http.ResponseWriter, message string, statusCode int) {
			sentinel := serving.ErrBadRequest
			if statusCode == http.StatusNotFound {
				sentinel = serving.ErrNotFound
			}
			writeError(w, newError("", fmt.Errorf("%w: %s", sentinel, message)))
		},
	})(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isBatch(r) {
			next.ServeHTTP(w, r)
			return
		}
		validated.ServeHTTP(w, r)
	})
}

func (s *Server) serveDocument(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.docJSON)
}

func (s *Server) serveProcedures(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "procedures")
	if isBatch(r) {
		s.serveBatch(w, r, strings.Split(path, ","))
		return
	}

	p, ok := s.procedures[path]
	if !ok {
		writeError(w, newError(path, fmt.Errorf("%w: no procedure %q", serving.ErrNotFound, path)))
		return
	}
	if r.Method != p.method {
		writeError(w, methodNotSupported(path, r.Method))
		return
	}

	var input json.RawMessage
	if p.method == http.MethodPost {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, newError(path, fmt.Errorf("%w: read body: %w", serving.ErrBadRequest, err)))
			return
		}
		input = body
	}

	out, err := p.call(r.Context(), input)
	if err != nil {
		writeError(w, newError(path, err))
		return
	}
	if out.metrics != nil {
		instrument.SetHeaders(w.Header(), *out.metrics)
	}
	writeJSON(w, http.StatusOK, out.body)
}

type batchItem struct {
	body    []byte
	metrics *instrument.Metrics
	failed  bool
}

// serveBatch runs several procedures from one request concurrently, under the
// same cap and size limit as a parallel image batch, and responds with their
// envelopes in request order. The body maps the item index ("0", "1", ...) to
// its input.
func (s *Server) serveBatch(w http.ResponseWriter, r *http.Request, paths []string) {
	if len(paths) > s.maxBatch {
		writeError(w, newError("", fmt.Errorf("%w: batch of %d calls exceeds limit of %d", serving.ErrBadRequest, len(paths), s.maxBatch)))
		return
	}

	inputs := map[string]json.RawMessage{}
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&inputs); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, newError("", fmt.Errorf("%w: batch body must be an object keyed by index", serving.ErrBadRequest)))
			return
		}
	}

	items := make([]batchItem, len(paths))
	var g errgroup.Group
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for i, path := range paths {
		g.Go(func() error {
			items[i] = s.runBatchItem(r.Context(), r.Method, path, unwrapInput(inputs[strconv.Itoa(i)]))
			return nil
		})
	}
	_ = g.Wait()

	instrument.SetBatchHeaders(w.Header(), lo.Map(items, func(it batchItem, _ int) *instrument.Metrics {
		return it.metrics
	}))

	status := http.StatusOK
	if lo.SomeBy(items, func(it batchItem) bool { return it.failed }) {
		status = http.StatusMultiStatus
	}
	body := append([]byte("["), bytes.Join(lo.Map(items, func(it batchItem, _ int) []byte { return it.body }), []byte(","))...)
	writeJSON(w, status, append(body, ']'))
}

func (s *Server) runBatchItem(ctx context.Context, method, path string, input json.RawMessage) batchItem {
	fail := func(env errorEnvelope) batchItem {
		body, _ := json.Marshal(env)
		return batchItem{body: body, failed: true}
	}

	p, ok := s.procedures[path]
	if !ok {
		return fail(newError(path, fmt.Errorf("%w: no procedure %q", serving.ErrNotFound, path)))
	}
	if method == http.MethodGet && p.method != http.MethodGet {
		return fail(methodNotSupported(path, method))
	}
	if err := validateInput(p.input, input); err != nil {
		return fail(newError(path, err))
	}

	out, err := p.call(ctx, input)
	if err != nil {
		return fail(newError(path, err))
	}
	return batchItem{body: out.body, metrics: out.metrics}
}

type imageInput struct {
	ImageData string `json:"imageData"`
	Filename  string `json:"filename,omitempty"`
}

func (in imageInput) image() (serving.Image, error) {
	data, err := decodeBase64(in.ImageData)
	if err != nil {
		return serving.Image{}, fmt.Errorf("%w: imageData is not valid base64", serving.ErrBadRequest)
	}
	return serving.Image{Filename: in.Filename, Data: data}, nil
}

type batchInput struct {
	Images []imageInput `json:"images"`
	Policy string       `json:"policy,omitempty"`
}

func (s *Server) uploadImage(ctx context.Context, raw json.RawMessage) (*output, error) {
	var in imageInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}
	img, err := in.image()
	if err != nil {
		return nil, err
	}

	m, err := s.binding.ClassifyImage(ctx, img)
	if err != nil {
		return nil, err
	}
	return &output{body: m.Body, metrics: &m.Metrics}, nil
}

func (s *Server) uploadImages(ctx context.Context, raw json.RawMessage) (*output, error) {
	var in batchInput
	if err := decodeInput(raw, &in); err != nil {
		return nil, err
	}

	var policy batch.Policy
	if in.Policy != "" {
		p, err := batch.ParsePolicy(in.Policy)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", serving.ErrBadRequest, err)
		}
		policy = p
	}

	imgs := make([]serving.Image, len(in.Images))
	for i, img := range in.Images {
		decoded, err := img.image()
		if err != nil {
			return nil, fmt.Errorf("images[%d]: %w", i, err)
		}
		imgs[i] = decoded
	}

	m, err := s.binding.ClassifyImages(ctx, imgs, policy)
	if err != nil {
		return nil, err
	}
	return &output{body: m.Body, metrics: &m.Metrics}, nil
}

func (s *Server) modelInfo(ctx context.Context, _ json.RawMessage) (*output, error) {
	body, err := marshalSuccess(s.binding.ModelInfo())
	if err != nil {
		return nil, err
	}
	return &output{body: body}, nil
}

func (s *Server) health(ctx context.Context, _ json.RawMessage) (*output, error) {
	body, err := marshalSuccess(s.binding.Health())
	if err != nil {
		return nil, err
	}
	return &output{body: body}, nil
}

func decodeInput(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: input is required", serving.ErrBadRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: invalid input: %w", serving.ErrBadRequest, err)
	}
	return nil
}

func validateInput(schema *openapi3.Schema, raw json.RawMessage) error {
	if schema == nil {
		return nil
	}
	if len(raw) == 0 {
		return fmt.Errorf("%w: input is required", serving.ErrBadRequest)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: invalid input: %w", serving.ErrBadRequest, err)
	}
	if err := schema.VisitJSON(v); err != nil {
		return fmt.Errorf("%w: %v", serving.ErrBadRequest, err)
	}
	return nil
}

// unwrapInput accepts both a bare input and one wrapped as {"json": input}.
func unwrapInput(raw json.RawMessage) json.RawMessage {
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped) == 1 {
		if inner, ok := wrapped["json"]; ok {
			return inner
		}
	}
	return raw
}

func inputSchema(doc *openapi3.T, path string) *openapi3.Schema {
	item := doc.Paths.Value(path)
	if item == nil || item.Post == nil || item.Post.RequestBody == nil || item.Post.RequestBody.Value == nil {
		return nil
	}
	mt := item.Post.RequestBody.Value.Content.Get("application/json")
	if mt == nil || mt.Schema == nil {
		return nil
	}
	return mt.Schema.Value
}

// decodeBase64 accepts padded and unpadded standard encoding.
func decodeBase64(s string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func isBatch(r *http.Request) bool {
	v := r.URL.Query().Get("batch")
	return v != "" && v != "0" && v != "false"
}

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
