package serving

import (
	"context"
	"errors"
	"fmt"

	"github.com/onkernel/classifyd/lib/batch"
	"github.com/onkernel/classifyd/lib/classifier"
	"github.com/onkernel/classifyd/lib/instrument"
	"github.com/onkernel/classifyd/lib/logger"
	"github.com/samber/lo"
)

const DefaultMaxBatchSize = 10

// Image is one decoded image as received by a binding
type Image struct {
	Filename string
	Data     []byte
}

// Labeled is a batch result annotated with its originating filename
type Labeled struct {
	Filename string `json:"filename,omitempty"`
	classifier.Result
}

// BatchResult is the JSON shape of a batch response on the HTTP bindings
type BatchResult struct {
	Count   int       `json:"count"`
	Results []Labeled `json:"results"`
}

// Health is the liveness marker returned by every binding
type Health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Encoder serializes results into a binding's response body.
type Encoder interface {
	EncodeResult(classifier.Result) ([]byte, error)
	EncodeBatch([]Labeled) ([]byte, error)
}

// Classifier is the engine contract the service depends on
type Classifier interface {
	Classify(ctx context.Context, payload []byte) (classifier.Result, error)
	ModelInfo() classifier.ModelInfo
}

// Options configures a Service
type Options struct {
	MaxBatchSize  int
	DefaultPolicy batch.Policy
}

// Service holds the transport-independent serving logic. Bindings obtained
// with Bind share it, so batching, validation and instrumentation behave the
// same on every transport.
type Service struct {
	engine        Classifier
	orchestrator  *batch.Orchestrator
	maxBatchSize  int
	defaultPolicy batch.Policy
	recorder      *instrument.Recorder
}

// NewService creates a Service. rec may be nil.
func NewService(engine Classifier, orchestrator *batch.Orchestrator, opts Options, rec *instrument.Recorder) *Service {
	if opts.MaxBatchSize < 1 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.DefaultPolicy == "" {
		opts.DefaultPolicy = batch.Sequential
	}
	return &Service{
		engine:        engine,
		orchestrator:  orchestrator,
		maxBatchSize:  opts.MaxBatchSize,
		defaultPolicy: opts.DefaultPolicy,
		recorder:      rec,
	}
}

// MaxBatchSize returns the largest accepted batch.
func (s *Service) MaxBatchSize() int {
	return s.maxBatchSize
}

// MaxConcurrency returns the cap on classifications a single request may run
// at once (< 1 means unbounded).
func (s *Service) MaxConcurrency() int {
	return s.orchestrator.MaxConcurrency()
}

// Bind returns the serving contract for one transport. transport labels
// metrics; serviceName is reported by Health.
func (s *Service) Bind(transport, serviceName string, enc Encoder) *Binding {
	return &Binding{
		svc:         s,
		transport:   transport,
		serviceName: serviceName,
		enc:         enc,
	}
}

// Binding is the four-operation contract a transport exposes.
type Binding struct {
	svc         *Service
	transport   string
	serviceName string
	enc         Encoder
}

// Transport returns the binding's transport label.
func (b *Binding) Transport() string {
	return b.transport
}

// ClassifyImage classifies one image. An empty payload is rejected before the
// engine runs, and no metrics are produced for it.
func (b *Binding) ClassifyImage(ctx context.Context, img Image) (*instrument.Measurement[classifier.Result], error) {
	if len(img.Data) == 0 {
		b.svc.recorder.Record(ctx, b.transport, "classify", CodeBadRequest.String(), nil)
		return nil, fmt.Errorf("%w: no image data provided", ErrBadRequest)
	}

	m, err := instrument.Measure(ctx,
		func(ctx context.Context) (classifier.Result, error) {
			return b.svc.engine.Classify(ctx, img.Data)
		},
		b.enc.EncodeResult,
	)
	if err != nil {
		return nil, b.fail(ctx, "classify", err)
	}

	b.svc.recorder.Record(ctx, b.transport, "classify", CodeOK.String(), &m.Metrics)
	logger.FromContext(ctx).DebugContext(ctx, "classified image",
		"transport", b.transport,
		"filename", img.Filename,
		"bytes", len(img.Data),
		"label", m.Value.Label,
		"duration_ms", m.Metrics.DurationMillis,
	)
	return m, nil
}

// ClassifyImages classifies a batch atomically under policy (empty policy
// means the service default). Results are aligned with imgs.
func (b *Binding) ClassifyImages(ctx context.Context, imgs []Image, policy batch.Policy) (*instrument.Measurement[[]Labeled], error) {
	if len(imgs) == 0 {
		b.svc.recorder.Record(ctx, b.transport, "classify_batch", CodeBadRequest.String(), nil)
		return nil, fmt.Errorf("%w: no images provided", ErrBadRequest)
	}
	if len(imgs) > b.svc.maxBatchSize {
		b.svc.recorder.Record(ctx, b.transport, "classify_batch", CodeBadRequest.String(), nil)
		return nil, fmt.Errorf("%w: batch of %d exceeds limit of %d", ErrBadRequest, len(imgs), b.svc.maxBatchSize)
	}
	if policy == "" {
		policy = b.svc.defaultPolicy
	}

	payloads := lo.Map(imgs, func(img Image, _ int) []byte { return img.Data })

	m, err := instrument.Measure(ctx,
		func(ctx context.Context) ([]Labeled, error) {
			results, err := b.svc.orchestrator.ClassifyAll(ctx, payloads, policy)
			if err != nil {
				return nil, err
			}
			return lo.Map(results, func(r classifier.Result, i int) Labeled {
				return Labeled{Filename: imgs[i].Filename, Result: r}
			}), nil
		},
		b.enc.EncodeBatch,
	)
	if err != nil {
		return nil, b.fail(ctx, "classify_batch", err)
	}

	b.svc.recorder.Record(ctx, b.transport, "classify_batch", CodeOK.String(), &m.Metrics)
	logger.FromContext(ctx).DebugContext(ctx, "classified batch",
		"transport", b.transport,
		"count", len(imgs),
		"policy", string(policy),
		"duration_ms", m.Metrics.DurationMillis,
	)
	return m, nil
}

// ModelInfo returns the static model descriptor.
func (b *Binding) ModelInfo() classifier.ModelInfo {
	return b.svc.engine.ModelInfo()
}

// Health returns the liveness marker.
func (b *Binding) Health() Health {
	return Health{Status: "OK", Service: b.serviceName}
}

// fail records the failure and normalizes it into the taxonomy. Unclassified
// errors are logged here and wrapped as ErrInternal.
func (b *Binding) fail(ctx context.Context, operation string, err error) error {
	code := CodeOf(err)
	b.svc.recorder.Record(ctx, b.transport, operation, code.String(), nil)

	switch code {
	case CodeBadRequest:
		if errors.Is(err, ErrBadRequest) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	case CodeInternal:
		logger.FromContext(ctx).ErrorContext(ctx, "classification failed",
			"transport", b.transport,
			"operation", operation,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrInternal, err)
	default:
		return err
	}
}
