package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/onkernel/classifyd/lib/batch"
	"github.com/onkernel/classifyd/lib/classifier"
	"github.com/onkernel/classifyd/lib/serving"
	"github.com/samber/lo"
	"storj.io/drpc/drpcerr"
)

// drpc error codes, numbered after the equivalent gRPC status codes.
const (
	CodeBadRequest uint64 = 3
	CodeNotFound   uint64 = 5
	CodeInternal   uint64 = 13
	CodeUpstream   uint64 = 14
)

// Transport is the metrics label of the binary RPC binding.
const Transport = "drpc"

// ServiceName is reported by Health.
const ServiceName = "DRPC API"

// resultEncoder produces the measured portion of a response: the result
// fields without the metrics trailer.
type resultEncoder struct{}

func (resultEncoder) EncodeResult(r classifier.Result) ([]byte, error) {
	return (&ClassifyResponse{Label: r.Label, Confidence: r.Confidence}).marshalResult(nil), nil
}

func (resultEncoder) EncodeBatch(ls []serving.Labeled) ([]byte, error) {
	return batchResponse(ls).marshalResult(nil), nil
}

func batchResponse(ls []serving.Labeled) *BatchResponse {
	return &BatchResponse{
		Results: lo.Map(ls, func(l serving.Labeled, _ int) *ClassifyResponse {
			return &ClassifyResponse{Label: l.Label, Confidence: l.Confidence, Filename: l.Filename}
		}),
		Count: int64(len(ls)),
	}
}

// Server implements ClassifierServer on top of the shared serving logic.
type Server struct {
	binding *serving.Binding
}

var _ ClassifierServer = (*Server)(nil)

// NewServer binds svc to the binary RPC transport.
func NewServer(svc *serving.Service) *Server {
	return &Server{binding: svc.Bind(Transport, ServiceName, resultEncoder{})}
}

func (s *Server) UploadImage(ctx context.Context, req *ClassifyRequest) (*ClassifyResponse, error) {
	m, err := s.binding.ClassifyImage(ctx, serving.Image{Filename: req.Filename, Data: req.ImageData})
	if err != nil {
		return nil, toRPCError(err)
	}
	return &ClassifyResponse{
		Label:       m.Value.Label,
		Confidence:  m.Value.Confidence,
		DurationMs:  m.Metrics.DurationMillis,
		PayloadSize: m.Metrics.PayloadSizeBytes,
	}, nil
}

func (s *Server) UploadImages(ctx context.Context, req *BatchRequest) (*BatchResponse, error) {
	imgs := lo.Map(req.Images, func(img *ClassifyRequest, _ int) serving.Image {
		return serving.Image{Filename: img.Filename, Data: img.ImageData}
	})

	var policy batch.Policy
	if req.Policy != "" {
		p, err := batch.ParsePolicy(req.Policy)
		if err != nil {
			return nil, toRPCError(fmt.Errorf("%w: %w", serving.ErrBadRequest, err))
		}
		policy = p
	}

	m, err := s.binding.ClassifyImages(ctx, imgs, policy)
	if err != nil {
		return nil, toRPCError(err)
	}
	resp := batchResponse(m.Value)
	resp.DurationMs = m.Metrics.DurationMillis
	resp.PayloadSize = m.Metrics.PayloadSizeBytes
	return resp, nil
}

func (s *Server) GetModelInfo(ctx context.Context, req *ModelInfoRequest) (*ModelInfoResponse, error) {
	info := s.binding.ModelInfo()
	return &ModelInfoResponse{
		Name:        info.Name,
		Version:     info.Version,
		Categories:  info.Categories,
		Description: info.Description,
	}, nil
}

func (s *Server) Health(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	h := s.binding.Health()
	return &HealthResponse{Status: h.Status, Service: h.Service}, nil
}

// toRPCError attaches the drpc code for err and hides internal causes.
func toRPCError(err error) error {
	code := serving.CodeOf(err)
	msg := serving.PublicMessage(err)
	switch code {
	case serving.CodeBadRequest:
		return drpcerr.WithCode(errors.New(msg), CodeBadRequest)
	case serving.CodeNotFound:
		return drpcerr.WithCode(errors.New(msg), CodeNotFound)
	case serving.CodeUpstream:
		return drpcerr.WithCode(errors.New(msg), CodeUpstream)
	default:
		return drpcerr.WithCode(errors.New(msg), CodeInternal)
	}
}

// FromRPCError maps an error returned by a drpc call back into the serving
// taxonomy. Errors without a drpc code are transport failures.
func FromRPCError(err error) error {
	if err == nil {
		return nil
	}
	switch drpcerr.Code(err) {
	case CodeBadRequest:
		return fmt.Errorf("%w: %w", serving.ErrBadRequest, err)
	case CodeNotFound:
		return fmt.Errorf("%w: %w", serving.ErrNotFound, err)
	case CodeInternal:
		return fmt.Errorf("%w: %w", serving.ErrInternal, err)
	default:
		return fmt.Errorf("%w: %w", serving.ErrUpstream, err)
	}
}
