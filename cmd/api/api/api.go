package api

import (
	"encoding/json"

	"github.com/go-chi/chi/v5"
	"github.com/onkernel/classifyd/cmd/api/config"
	"github.com/onkernel/classifyd/lib/classifier"
	"github.com/onkernel/classifyd/lib/serving"
	"github.com/onkernel/classifyd/lib/uploads"
)

// Transport labels for metrics.
const (
	TransportREST   = "rest"
	TransportUpload = "upload"
)

// ServiceName is reported by GET /health.
const ServiceName = "REST API"

// jsonEncoder writes response bodies as plain JSON.
type jsonEncoder struct{}

func (jsonEncoder) EncodeResult(r classifier.Result) ([]byte, error) {
	return json.Marshal(r)
}

func (jsonEncoder) EncodeBatch(ls []serving.Labeled) ([]byte, error) {
	return json.Marshal(serving.BatchResult{Count: len(ls), Results: ls})
}

// ApiService implements the REST and upload-then-classify bindings
type ApiService struct {
	Config  *config.Config
	Service *serving.Service
	Uploads *uploads.Store

	rest   *serving.Binding
	upload *serving.Binding
}

// New creates a new ApiService
func New(
	config *config.Config,
	service *serving.Service,
	store *uploads.Store,
) *ApiService {
	return &ApiService{
		Config:  config,
		Service: service,
		Uploads: store,
		rest:    service.Bind(TransportREST, ServiceName, jsonEncoder{}),
		upload:  service.Bind(TransportUpload, ServiceName, jsonEncoder{}),
	}
}

// Routes registers the REST routes on r.
func (s *ApiService) Routes(r chi.Router) {
	r.Post("/uploadImage", s.UploadImage)
	r.Post("/uploadImages", s.UploadImages)
	r.Post("/classify", s.Classify)
	r.Get("/model-info", s.GetModelInfo)
	r.Get("/health", s.GetHealth)

	r.Route("/uploads", func(r chi.Router) {
		r.Post("/", s.CreateUpload)
		r.Post("/{id}/classify", s.ClassifyUpload)
		r.Delete("/{id}", s.DeleteUpload)
	})
}
