package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/onkernel/classifyd/lib/batch"
	"github.com/onkernel/classifyd/lib/serving"
)

// multipartMemory is how much of a multipart form is kept in memory before
// spilling to temp files.
const multipartMemory = 32 << 20

// UploadImage classifies the multipart file field "image".
func (s *ApiService) UploadImage(w http.ResponseWriter, r *http.Request) {
	form, err := s.parseMultipart(w, r, 1)
	if err != nil {
		writeError(w, err)
		return
	}
	defer form.RemoveAll()

	files := form.File["image"]
	if len(files) == 0 {
		writeError(w, fmt.Errorf("%w: no image file provided", serving.ErrBadRequest))
		return
	}
	img, err := s.readFile(files[0])
	if err != nil {
		writeError(w, err)
		return
	}

	m, err := s.rest.ClassifyImage(r.Context(), img)
	if err != nil {
		writeError(w, err)
		return
	}
	writeMeasured(w, m.Metrics, m.Body)
}

// UploadImages classifies the multipart file fields "images" as one batch.
// The optional policy query parameter selects sequential or parallel
// execution.
func (s *ApiService) UploadImages(w http.ResponseWriter, r *http.Request) {
	var policy batch.Policy
	if raw := r.URL.Query().Get("policy"); raw != "" {
		p, err := batch.ParsePolicy(raw)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %w", serving.ErrBadRequest, err))
			return
		}
		policy = p
	}

	form, err := s.parseMultipart(w, r, s.Service.MaxBatchSize())
	if err != nil {
		writeError(w, err)
		return
	}
	defer form.RemoveAll()

	files := form.File["images"]
	if len(files) == 0 {
		writeError(w, fmt.Errorf("%w: no image files provided", serving.ErrBadRequest))
		return
	}
	if len(files) > s.Service.MaxBatchSize() {
		writeError(w, fmt.Errorf("%w: at most %d images per batch", serving.ErrBadRequest, s.Service.MaxBatchSize()))
		return
	}

	imgs := make([]serving.Image, len(files))
	for i, fh := range files {
		img, err := s.readFile(fh)
		if err != nil {
			writeError(w, err)
			return
		}
		imgs[i] = img
	}

	m, err := s.rest.ClassifyImages(r.Context(), imgs, policy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeMeasured(w, m.Metrics, m.Body)
}

// Classify classifies a raw request body.
func (s *ApiService) Classify(w http.ResponseWriter, r *http.Request) {
	img, err := s.readRaw(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	m, err := s.rest.ClassifyImage(r.Context(), img)
	if err != nil {
		writeError(w, err)
		return
	}
	writeMeasured(w, m.Metrics, m.Body)
}

// GetModelInfo returns the model descriptor.
func (s *ApiService) GetModelInfo(w http.ResponseWriter, r *http.Request) {
	writeValue(w, http.StatusOK, s.rest.ModelInfo())
}

// GetHealth returns the liveness marker.
func (s *ApiService) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeValue(w, http.StatusOK, s.rest.Health())
}

func (s *ApiService) maxUploadSize() int64 {
	return int64(s.Config.MaxUploadSize.Bytes())
}

// parseMultipart parses a form holding at most maxFiles files of the
// configured upload size.
func (s *ApiService) parseMultipart(w http.ResponseWriter, r *http.Request, maxFiles int) (*multipart.Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize()*int64(maxFiles)+1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, fmt.Errorf("%w: invalid multipart form: %w", serving.ErrBadRequest, err)
	}
	return r.MultipartForm, nil
}

func (s *ApiService) readFile(fh *multipart.FileHeader) (serving.Image, error) {
	if fh.Size > s.maxUploadSize() {
		return serving.Image{}, fmt.Errorf("%w: %s exceeds the %s upload limit", serving.ErrBadRequest, fh.Filename, s.Config.MaxUploadSize.HumanReadable())
	}
	f, err := fh.Open()
	if err != nil {
		return serving.Image{}, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return serving.Image{}, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	return serving.Image{Filename: fh.Filename, Data: data}, nil
}

func (s *ApiService) readRaw(w http.ResponseWriter, r *http.Request) (serving.Image, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadSize()))
	if err != nil {
		return serving.Image{}, fmt.Errorf("%w: read body: %w", serving.ErrBadRequest, err)
	}
	return serving.Image{Filename: r.URL.Query().Get("filename"), Data: data}, nil
}
