package api

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/onkernel/classifyd/lib/logger"
	"github.com/onkernel/classifyd/lib/serving"
	"github.com/onkernel/classifyd/lib/uploads"
)

// Upload is the response to POST /uploads
type Upload struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename,omitempty"`
	Size      int       `json:"size"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CreateUpload stores an image for a later classify call. The image is the
// multipart field "image" or, for any other content type, the raw body.
func (s *ApiService) CreateUpload(w http.ResponseWriter, r *http.Request) {
	var img serving.Image
	if isMultipart(r) {
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
		if img, err = s.readFile(files[0]); err != nil {
			writeError(w, err)
			return
		}
	} else {
		var err error
		if img, err = s.readRaw(w, r); err != nil {
			writeError(w, err)
			return
		}
	}

	u, err := s.Uploads.Put(img.Filename, img.Data)
	if err != nil {
		writeError(w, uploadError(err, ""))
		return
	}

	logger.FromContext(r.Context()).DebugContext(r.Context(), "stored upload",
		"upload_id", u.ID, "bytes", len(u.Data), "expires_at", u.ExpiresAt)
	writeValue(w, http.StatusCreated, Upload{
		ID:        u.ID,
		Filename:  u.Filename,
		Size:      len(u.Data),
		ExpiresAt: u.ExpiresAt,
	})
}

// ClassifyUpload consumes an upload and classifies it. A second call with the
// same id returns 404.
func (s *ApiService) ClassifyUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	u, err := s.Uploads.Take(r.Context(), id)
	if err != nil {
		writeError(w, uploadError(err, id))
		return
	}

	m, err := s.upload.ClassifyImage(r.Context(), serving.Image{Filename: u.Filename, Data: u.Data})
	if err != nil {
		writeError(w, err)
		return
	}
	writeMeasured(w, m.Metrics, m.Body)
}

// DeleteUpload expires an upload without classifying it.
func (s *ApiService) DeleteUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Uploads.Expire(r.Context(), id); err != nil {
		writeError(w, uploadError(err, id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func uploadError(err error, id string) error {
	switch {
	case errors.Is(err, uploads.ErrNotFound):
		return fmt.Errorf("%w: upload %q", serving.ErrNotFound, id)
	case errors.Is(err, uploads.ErrEmpty):
		return fmt.Errorf("%w: %w", serving.ErrBadRequest, err)
	default:
		return err
	}
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}
