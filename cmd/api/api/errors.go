package api

import (
	"encoding/json"
	"net/http"

	"github.com/onkernel/classifyd/lib/instrument"
	"github.com/onkernel/classifyd/lib/serving"
)

// Error is the JSON body of every failed REST response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusFor(code serving.Code) int {
	switch code {
	case serving.CodeBadRequest:
		return http.StatusBadRequest
	case serving.CodeNotFound:
		return http.StatusNotFound
	case serving.CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := serving.CodeOf(err)
	body, _ := json.Marshal(Error{Code: code.String(), Message: serving.PublicMessage(err)})
	writeJSON(w, statusFor(code), body)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeValue(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, body)
}

// writeMeasured writes a classification body with its metrics headers.
func writeMeasured(w http.ResponseWriter, m instrument.Metrics, body []byte) {
	instrument.SetHeaders(w.Header(), m)
	writeJSON(w, http.StatusOK, body)
}
