package typedrpc

import (
	"encoding/json"
	"net/http"

	"github.com/onkernel/classifyd/lib/serving"
)

// JSON-RPC style error codes reported in error envelopes.
const (
	codeBadRequest         = -32600
	codeNotFound           = -32004
	codeMethodNotSupported = -32005
	codeInternal           = -32603
)

type successEnvelope struct {
	Result successResult `json:"result"`
}

type successResult struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Data    errorData `json:"data"`
}

type errorData struct {
	Code       string `json:"code"`
	HTTPStatus int    `json:"httpStatus"`
	Path       string `json:"path,omitempty"`
}

func marshalSuccess(data any) ([]byte, error) {
	return json.Marshal(successEnvelope{Result: successResult{Data: data}})
}

// newError builds the error envelope for err raised by procedure path.
func newError(path string, err error) errorEnvelope {
	body := errorBody{
		Message: serving.PublicMessage(err),
		Data:    errorData{Path: path},
	}
	switch serving.CodeOf(err) {
	case serving.CodeBadRequest:
		body.Code = codeBadRequest
		body.Data.Code, body.Data.HTTPStatus = "BAD_REQUEST", http.StatusBadRequest
	case serving.CodeNotFound:
		body.Code = codeNotFound
		body.Data.Code, body.Data.HTTPStatus = "NOT_FOUND", http.StatusNotFound
	case serving.CodeUpstream:
		body.Code = codeInternal
		body.Data.Code, body.Data.HTTPStatus = "BAD_GATEWAY", http.StatusBadGateway
	default:
		body.Code = codeInternal
		body.Data.Code, body.Data.HTTPStatus = "INTERNAL_SERVER_ERROR", http.StatusInternalServerError
	}
	return errorEnvelope{Error: body}
}

func methodNotSupported(path, method string) errorEnvelope {
	return errorEnvelope{Error: errorBody{
		Message: "unsupported method " + method + " for " + path,
		Code:    codeMethodNotSupported,
		Data:    errorData{Code: "METHOD_NOT_SUPPORTED", HTTPStatus: http.StatusMethodNotAllowed, Path: path},
	}}
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, env errorEnvelope) {
	body, _ := json.Marshal(env)
	writeJSON(w, env.Error.Data.HTTPStatus, body)
}
