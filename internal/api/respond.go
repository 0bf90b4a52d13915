package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/ragdiary/internal/proxy"
)

// errorBody is the OpenAI error envelope every route answers with.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSONStatus(w, code, errorBody{Error: errorDetail{Message: fmt.Sprintf(format, args...), Type: errType}})
}

// writeUpstreamError relays 4xx answers from the upstream model with their
// own status, so the client sees its own mistakes. Anything else is a 502.
func writeUpstreamError(w http.ResponseWriter, err error) {
	var se *proxy.StatusError
	if !errors.As(err, &se) || se.Status < 400 || se.Status >= 500 {
		httpError(w, http.StatusBadGateway, "api_error", "upstream error: %v", err)
		return
	}
	if !json.Valid([]byte(se.Body)) {
		httpError(w, se.Status, "upstream_error", "%s", se.Body)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(se.Status)
	w.Write([]byte(se.Body))
}
